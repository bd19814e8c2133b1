package flows

import (
	"context"

	"github.com/MrEthical07/authcore/jwt"
)

// ValidateFailureKind classifies validation failures for root-level mapping.
type ValidateFailureKind int

const (
	ValidateFailureNone ValidateFailureKind = iota
	ValidateFailureDecode
	ValidateFailureBlacklisted
	ValidateFailureStore
	ValidateFailurePermission
)

// ValidateResult returns either claims or a classified failure.
type ValidateResult struct {
	Failure ValidateFailureKind
	Err     error
	Claims  *jwt.Claims
	// Missing lists the required permissions the token lacked.
	Missing []string
}

type ValidateBlacklist interface {
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

// ValidateDeps captures access-token validation dependencies.
type ValidateDeps struct {
	Codec     TokenCodec
	Blacklist ValidateBlacklist
}

// RunValidate checks, in order: signature and validity window, token type,
// the blacklist, then each required permission. A blacklist lookup error
// rejects the token.
func RunValidate(ctx context.Context, token string, required []string, deps ValidateDeps) ValidateResult {
	claims, err := deps.Codec.DecodeAs(token, jwt.TypeAccess)
	if err != nil {
		return ValidateResult{Failure: ValidateFailureDecode, Err: err}
	}

	revoked, err := deps.Blacklist.IsBlacklisted(ctx, claims.TokenID())
	if err != nil {
		return ValidateResult{Failure: ValidateFailureStore, Err: err, Claims: claims}
	}
	if revoked {
		return ValidateResult{Failure: ValidateFailureBlacklisted, Claims: claims}
	}

	var missing []string
	for _, perm := range required {
		if !claims.HasPermission(perm) {
			missing = append(missing, perm)
		}
	}
	if len(missing) > 0 {
		return ValidateResult{Failure: ValidateFailurePermission, Claims: claims, Missing: missing}
	}
	return ValidateResult{Claims: claims}
}
