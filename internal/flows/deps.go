package flows

import (
	"time"

	"github.com/MrEthical07/authcore/jwt"
)

// Deps groups flow dependency sets. The root engine builds this once and
// delegates request methods to the matching flow.
type Deps struct {
	Login    LoginDeps
	Validate ValidateDeps
	Refresh  RefreshDeps
	Logout   LogoutDeps

	Introspection IntrospectionDeps
}

// TokenCodec issues and decodes signed tokens.
type TokenCodec interface {
	Issue(template jwt.Claims, tokenType jwt.TokenType, validity time.Duration) (string, *jwt.Claims, error)
	DecodeAs(token string, allowed ...jwt.TokenType) (*jwt.Claims, error)
}

// Identity is the account snapshot copied into issued tokens.
type Identity struct {
	UserID      string
	Username    string
	Email       string
	Role        string
	Permissions []string
	Disabled    bool
}

func (id Identity) template(sessionID string) jwt.Claims {
	return jwt.Claims{
		UserID:      id.UserID,
		Username:    id.Username,
		Email:       id.Email,
		Role:        id.Role,
		Permissions: id.Permissions,
		SessionID:   sessionID,
	}
}

// IssuedPair is an access/refresh pair together with the signed claims.
type IssuedPair struct {
	AccessToken   string
	RefreshToken  string
	AccessClaims  *jwt.Claims
	RefreshClaims *jwt.Claims
}

func issuePair(
	codec TokenCodec,
	id Identity,
	sessionID string,
	refreshType jwt.TokenType,
	accessTTL, refreshTTL time.Duration,
) (IssuedPair, error) {
	tmpl := id.template(sessionID)
	access, accessClaims, err := codec.Issue(tmpl, jwt.TypeAccess, accessTTL)
	if err != nil {
		return IssuedPair{}, err
	}
	refresh, refreshClaims, err := codec.Issue(tmpl, refreshType, refreshTTL)
	if err != nil {
		return IssuedPair{}, err
	}
	return IssuedPair{
		AccessToken:   access,
		RefreshToken:  refresh,
		AccessClaims:  accessClaims,
		RefreshClaims: refreshClaims,
	}, nil
}
