package authcore

import (
	"context"
	"time"

	"github.com/MrEthical07/authcore/jwt"
)

// AccountStatus represents whether an account may authenticate.
type AccountStatus uint8

const (
	AccountActive AccountStatus = iota
	AccountDisabled
)

// Account is the identity snapshot the engine copies into tokens. It is
// cached in the auth tier, so providers should return a fresh value on
// every call.
type Account struct {
	ID          string        `cbor:"1,keyasint" json:"id"`
	Username    string        `cbor:"2,keyasint,omitempty" json:"username,omitempty"`
	Email       string        `cbor:"3,keyasint,omitempty" json:"email,omitempty"`
	Role        string        `cbor:"4,keyasint,omitempty" json:"role,omitempty"`
	Permissions []string      `cbor:"5,keyasint,omitempty" json:"permissions,omitempty"`
	Status      AccountStatus `cbor:"6,keyasint" json:"status"`
}

// AccountProvider is implemented by the account subsystem. The engine never
// sees password hashes.
//
// CheckCredentials reports false for unknown accounts and wrong secrets
// alike; errors are reserved for backend failures. GetAccount returns
// ErrAccountNotFound for unknown ids.
type AccountProvider interface {
	CheckCredentials(ctx context.Context, accountID, secret string) (bool, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
}

// Credentials is the input of [Engine.Authenticate].
type Credentials struct {
	AccountID  string
	Secret     string
	RememberMe bool
}

// TokenPair is returned by Authenticate and Refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	SessionID        string    `json:"session_id"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Claims is the decoded payload of a validated token.
type Claims = jwt.Claims

// TokenType values carried in the tokenType claim.
const (
	TokenTypeAccess     = jwt.TypeAccess
	TokenTypeRefresh    = jwt.TypeRefresh
	TokenTypeRememberMe = jwt.TypeRememberMe
)
