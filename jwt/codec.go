package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the JWS algorithm used by a [Codec].
type SigningMethod string

const (
	// MethodHS256 signs with HMAC-SHA256 over a shared secret.
	MethodHS256 SigningMethod = "hs256"
	// MethodEd25519 signs with EdDSA over an Ed25519 key pair.
	MethodEd25519 SigningMethod = "ed25519"
)

// TokenType is carried in the tokenType claim and decides where a token may
// be presented.
type TokenType string

const (
	TypeAccess     TokenType = "ACCESS"
	TypeRefresh    TokenType = "REFRESH"
	TypeRememberMe TokenType = "REMEMBER_ME"
)

// Valid reports whether t is one of the known token types.
func (t TokenType) Valid() bool {
	switch t {
	case TypeAccess, TypeRefresh, TypeRememberMe:
		return true
	}
	return false
}

// IsRefresh reports whether t can be exchanged at the refresh endpoint.
func (t TokenType) IsRefresh() bool {
	return t == TypeRefresh || t == TypeRememberMe
}

const minHMACKeyLen = 32

var (
	ErrMalformed        = errors.New("token malformed")
	ErrInvalidSignature = errors.New("token signature invalid")
	ErrExpired          = errors.New("token expired")
	ErrNotYetValid      = errors.New("token not yet valid")
	ErrUnsupportedType  = errors.New("token type not supported here")
	ErrInvalidClaims    = errors.New("token claims invalid")
)

// Config configures a [Codec].
type Config struct {
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	// MaxFutureIAT bounds how far ahead of now an iat may sit. Zero means 10m.
	MaxFutureIAT time.Duration
	KeyID        string
	// VerifyKeys maps kid to verification key. When set, tokens must carry a
	// known kid.
	VerifyKeys map[string][]byte
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Claims is the wire payload of every token the codec issues.
type Claims struct {
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
	TokenType   TokenType `json:"tokenType"`
	SessionID   string    `json:"sid"`
	jwt.RegisteredClaims
}

// TokenID returns the jti claim.
func (c *Claims) TokenID() string { return c.ID }

// Expiry returns the exp claim, or the zero time when absent.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// HasPermission reports whether perm is listed in the permissions claim.
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Codec issues and verifies signed tokens. It holds no mutable state and is
// safe for concurrent use.
type Codec struct {
	config Config
	method jwt.SigningMethod
	sign   interface{}
	verify interface{}
}

// NewCodec validates cfg and returns a ready codec.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("issuer is required")
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("audience is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	c := &Codec{config: cfg}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < minHMACKeyLen {
			return nil, fmt.Errorf("hs256 requires a key of at least %d bytes", minHMACKeyLen)
		}
		c.method = jwt.SigningMethodHS256
		c.sign = cfg.PrivateKey
		c.verify = cfg.PrivateKey
	case MethodEd25519:
		c.method = jwt.SigningMethodEdDSA
		if len(cfg.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(cfg.PrivateKey)
			if err != nil {
				return nil, err
			}
			c.sign = priv
		}
		if len(cfg.PublicKey) > 0 {
			pub, err := parseEdPublicKey(cfg.PublicKey)
			if err != nil {
				return nil, err
			}
			c.verify = pub
		}
		if len(cfg.VerifyKeys) == 0 && c.verify == nil {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	for kid, key := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("verify key map contains empty kid")
		}
		if _, err := c.keyBytesToVerifyKey(key); err != nil {
			return nil, fmt.Errorf("invalid verify key for kid %q: %w", kid, err)
		}
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}
	return c, nil
}

// CanSign reports whether the codec holds a signing key. Verify-only codecs
// (Ed25519 with a public key alone) return false.
func (c *Codec) CanSign() bool {
	return c.sign != nil
}

// Issue signs a new token of the given type. Identity fields (UserID,
// Username, Email, Role, Permissions, SessionID) are taken from template;
// registered claims are filled by the codec. The returned claims are the
// exact payload that was signed.
func (c *Codec) Issue(template Claims, tokenType TokenType, validity time.Duration) (string, *Claims, error) {
	if !tokenType.Valid() {
		return "", nil, ErrUnsupportedType
	}
	if validity <= 0 {
		return "", nil, errors.New("validity must be positive")
	}
	if template.UserID == "" || template.SessionID == "" {
		return "", nil, errors.New("userId and sid are required")
	}
	if c.sign == nil {
		return "", nil, errors.New("codec has no signing key")
	}

	now := c.config.Now()
	claims := &Claims{
		UserID:      template.UserID,
		Username:    template.Username,
		Email:       template.Email,
		Role:        template.Role,
		Permissions: append(make([]string, 0, len(template.Permissions)), template.Permissions...),
		TokenType:   tokenType,
		SessionID:   template.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   template.UserID,
			Issuer:    c.config.Issuer,
			Audience:  jwt.ClaimStrings{c.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
	}

	token := jwt.NewWithClaims(c.method, claims)
	if c.config.KeyID != "" {
		token.Header["kid"] = c.config.KeyID
	}
	signed, err := token.SignedString(c.sign)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Decode verifies the signature, validity window, issuer, audience and
// required claims of token. The returned error is one of the package
// sentinels.
func (c *Codec) Decode(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMalformed
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithTimeFunc(c.config.Now),
		jwt.WithIssuer(c.config.Issuer),
		jwt.WithAudience(c.config.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if c.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(c.config.Leeway))
	}

	parser := jwt.NewParser(options...)
	parsed, err := parser.ParseWithClaims(token, &Claims{}, c.keyFunc)
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidClaims
	}
	if err := c.checkRequired(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// DecodeAs decodes token and additionally requires its type to be one of
// allowed.
func (c *Codec) DecodeAs(token string, allowed ...TokenType) (*Claims, error) {
	claims, err := c.Decode(token)
	if err != nil {
		return nil, err
	}
	for _, t := range allowed {
		if claims.TokenType == t {
			return claims, nil
		}
	}
	return nil, ErrUnsupportedType
}

func (c *Codec) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != c.method.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}

	if len(c.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := c.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return c.keyBytesToVerifyKey(key)
	}

	if c.config.KeyID != "" {
		kid, _ := t.Header["kid"].(string)
		if kid != c.config.KeyID {
			return nil, errors.New("unknown kid")
		}
	}
	return c.verify, nil
}

func (c *Codec) checkRequired(claims *Claims) error {
	switch {
	case claims.ID == "",
		claims.Subject == "",
		claims.IssuedAt == nil,
		claims.NotBefore == nil,
		claims.UserID == "",
		claims.SessionID == "":
		return ErrInvalidClaims
	case claims.Subject != claims.UserID:
		return ErrInvalidClaims
	case !claims.TokenType.Valid():
		return ErrUnsupportedType
	}
	if claims.IssuedAt.Time.After(c.config.Now().Add(c.config.MaxFutureIAT)) {
		return ErrNotYetValid
	}
	return nil
}

// classify maps parser errors onto the codec taxonomy. The parser joins
// validation failures, so signature and structure are checked before the
// time window.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ErrNotYetValid
	default:
		return ErrInvalidClaims
	}
}

func (c *Codec) keyBytesToVerifyKey(key []byte) (interface{}, error) {
	switch c.config.SigningMethod {
	case MethodHS256:
		if len(key) < minHMACKeyLen {
			return nil, errors.New("hs256 verify key too short")
		}
		return key, nil
	default:
		return parseEdPublicKey(key)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
