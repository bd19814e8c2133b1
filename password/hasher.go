package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	algorithmID           = "argon2id"

	// MaxSecretBytes caps the input length to bound hashing cost.
	MaxSecretBytes = 1024
)

var (
	ErrSecretEmpty   = errors.New("secret is empty")
	ErrSecretTooLong = errors.New("secret exceeds maximum length")
	ErrInvalidHash   = errors.New("invalid password hash")
)

// Config holds Argon2id cost parameters.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultConfig returns the OWASP-recommended Argon2id baseline.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher hashes and verifies secrets. It is safe for concurrent use.
type Hasher struct {
	config Config
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

// NewHasher validates cfg and returns a Hasher.
func NewHasher(cfg Config) (*Hasher, error) {
	switch {
	case cfg.Memory < minMemoryKB:
		return nil, fmt.Errorf("password memory must be >= %d KB", minMemoryKB)
	case cfg.Time < minTimeCost:
		return nil, errors.New("password time must be >= 1")
	case cfg.Parallelism < minParallelism:
		return nil, errors.New("password parallelism must be >= 1")
	case cfg.SaltLength < minSaltLength:
		return nil, fmt.Errorf("password salt length must be >= %d", minSaltLength)
	case cfg.KeyLength < minKeyLength:
		return nil, fmt.Errorf("password key length must be >= %d", minKeyLength)
	}
	return &Hasher{config: cfg}, nil
}

// Hash returns the PHC encoding of secret under a fresh random salt. The
// secret bytes are used as given, without Unicode normalization.
func (h *Hasher) Hash(secret string) (string, error) {
	if err := checkSecret(secret); err != nil {
		return "", err
	}

	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(secret), salt, h.config.Time, h.config.Memory, h.config.Parallelism, h.config.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.config.Memory,
		h.config.Time,
		h.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches encoded. Parameters are read from
// the encoding, so hashes made under older settings still verify.
func (h *Hasher) Verify(secret, encoded string) (bool, error) {
	if err := checkSecret(secret); err != nil {
		return false, err
	}
	p, err := parse(encoded)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(secret), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.hash)))
	return subtle.ConstantTimeCompare(key, p.hash) == 1, nil
}

// NeedsRehash reports whether encoded was produced with weaker parameters
// than the hasher's current configuration.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	p, err := parse(encoded)
	if err != nil {
		return false, err
	}
	return h.config.Memory > p.memory ||
		h.config.Time > p.time ||
		h.config.Parallelism > p.parallelism ||
		h.config.KeyLength != uint32(len(p.hash)), nil
}

func checkSecret(secret string) error {
	if secret == "" {
		return ErrSecretEmpty
	}
	if len(secret) > MaxSecretBytes {
		return ErrSecretTooLong
	}
	return nil
}

func parse(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, ErrInvalidHash
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidHash, parts[2])
	}

	var p phc
	var seen int
	for _, pair := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, ErrInvalidHash
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, ErrInvalidHash
		}
		switch k {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			if n > 255 {
				return nil, ErrInvalidHash
			}
			p.parallelism = uint8(n)
		default:
			return nil, ErrInvalidHash
		}
		seen++
	}
	if seen != 3 || p.memory < minMemoryKB || p.time < minTimeCost || p.parallelism < minParallelism {
		return nil, ErrInvalidHash
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(p.salt) < int(minSaltLength) {
		return nil, ErrInvalidHash
	}
	if p.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.hash) < int(minKeyLength) {
		return nil, ErrInvalidHash
	}
	return &p, nil
}
