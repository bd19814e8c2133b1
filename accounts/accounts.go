package accounts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/validation"
)

var (
	ErrAccountExists     = errors.New("account already exists")
	ErrAccountIDRequired = errors.New("account id is required")
	ErrWeakSecret        = errors.New("secret does not satisfy password policy")
)

// PolicyError lists the password rules a secret broke. It unwraps to
// ErrWeakSecret.
type PolicyError struct {
	Messages []string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrWeakSecret, strings.Join(e.Messages, "; "))
}

func (e *PolicyError) Unwrap() error { return ErrWeakSecret }

// NewAccount is the input of Create.
type NewAccount struct {
	authcore.Account
	Secret string
}

// Options configures a store.
type Options struct {
	Hasher *password.Hasher
	// Policy is applied to secrets on Create and SetSecret. A zero policy
	// accepts any secret the hasher accepts.
	Policy validation.PasswordPolicy
}

func (o Options) withDefaults() (Options, error) {
	if o.Hasher == nil {
		h, err := password.NewHasher(password.DefaultConfig())
		if err != nil {
			return o, err
		}
		o.Hasher = h
	}
	return o, nil
}

func (o Options) checkSecret(acct authcore.Account, secret string) error {
	policy := o.Policy
	policy.Forbidden = append(append([]string(nil), policy.Forbidden...), acct.ID, acct.Username, acct.Email)
	if res := validation.Password(secret, policy); !res.Valid {
		return &PolicyError{Messages: res.Messages}
	}
	return nil
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}

// dummyHash is verified against when an account is unknown so that both
// outcomes cost one Argon2id evaluation.
func dummyHash(h *password.Hasher) string {
	encoded, err := h.Hash("authcore-dummy-secret")
	if err != nil {
		return ""
	}
	return encoded
}

func verify(h *password.Hasher, secret, encoded string) (bool, error) {
	ok, err := h.Verify(secret, encoded)
	switch {
	case errors.Is(err, password.ErrSecretEmpty), errors.Is(err, password.ErrSecretTooLong):
		return false, nil
	case err != nil:
		return false, err
	}
	return ok, nil
}
