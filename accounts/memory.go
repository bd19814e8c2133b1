package accounts

import (
	"context"
	"sync"

	"github.com/MrEthical07/authcore"
)

type memoryRecord struct {
	account authcore.Account
	hash    string
}

// MemoryStore is an in-process account store.
type MemoryStore struct {
	opts  Options
	dummy string

	mu       sync.RWMutex
	accounts map[string]*memoryRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts Options) (*MemoryStore, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		opts:     opts,
		dummy:    dummyHash(opts.Hasher),
		accounts: make(map[string]*memoryRecord),
	}, nil
}

// Create adds an account. It fails with ErrAccountExists for a duplicate id
// and a *PolicyError for a secret the policy rejects.
func (s *MemoryStore) Create(_ context.Context, in NewAccount) error {
	in.ID = normalizeID(in.ID)
	if in.ID == "" {
		return ErrAccountIDRequired
	}
	if err := s.opts.checkSecret(in.Account, in.Secret); err != nil {
		return err
	}
	hash, err := s.opts.Hasher.Hash(in.Secret)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[in.ID]; ok {
		return ErrAccountExists
	}
	acct := in.Account
	acct.Permissions = append([]string(nil), in.Permissions...)
	s.accounts[in.ID] = &memoryRecord{account: acct, hash: hash}
	return nil
}

// SetStatus changes the status of an existing account.
func (s *MemoryStore) SetStatus(_ context.Context, accountID string, status authcore.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[normalizeID(accountID)]
	if !ok {
		return authcore.ErrAccountNotFound
	}
	rec.account.Status = status
	return nil
}

// SetSecret replaces the secret of an existing account.
func (s *MemoryStore) SetSecret(ctx context.Context, accountID, secret string) error {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.opts.checkSecret(acct, secret); err != nil {
		return err
	}
	hash, err := s.opts.Hasher.Hash(secret)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[acct.ID]
	if !ok {
		return authcore.ErrAccountNotFound
	}
	rec.hash = hash
	return nil
}

// Delete removes an account. Deleting an unknown account is not an error.
func (s *MemoryStore) Delete(_ context.Context, accountID string) error {
	s.mu.Lock()
	delete(s.accounts, normalizeID(accountID))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CheckCredentials(_ context.Context, accountID, secret string) (bool, error) {
	s.mu.RLock()
	rec, ok := s.accounts[normalizeID(accountID)]
	var hash string
	if ok {
		hash = rec.hash
	}
	s.mu.RUnlock()

	if !ok {
		_, _ = verify(s.opts.Hasher, secret, s.dummy)
		return false, nil
	}
	return verify(s.opts.Hasher, secret, hash)
}

func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (authcore.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.accounts[normalizeID(accountID)]
	if !ok {
		return authcore.Account{}, authcore.ErrAccountNotFound
	}
	acct := rec.account
	acct.Permissions = append([]string(nil), rec.account.Permissions...)
	return acct, nil
}

var _ authcore.AccountProvider = (*MemoryStore)(nil)
