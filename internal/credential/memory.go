package credential

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onebox-labs/onebox/internal/models"
)

// RefreshFunc exchanges a refresh token for a new credential. The OAuth
// dance with the mail provider lives behind this hook.
type RefreshFunc func(ctx context.Context, key models.AccountKey, refreshToken string) (models.Credential, error)

// MemoryStore keeps credentials in process memory. Refreshes are serialized
// per account: the account entry carries its own lock, so a refresh for one
// account never blocks GetFresh on another.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[models.AccountKey]*entry
	refresh RefreshFunc
	now     func() time.Time
}

type entry struct {
	mu   sync.Mutex
	cred models.Credential
}

func NewMemoryStore(refresh RefreshFunc) *MemoryStore {
	return &MemoryStore{
		entries: make(map[models.AccountKey]*entry),
		refresh: refresh,
		now:     time.Now,
	}
}

// Seed stores a credential for an account, replacing any existing one.
func (s *MemoryStore) Seed(key models.AccountKey, cred models.Credential) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	e.cred = cred
	e.mu.Unlock()
}

func (s *MemoryStore) GetFresh(ctx context.Context, key models.AccountKey) (models.Credential, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return models.Credential{}, fmt.Errorf("no credential for %s: %w", key, ErrNotAuthorized)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cred.ExpiresAt.After(s.now().Add(MinValidity)) {
		return e.cred, nil
	}

	if e.cred.RefreshToken == "" || s.refresh == nil {
		return models.Credential{}, fmt.Errorf("credential for %s expired with no refresh path: %w", key, ErrNotAuthorized)
	}

	cred, err := s.refresh(ctx, key, e.cred.RefreshToken)
	if err != nil {
		return models.Credential{}, err
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = e.cred.RefreshToken
	}
	e.cred = cred
	return cred, nil
}

func (s *MemoryStore) List(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var emails []string
	for key := range s.entries {
		if key.UserID == userID {
			emails = append(emails, key.Email)
		}
	}
	sort.Strings(emails)
	return emails, nil
}

func (s *MemoryStore) Revoke(_ context.Context, userID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.entries {
		if key.UserID != userID {
			continue
		}
		if email == "" || key.Email == email {
			delete(s.entries, key)
		}
	}
	return nil
}
