// Package credentials holds per-(user, provider) OAuth credentials and a
// process-wide cache in front of their persistent storage.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is assumed when a provider does not say how long a token lives
const DefaultTTL = time.Hour

// Credential is the current token set for one user and provider
type Credential struct {
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // epoch milliseconds
	UpdatedAt    time.Time
}

// Expiry returns ExpiresAt as a time, or the zero time if unknown
func (c *Credential) Expiry() time.Time {
	if c.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.ExpiresAt)
}

// TimeUntilExpiry is negative once the token has expired
func (c *Credential) TimeUntilExpiry(now time.Time) time.Duration {
	return c.Expiry().Sub(now)
}

// Valid reports whether the access token is present and unexpired
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.AccessToken != "" && c.ExpiresAt != 0 && c.TimeUntilExpiry(now) > 0
}

// Repository persists credentials. GetCredential returns nil, nil when
// nothing is stored.
type Repository interface {
	GetCredential(ctx context.Context, userID, provider string) (*Credential, error)
	SaveCredential(ctx context.Context, c *Credential) error
	DeleteCredential(ctx context.Context, userID, provider string) error
}

type key struct {
	userID   string
	provider string
}

// Store caches credentials by (user, provider). Entries are created on
// first access and evicted on sign-out.
type Store struct {
	repo Repository
	now  func() time.Time

	mu    sync.RWMutex
	cache map[key]Credential
}

// NewStore creates a credential store backed by repo
func NewStore(repo Repository) *Store {
	return &Store{
		repo:  repo,
		now:   time.Now,
		cache: make(map[key]Credential),
	}
}

// Get returns a copy of the stored credential, or nil if there is none
func (s *Store) Get(ctx context.Context, userID, provider string) (*Credential, error) {
	k := key{userID, provider}

	s.mu.RLock()
	cached, ok := s.cache[k]
	s.mu.RUnlock()
	if ok {
		return &cached, nil
	}

	c, err := s.repo.GetCredential(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if c == nil {
		return nil, nil
	}

	s.mu.Lock()
	s.cache[k] = *c
	s.mu.Unlock()

	out := *c
	return &out, nil
}

// Put stores c, filling in a default expiry when an access token arrives
// without one.
func (s *Store) Put(ctx context.Context, c *Credential) error {
	if c.UserID == "" || c.Provider == "" {
		return fmt.Errorf("credential missing user or provider")
	}

	stored := *c
	now := s.now()
	if stored.AccessToken != "" && stored.ExpiresAt == 0 {
		stored.ExpiresAt = now.Add(DefaultTTL).UnixMilli()
	}
	stored.UpdatedAt = now

	if err := s.repo.SaveCredential(ctx, &stored); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	s.mu.Lock()
	s.cache[key{stored.UserID, stored.Provider}] = stored
	s.mu.Unlock()

	*c = stored
	return nil
}

// Clear removes the credential entirely
func (s *Store) Clear(ctx context.Context, userID, provider string) error {
	s.mu.Lock()
	delete(s.cache, key{userID, provider})
	s.mu.Unlock()

	if err := s.repo.DeleteCredential(ctx, userID, provider); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// Evict drops every cached credential for a user without touching storage
func (s *Store) Evict(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cache {
		if k.userID == userID {
			delete(s.cache, k)
		}
	}
}
