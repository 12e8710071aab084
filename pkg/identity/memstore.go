package identity

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store used in tests and single-node development
// setups. Safe for concurrent use.
type MemStore struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

// FindByEmail implements Store.
func (s *MemStore) FindByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return s.copyOf(id), nil
}

// FindByID implements Store.
func (s *MemStore) FindByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.byID[id]; !ok {
		return nil, ErrNotFound
	}
	return s.copyOf(id), nil
}

// Create implements Store.
func (s *MemStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := NormalizeEmail(u.Email)
	if _, ok := s.byEmail[email]; ok {
		return ErrDuplicateEmail
	}

	now := time.Now().UTC()
	u.Email = email
	u.CreatedAt = now
	u.UpdatedAt = now

	cp := *u
	s.byID[u.ID] = &cp
	s.byEmail[email] = u.ID
	return nil
}

// Save implements Store.
func (s *MemStore) Save(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[u.ID]
	if !ok {
		return ErrNotFound
	}

	delete(s.byEmail, stored.Email)
	u.Email = NormalizeEmail(u.Email)
	u.UpdatedAt = time.Now().UTC()

	cp := *u
	cp.TokenVersion = stored.TokenVersion
	cp.LastLoginAt = stored.LastLoginAt
	s.byID[u.ID] = &cp
	s.byEmail[cp.Email] = u.ID
	return nil
}

// IncrementTokenVersion implements Store.
func (s *MemStore) IncrementTokenVersion(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[id]
	if !ok {
		return 0, ErrNotFound
	}
	stored.TokenVersion++
	return stored.TokenVersion, nil
}

// TouchLastLogin implements Store.
func (s *MemStore) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	stored.LastLoginAt = &t
	return nil
}

func (s *MemStore) copyOf(id string) *User {
	cp := *s.byID[id]
	return &cp
}
