package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"chorus.org/internal/ids"
)

// Store persists login identities.
type Store interface {
	LoginByUsername(ctx context.Context, username string) (Login, error)
	Login(ctx context.Context, id string) (Login, error)
	CreateLogin(ctx context.Context, l Login) (Login, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	logins map[string]Login
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logins: make(map[string]Login)}
}

func normalizeUsername(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}

func (m *MemoryStore) LoginByUsername(ctx context.Context, username string) (Login, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name := normalizeUsername(username)
	for _, l := range m.logins {
		if normalizeUsername(l.Username) == name {
			return l, nil
		}
	}
	return Login{}, ErrNotFound
}

func (m *MemoryStore) Login(ctx context.Context, id string) (Login, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.logins[id]
	if !ok {
		return Login{}, ErrNotFound
	}
	return l, nil
}

func (m *MemoryStore) CreateLogin(ctx context.Context, l Login) (Login, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := normalizeUsername(l.Username)
	for _, other := range m.logins {
		if normalizeUsername(other.Username) == name {
			return Login{}, fmt.Errorf("%w: username %q", ErrAlreadyExists, l.Username)
		}
		if l.PersonID != "" && other.PersonID == l.PersonID {
			return Login{}, fmt.Errorf("%w: person %s already has a login", ErrAlreadyExists, l.PersonID)
		}
	}
	if l.ID == "" {
		l.ID = ids.New()
	}
	m.logins[l.ID] = l
	return l, nil
}

func (m *MemoryStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logins[id]
	if !ok {
		return ErrNotFound
	}
	l.PasswordHash = passwordHash
	m.logins[id] = l
	return nil
}

// Usernames lists stored usernames, sorted.
func (m *MemoryStore) Usernames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.logins))
	for _, l := range m.logins {
		out = append(out, l.Username)
	}
	sort.Strings(out)
	return out
}
