// Package credential holds the process-wide access/refresh token pair.
package credential

import (
	"sync"

	"github.com/zhouzirui/roomchat/internal/model/session"
)

// Fixed keys under which the token pair is persisted.
const (
	AccessTokenKey  = "accessToken"
	RefreshTokenKey = "refreshToken"
)

// Persister keeps the token pair across process restarts.
type Persister interface {
	Load() (session.Tokens, bool, error)
	Save(tokens session.Tokens) error
	Clear() error
}

// Source exposes the current access token to outbound calls.
type Source interface {
	AccessToken() string
}

// Store is the in-memory token holder backed by a Persister. Only the session
// manager writes to it; everything else reads through Source.
type Store struct {
	mu      sync.RWMutex
	tokens  session.Tokens
	persist Persister
}

// NewStore wraps p. A nil p keeps tokens in memory only.
func NewStore(p Persister) *Store {
	if p == nil {
		p = NewMemoryPersister()
	}
	return &Store{persist: p}
}

// AccessToken returns the current access token or "".
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.Access
}

// Tokens returns a copy of the current pair.
func (s *Store) Tokens() session.Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// Set replaces the pair in memory and in the persister.
func (s *Store) Set(tokens session.Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokens
	return s.persist.Save(tokens)
}

// Clear drops the pair. Memory is cleared even when the persister fails.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = session.Tokens{}
	return s.persist.Clear()
}

// Restore loads the persisted pair into memory.
func (s *Store) Restore() (session.Tokens, bool, error) {
	tokens, ok, err := s.persist.Load()
	if err != nil || !ok || tokens.Empty() {
		return session.Tokens{}, false, err
	}
	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
	return tokens, true, nil
}

// MemoryPersister keeps the pair for the life of the process.
type MemoryPersister struct {
	mu     sync.Mutex
	tokens session.Tokens
	saved  bool
}

// NewMemoryPersister returns an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (m *MemoryPersister) Load() (session.Tokens, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens, m.saved, nil
}

func (m *MemoryPersister) Save(tokens session.Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = tokens
	m.saved = true
	return nil
}

func (m *MemoryPersister) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = session.Tokens{}
	m.saved = false
	return nil
}
