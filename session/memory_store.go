package session

import (
	"context"
	"strings"
	"sync"
)

type MemoryStore struct {
	mu       sync.Mutex
	options  options
	sessions map[string]Session
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		options:  resolveOptions(opts),
		sessions: map[string]Session{},
	}
}

func (s *MemoryStore) Create(_ context.Context, subject string) (Session, error) {
	created, err := newSession(s.options, subject)
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[created.Token] = created
	return created, nil
}

func (s *MemoryStore) Validate(_ context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[token]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if current.Expired(s.options.now().UTC()) {
		delete(s.sessions, token)
		return Session{}, ErrSessionExpired
	}
	return current, nil
}

func (s *MemoryStore) Invalidate(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, strings.TrimSpace(token))
	return nil
}

func (s *MemoryStore) InvalidateAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sessions)
	return nil
}

// Len reports the number of sessions held, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

var _ Store = (*MemoryStore)(nil)
