package sessionstore

import (
	"context"
	"sync"

	"github.com/opsdesk/console-client-go/internal/model"
)

// Memory keeps sessions in process memory. Used by tests and by setups
// that accept a re-login after every restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[model.Role]model.Session
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[model.Role]model.Session)}
}

func (s *Memory) Get(ctx context.Context, role model.Role) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[role]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (s *Memory) Set(ctx context.Context, session model.Session) error {
	if err := validateSession(session); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Role] = session
	return nil
}

func (s *Memory) Clear(ctx context.Context, role model.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, role)
	return nil
}

func (s *Memory) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[model.Role]model.Session)
	return nil
}

func (s *Memory) HasActive(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions) > 0, nil
}

var _ Store = (*Memory)(nil)
