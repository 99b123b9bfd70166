package convo

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and for running without a
// database. Sessions must be created explicitly, mirroring the foreign
// key the Postgres store enforces.
type MemStore struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string]int32
	messages map[string][]Message
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]int32),
		messages: make(map[string][]Message),
	}
}

// AddSession registers a session uuid so appends to it succeed.
func (s *MemStore) AddSession(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session]; !ok {
		s.sessions[session] = int32(len(s.sessions) + 1)
	}
}

func (s *MemStore) InitSchema(ctx context.Context) error { return nil }

func (s *MemStore) SessionDBID(ctx context.Context, session string) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[session]
	if !ok {
		return 0, fmt.Errorf("convo: %q: %w", session, ErrSessionNotFound)
	}
	return id, nil
}

func (s *MemStore) Append(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[m.SessionID]; !ok {
		return fmt.Errorf("convo: %q: %w", m.SessionID, ErrSessionNotFound)
	}

	s.nextID++
	m.ID = s.nextID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], *m)
	return nil
}

func (s *MemStore) History(ctx context.Context, session string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session]; !ok {
		return nil, fmt.Errorf("convo: %q: %w", session, ErrSessionNotFound)
	}
	if limit <= 0 {
		limit = 50
	}

	var filtered []Message
	for _, m := range s.messages[session] {
		if m.Role == RoleUser || m.Role == RoleAssistant {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

// All returns every stored message for a session, in append order.
// Test helper.
func (s *MemStore) All(session string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages[session]))
	copy(out, s.messages[session])
	return out
}
