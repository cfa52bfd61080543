package chatstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryStore is a process-local Store. It mirrors the SQLite semantics so
// handlers behave the same against either.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	order    []string
	events   map[string][]Event
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: map[string]Session{},
		events:   map[string][]Event{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateSession(_ context.Context, sess Session) error {
	if s == nil {
		return persistenceError("create session", sess.ID, errors.New("in-memory store: nil store"))
	}
	if err := validateSession(sess); err != nil {
		return persistenceError("create session", sess.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return persistenceError("create session", sess.ID, ErrSessionExists)
	}
	sess.EndTime = nil
	sess.Summary = nil
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	if s == nil {
		return Session{}, persistenceError("get session", sessionID, errors.New("in-memory store: nil store"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, persistenceError("get session", sessionID, ErrSessionNotFound)
	}
	return sess, nil
}

func (s *InMemoryStore) FinishSession(_ context.Context, sessionID string, endTime time.Time, summary *string) error {
	if s == nil {
		return persistenceError("finish session", sessionID, errors.New("in-memory store: nil store"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return persistenceError("finish session", sessionID, ErrSessionNotFound)
	}
	if sess.Finished() {
		return persistenceError("finish session", sessionID, ErrSessionFinalized)
	}
	end := endTime.UTC()
	sess.EndTime = &end
	if summary != nil {
		v := *summary
		sess.Summary = &v
	}
	s.sessions[sessionID] = sess
	return nil
}

func (s *InMemoryStore) ListSessions(_ context.Context, limit int) ([]Session, error) {
	if s == nil {
		return nil, persistenceError("list sessions", "", errors.New("in-memory store: nil store"))
	}
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.sessions[s.order[i]])
	}
	return out, nil
}

func (s *InMemoryStore) Append(_ context.Context, ev Event) error {
	if s == nil {
		return persistenceError("append event", ev.SessionID, errors.New("in-memory store: nil store"))
	}
	if err := validateEvent(ev); err != nil {
		return persistenceError("append event", ev.SessionID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.SessionID] = append(s.events[ev.SessionID], ev)
	return nil
}

func (s *InMemoryStore) Events(_ context.Context, sessionID string) ([]Event, error) {
	if s == nil {
		return nil, persistenceError("list events", sessionID, errors.New("in-memory store: nil store"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events[sessionID]...), nil
}
