// Package chatstore persists sessions and their per-turn events.
package chatstore

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
	ErrSessionFinalized = errors.New("session already finalized")
)

// EventLog is the append-only sink for per-turn events. Each Append is an
// independent write; no batching or idempotency is implied.
type EventLog interface {
	Append(ctx context.Context, ev Event) error
	// Events returns the session's events in append order.
	Events(ctx context.Context, sessionID string) ([]Event, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// FinishSession sets end time and summary. It succeeds at most once per
	// session and returns ErrSessionFinalized afterwards.
	FinishSession(ctx context.Context, sessionID string, endTime time.Time, summary *string) error
	// ListSessions returns the most recently created sessions first.
	ListSessions(ctx context.Context, limit int) ([]Session, error)
}

type Store interface {
	EventLog
	SessionStore
	Close() error
}

// PersistenceError reports a failed store write or read.
type PersistenceError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence: %s (session %s): %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistenceError(op, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, SessionID: sessionID, Err: err}
}

func validateEvent(ev Event) error {
	if ev.SessionID == "" {
		return errors.New("event session id is empty")
	}
	if !ev.Role.Valid() {
		return errors.Errorf("event role %q is invalid", ev.Role)
	}
	if ev.Timestamp.IsZero() {
		return errors.New("event timestamp is zero")
	}
	return nil
}

func validateSession(s Session) error {
	if s.ID == "" {
		return errors.New("session id is empty")
	}
	if s.UserID == "" {
		return errors.New("session user id is empty")
	}
	if s.StartTime.IsZero() {
		return errors.New("session start time is zero")
	}
	return nil
}
