package chatstore

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/rtchat/pkg/conversation"
)

// Session is one logical conversation between a user and the assistant.
// EndTime and Summary stay nil until the session is finalized.
type Session struct {
	ID        string     `json:"session_id" yaml:"session_id"`
	UserID    string     `json:"user_id" yaml:"user_id"`
	StartTime time.Time  `json:"start_time" yaml:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	Summary   *string    `json:"summary,omitempty" yaml:"summary,omitempty"`
}

func NewSession(id, userID string, start time.Time) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, errors.New("session id is empty")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, errors.New("user id is empty")
	}
	if start.IsZero() {
		start = time.Now()
	}
	return Session{ID: id, UserID: userID, StartTime: start.UTC()}, nil
}

func (s Session) Finished() bool { return s.EndTime != nil }

// Event is one immutable persisted message turn.
type Event struct {
	SessionID string            `json:"session_id" yaml:"session_id"`
	Role      conversation.Role `json:"role" yaml:"role"`
	Content   string            `json:"content" yaml:"content"`
	Timestamp time.Time         `json:"timestamp" yaml:"timestamp"`
}

func NewEvent(sessionID string, role conversation.Role, content string, ts time.Time) (Event, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Event{}, errors.New("event session id is empty")
	}
	if !role.Valid() {
		return Event{}, errors.Errorf("event role %q is invalid", role)
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return Event{SessionID: sessionID, Role: role, Content: content, Timestamp: ts.UTC()}, nil
}

// Message converts the event back into a context message.
func (e Event) Message() conversation.Message {
	return conversation.Message{Role: e.Role, Content: e.Content}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return t.UTC(), nil
}
