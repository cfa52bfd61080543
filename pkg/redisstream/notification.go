package redisstream

import (
	"encoding/json"
	"time"
)

// Topic carries every session lifecycle notification.
const Topic = "rtchat.sessions"

type NotificationType string

const (
	SessionStarted   NotificationType = "session.started"
	EventAppended    NotificationType = "session.event"
	SessionFinalized NotificationType = "session.finalized"
)

// Notification is the JSON payload published for session lifecycle changes.
type Notification struct {
	Type      NotificationType `json:"type"`
	SessionID string           `json:"session_id"`
	UserID    string           `json:"user_id,omitempty"`
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	Cause     string           `json:"cause,omitempty"`
	Summary   string           `json:"summary,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

func (n Notification) Marshal() ([]byte, error) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	return json.Marshal(n)
}

func UnmarshalNotification(b []byte) (Notification, error) {
	var n Notification
	err := json.Unmarshal(b, &n)
	return n, err
}
