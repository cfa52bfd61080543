// Package conversation holds the in-memory running conversation that drives
// each generation request for one connection.
package conversation

import (
	"strings"

	"github.com/pkg/errors"
)

// Role tags a message with its author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) String() string { return string(r) }

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// ParseRole maps a persisted role string back onto a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", errors.Errorf("unknown role %q", s)
	}
	return r, nil
}

type Message struct {
	Role    Role
	Content string
}

// Context is the ordered message list for one connection. It only grows:
// there is no way to edit or remove a message once appended.
//
// A Context is owned by a single handler and is not safe for concurrent use.
type Context struct {
	messages []Message
}

// NewContext seeds a context with one system message.
func NewContext(systemPrompt string) *Context {
	return &Context{messages: []Message{{Role: RoleSystem, Content: systemPrompt}}}
}

func (c *Context) Append(role Role, content string) error {
	if c == nil {
		return errors.New("conversation: nil context")
	}
	if !role.Valid() {
		return errors.Errorf("conversation: invalid role %q", role)
	}
	c.messages = append(c.messages, Message{Role: role, Content: content})
	return nil
}

// Messages returns a copy of the messages so that callers holding the slice
// (for example an in-flight stream) never observe later appends.
func (c *Context) Messages() []Message {
	if c == nil {
		return nil
	}
	return append([]Message(nil), c.messages...)
}

func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	return len(c.messages)
}

// Transcript renders messages as "role: content" lines.
func Transcript(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
