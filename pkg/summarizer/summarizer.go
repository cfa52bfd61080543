// Package summarizer condenses a finished session's event history into a
// terminal summary record.
package summarizer

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/rtchat/pkg/conversation"
	"github.com/go-go-golems/rtchat/pkg/inference"
	"github.com/go-go-golems/rtchat/pkg/persistence/chatstore"
)

const DefaultInstruction = "Summarize this conversation briefly."

var ErrEmptySummary = errors.New("summarizer returned empty summary")

type Summarizer struct {
	events      chatstore.EventLog
	sessions    chatstore.SessionStore
	backend     inference.Completer
	instruction string
	timeout     time.Duration
	now         func() time.Time
}

type Option func(*Summarizer)

func WithInstruction(instruction string) Option {
	return func(s *Summarizer) {
		if strings.TrimSpace(instruction) != "" {
			s.instruction = instruction
		}
	}
}

// WithTimeout bounds the whole Summarize call, generation included.
func WithTimeout(d time.Duration) Option {
	return func(s *Summarizer) { s.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Summarizer) {
		if now != nil {
			s.now = now
		}
	}
}

func New(events chatstore.EventLog, sessions chatstore.SessionStore, backend inference.Completer, opts ...Option) (*Summarizer, error) {
	if events == nil {
		return nil, errors.New("summarizer: event log is nil")
	}
	if sessions == nil {
		return nil, errors.New("summarizer: session store is nil")
	}
	if backend == nil {
		return nil, errors.New("summarizer: backend is nil")
	}
	s := &Summarizer{
		events:      events,
		sessions:    sessions,
		backend:     backend,
		instruction: DefaultInstruction,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Summarize reads the session's events, asks the backend for one summary and
// writes end time plus summary in a single FinishSession call.
//
// An empty history skips generation and only records the end time. When the
// history cannot be read or generation fails, the end time is still written
// and the failure is returned alongside the updated session.
func (s *Summarizer) Summarize(ctx context.Context, sessionID string) (chatstore.Session, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	logger := log.With().Str("component", "summarizer").Str("session_id", sessionID).Logger()

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return chatstore.Session{}, err
	}
	if sess.Finished() {
		return sess, errors.Wrapf(chatstore.ErrSessionFinalized, "summarize %s", sessionID)
	}

	var (
		summary  *string
		firstErr error
	)
	events, err := s.events.Events(ctx, sessionID)
	if err != nil {
		firstErr = err
	} else if len(events) > 0 {
		text, err := s.generate(ctx, events)
		if err != nil {
			firstErr = err
		} else {
			summary = &text
		}
	}

	end := s.now().UTC()
	if end.Before(sess.StartTime) {
		end = sess.StartTime
	}
	if err := s.sessions.FinishSession(ctx, sessionID, end, summary); err != nil {
		return sess, err
	}
	sess.EndTime = &end
	sess.Summary = summary

	logger.Debug().Int("events", len(events)).Bool("has_summary", summary != nil).Msg("session summarized")
	return sess, firstErr
}

func (s *Summarizer) generate(ctx context.Context, events []chatstore.Event) (string, error) {
	msgs := make([]conversation.Message, 0, len(events))
	for _, ev := range events {
		msgs = append(msgs, ev.Message())
	}
	text, err := s.backend.Complete(ctx, []conversation.Message{
		{Role: conversation.RoleSystem, Content: s.instruction},
		{Role: conversation.RoleUser, Content: conversation.Transcript(msgs)},
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptySummary
	}
	return text, nil
}
