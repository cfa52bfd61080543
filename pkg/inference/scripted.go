package inference

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/rtchat/pkg/conversation"
)

// ScriptedTurn describes one canned reply. Err, when set, is raised after
// all Fragments were yielded.
type ScriptedTurn struct {
	Fragments []string
	Err       error
	// Delay is waited before each fragment; it honors cancellation.
	Delay time.Duration
}

// Scripted is a deterministic, network-free backend. Turns are consumed in
// order; once they run out it echoes the last user message word by word.
type Scripted struct {
	mu         sync.Mutex
	turns      []ScriptedTurn
	streams    [][]conversation.Message
	completes  [][]conversation.Message
	summary    string
	summaryErr error
}

var _ Backend = &Scripted{}

func NewScripted(turns ...ScriptedTurn) *Scripted {
	return &Scripted{turns: turns}
}

// NewEcho returns a Scripted backend with no canned turns.
func NewEcho() *Scripted { return NewScripted() }

// WithSummary fixes what Complete returns.
func (s *Scripted) WithSummary(summary string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = summary
	s.summaryErr = err
	return s
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Stream(ctx context.Context, msgs []conversation.Message) iter.Seq2[string, error] {
	s.mu.Lock()
	s.streams = append(s.streams, append([]conversation.Message(nil), msgs...))
	var turn ScriptedTurn
	if len(s.turns) > 0 {
		turn = s.turns[0]
		s.turns = s.turns[1:]
	} else {
		turn = ScriptedTurn{Fragments: echoFragments(msgs)}
	}
	s.mu.Unlock()

	return singleUse(s.Name(), func(yield func(string, error) bool) {
		for _, frag := range turn.Fragments {
			if turn.Delay > 0 {
				timer := time.NewTimer(turn.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					yield("", generationError(s.Name(), ctx.Err()))
					return
				case <-timer.C:
				}
			} else if err := ctx.Err(); err != nil {
				yield("", generationError(s.Name(), err))
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
		if turn.Err != nil {
			yield("", generationError(s.Name(), turn.Err))
		}
	})
}

func (s *Scripted) Complete(ctx context.Context, msgs []conversation.Message) (string, error) {
	s.mu.Lock()
	s.completes = append(s.completes, append([]conversation.Message(nil), msgs...))
	summary, summaryErr := s.summary, s.summaryErr
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", generationError(s.Name(), err)
	}
	if summaryErr != nil {
		return "", generationError(s.Name(), summaryErr)
	}
	if summary != "" {
		return summary, nil
	}
	lines := 0
	for _, m := range msgs {
		if m.Role != conversation.RoleSystem {
			lines += strings.Count(m.Content, "\n") + 1
		}
	}
	return fmt.Sprintf("Conversation of %d lines.", lines), nil
}

// StreamRequests returns the contexts passed to Stream, in call order.
func (s *Scripted) StreamRequests() [][]conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]conversation.Message(nil), s.streams...)
}

// CompleteRequests returns the messages passed to Complete, in call order.
func (s *Scripted) CompleteRequests() [][]conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]conversation.Message(nil), s.completes...)
}

func echoFragments(msgs []conversation.Message) []string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != conversation.RoleUser {
			continue
		}
		words := strings.SplitAfter(msgs[i].Content, " ")
		out := make([]string, 0, len(words))
		for _, w := range words {
			if w != "" {
				out = append(out, w)
			}
		}
		return out
	}
	return nil
}
