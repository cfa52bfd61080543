// Package inference wraps generative backends behind a streaming text source.
//
// A stream is a lazy, finite iter.Seq2 of text fragments. It can be ranged
// over once; exhausting it is normal completion, and a non-nil error ends it.
// Fragments already yielded before an error stay yielded.
package inference

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/go-go-golems/rtchat/pkg/conversation"
)

var (
	ErrGenerationTimeout = errors.New("generation timed out")
	ErrStreamConsumed    = errors.New("stream already consumed")
	ErrEmptyCompletion   = errors.New("backend returned no completion")
)

// TextSource produces the assistant reply for a conversation, fragment by fragment.
type TextSource interface {
	Stream(ctx context.Context, msgs []conversation.Message) iter.Seq2[string, error]
}

// Completer issues one non-streaming generation request.
type Completer interface {
	Complete(ctx context.Context, msgs []conversation.Message) (string, error)
}

type Backend interface {
	TextSource
	Completer
	Name() string
}

// GenerationError reports a rejected request, a dropped stream or a timeout.
type GenerationError struct {
	Backend string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation (%s): %v", e.Backend, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func generationError(backend string, err error) error {
	if err == nil {
		return nil
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return err
	}
	return &GenerationError{Backend: backend, Err: err}
}

// singleUse makes a sequence non-restartable: ranging over it a second time
// yields ErrStreamConsumed.
func singleUse(backend string, seq iter.Seq2[string, error]) iter.Seq2[string, error] {
	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield("", generationError(backend, ErrStreamConsumed))
			return
		}
		seq(yield)
	}
}

// Collect drains a stream into one string. It returns the text produced
// before any error together with that error.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for frag, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
	}
	return b.String(), nil
}

// splitSystem separates system messages (joined with blank lines) from the
// rest, for APIs that carry the system prompt out of band.
func splitSystem(msgs []conversation.Message) (string, []conversation.Message) {
	var system []string
	rest := make([]conversation.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == conversation.RoleSystem {
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
