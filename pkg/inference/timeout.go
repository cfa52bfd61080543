package inference

import (
	"context"
	"iter"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/rtchat/pkg/conversation"
)

type timeoutBackend struct {
	inner   Backend
	timeout time.Duration
}

// WithTimeout bounds every Stream and Complete call. Expiry surfaces as a
// GenerationError wrapping ErrGenerationTimeout. A non-positive timeout
// returns b unchanged.
func WithTimeout(b Backend, timeout time.Duration) Backend {
	if b == nil || timeout <= 0 {
		return b
	}
	return &timeoutBackend{inner: b, timeout: timeout}
}

func (t *timeoutBackend) Name() string { return t.inner.Name() }

func (t *timeoutBackend) Stream(ctx context.Context, msgs []conversation.Message) iter.Seq2[string, error] {
	return singleUse(t.Name(), func(yield func(string, error) bool) {
		callCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		for frag, err := range t.inner.Stream(callCtx, msgs) {
			if err != nil {
				yield("", t.translate(ctx, callCtx, err))
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	})
}

func (t *timeoutBackend) Complete(ctx context.Context, msgs []conversation.Message) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.inner.Complete(callCtx, msgs)
	if err != nil {
		return "", t.translate(ctx, callCtx, err)
	}
	return out, nil
}

// translate reports our own deadline as a timeout, leaving parent
// cancellation untouched.
func (t *timeoutBackend) translate(parent, call context.Context, err error) error {
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		return &GenerationError{Backend: t.Name(), Err: errors.Wrapf(ErrGenerationTimeout, "after %s", t.timeout)}
	}
	return generationError(t.Name(), err)
}
