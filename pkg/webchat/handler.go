package webchat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/rtchat/pkg/conversation"
	"github.com/go-go-golems/rtchat/pkg/inference"
	"github.com/go-go-golems/rtchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/rtchat/pkg/redisstream"
	"github.com/go-go-golems/rtchat/pkg/summarizer"
)

const defaultWriteTimeout = 10 * time.Second

// State is where a connection is in its lifecycle.
type State int

const (
	StateAccepting State = iota
	StateReceiving
	StateGenerating
	StatePersisting
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateReceiving:
		return "receiving"
	case StateGenerating:
		return "generating"
	case StatePersisting:
		return "persisting"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Notifier receives session lifecycle notifications. *redisstream.Bus
// implements it.
type Notifier interface {
	Publish(ctx context.Context, n redisstream.Notification) error
}

type HandlerConfig struct {
	Store        chatstore.Store
	Source       inference.TextSource
	Summarizer   *summarizer.Summarizer
	Notifier     Notifier
	SystemPrompt string
	// TokenCounter is optional; when set, context size is logged per turn.
	TokenCounter *conversation.TokenCounter
	WriteTimeout time.Duration
	Clock        func() time.Time
	// OnTransition is called on every state change.
	OnTransition func(sessionID string, from, to State)
}

// Handler serves one conversation per websocket connection. A single Handler
// is shared by all connections; per-connection state lives in Serve.
type Handler struct {
	cfg HandlerConfig
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("handler: store is nil")
	}
	if cfg.Source == nil {
		return nil, errors.New("handler: text source is nil")
	}
	if cfg.Summarizer == nil {
		return nil, errors.New("handler: summarizer is nil")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Handler{cfg: cfg}, nil
}

// Serve runs the receive/generate/persist loop for sessionID on conn until
// the peer leaves, a step fails or ctx is cancelled. It always finalizes the
// session and closes conn before returning.
func (h *Handler) Serve(ctx context.Context, sessionID, userID string, conn Conn) Outcome {
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c := &connection{
		h:         h,
		sessionID: sessionID,
		userID:    userID,
		conn:      conn,
		state:     StateAccepting,
		log: log.With().
			Str("component", "webchat").
			Str("session_id", sessionID).
			Str("user_id", userID).
			Logger(),
	}
	c.log.Info().Msg("session connected")

	outcome := c.open(connCtx)
	var readerDone <-chan struct{}
	if outcome.Kind == Continue {
		var in <-chan string
		in, readerDone = readInbound(connCtx, conn, cancel)
		for outcome.Kind == Continue {
			outcome = c.turn(connCtx, in)
		}
	}
	c.finalize(ctx, outcome)
	// The reader may be parked on a full inbound buffer.
	cancel(errSessionFinalized)
	if readerDone != nil {
		<-readerDone
	}
	return outcome
}

var errSessionFinalized = errors.New("session finalized")

type connection struct {
	h         *Handler
	sessionID string
	userID    string
	conn      Conn
	log       zerolog.Logger

	state   State
	convo   *conversation.Context
	created bool
	lastTS  time.Time
	turns   int
	once    sync.Once
}

func (c *connection) transition(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.log.Debug().Str("from", from.String()).Str("state", to.String()).Msg("state transition")
	if c.h.cfg.OnTransition != nil {
		c.h.cfg.OnTransition(c.sessionID, from, to)
	}
}

// stamp returns the current time, never earlier than the previous event.
func (c *connection) stamp() time.Time {
	now := c.h.cfg.Clock().UTC()
	if now.Before(c.lastTS) {
		now = c.lastTS
	}
	c.lastTS = now
	return now
}

func (c *connection) open(ctx context.Context) Outcome {
	sess, err := chatstore.NewSession(c.sessionID, c.userID, c.stamp())
	if err != nil {
		return failed(CausePersistenceError, err)
	}
	if err := c.h.cfg.Store.CreateSession(context.WithoutCancel(ctx), sess); err != nil {
		return failed(CausePersistenceError, err)
	}
	c.created = true
	c.convo = conversation.NewContext(c.h.cfg.SystemPrompt)
	c.publish(ctx, redisstream.Notification{
		Type:      redisstream.SessionStarted,
		SessionID: c.sessionID,
		UserID:    c.userID,
		Timestamp: sess.StartTime,
	})
	return proceed()
}

func (c *connection) turn(ctx context.Context, in <-chan string) Outcome {
	c.transition(StateReceiving)
	var text string
	select {
	case msg, ok := <-in:
		if !ok {
			return terminalOutcome(ctx)
		}
		text = msg
	case <-ctx.Done():
		return terminalOutcome(ctx)
	}
	if strings.TrimSpace(text) == "" {
		c.log.Debug().Msg("ignoring blank message")
		return proceed()
	}

	c.transition(StatePersisting)
	if o := c.record(ctx, conversation.RoleUser, text); o.Kind != Continue {
		return o
	}

	c.transition(StateGenerating)
	reply, o := c.generate(ctx)
	if o.Kind != Continue {
		return o
	}

	c.transition(StatePersisting)
	if o := c.record(ctx, conversation.RoleAssistant, reply); o.Kind != Continue {
		return o
	}
	c.turns++
	c.log.Debug().
		Int("turn", c.turns).
		Int("context_messages", c.convo.Len()).
		Int("context_tokens", c.h.cfg.TokenCounter.Count(c.convo.Messages()...)).
		Msg("turn completed")
	return proceed()
}

// record appends one event and extends the context with it. Writes are
// detached from ctx so a turn that completed is stored even if the peer is
// already gone.
func (c *connection) record(ctx context.Context, role conversation.Role, content string) Outcome {
	ev, err := chatstore.NewEvent(c.sessionID, role, content, c.stamp())
	if err != nil {
		return failed(CausePersistenceError, err)
	}
	if err := c.h.cfg.Store.Append(context.WithoutCancel(ctx), ev); err != nil {
		return failed(CausePersistenceError, err)
	}
	if err := c.convo.Append(role, content); err != nil {
		return failed(CausePersistenceError, err)
	}
	c.publish(ctx, redisstream.Notification{
		Type:      redisstream.EventAppended,
		SessionID: c.sessionID,
		UserID:    c.userID,
		Role:      role.String(),
		Content:   content,
		Timestamp: ev.Timestamp,
	})
	return proceed()
}

// generate streams one reply, forwarding every fragment as it arrives.
// Fragments already sent are never resent, whatever happens afterwards.
func (c *connection) generate(ctx context.Context) (string, Outcome) {
	var sb strings.Builder
	fragments := 0
	for frag, err := range c.h.cfg.Source.Stream(ctx, c.convo.Messages()) {
		if err != nil {
			if ctx.Err() != nil {
				return "", terminalOutcome(ctx)
			}
			c.log.Debug().Int("fragments", fragments).Msg("generation failed mid-turn")
			return "", failed(CauseGenerationError, err)
		}
		if frag == "" {
			continue
		}
		if err := c.write(frag); err != nil {
			if ctx.Err() != nil {
				return "", terminalOutcome(ctx)
			}
			return "", failed(CauseConnectionError, err)
		}
		sb.WriteString(frag)
		fragments++
	}
	if ctx.Err() != nil {
		return "", terminalOutcome(ctx)
	}
	return sb.String(), proceed()
}

func (c *connection) write(frag string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(frag))
}

func (c *connection) publish(ctx context.Context, n redisstream.Notification) {
	if c.h.cfg.Notifier == nil {
		return
	}
	if err := c.h.cfg.Notifier.Publish(context.WithoutCancel(ctx), n); err != nil {
		c.log.Warn().Err(err).Str("type", string(n.Type)).Msg("failed to publish notification")
	}
}

// finalize runs once per connection: summarize, report, close.
func (c *connection) finalize(ctx context.Context, outcome Outcome) {
	c.once.Do(func() {
		c.transition(StateFinalizing)
		detached := context.WithoutCancel(ctx)

		n := redisstream.Notification{
			Type:      redisstream.SessionFinalized,
			SessionID: c.sessionID,
			UserID:    c.userID,
			Cause:     string(outcome.Cause),
		}
		if outcome.Err != nil {
			n.Error = outcome.Err.Error()
		}

		if c.created {
			sess, err := c.h.cfg.Summarizer.Summarize(detached, c.sessionID)
			if err != nil {
				c.log.Error().Err(err).Msg("session summary failed")
			}
			if sess.Summary != nil {
				n.Summary = *sess.Summary
			}
		}

		c.logOutcome(outcome)
		c.publish(ctx, n)

		deadline := time.Now().Add(c.h.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(outcome.CloseCode(), string(outcome.Cause))
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.log.Debug().Err(err).Msg("close frame not delivered")
		}
		_ = c.conn.Close()
		c.transition(StateClosed)
	})
}

func (c *connection) logOutcome(outcome Outcome) {
	var ev *zerolog.Event
	switch outcome.Cause {
	case CauseGenerationError, CausePersistenceError:
		ev = c.log.Error()
	case CauseConnectionError:
		ev = c.log.Warn()
	default:
		ev = c.log.Info()
	}
	if outcome.Err != nil {
		ev = ev.Err(outcome.Err)
	}
	ev.Str("outcome", outcome.Kind.String()).
		Str("cause", string(outcome.Cause)).
		Int("turns", c.turns).
		Msg("session ended")
}
