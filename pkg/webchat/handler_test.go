package webchat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/rtchat/pkg/conversation"
	"github.com/go-go-golems/rtchat/pkg/inference"
	"github.com/go-go-golems/rtchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/rtchat/pkg/redisstream"
	"github.com/go-go-golems/rtchat/pkg/summarizer"
)

const testPrompt = "You are a helpful assistant."

type harness struct {
	store    chatstore.Store
	backend  *inference.Scripted
	handler  *Handler
	notifier *recordingNotifier

	mu          sync.Mutex
	transitions []State
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []redisstream.Notification
	err   error
}

func (r *recordingNotifier) Publish(_ context.Context, n redisstream.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	return r.err
}

func (r *recordingNotifier) ofType(typ redisstream.NotificationType) []redisstream.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []redisstream.Notification
	for _, n := range r.items {
		if n.Type == typ {
			ret = append(ret, n)
		}
	}
	return ret
}

func newHarness(t *testing.T, store chatstore.Store, backend *inference.Scripted, clock func() time.Time) *harness {
	t.Helper()
	sum, err := summarizer.New(store, store, backend)
	require.NoError(t, err)
	h := &harness{store: store, backend: backend, notifier: &recordingNotifier{}}
	h.handler, err = NewHandler(HandlerConfig{
		Store:        store,
		Source:       backend,
		Summarizer:   sum,
		Notifier:     h.notifier,
		SystemPrompt: testPrompt,
		Clock:        clock,
		OnTransition: func(_ string, _, to State) {
			h.mu.Lock()
			h.transitions = append(h.transitions, to)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	return h
}

func (h *harness) serve(ctx context.Context, sessionID string, conn Conn) <-chan Outcome {
	done := make(chan Outcome, 1)
	go func() { done <- h.handler.Serve(ctx, sessionID, "demo-user", conn) }()
	return done
}

func (h *harness) count(state State) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.transitions {
		if s == state {
			n++
		}
	}
	return n
}

func waitOutcome(t *testing.T, done <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
		return Outcome{}
	}
}

func waitEvents(t *testing.T, store chatstore.EventLog, sessionID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		evs, err := store.Events(context.Background(), sessionID)
		return err == nil && len(evs) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandlerStreamsAndPersistsTurn(t *testing.T) {
	backend := inference.NewScripted(inference.ScriptedTurn{Fragments: []string{"Hel", "lo"}}).
		WithSummary("The user said hi.", nil)
	h := newHarness(t, chatstore.NewInMemoryStore(), backend, nil)
	conn := newStubConn()

	done := h.serve(context.Background(), "s1", conn)
	conn.send("hi")
	waitEvents(t, h.store, "s1", 2)
	conn.hangUp(normalClose())

	o := waitOutcome(t, done)
	require.Equal(t, Closed, o.Kind)
	require.Equal(t, CauseConnectionClosed, o.Cause)
	require.NoError(t, o.Err)

	require.Equal(t, []string{"Hel", "lo"}, conn.written())
	require.Equal(t, websocket.CloseNormalClosure, conn.sentCloseCode())

	evs, err := h.store.Events(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, conversation.RoleUser, evs[0].Role)
	require.Equal(t, "hi", evs[0].Content)
	require.Equal(t, conversation.RoleAssistant, evs[1].Role)
	require.Equal(t, "Hello", evs[1].Content)

	streams := h.backend.StreamRequests()
	require.Len(t, streams, 1)
	require.Equal(t, []conversation.Message{
		{Role: conversation.RoleSystem, Content: testPrompt},
		{Role: conversation.RoleUser, Content: "hi"},
	}, streams[0])

	completes := h.backend.CompleteRequests()
	require.Len(t, completes, 1)
	require.Equal(t, "user: hi\nassistant: Hello", completes[0][1].Content)

	sess, err := h.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "demo-user", sess.UserID)
	require.NotNil(t, sess.Summary)
	require.Equal(t, "The user said hi.", *sess.Summary)
	require.False(t, sess.EndTime.Before(sess.StartTime))

	finals := h.notifier.ofType(redisstream.SessionFinalized)
	require.Len(t, finals, 1)
	require.Equal(t, string(CauseConnectionClosed), finals[0].Cause)
	require.Equal(t, "The user said hi.", finals[0].Summary)
	require.Len(t, h.notifier.ofType(redisstream.SessionStarted), 1)
	require.Len(t, h.notifier.ofType(redisstream.EventAppended), 2)
}

func TestHandlerAppendsTwoEventsPerTurnInOrder(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var calls atomic.Int64
	// A clock running backwards must still produce ordered timestamps.
	clock := func() time.Time {
		return base.Add(-time.Duration(calls.Add(1)) * time.Second)
	}
	h := newHarness(t, chatstore.NewInMemoryStore(), inference.NewEcho(), clock)
	conn := newStubConn()

	done := h.serve(context.Background(), "s1", conn)
	for i, text := range []string{"one", "two words", "three"} {
		conn.send(text)
		waitEvents(t, h.store, "s1", 2*(i+1))
	}
	conn.hangUp(normalClose())
	waitOutcome(t, done)

	evs, err := h.store.Events(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, evs, 6)
	for i := 1; i < len(evs); i++ {
		require.False(t, evs[i].Timestamp.Before(evs[i-1].Timestamp), "event %d out of order", i)
	}
	require.Equal(t, "two words", evs[3].Content)

	streams := h.backend.StreamRequests()
	require.Len(t, streams, 3)
	require.Len(t, streams[2], 6)
	require.Equal(t, conversation.RoleAssistant, streams[2][4].Role)
	require.Equal(t, "two words", streams[2][4].Content)
}

func TestHandlerGenerationFailureMidTurn(t *testing.T) {
	boom := errors.New("upstream dropped")
	backend := inference.NewScripted(inference.ScriptedTurn{Fragments: []string{"par", "tial"}, Err: boom})
	h := newHarness(t, chatstore.NewInMemoryStore(), backend, nil)
	conn := newStubConn()

	done := h.serve(context.Background(), "s1", conn)
	conn.send("hi")
	o := waitOutcome(t, done)

	require.Equal(t, Failed, o.Kind)
	require.Equal(t, CauseGenerationError, o.Cause)
	require.ErrorIs(t, o.Err, boom)
	var ge *inference.GenerationError
	require.ErrorAs(t, o.Err, &ge)

	require.Equal(t, []string{"par", "tial"}, conn.written())
	require.Equal(t, websocket.CloseInternalServerErr, conn.sentCloseCode())

	evs, err := h.store.Events(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, conversation.RoleUser, evs[0].Role)

	require.Len(t, h.backend.CompleteRequests(), 1)
	sess, err := h.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, sess.Finished())
	require.NotNil(t, sess.Summary)
}

func TestHandlerFailedTurnReturnsWhilePeerKeepsSending(t *testing.T) {
	boom := errors.New("backend dropped")
	backend := inference.NewScripted(inference.ScriptedTurn{
		Fragments: []string{"a"},
		Delay:     300 * time.Millisecond,
		Err:       boom,
	})
	h := newHarness(t, chatstore.NewInMemoryStore(), backend, nil)
	conn := newStubConn()

	done := h.serve(context.Background(), "s1", conn)
	conn.send("hi")
	waitEvents(t, h.store, "s1", 1)
	for i := 0; i < 20; i++ {
		conn.send("more")
	}

	o := waitOutcome(t, done)
	require.Equal(t, Failed, o.Kind)
	require.Equal(t, CauseGenerationError, o.Cause)
	require.ErrorIs(t, o.Err, boom)
	require.Equal(t, []string{"a"}, conn.written())
	require.Equal(t, websocket.CloseInternalServerErr, conn.sentCloseCode())
	require.Equal(t, 1, h.count(StateClosed))

	evs, err := h.store.Events(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestHandlerDisconnectDuringGeneration(t *testing.T) {
	backend := inference.NewScripted(inference.ScriptedTurn{
		Fragments: []string{"slow", "reply"},
		Delay:     time.Second,
	})
	h := newHarness(t, chatstore.NewInMemoryStore(), backend, nil)
	conn := newStubConn()

	done := h.serve(context.Background(), "s1", conn)
	conn.send("hi")
	waitEvents(t, h.store, "s1", 1)
	conn.hangUp(normalClose())

	o := waitOutcome(t, done)
	require.Equal(t, Closed, o.Kind)
	require.Equal(t, CauseConnectionClosed, o.Cause)
	require.Empty(t, conn.written())

	evs, err := h.store.Events(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

type failingAppendStore struct {
	*chatstore.InMemoryStore
	err error
}

func (f *failingAppendStore) Append(context.Context, chatstore.Event) error { return f.err }

func TestHandlerPersistenceFailure(t *testing.T) {
	store := &failingAppendStore{
		InMemoryStore: chatstore.NewInMemoryStore(),
		err:           &chatstore.PersistenceError{Op: "append", SessionID: "s1", Err: errors.New("disk full")},
	}
	h := newHarness(t, store, inference.NewEcho(), nil)
	conn := newStubConn()

	done := h.serve(context.Background(), "s1", conn)
	conn.send("hi")
	o := waitOutcome(t, done)

	require.Equal(t, Failed, o.Kind)
	require.Equal(t, CausePersistenceError, o.Cause)
	var pe *chatstore.PersistenceError
	require.ErrorAs(t, o.Err, &pe)
	require.Empty(t, h.backend.StreamRequests())
	require.Equal(t, websocket.CloseInternalServerErr, conn.sentCloseCode())

	sess, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, sess.Finished())
	require.Nil(t, sess.Summary)
}

func TestHandlerExistingSessionIsNotFinalizedAgain(t *testing.T) {
	store := chatstore.NewInMemoryStore()
	sess, err := chatstore.NewSession("s1", "someone-else", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.CreateSession(context.Background(), sess))

	h := newHarness(t, store, inference.NewEcho(), nil)
	o := waitOutcome(t, h.serve(context.Background(), "s1", newStubConn()))

	require.Equal(t, CausePersistenceError, o.Cause)
	require.ErrorIs(t, o.Err, chatstore.ErrSessionExists)
	got, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.False(t, got.Finished())
	require.Equal(t, 1, h.count(StateFinalizing))
}

func TestHandlerIgnoresBlankMessages(t *testing.T) {
	h := newHarness(t, chatstore.NewInMemoryStore(), inference.NewEcho(), nil)
	conn := newStubConn()

	done := h.serve(context.Background(), "s1", conn)
	conn.send("   ")
	conn.send("hello")
	waitEvents(t, h.store, "s1", 2)
	conn.hangUp(normalClose())
	waitOutcome(t, done)

	require.Len(t, h.backend.StreamRequests(), 1)
}

func TestHandlerFinalizesExactlyOncePerPath(t *testing.T) {
	cases := []struct {
		name    string
		backend func() *inference.Scripted
		drive   func(conn *stubConn, cancel context.CancelFunc)
		kind    OutcomeKind
		cause   Cause
	}{
		{
			name:    "peer closes",
			backend: inference.NewEcho,
			drive:   func(conn *stubConn, _ context.CancelFunc) { conn.hangUp(normalClose()) },
			kind:    Closed,
			cause:   CauseConnectionClosed,
		},
		{
			name:    "peer drops",
			backend: inference.NewEcho,
			drive: func(conn *stubConn, _ context.CancelFunc) {
				conn.hangUp(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
			},
			kind:  Failed,
			cause: CauseConnectionError,
		},
		{
			name:    "server shuts down",
			backend: inference.NewEcho,
			drive:   func(_ *stubConn, cancel context.CancelFunc) { cancel() },
			kind:    Closed,
			cause:   CauseServerShutdown,
		},
		{
			name: "generation fails",
			backend: func() *inference.Scripted {
				return inference.NewScripted(inference.ScriptedTurn{Err: errors.New("boom")})
			},
			drive: func(conn *stubConn, _ context.CancelFunc) { conn.send("hi") },
			kind:  Failed,
			cause: CauseGenerationError,
		},
		{
			name:    "outbound write fails",
			backend: inference.NewEcho,
			drive: func(conn *stubConn, _ context.CancelFunc) {
				conn.mu.Lock()
				conn.writeErr = errors.New("broken pipe")
				conn.mu.Unlock()
				conn.send("hi")
			},
			kind:  Failed,
			cause: CauseConnectionError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, chatstore.NewInMemoryStore(), tc.backend(), nil)
			conn := newStubConn()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			done := h.serve(ctx, "s1", conn)
			require.Eventually(t, func() bool { return h.count(StateReceiving) > 0 }, time.Second, 5*time.Millisecond)
			tc.drive(conn, cancel)
			o := waitOutcome(t, done)

			require.Equal(t, tc.kind, o.Kind)
			require.Equal(t, tc.cause, o.Cause)
			require.Equal(t, 1, h.count(StateFinalizing))
			require.Equal(t, 1, h.count(StateClosed))
			require.Len(t, h.notifier.ofType(redisstream.SessionFinalized), 1)

			sess, err := h.store.GetSession(context.Background(), "s1")
			require.NoError(t, err)
			require.True(t, sess.Finished())
			require.Equal(t, o.CloseCode(), conn.sentCloseCode())
		})
	}
}

func TestHandlerNotifierFailureDoesNotEndSession(t *testing.T) {
	h := newHarness(t, chatstore.NewInMemoryStore(), inference.NewEcho(), nil)
	h.notifier.err = errors.New("bus down")
	conn := newStubConn()

	done := h.serve(context.Background(), "s1", conn)
	conn.send("still works")
	waitEvents(t, h.store, "s1", 2)
	conn.hangUp(normalClose())
	o := waitOutcome(t, done)
	require.Equal(t, CauseConnectionClosed, o.Cause)
}

func TestNewHandlerValidatesConfig(t *testing.T) {
	store := chatstore.NewInMemoryStore()
	sum, err := summarizer.New(store, store, inference.NewEcho())
	require.NoError(t, err)

	_, err = NewHandler(HandlerConfig{Source: inference.NewEcho(), Summarizer: sum})
	require.Error(t, err)
	_, err = NewHandler(HandlerConfig{Store: store, Summarizer: sum})
	require.Error(t, err)
	_, err = NewHandler(HandlerConfig{Store: store, Source: inference.NewEcho()})
	require.Error(t, err)
}
