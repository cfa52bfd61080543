package webchat

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the handler drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = &websocket.Conn{}

// peerError records why the inbound side of a connection stopped.
type peerError struct {
	err error
}

func (e *peerError) Error() string { return "peer: " + e.err.Error() }
func (e *peerError) Unwrap() error { return e.err }

// readInbound pumps text frames from conn into the returned channel until a
// read fails. The failure cancels ctx with a *peerError cause, which aborts any
// in-flight generation, and closes the channel.
func readInbound(ctx context.Context, conn Conn, cancel context.CancelCauseFunc) (<-chan string, <-chan struct{}) {
	in := make(chan string, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(in)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				cancel(&peerError{err: err})
				return
			}
			select {
			case in <- string(data):
			case <-ctx.Done():
				return
			}
		}
	}()
	return in, done
}
