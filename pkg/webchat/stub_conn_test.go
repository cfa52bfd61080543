package webchat

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// stubConn is an in-memory Conn. Inbound frames are queued with send; hangUp
// makes the next read fail with the given error.
type stubConn struct {
	mu        sync.Mutex
	inbound   chan []byte
	gone      chan struct{}
	goneErr   error
	goneOnce  sync.Once
	closedCh  chan struct{}
	closeOnce sync.Once
	writes    []string
	writeErr  error
	closeCode int
	closeText string
}

func newStubConn() *stubConn {
	return &stubConn{
		inbound:  make(chan []byte, 64),
		gone:     make(chan struct{}),
		closedCh: make(chan struct{}),
	}
}

func (s *stubConn) send(text string) { s.inbound <- []byte(text) }

func (s *stubConn) hangUp(err error) {
	s.goneOnce.Do(func() {
		s.mu.Lock()
		s.goneErr = err
		s.mu.Unlock()
		close(s.gone)
	})
}

func (s *stubConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-s.inbound:
		return websocket.TextMessage, b, nil
	case <-s.gone:
		s.mu.Lock()
		defer s.mu.Unlock()
		return 0, nil, s.goneErr
	case <-s.closedCh:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	select {
	case <-s.closedCh:
		return errors.New("closed")
	default:
	}
	s.writes = append(s.writes, string(data))
	return nil
}

func (s *stubConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType != websocket.CloseMessage || len(data) < 2 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCode = int(binary.BigEndian.Uint16(data[:2]))
	s.closeText = string(data[2:])
	return nil
}

func (s *stubConn) SetWriteDeadline(_ time.Time) error { return nil }

func (s *stubConn) Close() error {
	s.closeOnce.Do(func() { close(s.closedCh) })
	return nil
}

func (s *stubConn) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func (s *stubConn) sentCloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

func normalClose() error {
	return &websocket.CloseError{Code: websocket.CloseNormalClosure}
}
