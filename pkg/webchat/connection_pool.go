package webchat

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// ConnectionPool tracks the live connection of every session served by this
// process. A session id is held by at most one connection at a time.
type ConnectionPool struct {
	mu    sync.Mutex
	conns map[string]Conn
	wg    sync.WaitGroup
}

func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{conns: map[string]Conn{}}
}

// Reserve claims sessionID before the upgrade. It reports false when the id
// is already held.
func (cp *ConnectionPool) Reserve(sessionID string) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[sessionID]; ok {
		return false
	}
	cp.conns[sessionID] = nil
	cp.wg.Add(1)
	return true
}

// Attach binds the upgraded connection to a reserved session id.
func (cp *ConnectionPool) Attach(sessionID string, conn Conn) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[sessionID]; ok {
		cp.conns[sessionID] = conn
	}
}

func (cp *ConnectionPool) Release(sessionID string) {
	cp.mu.Lock()
	_, ok := cp.conns[sessionID]
	delete(cp.conns, sessionID)
	cp.mu.Unlock()
	if ok {
		cp.wg.Done()
	}
}

func (cp *ConnectionPool) Count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

// CloseAll closes every attached connection; their handlers observe a read
// failure and finalize.
func (cp *ConnectionPool) CloseAll() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for id, conn := range cp.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("session_id", id).Msg("ws close failed")
		}
	}
}

// Wait blocks until every reserved session is released or ctx is done.
func (cp *ConnectionPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		cp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
