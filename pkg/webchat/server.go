package webchat

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/rtchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/rtchat/pkg/redisstream"
)

const (
	DefaultUserID          = "demo-user"
	defaultShutdownTimeout = 30 * time.Second
)

type ServerConfig struct {
	Addr            string
	DefaultUserID   string
	ShutdownTimeout time.Duration
}

// Server exposes the session handler over HTTP and owns the process
// lifecycle: listener, notification bus and graceful shutdown.
type Server struct {
	cfg      ServerConfig
	handler  *Handler
	sessions chatstore.SessionStore
	bus      *redisstream.Bus
	pool     *ConnectionPool
	upgrader websocket.Upgrader

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
}

// NewServer wires handler behind the websocket route. bus may be nil.
// Cancelling ctx ends every session with a server shutdown.
func NewServer(ctx context.Context, cfg ServerConfig, handler *Handler, sessions chatstore.SessionStore, bus *redisstream.Bus) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if sessions == nil {
		return nil, errors.New("session store is nil")
	}
	if strings.TrimSpace(cfg.DefaultUserID) == "" {
		cfg.DefaultUserID = DefaultUserID
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	baseCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		cfg:      cfg,
		handler:  handler,
		sessions: sessions,
		bus:      bus,
		pool:     NewConnectionPool(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/session/{session_id}", s.handleSession)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Server) Pool() *ConnectionPool { return s.pool }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = s.cfg.DefaultUserID
	}
	logger := log.With().Str("component", "webchat").Str("session_id", sessionID).Logger()

	if s.baseCtx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.pool.Reserve(sessionID) {
		http.Error(w, "session already connected", http.StatusConflict)
		return
	}
	defer s.pool.Release(sessionID)

	_, err := s.sessions.GetSession(r.Context(), sessionID)
	switch {
	case err == nil:
		http.Error(w, "session already exists", http.StatusConflict)
		return
	case !errors.Is(err, chatstore.ErrSessionNotFound):
		logger.Error().Err(err).Msg("session lookup failed")
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.pool.Attach(sessionID, conn)

	// Hijacked connections are not cancelled by http.Server.Shutdown, so tie
	// the session to the server's own context as well.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	s.handler.Serve(ctx, sessionID, userID, conn)
}

// Run serves HTTP and the notification bus until ctx is cancelled or the
// process receives SIGINT/SIGTERM, then drains live sessions.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg, egCtx := errgroup.WithContext(ctx)

	if s.bus != nil {
		eg.Go(func() error { return s.bus.Run(egCtx) })
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-egCtx.Done():
		}
		return s.shutdown(context.WithoutCancel(ctx))
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting rtchat server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
		return err
	}
	if err := s.pool.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Int("sessions", s.pool.Count()).Msg("sessions still open at shutdown deadline, closing")
		s.pool.CloseAll()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			log.Error().Err(err).Msg("notification bus close error")
		} else {
			log.Info().Msg("notification bus closed")
		}
	}
	log.Info().Msg("server shutdown complete")
	return nil
}
