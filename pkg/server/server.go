// Package server owns the listening socket. Upgrade requests on the
// handshake path are admitted, upgraded, and handed to the handshake
// engine; every other request goes to the administrative API handler on the
// same port.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synaptic-labs/neuron/pkg/admission"
	"github.com/synaptic-labs/neuron/pkg/handshake"
)

// Handler runs one handshake on an upgraded connection.
type Handler interface {
	Run(ctx context.Context, conn handshake.Conn) error
}

// Config carries the listener parameters.
type Config struct {
	Host            string
	Port            int
	Path            string
	MaxPayloadBytes int64
	// ObserveQueueWait, when set, is called with the time each admitted
	// connection spent waiting on the admission limiter.
	ObserveQueueWait func(time.Duration)
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/ws/connect"
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 64 * 1024
	}
	return c
}

// Server accepts handshake connections behind the admission limiter.
type Server struct {
	cfg      Config
	handler  Handler
	limiter  *admission.Limiter
	api      http.Handler
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	sessions map[*websocket.Conn]struct{}
	stopping bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a server. api may be nil, in which case non-handshake requests
// get 404.
func New(cfg Config, handler Handler, limiter *admission.Limiter, api http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		limiter: limiter,
		api:     api,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*websocket.Conn]struct{}),
	}
}

// Start binds the listener and begins serving. It returns once the socket
// is bound; serving continues in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve loop ended", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", ln.Addr().String(), "handshake_path", s.cfg.Path)
	return nil
}

// Addr reports the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		if r.URL.Path != s.cfg.Path {
			http.Error(w, "unknown upgrade path", http.StatusNotFound)
			return
		}
		s.handleUpgrade(w, r)
		return
	}
	if s.api != nil {
		s.api.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	// Admission happens before the upgrade so a queue timeout can still be
	// answered with a plain 503.
	queuedAt := time.Now()
	if err := s.limiter.Acquire(r.Context()); err != nil {
		if errors.Is(err, admission.ErrQueueTimeout) {
			http.Error(w, "handshake capacity exhausted", http.StatusServiceUnavailable)
			return
		}
		return
	}
	if s.cfg.ObserveQueueWait != nil {
		s.cfg.ObserveQueueWait(time.Since(queuedAt))
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.limiter.Release()
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxPayloadBytes)

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.limiter.Release()
		// Stop won the race after admission; this client still gets the
		// graceful close frame.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(5*time.Second))
		_ = conn.Close()
		return
	}
	s.sessions[conn] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.sessions, conn)
			s.mu.Unlock()
			s.limiter.Release()
			s.wg.Done()
		}()
		if err := s.handler.Run(s.ctx, conn); err != nil {
			s.logger.Error("handshake ended with error", "remote", r.RemoteAddr, "error", err)
		}
	}()
}

// ActiveSessions reports the number of open handshake streams.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop is the graceful barrier: refuse new admissions, close every open
// stream with 1001, wait for the handlers, then close the listener.
// Shutdown is initiated once, but every call waits for the drain, so a
// retry after a ctx expiry finishes the job instead of reporting success
// spuriously.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()

		// Cancelling the run context makes every engine close its stream
		// with 1001 and return.
		s.cancel()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.mu.Lock()
			s.httpSrv = srv
			s.mu.Unlock()
			return err
		}
	}
	return nil
}
