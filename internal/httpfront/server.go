// Package httpfront implements the HTTP Front Server of spec.md §4.H: an
// accept loop with its own accept-level flood control (Accept is delayed
// once the budget is spent; the number of concurrently served connections
// is not bounded),
// routing `/bot<token>[/test]/<method>` requests into internal/manager and
// rendering its responses as bot-API-shaped JSON, plus a TSV stats endpoint.
//
// Grounded on the teacher's StartWebhookServer (server.go) for the
// graceful-shutdown/health-endpoint idiom, and original_source HttpServer.h
// for the accept-level flood control (1/s + 10/min).
package httpfront

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prilive-com/botapigateway/internal/flood"
	"github.com/prilive-com/botapigateway/internal/manager"
)

// Config describes one listener's tuning knobs, mirroring the teacher's
// Config fields used by StartWebhookServer.
type Config struct {
	Addr              string
	StatAddr          string
	TempDir           string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	DrainDelay        time.Duration
	ShutdownTimeout   time.Duration
	MaxBodyBytes      int64
	TLSCertPath       string
	TLSKeyPath        string
}

func (c *Config) setDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 20 * 1024 * 1024
	}
	if c.TempDir == "" {
		c.TempDir = "."
	}
}

// Server owns the two listeners (bot API, stats) and their shared state.
type Server struct {
	cfg     Config
	mgr     *manager.Manager
	logger  *slog.Logger
	state   serverState
	started time.Time
}

type serverState struct {
	shuttingDown atomic.Bool
}

// New creates a Server routing requests to mgr.
func New(logger *slog.Logger, mgr *manager.Manager, cfg Config) *Server {
	cfg.setDefaults()
	return &Server{cfg: cfg, mgr: mgr, logger: logger, started: time.Now()}
}

// acceptFloodLimiter builds the per-listener accept-level FloodControl of
// spec.md §4.H ("its own flood control (1/s + 10/min on accept)").
func acceptFloodLimiter() *flood.Control {
	c := flood.New()
	c.AddLimit(time.Second, 1)
	c.AddLimit(time.Minute, 10)
	return c
}

// floodedListener wraps a net.Listener, delaying Accept to the flood
// control's wakeup time instead of rejecting outright — the accept loop
// itself has nothing to reject against yet (no request has been read), so
// back-pressure here takes the form of slowing the loop rather than
// emitting an HTTP error.
type floodedListener struct {
	net.Listener
	control *flood.Control
}

func (l *floodedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	wakeup := l.control.WakeupAt(now)
	if wakeup.After(now) {
		time.Sleep(wakeup.Sub(now))
	}
	l.control.AddEvent(time.Now())
	return conn, nil
}

// Run starts both listeners and blocks until ctx is canceled, then drains
// and shuts down gracefully, mirroring the teacher's StartWebhookServer
// drain-delay-then-Shutdown sequence.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleHealthz)
	mux.HandleFunc("/bot", s.handleBotRequest)
	mux.Handle("/", http.HandlerFunc(s.handleBotRequest))

	botServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	var statServer *http.Server
	if s.cfg.StatAddr != "" {
		statMux := http.NewServeMux()
		statMux.HandleFunc("/", s.handleStats)
		statServer = &http.Server{Addr: s.cfg.StatAddr, Handler: statMux}
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.serve(botServer, s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
	}()
	if statServer != nil {
		go func() {
			errCh <- s.serve(statServer, "", "")
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	s.state.shuttingDown.Store(true)
	s.logger.Info("http front shutdown initiated, draining", "delay", s.cfg.DrainDelay)
	time.Sleep(s.cfg.DrainDelay)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := botServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down bot-api listener: %w", err)
	}
	if statServer != nil {
		if err := statServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down stats listener: %w", err)
		}
	}
	return nil
}

func (s *Server) serve(srv *http.Server, certPath, keyPath string) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}
	ln = &floodedListener{Listener: ln, control: acceptFloodLimiter()}

	s.logger.Info("http front listening", "addr", srv.Addr)
	var serveErr error
	if certPath != "" && keyPath != "" {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		serveErr = srv.ServeTLS(ln, certPath, keyPath)
	} else {
		serveErr = srv.Serve(ln)
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	return serveErr
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.state.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
