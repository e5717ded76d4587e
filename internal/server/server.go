package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Config configures the HTTP server.
type Config struct {
	Addr            string // default ":8080"
	Version         string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server combines the API, health endpoints and metrics on one listener with
// graceful shutdown.
type Server struct {
	Health   *HealthServer
	Shutdown *ShutdownHandler

	mux    *http.ServeMux
	http   *http.Server
	ln     net.Listener
	logger *slog.Logger
	addr   string
}

// New creates a server. Routes are added with Handle before Start.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		Health:   NewHealthServer(cfg.Version),
		Shutdown: NewShutdownHandler(&ShutdownConfig{Timeout: cfg.ShutdownTimeout, Logger: logger}),
		mux:      http.NewServeMux(),
		logger:   logger,
		addr:     cfg.Addr,
	}
	s.Health.Register(s.mux)
	s.http = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handle registers a handler on the server mux.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Mux returns the server mux.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Start binds the listener, serves in the background and marks the server
// ready. Readiness is dropped as soon as shutdown begins.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.Shutdown.Add(HTTPServerShutdownHook("http", s.http.Shutdown))
	s.Shutdown.Start()

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
			s.Shutdown.Shutdown()
		}
	}()
	go func() {
		<-s.Shutdown.Stopping()
		s.Health.SetReady(false)
	}()

	s.Health.SetReady(true)
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// RegisterHook adds a shutdown hook.
func (s *Server) RegisterHook(hook ShutdownHook) {
	s.Shutdown.Add(hook)
}

// Wait blocks until shutdown has completed.
func (s *Server) Wait() {
	s.Shutdown.Wait()
}

// Stop triggers shutdown and waits for it, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.Shutdown.Shutdown()
	select {
	case <-s.Shutdown.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
