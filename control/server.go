// Package control serves the worker's local health and status endpoints over a
// unix socket. Local tooling queries it instead of the network-facing metrics port.
package control

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edgecmd/edgeworker/errors"
	"github.com/edgecmd/edgeworker/health"
)

// DefaultSocket is where the control socket lives on a device image
const DefaultSocket = "/var/run/printnanny/nats-worker.sock"

// Server is an HTTP server bound to a unix socket
type Server struct {
	path   string
	health func() health.Status
	status func() any
	mode   fs.FileMode
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server's logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMode sets the socket file permissions
func WithMode(mode fs.FileMode) Option {
	return func(s *Server) {
		s.mode = mode
	}
}

// NewServer creates a control server. healthFn and statusFn may be nil.
func NewServer(path string, healthFn func() health.Status, statusFn func() any, opts ...Option) *Server {
	if path == "" {
		path = DefaultSocket
	}
	s := &Server{
		path:   path,
		health: healthFn,
		status: statusFn,
		mode:   0o660,
		logger: slog.Default().With("component", "control"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the socket path
func (s *Server) Path() string {
	return s.path
}

// Handler builds the HTTP handler served on the socket
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		st := health.NewHealthy("edgeworker", "ok")
		if s.health != nil {
			st = s.health()
		}
		code := http.StatusOK
		if st.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		if s.status == nil {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		writeJSON(w, http.StatusOK, s.status())
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Run listens on the socket and serves until ctx is done. A stale socket left by
// a previous run is replaced and the socket is removed on return.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	defer s.cleanup()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info("Control socket listening", "path", s.path)

	select {
	case err := <-errCh:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return errors.WrapTransient(err, "Server", "Run", "serve control socket")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.WrapTransient(err, "Server", "Run", "shutdown control server")
	}
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, errors.WrapFatal(err, "Server", "Run", "create socket directory")
	}

	info, err := os.Lstat(s.path)
	switch {
	case err == nil && info.Mode()&fs.ModeSocket == 0:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%s exists and is not a socket", s.path),
			"Server", "Run", "socket path check")
	case err == nil:
		if err := os.Remove(s.path); err != nil {
			return nil, errors.WrapFatal(err, "Server", "Run", "remove stale socket")
		}
		s.logger.Debug("Removed stale control socket", "path", s.path)
	case !stderrors.Is(err, fs.ErrNotExist):
		return nil, errors.WrapFatal(err, "Server", "Run", "stat socket path")
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Server", "Run", "listen on control socket")
	}
	if err := os.Chmod(s.path, s.mode); err != nil {
		_ = ln.Close()
		return nil, errors.WrapFatal(err, "Server", "Run", "set socket permissions")
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln, nil
}

func (s *Server) cleanup() {
	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Failed to remove control socket", "path", s.path, "error", err)
	}
}

// Listening reports whether the socket is currently bound
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}
