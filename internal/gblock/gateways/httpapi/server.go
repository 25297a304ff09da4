package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/haukened/gblock/internal/gblock/common/log"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server serves the API on one TCP listener.
type Server struct {
	addr     string
	maxConns int
	handler  http.Handler
	logger   log.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServer creates a server for handler. maxConns <= 0 leaves the number
// of concurrent connections unbounded.
func NewServer(addr string, maxConns int, handler http.Handler, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Server{addr: addr, maxConns: maxConns, handler: handler, logger: logger}
}

// Run binds the listener and serves until ctx is cancelled, then shuts the
// server down gracefully. A bind failure is returned immediately. A stopped
// server may be run again.
func (s *Server) Run(ctx context.Context) error {
	srv, ln, err := s.listen()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	gctx, done := context.WithCancel(gctx)
	g.Go(func() error {
		defer done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(srv)
	})
	return g.Wait()
}

func (s *Server) listen() (*http.Server, net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil, nil, fmt.Errorf("http server already running")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.handler, ReadHeaderTimeout: readHeaderTimeout}

	s.logger.Info(map[string]any{
		"address":   ln.Addr().String(),
		"max_conns": s.maxConns,
	}, "http_server_started")
	return s.srv, ln, nil
}

// Stop shuts the server down, waiting up to shutdownTimeout for in-flight
// requests. Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return s.shutdown(srv)
}

// shutdown stops srv and clears it, unless a later run already replaced it.
func (s *Server) shutdown(srv *http.Server) error {
	s.mu.Lock()
	if s.srv != srv {
		s.mu.Unlock()
		return nil
	}
	ln := s.ln
	s.srv, s.ln = nil, nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn(map[string]any{"error": err}, "http_shutdown_failed")
		return err
	}
	s.logger.Info(map[string]any{"address": ln.Addr().String()}, "http_server_stopped")
	return nil
}

// Address returns the bound address while running, the configured one
// otherwise.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}
