package gateway

import (
	"context"
	"net"
	"sync"

	"github.com/bythron/trackerd/internal/metrics"
)

// Server accepts device TCP connections and runs one session per socket.
type Server struct {
	cfg *Config

	mu    sync.Mutex
	conns map[*Conn]struct{}

	shutdownOnce sync.Once
}

func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, conns: make(map[*Conn]struct{})}, nil
}

// Registry exposes the live-connection registry for the dispatcher.
func (s *Server) Registry() *Registry {
	return s.cfg.Registry
}

// Start runs Serve in the background, canceling the parent context when the
// listener fails.
func (s *Server) Start(ctx context.Context, cancel context.CancelFunc, listener net.Listener) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Serve(ctx, listener); err != nil {
			errCh <- err
			cancel()
		}
	}()
	return errCh
}

// Serve accepts until the context is canceled or the listener fails, then
// drains live sessions within the configured grace period.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	log := s.cfg.Logger
	log.Info("tcp gateway listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		sock, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || isClosedConnErr(err) {
				break
			}
			log.Error("accept failed", "error", err)
			return err
		}

		metrics.ConnectionsTotal.Inc()
		metrics.ConnectionsActive.Inc()

		conn := newConn(s.cfg, sock)
		s.track(conn)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer metrics.ConnectionsActive.Dec()
			defer s.untrack(conn)
			conn.run(ctx)
		}()
	}

	s.drain()

	// Sessions exit promptly once their sockets are closed; the grace period
	// bounds the wait for in-flight packet handling.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("all sessions drained")
	case <-s.cfg.Clock.After(s.cfg.ShutdownGrace):
		log.Warn("shutdown grace elapsed with sessions still closing")
	}
	return nil
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// drain closes every live session with ErrShutdown, failing their pending
// command waiters.
func (s *Server) drain() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		conns := make([]*Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		for _, c := range conns {
			c.close(ErrShutdown)
		}
	})
}
