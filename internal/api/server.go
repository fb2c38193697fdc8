package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
)

// Server hosts the operator HTTP API.
type Server struct {
	cfg     *Config
	handler *Handler

	httpSrv      *http.Server
	shutdownOnce sync.Once
}

func NewServer(cfg *Config) (*Server, error) {
	h, err := NewHandler(cfg)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, handler: h}, nil
}

// Start runs Serve in the background, canceling the parent context when the
// server fails.
func (s *Server) Start(ctx context.Context, cancel context.CancelFunc, listener net.Listener) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Serve(ctx, listener); err != nil {
			s.cfg.Logger.Error("api server exited with error", "error", err)
			errCh <- err
			cancel()
		}
	}()
	return errCh
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	s.handler.Register(mux)

	s.httpSrv = &http.Server{Handler: mux, BaseContext: func(net.Listener) context.Context { return ctx }}
	s.cfg.Logger.Info("http api listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	err := s.httpSrv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) shutdown() {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if s.httpSrv != nil {
			_ = s.httpSrv.Shutdown(ctx)
		}
	})
}
