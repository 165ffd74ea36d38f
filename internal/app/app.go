// Package app runs the process's long-lived components together.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Server is a long-lived component. Start blocks until the component stops.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type App struct {
	servers         []Server
	shutdownTimeout time.Duration
	log             *slog.Logger
}

func New(shutdownTimeout time.Duration, log *slog.Logger, servers ...Server) *App {
	if log == nil {
		log = slog.Default()
	}
	return &App{servers: servers, shutdownTimeout: shutdownTimeout, log: log}
}

// Run starts every server and stops them all when ctx is cancelled or any
// of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range a.servers {
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	<-gctx.Done()
	a.log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	for _, srv := range a.servers {
		if err := srv.Stop(stopCtx); err != nil {
			a.log.Error("stop server", "error", err)
		}
	}
	return g.Wait()
}

// HTTPServer adapts *http.Server to Server.
type HTTPServer struct {
	srv *http.Server
	log *slog.Logger
}

func NewHTTPServer(srv *http.Server, log *slog.Logger) *HTTPServer {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPServer{srv: srv, log: log}
}

func (s *HTTPServer) Start(context.Context) error {
	s.log.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
