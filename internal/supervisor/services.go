package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// HTTPServer is the part of *http.Server the service needs.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server until ctx is cancelled, then shuts it down
// gracefully.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return "http-server"
}

// Runner is a component whose Run cannot be called a second time, like a
// watermill router.
type Runner interface {
	Run(ctx context.Context) error
}

// OneShotService runs r once. If r stops while ctx is still live the whole
// tree is terminated, since a restart would fail anyway.
type OneShotService struct {
	name   string
	runner Runner
	logger zerolog.Logger
}

func NewOneShotService(name string, r Runner, logger zerolog.Logger) *OneShotService {
	return &OneShotService{name: name, runner: r, logger: logger}
}

func (s *OneShotService) Serve(ctx context.Context) error {
	err := s.runner.Run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Error().Err(err).Str("service", s.name).Msg("service stopped unexpectedly, terminating")
	return suture.ErrTerminateSupervisorTree
}

func (s *OneShotService) String() string {
	return s.name
}
