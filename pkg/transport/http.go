package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harun/aleph/internal/observability"
	"github.com/rs/zerolog"
)

// Runner runs a listener until ctx is canceled or the listener fails.
// A nil return means a clean stop.
type Runner interface {
	Run(ctx context.Context, host string, port int, path string) error
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context, host string, port int, path string) error

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, host string, port int, path string) error {
	return f(ctx, host, port, path)
}

// HTTPRunner serves Handler at the transport path, plus /healthz and /metrics
type HTTPRunner struct {
	Handler         http.Handler
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// Run binds host:port and serves until ctx is canceled
func (r *HTTPRunner) Run(ctx context.Context, host string, port int, path string) error {
	if r.Handler == nil {
		return fmt.Errorf("http runner: handler is required")
	}
	path = NormalizePath(path)

	mux := http.NewServeMux()
	mux.Handle(path, r.Handler)
	if !strings.HasPrefix(path, "/healthz") {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
	}
	if !strings.HasPrefix(path, "/metrics") {
		mux.Handle("/metrics", observability.MetricsHandler())
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.Logger.Info().Str("addr", ln.Addr().String()).Str("path", path).Msg("Starting HTTP transport")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := r.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http transport: %w", err)
	}
	<-errCh

	r.Logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP transport stopped")
	return nil
}
