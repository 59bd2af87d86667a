// Package transport supervises the optional HTTP listener that exposes the
// tool server next to stdio.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/aleph/internal/observability"
	"github.com/harun/aleph/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// State is the lifecycle state of the listener
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
)

// Status is a point-in-time view of the supervisor
type Status struct {
	State     State  `json:"state"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Path      string `json:"path,omitempty"`
	URL       string `json:"url,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Config holds supervisor configuration
type Config struct {
	Runner Runner
	Prober Prober
	Policy RetryPolicy
	Logger zerolog.Logger
}

// Supervisor starts at most one listener task and waits for it to accept
// connections. Ensure is idempotent while the task is alive.
type Supervisor struct {
	runner Runner
	prober Prober
	policy RetryPolicy
	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	host    string
	port    int
	path    string
	url     string
	task    *task
	lastErr error
}

type task struct {
	cancel   context.CancelFunc
	done     chan struct{}
	err      error // valid once done is closed
	addr     string
	stopping bool // guarded by Supervisor.mu
	exited   bool // guarded by Supervisor.mu, set before done is closed
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// NewSupervisor creates a supervisor in the stopped state
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Runner == nil {
		return nil, ErrNoRunner
	}
	if cfg.Prober == nil {
		cfg.Prober = DialProber{}
	}

	observability.SetTransportState(string(StateStopped))

	return &Supervisor{
		runner: cfg.Runner,
		prober: cfg.Prober,
		policy: cfg.Policy.withDefaults(),
		logger: cfg.Logger.With().Str("component", "transport").Logger(),
		state:  StateStopped,
	}, nil
}

// Ensure starts the listener on host:port/path unless a task is already
// alive, and returns the URL clients should connect to.
//
// While a task is alive its URL is returned and the arguments are ignored;
// a caller arriving before the task was seen ready joins the readiness wait
// instead of spawning. A finished task is discarded and a new one spawned.
func (s *Supervisor) Ensure(ctx context.Context, host string, port int, path string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "transport", "transport.ensure",
		attribute.String("transport.host", host),
		attribute.Int("transport.port", port),
	)

	s.mu.Lock()
	if t := s.task; t != nil && !t.finished() {
		url, state := s.url, s.state
		s.mu.Unlock()

		if state == StateRunning {
			tracing.EndSpan(span, nil)
			return url, nil
		}
		err := s.waitReady(ctx, t)
		tracing.EndSpan(span, err)
		if err != nil {
			return "", err
		}
		return url, nil
	}

	if port <= 0 || port > 65535 {
		s.mu.Unlock()
		err := fmt.Errorf("%w: %d", ErrInvalidPort, port)
		tracing.EndSpan(span, err)
		return "", err
	}

	path = NormalizePath(path)
	t := &task{
		done: make(chan struct{}),
		addr: ConnectAddr(host, port),
	}
	s.host, s.port, s.path = host, port, path
	s.url = ConnectURL(host, port, path)
	s.task = t
	s.lastErr = nil
	s.setState(StateStarting)
	url := s.url

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	go s.run(runCtx, t, host, port, path)
	s.mu.Unlock()

	observability.RecordTransportStart()
	s.logger.Info().Str("url", url).Msg("Spawned HTTP transport")

	err := s.waitReady(ctx, t)
	tracing.EndSpan(span, err)
	if err != nil {
		observability.RecordTransportAudit(ctx, "ensure", url, "failed", map[string]interface{}{"error": err.Error()})
		return "", err
	}
	observability.RecordTransportAudit(ctx, "ensure", url, "running", nil)
	return url, nil
}

func (s *Supervisor) run(ctx context.Context, t *task, host string, port int, path string) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("listener panic: %v", r)
		}
		s.onExit(t)
	}()
	t.err = s.runner.Run(ctx, host, port, path)
}

func (s *Supervisor) onExit(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.exited = true
	if s.task != t || t.stopping {
		return
	}
	err := t.err
	if err == nil {
		err = ErrStoppedUnexpectedly
	}
	s.lastErr = err
	s.setState(StateFailed)
	s.logger.Warn().Err(err).Str("url", s.url).Msg("HTTP transport exited")
}

// waitReady polls the task's address until it accepts a connection, the
// task finishes, or the policy deadline passes. On deadline the task is
// left running.
func (s *Supervisor) waitReady(ctx context.Context, t *task) error {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
	defer cancel()

	for {
		if t.finished() {
			err := t.err
			if err == nil {
				err = ErrStoppedUnexpectedly
			}
			err = fmt.Errorf("http transport failed to start: %w", err)
			s.markFailed(t, err)
			observability.RecordTransportReady("failed", time.Since(start))
			return err
		}

		probeCtx, probeCancel := context.WithTimeout(waitCtx, s.policy.DialTimeout)
		probeErr := s.prober.Probe(probeCtx, t.addr)
		probeCancel()
		if probeErr == nil {
			if !s.markRunning(t) {
				// something else answered on the address after our task died
				<-t.done
				continue
			}
			observability.RecordTransportReady("ready", time.Since(start))
			return nil
		}

		select {
		case <-t.done:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err := fmt.Errorf("%w: %s after %s: %v", ErrReadyTimeout, t.addr, s.policy.Timeout, probeErr)
			s.markFailed(t, err)
			observability.RecordTransportReady("timeout", time.Since(start))
			return err
		case <-time.After(s.policy.Interval):
		}
	}
}

// markRunning reports false when t exited before the probe was accepted
func (s *Supervisor) markRunning(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.exited {
		return false
	}
	if s.task != t || s.state == StateRunning {
		return true
	}
	s.lastErr = nil
	s.setState(StateRunning)
	s.logger.Info().Str("url", s.url).Msg("HTTP transport ready")
	return true
}

func (s *Supervisor) markFailed(t *task, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.task != t {
		return
	}
	s.lastErr = err
	s.setState(StateFailed)
	s.logger.Error().Err(err).Str("url", s.url).Msg("HTTP transport not ready")
}

// setState requires s.mu
func (s *Supervisor) setState(state State) {
	s.state = state
	observability.SetTransportState(string(state))
}

// Stop cancels the listener task and waits for it to exit
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	t := s.task
	if t == nil {
		s.mu.Unlock()
		return nil
	}
	t.stopping = true
	t.cancel()
	s.mu.Unlock()

	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == t {
		s.task = nil
		s.url = ""
		s.setState(StateStopped)
	}

	if t.err != nil && !errors.Is(t.err, context.Canceled) {
		return t.err
	}
	return nil
}

// Status returns a snapshot of the supervisor state
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State: s.state,
		Host:  s.host,
		Port:  s.port,
		Path:  s.path,
		URL:   s.url,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
