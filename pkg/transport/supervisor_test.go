package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = RetryPolicy{
	Timeout:     500 * time.Millisecond,
	Interval:    5 * time.Millisecond,
	DialTimeout: 20 * time.Millisecond,
}

// blockingRunner counts invocations and serves until canceled.
type blockingRunner struct {
	calls   atomic.Int32
	running atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{}
}

func (r *blockingRunner) Run(ctx context.Context, host string, port int, path string) error {
	r.calls.Add(1)
	r.running.Add(1)
	defer r.running.Add(-1)
	<-ctx.Done()
	return nil
}

// prober accepts only while a Run call is in progress
func (r *blockingRunner) prober() Prober {
	return ProberFunc(func(ctx context.Context, addr string) error {
		if r.running.Load() > 0 {
			return nil
		}
		return errors.New("connection refused")
	})
}

func newTestSupervisor(t *testing.T, runner Runner, prober Prober) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(Config{
		Runner: runner,
		Prober: prober,
		Policy: fastPolicy,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestNewSupervisorRequiresRunner(t *testing.T) {
	_, err := NewSupervisor(Config{})
	assert.ErrorIs(t, err, ErrNoRunner)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/mcp", NormalizePath(""))
	assert.Equal(t, "/mcp", NormalizePath("mcp"))
	assert.Equal(t, "/mcp", NormalizePath("/mcp"))
	assert.Equal(t, "/api/tools", NormalizePath(" api/tools "))
}

func TestConnectURL(t *testing.T) {
	tests := []struct {
		host string
		port int
		path string
		want string
	}{
		{"0.0.0.0", 8585, "mcp", "http://127.0.0.1:8585/mcp"},
		{"::", 8585, "/mcp", "http://127.0.0.1:8585/mcp"},
		{"", 9000, "", "http://127.0.0.1:9000/mcp"},
		{"localhost", 8765, "/x", "http://localhost:8765/x"},
		{"::1", 8765, "/mcp", "http://[::1]:8765/mcp"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ConnectURL(tt.host, tt.port, tt.path))
		})
	}
}

func TestEnsureWildcardHostURL(t *testing.T) {
	runner := newBlockingRunner()
	var probed atomic.Value
	prober := ProberFunc(func(ctx context.Context, addr string) error {
		probed.Store(addr)
		return runner.prober().Probe(ctx, addr)
	})
	s := newTestSupervisor(t, runner, prober)

	url, err := s.Ensure(context.Background(), "0.0.0.0", 8585, "mcp")

	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8585/mcp", url)
	assert.Equal(t, "127.0.0.1:8585", probed.Load())

	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "/mcp", st.Path)
}

func TestEnsureConcurrentCallersShareOneTask(t *testing.T) {
	runner := newBlockingRunner()
	s := newTestSupervisor(t, runner, runner.prober())

	const callers = 16
	urls := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			urls[i], errs[i] = s.Ensure(context.Background(), "127.0.0.1", 8765, "/mcp")
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), runner.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "http://127.0.0.1:8765/mcp", urls[i])
	}
}

func TestEnsureIgnoresArgumentsWhileRunning(t *testing.T) {
	runner := newBlockingRunner()
	s := newTestSupervisor(t, runner, runner.prober())

	first, err := s.Ensure(context.Background(), "127.0.0.1", 8765, "/mcp")
	require.NoError(t, err)

	second, err := s.Ensure(context.Background(), "0.0.0.0", 9999, "/other")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestEnsureRetriesAfterFailedTask(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, host string, port int, path string) error {
		if calls.Add(1) == 1 {
			return errors.New("bind: address already in use")
		}
		close(started)
		<-ctx.Done()
		return nil
	})
	prober := ProberFunc(func(ctx context.Context, addr string) error {
		select {
		case <-started:
			return nil
		default:
			return errors.New("connection refused")
		}
	})
	s := newTestSupervisor(t, runner, prober)

	_, err := s.Ensure(context.Background(), "127.0.0.1", 8765, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
	assert.Equal(t, StateFailed, s.Status().State)
	assert.NotEmpty(t, s.Status().LastError)

	url, err := s.Ensure(context.Background(), "127.0.0.1", 8765, "")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8765/mcp", url)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, StateRunning, s.Status().State)
	assert.Empty(t, s.Status().LastError)
}

func TestEnsureStoppedUnexpectedly(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, host string, port int, path string) error {
		return nil
	})
	prober := ProberFunc(func(ctx context.Context, addr string) error {
		return errors.New("connection refused")
	})
	s := newTestSupervisor(t, runner, prober)

	_, err := s.Ensure(context.Background(), "127.0.0.1", 8765, "")
	assert.ErrorIs(t, err, ErrStoppedUnexpectedly)
}

func TestEnsureRecoversRunnerPanic(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, host string, port int, path string) error {
		panic("boom")
	})
	prober := ProberFunc(func(ctx context.Context, addr string) error {
		return errors.New("connection refused")
	})
	s := newTestSupervisor(t, runner, prober)

	_, err := s.Ensure(context.Background(), "127.0.0.1", 8765, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestEnsureTimeoutLeavesTaskRunning(t *testing.T) {
	runner := newBlockingRunner()
	prober := ProberFunc(func(ctx context.Context, addr string) error {
		return errors.New("connection refused")
	})
	s, err := NewSupervisor(Config{
		Runner: runner,
		Prober: prober,
		Policy: RetryPolicy{Timeout: 50 * time.Millisecond, Interval: 5 * time.Millisecond, DialTimeout: 5 * time.Millisecond},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer s.Stop(context.Background())

	_, err = s.Ensure(context.Background(), "127.0.0.1", 8765, "")
	assert.ErrorIs(t, err, ErrReadyTimeout)
	assert.Equal(t, StateFailed, s.Status().State)

	// the task is still alive, so a second call waits on it instead of spawning
	_, err = s.Ensure(context.Background(), "127.0.0.1", 8765, "")
	assert.ErrorIs(t, err, ErrReadyTimeout)
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestEnsureJoinsAliveTaskAfterTimeout(t *testing.T) {
	runner := newBlockingRunner()
	var reachable atomic.Bool
	prober := ProberFunc(func(ctx context.Context, addr string) error {
		if reachable.Load() {
			return nil
		}
		return errors.New("connection refused")
	})
	s, err := NewSupervisor(Config{
		Runner: runner,
		Prober: prober,
		Policy: RetryPolicy{Timeout: 50 * time.Millisecond, Interval: 5 * time.Millisecond, DialTimeout: 5 * time.Millisecond},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer s.Stop(context.Background())

	_, err = s.Ensure(context.Background(), "127.0.0.1", 8765, "")
	require.ErrorIs(t, err, ErrReadyTimeout)
	require.Equal(t, StateFailed, s.Status().State)

	// the listener comes up late; the next call waits on the same task
	reachable.Store(true)
	url, err := s.Ensure(context.Background(), "0.0.0.0", 9999, "/other")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8765/mcp", url)
	assert.Equal(t, StateRunning, s.Status().State)
	assert.Empty(t, s.Status().LastError)
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestEnsureRejectsForeignListener(t *testing.T) {
	var s *Supervisor
	runner := RunnerFunc(func(ctx context.Context, host string, port int, path string) error {
		return errors.New("bind: address already in use")
	})
	// another process holds the port, so dials succeed once our task is gone
	prober := ProberFunc(func(ctx context.Context, addr string) error {
		if s.Status().State == StateFailed {
			return nil
		}
		return errors.New("connection refused")
	})
	s = newTestSupervisor(t, runner, prober)

	_, err := s.Ensure(context.Background(), "127.0.0.1", 8765, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
	assert.Equal(t, StateFailed, s.Status().State)
}

func TestEnsureCallerCancellation(t *testing.T) {
	runner := newBlockingRunner()
	prober := ProberFunc(func(ctx context.Context, addr string) error {
		return errors.New("connection refused")
	})
	s := newTestSupervisor(t, runner, prober)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.Ensure(ctx, "127.0.0.1", 8765, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnsureRejectsInvalidPort(t *testing.T) {
	runner := newBlockingRunner()
	s := newTestSupervisor(t, runner, runner.prober())

	_, err := s.Ensure(context.Background(), "127.0.0.1", 0, "")
	assert.ErrorIs(t, err, ErrInvalidPort)
	assert.Equal(t, int32(0), runner.calls.Load())
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestStop(t *testing.T) {
	runner := newBlockingRunner()
	s := newTestSupervisor(t, runner, runner.prober())

	require.NoError(t, s.Stop(context.Background()))

	_, err := s.Ensure(context.Background(), "127.0.0.1", 8765, "")
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	st := s.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Empty(t, st.URL)

	// a stopped supervisor starts again
	_, err = s.Ensure(context.Background(), "127.0.0.1", 8765, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), runner.calls.Load())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestEnsureWithHTTPRunner(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "tools")
	})
	s, err := NewSupervisor(Config{
		Runner: &HTTPRunner{Handler: handler, Logger: zerolog.Nop()},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer s.Stop(context.Background())

	port := freePort(t)
	url, err := s.Ensure(context.Background(), "0.0.0.0", port, "mcp")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/mcp", port), url)

	resp, err := http.Get(url)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "tools", string(body))

	resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "aleph_transport_state")

	require.NoError(t, s.Stop(context.Background()))
	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
	assert.Error(t, err)
}

func TestHTTPRunnerBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	runner := &HTTPRunner{Handler: http.NotFoundHandler(), Logger: zerolog.Nop()}
	err = runner.Run(context.Background(), "127.0.0.1", port, "/mcp")
	assert.Error(t, err)
}
