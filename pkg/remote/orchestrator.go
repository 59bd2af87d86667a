// Package remote multiplexes tool calls onto registered remote tool servers.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/aleph/internal/observability"
	"github.com/harun/aleph/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultCallTimeout applies when a call passes a zero timeout
const DefaultCallTimeout = 30 * time.Second

// Dialer opens a handle for a server spec
type Dialer func(ctx context.Context, spec ServerSpec) (Handle, error)

// Config holds orchestrator configuration
type Config struct {
	DefaultTimeout time.Duration
	Dialer         Dialer
	Logger         zerolog.Logger
}

// Orchestrator owns the registry of remote servers. Calls on different ids
// are independent and calls on one id are not ordered relative to each other.
type Orchestrator struct {
	defaultTimeout time.Duration
	dial           Dialer
	logger         zerolog.Logger

	mu      sync.RWMutex
	servers map[string]*entry
}

type entry struct {
	id      string
	handle  Handle
	pending atomic.Int64
}

// New creates an empty orchestrator
func New(cfg Config) *Orchestrator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultCallTimeout
	}
	o := &Orchestrator{
		defaultTimeout: cfg.DefaultTimeout,
		dial:           cfg.Dialer,
		logger:         cfg.Logger.With().Str("component", "remote").Logger(),
		servers:        make(map[string]*entry),
	}
	if o.dial == nil {
		o.dial = func(ctx context.Context, spec ServerSpec) (Handle, error) {
			return StartStdio(ctx, spec, o.logger)
		}
	}
	return o
}

// Register adds a live handle under id
func (o *Orchestrator) Register(id string, h Handle) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("remote server id is required")
	}
	if h == nil {
		return fmt.Errorf("remote handle is required")
	}

	o.mu.Lock()
	if _, exists := o.servers[id]; exists {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	o.servers[id] = &entry{id: id, handle: h}
	count := len(o.servers)
	o.mu.Unlock()

	observability.SetRemoteServers(count)
	o.logger.Info().Str("server_id", id).Msg("Registered remote server")
	return nil
}

// Connect starts the server described by spec and registers it
func (o *Orchestrator) Connect(ctx context.Context, spec ServerSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	o.mu.RLock()
	_, exists := o.servers[spec.ID]
	o.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, spec.ID)
	}

	h, err := o.dial(ctx, spec)
	if err != nil {
		observability.RecordRemoteAudit(ctx, "connect", spec.ID, "failed", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to connect remote server %s: %w", spec.ID, err)
	}
	if err := o.Register(spec.ID, h); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.defaultTimeout)
		defer cancel()
		_ = h.Close(closeCtx)
		return err
	}

	observability.RecordRemoteAudit(ctx, "connect", spec.ID, "connected", map[string]interface{}{"command": spec.Command})
	return nil
}

// ListTools lists the tools advertised by server id
func (o *Orchestrator) ListTools(ctx context.Context, id string) ([]Tool, error) {
	e, err := o.lookup(id, "list_tools")
	if err != nil {
		return nil, err
	}

	v, err := o.invoke(ctx, e, "list_tools", o.defaultTimeout, func(ctx context.Context) (any, error) {
		return e.handle.ListTools(ctx)
	})
	if err != nil {
		return nil, err
	}
	tools, _ := v.([]Tool)
	return tools, nil
}

// CallTool invokes tool on server id. A zero timeout uses the default.
// On timeout the server stays registered. Results are canonicalized.
func (o *Orchestrator) CallTool(ctx context.Context, id, tool string, args map[string]any, timeout time.Duration) (any, error) {
	e, err := o.lookup(id, "call_tool")
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}
	if args == nil {
		args = map[string]any{}
	}

	v, err := o.invoke(ctx, e, "call_tool", timeout, func(ctx context.Context) (any, error) {
		return e.handle.CallTool(ctx, tool, args)
	})
	if err != nil {
		return nil, err
	}
	return Canonicalize(v), nil
}

// Close closes and forgets server id. Unknown ids succeed, so Close is
// idempotent. Close errors from the handle are logged, not returned.
func (o *Orchestrator) Close(ctx context.Context, id string) (string, error) {
	o.mu.Lock()
	e, ok := o.servers[id]
	if ok {
		delete(o.servers, id)
	}
	count := len(o.servers)
	o.mu.Unlock()

	if !ok {
		return fmt.Sprintf("remote server %q is not registered", id), nil
	}
	observability.SetRemoteServers(count)

	start := time.Now()
	closeCtx, cancel := context.WithTimeout(ctx, o.defaultTimeout)
	defer cancel()

	err := safeClose(closeCtx, e.handle)
	observability.RecordRemoteCall("close", outcome(err), time.Since(start))
	if err != nil {
		o.logger.Warn().Err(err).Str("server_id", id).Msg("Remote server close failed")
		observability.RecordRemoteAudit(ctx, "close", id, "close_error", map[string]interface{}{"error": err.Error()})
		return fmt.Sprintf("closed remote server %q (close error: %v)", id, err), nil
	}

	o.logger.Info().Str("server_id", id).Msg("Closed remote server")
	observability.RecordRemoteAudit(ctx, "close", id, "closed", nil)
	return fmt.Sprintf("closed remote server %q", id), nil
}

// CloseAll closes every registered server
func (o *Orchestrator) CloseAll(ctx context.Context) {
	for _, id := range o.IDs() {
		_, _ = o.Close(ctx, id)
	}
}

// IDs returns the registered ids in sorted order
func (o *Orchestrator) IDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ids := make([]string, 0, len(o.servers))
	for id := range o.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pending returns the in-flight call count for id
func (o *Orchestrator) Pending(id string) (int64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	e, ok := o.servers[id]
	if !ok {
		return 0, false
	}
	return e.pending.Load(), true
}

func (o *Orchestrator) lookup(id, op string) (*entry, error) {
	o.mu.RLock()
	e, ok := o.servers[id]
	o.mu.RUnlock()
	if !ok {
		observability.RecordRemoteCall(op, KindNotFound.String(), 0)
		return nil, &Error{Kind: KindNotFound, ServerID: id, Op: op, Err: ErrNotFound}
	}
	return e, nil
}

type callResult struct {
	value any
	err   error
}

// invoke runs fn under a deadline and classifies the outcome. A handle
// that ignores its context is abandoned when the deadline passes.
func (o *Orchestrator) invoke(ctx context.Context, e *entry, op string, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	ctx = tracing.WithRemoteServerID(ctx, e.id)
	ctx, span := tracing.StartSpan(ctx, "remote", "remote."+op,
		attribute.String("remote.server_id", e.id),
	)

	e.pending.Add(1)
	defer e.pending.Add(-1)

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- callResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(callCtx)
		ch <- callResult{value: v, err: err}
	}()

	var (
		value any
		err   error
	)
	select {
	case r := <-ch:
		value = r.value
		if r.err != nil {
			err = o.classify(ctx, callCtx, e.id, op, timeout, r.err)
		}
	case <-callCtx.Done():
		err = o.classify(ctx, callCtx, e.id, op, timeout, callCtx.Err())
	}

	observability.RecordRemoteCall(op, outcome(err), time.Since(start))
	tracing.EndSpan(span, err)

	if err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Debug().Err(err).Str("op", op).Msg("Remote call failed")
		return nil, err
	}
	return value, nil
}

func (o *Orchestrator) classify(parent, callCtx context.Context, id, op string, timeout time.Duration, err error) error {
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, ServerID: id, Op: op, Err: fmt.Errorf("no response within %s: %w", timeout, err)}
	}
	return &Error{Kind: KindFailure, ServerID: id, Op: op, Err: err}
}

func safeClose(ctx context.Context, h Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Close(ctx)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}
