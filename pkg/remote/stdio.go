package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/harun/aleph/pkg/jsonrpc"
	"github.com/rs/zerolog"
)

// maxLineBytes bounds a single JSON-RPC message read from a child.
const maxLineBytes = 16 * 1024 * 1024

// errHandleClosed is returned for calls on a closed handle
var errHandleClosed = errors.New("remote handle closed")

const (
	// waitDelay bounds how long Wait waits for stderr after the child exits
	waitDelay = time.Second

	// drainGrace is how long stdout may stay open after the child exited,
	// e.g. held by a grandchild, before it is closed from our side.
	drainGrace = 500 * time.Millisecond

	// killGrace bounds Close after the process group was killed
	killGrace = waitDelay + drainGrace + time.Second
)

// StdioHandle speaks JSON-RPC over a child process's stdin and stdout,
// one message per line.
type StdioHandle struct {
	spec   ServerSpec
	logger zerolog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *jsonrpc.Response
	closed  bool

	done    chan struct{} // closed when stdout reaches EOF
	readErr error         // valid once done is closed
	exited  chan struct{} // closed once the process is reaped and stdout drained
}

// StartStdio launches spec.Command and performs the initialize handshake
func StartStdio(ctx context.Context, spec ServerSpec, logger zerolog.Logger) (*StdioHandle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	// The child outlives ctx; Close terminates it.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	isolate(cmd)
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// stdout is our own pipe so reaping the child never waits for a
	// grandchild that inherited the write end.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = stdoutW
	logger = logger.With().Str("server_id", spec.ID).Logger()
	cmd.Stderr = stderrWriter{logger: logger}

	err = cmd.Start()
	stdoutW.Close()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	h := &StdioHandle{
		spec:    spec,
		logger:  logger,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[int64]chan *jsonrpc.Response),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	go h.listen(stdout)
	go h.reap()

	if err := h.initialize(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Close(closeCtx)
		return nil, fmt.Errorf("initialize %s: %w", spec.ID, err)
	}

	return h, nil
}

func (h *StdioHandle) listen(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			h.logger.Debug().Err(err).Msg("Ignoring non JSON-RPC output from remote server")
			continue
		}

		id, ok := jsonrpc.ParseIntID(resp.ID)
		if !ok {
			// notifications and server-initiated requests are not answered
			continue
		}

		h.mu.Lock()
		ch, exists := h.pending[id]
		if exists {
			delete(h.pending, id)
		}
		h.mu.Unlock()

		if exists {
			ch <- &resp
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	h.readErr = err
	close(h.done)
}

// reap waits for the child, then gives stdout a short grace period to
// drain before closing it so listen always finishes.
func (h *StdioHandle) reap() {
	_ = h.cmd.Wait()
	select {
	case <-h.done:
	case <-time.After(drainGrace):
		_ = h.stdout.Close()
		<-h.done
	}
	close(h.exited)
}

// stderrWriter forwards child stderr lines to the debug log
type stderrWriter struct {
	logger zerolog.Logger
}

func (w stderrWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			w.logger.Debug().Str("stream", "stderr").Msg(string(line))
		}
	}
	return len(p), nil
}

func (h *StdioHandle) initialize(ctx context.Context) error {
	params := jsonrpc.InitializeParams{
		ProtocolVersion: jsonrpc.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      jsonrpc.Info{Name: "aleph", Version: "0.1.0"},
	}
	if _, err := h.call(ctx, "initialize", params); err != nil {
		return err
	}
	return h.notify("notifications/initialized", nil)
}

func (h *StdioHandle) write(req *jsonrpc.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err = h.stdin.Write(data)
	return err
}

func (h *StdioHandle) notify(method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return h.write(req)
}

func (h *StdioHandle) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errHandleClosed
	}
	h.nextID++
	id := h.nextID
	ch := make(chan *jsonrpc.Response, 1)
	h.pending[id] = ch
	h.mu.Unlock()

	forget := func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		forget()
		return nil, err
	}
	if err := h.write(req); err != nil {
		forget()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-h.done:
		forget()
		return nil, fmt.Errorf("remote server exited: %w", h.readErr)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// ListTools calls tools/list
func (h *StdioHandle) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := h.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}

	var result jsonrpc.ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid tools/list result: %w", err)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		if t.Name == "" {
			continue
		}
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

// CallTool calls tools/call and returns the decoded result. A result
// flagged isError becomes an error carrying its text content.
func (h *StdioHandle) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	raw, err := h.call(ctx, "tools/call", jsonrpc.ToolsCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}

	var flagged jsonrpc.ToolsCallResult
	if err := json.Unmarshal(raw, &flagged); err == nil && flagged.IsError {
		var text bytes.Buffer
		for _, c := range flagged.Content {
			if c.Text != "" {
				if text.Len() > 0 {
					text.WriteByte('\n')
				}
				text.WriteString(c.Text)
			}
		}
		if text.Len() == 0 {
			text.WriteString("tool reported an error")
		}
		return nil, fmt.Errorf("%s: %s", name, text.String())
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var result any
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("invalid tools/call result: %w", err)
	}
	return result, nil
}

// Close closes stdin, waits for the child to exit and kills its process
// group if ctx expires first. After the kill Close waits at most killGrace.
// Repeated calls return nil.
func (h *StdioHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	_ = h.stdin.Close()

	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
	}

	if err := killTree(h.cmd); err != nil {
		_ = h.stdout.Close()
		return fmt.Errorf("failed to kill %s: %w", h.spec.ID, err)
	}

	select {
	case <-h.exited:
		return nil
	case <-time.After(killGrace):
		_ = h.stdout.Close()
		return fmt.Errorf("%s did not exit after kill: %w", h.spec.ID, ctx.Err())
	}
}
