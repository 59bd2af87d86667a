package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/harun/aleph/internal/tracing"
	"github.com/harun/aleph/pkg/jsonrpc"
	"github.com/harun/aleph/pkg/remote"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// SessionHeader carries the HTTP session id issued on initialize
	SessionHeader = "Mcp-Session-Id"

	maxMessageBytes = 16 * 1024 * 1024
)

// Handle answers one request. Notifications return nil.
func (s *Server) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.JSONRPC != jsonrpc.Version {
		if req.IsNotification() {
			return nil
		}
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "unsupported JSON-RPC version")
	}
	if req.IsNotification() {
		return nil
	}

	switch req.Method {
	case "initialize":
		return jsonrpc.NewResult(req.ID, jsonrpc.InitializeResult{
			ProtocolVersion: jsonrpc.ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      jsonrpc.Info{Name: s.name, Version: Version},
			Instructions:    instructions,
		})
	case "ping":
		return jsonrpc.NewResult(req.ID, map[string]any{})
	case "tools/list":
		return jsonrpc.NewResult(req.ID, jsonrpc.ToolsListResult{Tools: s.registry.List()})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if len(req.Params) == 0 {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "params required for tools/call")
	}

	dec := json.NewDecoder(bytes.NewReader(req.Params))
	dec.UseNumber()
	var params jsonrpc.ToolsCallParams
	if err := dec.Decode(&params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid tools/call params: "+err.Error())
	}

	value, err := s.registry.Call(ctx, params.Name, params.Arguments)
	if errors.Is(err, ErrUnknownTool) {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "unknown tool: "+params.Name)
	}
	return jsonrpc.NewResult(req.ID, toolResult(value, err))
}

// toolResult renders a handler outcome. Errors become isError results so
// the caller sees them as tool output rather than protocol failures.
func toolResult(value any, err error) jsonrpc.ToolsCallResult {
	if err != nil {
		return jsonrpc.ToolsCallResult{
			Content: []jsonrpc.Content{{Type: "text", Text: err.Error()}},
			IsError: true,
		}
	}

	canonical := remote.Canonicalize(value)
	if text, ok := canonical.(string); ok {
		return jsonrpc.ToolsCallResult{Content: []jsonrpc.Content{{Type: "text", Text: text}}}
	}

	data, mErr := json.MarshalIndent(canonical, "", "  ")
	if mErr != nil {
		return jsonrpc.ToolsCallResult{
			Content: []jsonrpc.Content{{Type: "text", Text: fmt.Sprintf("failed to encode result: %v", mErr)}},
			IsError: true,
		}
	}
	result := jsonrpc.ToolsCallResult{Content: []jsonrpc.Content{{Type: "text", Text: string(data)}}}
	if m, ok := canonical.(map[string]any); ok {
		result.StructuredContent = m
	}
	return result
}

// ServeStdio reads newline-delimited requests from in and writes responses
// to out until in reaches EOF or ctx is canceled. Requests are handled
// concurrently; responses may arrive out of order.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	encoder := json.NewEncoder(out)
	write := func(resp *jsonrpc.Response) {
		if resp == nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := encoder.Encode(resp); err != nil {
			s.logger.Error().Err(err).Msg("Failed to write response")
		}
	}
	defer wg.Wait()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			write(jsonrpc.NewError(nil, jsonrpc.CodeParseError, "parse error: "+err.Error()))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			reqCtx := tracing.NewRequestContext(ctx)
			write(s.Handle(reqCtx, &req))
		}()
	}
	return scanner.Err()
}

// HTTPHandler serves single JSON-RPC requests over POST
func (s *Server) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
		if err != nil {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "parse error: "+err.Error()))
			return
		}

		ctx := tracing.NewRequestContext(r.Context())
		sessionID := r.Header.Get(SessionHeader)
		if req.Method == "initialize" && sessionID == "" {
			if id, err := gonanoid.New(); err == nil {
				sessionID = id
			}
		}
		if sessionID != "" {
			ctx = tracing.WithSessionID(ctx, sessionID)
			w.Header().Set(SessionHeader, sessionID)
		}

		resp := s.Handle(ctx, &req)
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
