package toolserver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/aleph/pkg/remote"
	"github.com/harun/aleph/pkg/session"
	"github.com/harun/aleph/pkg/subquery"
)

// defaultContextID is used by session tools when no context_id is given
const defaultContextID = "default"

var contextIDProp = prop("string", "Session id (default: \"default\")")

func (s *Server) registerTools() error {
	tools := []Tool{
		{
			Name:    "get_status",
			Summary: "Show server state, or one session's state when context_id is given.",
			Details: "Without context_id reports sessions, remote servers, the HTTP transport, the sub-query backend and the workspace scope.",
			InputSchema: objectSchema(map[string]any{
				"context_id": prop("string", "Session to describe"),
			}),
			Handler: s.toolGetStatus,
		},
		{
			Name:        "list_sessions",
			Summary:     "List sessions with evidence, task and variable counts.",
			InputSchema: objectSchema(nil),
			Handler:     s.toolListSessions,
		},
		{
			Name:    "tasks",
			Summary: "List, add or update tasks in a session.",
			Details: "action=list returns all tasks. action=add needs title. action=update needs task_id and status (todo, in_progress, done, blocked).",
			InputSchema: objectSchema(map[string]any{
				"context_id": contextIDProp,
				"action":     map[string]any{"type": "string", "enum": []any{"list", "add", "update"}},
				"title":      prop("string", "Task title for add"),
				"task_id":    prop("integer", "Task id for update"),
				"status":     map[string]any{"type": "string", "enum": []any{"todo", "in_progress", "done", "blocked"}},
				"note":       prop("string", "Optional note"),
			}, "action"),
			Handler: s.toolTasks,
		},
		{
			Name:    "get_evidence",
			Summary: "Return evidence collected in a session.",
			Details: "Filter by source substring and cap the number of entries with limit (most recent first).",
			InputSchema: objectSchema(map[string]any{
				"context_id": contextIDProp,
				"source":     prop("string", "Only evidence whose source contains this text"),
				"limit":      map[string]any{"type": "integer", "minimum": 1},
			}),
			Handler: s.toolGetEvidence,
		},
		{
			Name:        "sub_query_backend",
			Summary:     "Show which sub-query backend would be used and the rule that chose it.",
			InputSchema: objectSchema(nil),
			Handler:     s.toolSubQueryBackend,
		},
		{
			Name:    "sub_query",
			Summary: "Ask a sub-agent a focused question over a slice of context.",
			Details: "context_slice defaults to the session context. backend forces api, claude, codex or gemini; otherwise it is resolved from the environment.",
			InputSchema: objectSchema(map[string]any{
				"prompt":        prop("string", "Question or instruction"),
				"context_slice": prop("string", "Context to answer over"),
				"context_id":    contextIDProp,
				"backend":       map[string]any{"type": "string", "enum": []any{"auto", "api", "claude", "codex", "gemini"}},
			}, "prompt"),
			Handler: s.toolSubQuery,
		},
		{
			Name:    "remote_register",
			Summary: "Start a remote tool server over stdio and register it under server_id.",
			Details: "Requires actions to be enabled. Pass confirm=true when confirmation is required.",
			InputSchema: objectSchema(map[string]any{
				"server_id": prop("string", "Id to register the server under"),
				"command":   prop("string", "Executable to launch"),
				"args":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"env":       map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
				"cwd":       prop("string", "Working directory"),
				"confirm":   prop("boolean", "Confirm the action"),
			}, "server_id", "command"),
			Handler: s.toolRemoteRegister,
		},
		{
			Name:    "remote_list_tools",
			Summary: "List the tools of a registered remote server.",
			InputSchema: objectSchema(map[string]any{
				"server_id": prop("string", "Registered server id"),
			}, "server_id"),
			Handler: s.toolRemoteListTools,
		},
		{
			Name:    "remote_call_tool",
			Summary: "Call a tool on a registered remote server.",
			Details: "timeout_seconds defaults to the remote timeout. Errors are classed not_found, timeout or failure; the server stays registered after a timeout.",
			InputSchema: objectSchema(map[string]any{
				"server_id":       prop("string", "Registered server id"),
				"tool":            prop("string", "Tool name"),
				"arguments":       map[string]any{"type": "object"},
				"timeout_seconds": map[string]any{"type": "number", "minimum": 0},
			}, "server_id", "tool"),
			Handler: s.toolRemoteCallTool,
		},
		{
			Name:    "remote_close",
			Summary: "Close a remote server. Closing an unknown id succeeds.",
			InputSchema: objectSchema(map[string]any{
				"server_id": prop("string", "Registered server id"),
			}, "server_id"),
			Handler: s.toolRemoteClose,
		},
		{
			Name:    "serve_http",
			Summary: "Expose this server over HTTP and return its URL.",
			Details: "Idempotent while the listener is alive: later calls return the same URL and ignore their arguments. A failed start can be retried.",
			InputSchema: objectSchema(map[string]any{
				"host": prop("string", "Bind host (default from config)"),
				"port": map[string]any{"type": "integer", "minimum": 1, "maximum": 65535},
				"path": prop("string", "URL path (default /mcp)"),
			}),
			Handler: s.toolServeHTTP,
		},
		{
			Name:    "save_session",
			Summary: "Write sessions to a memory pack.",
			Details: "Requires actions to be enabled. Saves every session, or only context_id when given, to path (default: the configured memory pack). Pass confirm=true when confirmation is required.",
			InputSchema: objectSchema(map[string]any{
				"context_id": prop("string", "Only save this session"),
				"path":       prop("string", "Pack path inside the workspace scope"),
				"confirm":    prop("boolean", "Confirm the action"),
			}),
			Handler: s.toolSaveSession,
		},
	}

	for _, t := range tools {
		if err := s.registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// requireAction gates tools that touch the filesystem or spawn processes
func (s *Server) requireAction(args map[string]any) error {
	if !s.cfg.Actions.Enabled {
		return fmt.Errorf("actions are disabled; restart with --enable-actions")
	}
	if s.cfg.Actions.RequireConfirmation && !argBool(args, "confirm") {
		return fmt.Errorf("confirmation required: pass confirm=true")
	}
	return nil
}

func contextID(args map[string]any) string {
	if id := argString(args, "context_id"); id != "" {
		return id
	}
	return defaultContextID
}

type sessionSummary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Format    string    `json:"format,omitempty"`
	Evidence  int       `json:"evidence"`
	Tasks     int       `json:"tasks"`
	OpenTasks int       `json:"open_tasks"`
	Variables []string  `json:"variables"`
}

func summarize(sess *session.Session) sessionSummary {
	vars := make([]string, 0, len(sess.Variables))
	for k := range sess.Variables {
		vars = append(vars, k)
	}
	sort.Strings(vars)

	open := 0
	for _, t := range sess.Tasks {
		if t.Status != session.TaskDone {
			open++
		}
	}
	return sessionSummary{
		ID:        sess.ID,
		CreatedAt: sess.CreatedAt,
		Format:    sess.Format,
		Evidence:  len(sess.Evidence),
		Tasks:     len(sess.Tasks),
		OpenTasks: open,
		Variables: vars,
	}
}

func (s *Server) toolGetStatus(_ context.Context, args map[string]any) (any, error) {
	if id := argString(args, "context_id"); id != "" {
		sess, ok := s.sessions.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
		}
		return summarize(sess), nil
	}

	remotes := s.remote.IDs()
	pending := make(map[string]int64, len(remotes))
	for _, id := range remotes {
		if n, ok := s.remote.Pending(id); ok {
			pending[id] = n
		}
	}

	return map[string]any{
		"server":         s.name,
		"version":        Version,
		"uptime":         time.Since(s.startedAt).Round(time.Second).String(),
		"sessions":       s.sessions.Len(),
		"remote_servers": pending,
		"transport":      s.transport.Status(),
		"sub_query":      s.resolver.Resolve(),
		"workspace": map[string]any{
			"root":            s.scope.Root,
			"mode":            s.scope.Mode,
			"actions_enabled": s.cfg.Actions.Enabled,
			"memory_pack":     s.PackPath(),
		},
		"limits": map[string]any{
			"timeout_seconds":  s.cfg.Sandbox.TimeoutSeconds,
			"max_output_chars": s.cfg.Sandbox.MaxOutputChars,
			"max_read_bytes":   s.cfg.Actions.MaxReadBytes,
			"max_write_bytes":  s.cfg.Actions.MaxWriteBytes,
		},
	}, nil
}

func (s *Server) toolListSessions(_ context.Context, _ map[string]any) (any, error) {
	snapshot := s.sessions.Snapshot()
	out := make([]sessionSummary, 0, len(snapshot))
	for _, sess := range snapshot {
		out = append(out, summarize(sess))
	}
	return map[string]any{"sessions": out}, nil
}

func (s *Server) toolTasks(_ context.Context, args map[string]any) (any, error) {
	id := contextID(args)

	switch argString(args, "action") {
	case "add":
		s.sessions.GetOrCreate(id)
		return s.sessions.AddTask(id, argString(args, "title"), argString(args, "note"))
	case "update":
		taskID, ok := argInt(args, "task_id")
		if !ok {
			return nil, fmt.Errorf("task_id is required for update")
		}
		return s.sessions.UpdateTask(id, taskID, session.TaskStatus(argString(args, "status")), argString(args, "note"))
	default:
		sess, ok := s.sessions.Get(id)
		if !ok {
			return map[string]any{"context_id": id, "tasks": []session.Task{}}, nil
		}
		tasks := sess.Tasks
		if tasks == nil {
			tasks = []session.Task{}
		}
		return map[string]any{"context_id": id, "tasks": tasks}, nil
	}
}

func (s *Server) toolGetEvidence(_ context.Context, args map[string]any) (any, error) {
	id := contextID(args)
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}

	filter := argString(args, "source")
	out := make([]session.Evidence, 0, len(sess.Evidence))
	for i := len(sess.Evidence) - 1; i >= 0; i-- {
		ev := sess.Evidence[i]
		if filter != "" && !strings.Contains(strings.ToLower(ev.Source), strings.ToLower(filter)) {
			continue
		}
		out = append(out, ev)
	}
	if limit, ok := argInt(args, "limit"); ok && limit < len(out) {
		out = out[:limit]
	}
	return map[string]any{"context_id": id, "total": len(sess.Evidence), "evidence": out}, nil
}

func (s *Server) toolSubQueryBackend(_ context.Context, _ map[string]any) (any, error) {
	rules := subquery.Rules()
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name)
	}

	cfg := s.resolver.Config()
	_, keySource := subquery.APIKey(cfg, s.resolver.Environment())
	return map[string]any{
		"decision":       s.resolver.Resolve(),
		"rules":          names,
		"api_key_source": keySource,
		"base_url":       subquery.APIBaseURL(cfg, s.resolver.Environment()),
		"model":          subquery.APIModel(cfg, s.resolver.Environment()),
	}, nil
}

func (s *Server) toolSubQuery(ctx context.Context, args map[string]any) (any, error) {
	slice := argString(args, "context_slice")
	if slice == "" {
		if sess, ok := s.sessions.Get(contextID(args)); ok {
			slice = sess.Context
		}
	}

	return s.subquery.Run(ctx, subquery.Request{
		Prompt:  argString(args, "prompt"),
		Context: slice,
		Backend: subquery.Backend(argString(args, "backend")),
	})
}

func (s *Server) toolRemoteRegister(ctx context.Context, args map[string]any) (any, error) {
	if err := s.requireAction(args); err != nil {
		return nil, err
	}

	spec := remote.ServerSpec{
		ID:      argString(args, "server_id"),
		Command: argString(args, "command"),
		Args:    argStrings(args, "args"),
		Env:     argStringMap(args, "env"),
	}
	if cwd := argString(args, "cwd"); cwd != "" {
		dir, err := s.scope.Resolve(cwd)
		if err != nil {
			return nil, err
		}
		spec.Dir = dir
	}

	if err := s.remote.Connect(ctx, spec); err != nil {
		return nil, err
	}
	tools, err := s.remote.ListTools(ctx, spec.ID)
	if err != nil {
		return map[string]any{"server_id": spec.ID, "registered": true, "tools_error": err.Error()}, nil
	}
	return map[string]any{"server_id": spec.ID, "registered": true, "tools": toolNames(tools)}, nil
}

func toolNames(tools []remote.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}

func (s *Server) toolRemoteListTools(ctx context.Context, args map[string]any) (any, error) {
	id := argString(args, "server_id")
	tools, err := s.remote.ListTools(ctx, id)
	if err != nil {
		return nil, classed(err)
	}
	return map[string]any{"server_id": id, "tools": tools}, nil
}

func (s *Server) toolRemoteCallTool(ctx context.Context, args map[string]any) (any, error) {
	var timeout time.Duration
	if secs, ok := argFloat(args, "timeout_seconds"); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	id := argString(args, "server_id")
	result, err := s.remote.CallTool(ctx, id, argString(args, "tool"), argMap(args, "arguments"), timeout)
	if err != nil {
		return nil, classed(err)
	}
	return map[string]any{"server_id": id, "result": result}, nil
}

func (s *Server) toolRemoteClose(ctx context.Context, args map[string]any) (any, error) {
	msg, err := s.remote.Close(ctx, argString(args, "server_id"))
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// classed prefixes remote errors with their kind so callers can branch on it
func classed(err error) error {
	return fmt.Errorf("%s: %w", remote.KindOf(err), err)
}

func (s *Server) toolServeHTTP(ctx context.Context, args map[string]any) (any, error) {
	t := s.cfg.Transport
	host := argString(args, "host")
	if host == "" {
		host = t.Host
	}
	port, ok := argInt(args, "port")
	if !ok {
		port = t.Port
	}
	path := argString(args, "path")
	if path == "" {
		path = t.Path
	}

	url, err := s.EnsureHTTP(ctx, host, port, path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": url, "status": s.transport.Status()}, nil
}

func (s *Server) toolSaveSession(ctx context.Context, args map[string]any) (any, error) {
	if err := s.requireAction(args); err != nil {
		return nil, err
	}

	path := s.PackPath()
	if p := argString(args, "path"); p != "" {
		path = p
	}
	resolved, err := s.scope.Resolve(path)
	if err != nil {
		return nil, err
	}

	sessions := s.sessions.Snapshot()
	if id := argString(args, "context_id"); id != "" {
		sess, ok := s.sessions.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
		}
		sessions = []*session.Session{sess}
	}

	if err := session.WritePack(ctx, resolved, sessions, s.cfg.Actions.MaxWriteBytes); err != nil {
		return nil, err
	}
	return map[string]any{"path": resolved, "sessions": len(sessions)}, nil
}
