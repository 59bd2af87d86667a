package toolserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/aleph/internal/observability"
	"github.com/harun/aleph/internal/tracing"
	"github.com/harun/aleph/pkg/jsonrpc"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// DocsMode controls how much of a tool's description is advertised
type DocsMode string

const (
	DocsConcise DocsMode = "concise"
	DocsFull    DocsMode = "full"
)

// ParseDocsMode accepts concise or full; empty means concise
func ParseDocsMode(s string) (DocsMode, error) {
	switch m := DocsMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return DocsConcise, nil
	case DocsConcise, DocsFull:
		return m, nil
	default:
		return "", fmt.Errorf("invalid tool docs mode %q (must be: concise, full)", s)
	}
}

// Handler executes a tool with validated arguments
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a registered tool
type Tool struct {
	Name string
	// Summary is advertised in concise mode
	Summary string
	// Details are appended to Summary in full mode
	Details     string
	InputSchema map[string]any
	Handler     Handler
}

func (t *Tool) description(mode DocsMode) string {
	if mode == DocsFull && t.Details != "" {
		return t.Summary + "\n\n" + t.Details
	}
	return t.Summary
}

// Registry holds tools in registration order
type Registry struct {
	mode DocsMode

	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*gojsonschema.Schema
	order   []string
}

// NewRegistry creates an empty registry
func NewRegistry(mode DocsMode) *Registry {
	if mode == "" {
		mode = DocsConcise
	}
	return &Registry{
		mode:    mode,
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds t, compiling its input schema
func (r *Registry) Register(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}
	if t.InputSchema == nil {
		t.InputSchema = objectSchema(nil)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.InputSchema))
	if err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = &t
	r.schemas[t.Name] = schema
	r.order = append(r.order, t.Name)
	return nil
}

// Names returns tool names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// List describes every tool for tools/list
func (r *Registry) List() []jsonrpc.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]jsonrpc.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, jsonrpc.Tool{
			Name:        t.Name,
			Description: t.description(r.mode),
			InputSchema: t.InputSchema,
		})
	}
	return out
}

// Call validates args against the tool's schema and runs its handler
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (result any, err error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx, span := tracing.StartSpan(ctx, "toolserver", "tool."+name,
		attribute.String("tool.name", name),
	)
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, rec)
		}
		observability.RecordToolCall(name, time.Since(start), err == nil)
		tracing.EndSpan(span, err)
	}()

	if err := validateArguments(schema, args); err != nil {
		return nil, err
	}
	return t.Handler(ctx, args)
}

func validateArguments(schema *gojsonschema.Schema, args map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
	}
	return nil
}

// objectSchema builds an object schema from property schemas
func objectSchema(props map[string]any, required ...string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
