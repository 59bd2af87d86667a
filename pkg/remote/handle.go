package remote

import (
	"context"
)

// Tool is a tool advertised by a remote server
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Handle is a live connection to one remote tool server
type Handle interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	Close(ctx context.Context) error
}
