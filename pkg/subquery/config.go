// Package subquery picks and runs the reasoning backend used for recursive
// sub-queries over slices of context.
package subquery

import "time"

const (
	// OverrideEnv forces a backend when set to a recognized name
	OverrideEnv = "ALEPH_SUB_QUERY_BACKEND"

	DefaultAPIKeyEnv     = "ALEPH_SUB_QUERY_API_KEY"
	DefaultAPIBaseURLEnv = "ALEPH_SUB_QUERY_URL"
	DefaultAPIModelEnv   = "ALEPH_SUB_QUERY_MODEL"

	// Generic provider variables consulted after the configured ones
	FallbackAPIKeyEnv     = "OPENAI_API_KEY"
	FallbackAPIBaseURLEnv = "OPENAI_BASE_URL"

	DefaultBaseURL = "https://api.openai.com/v1"
)

// DefaultSystemPrompt is prepended to every sub-query
const DefaultSystemPrompt = `You are a focused sub-agent processing a single task. This is a one-shot operation.

INSTRUCTIONS:
1. Answer the question based ONLY on the provided context
2. Be concise - provide direct answers without preamble
3. If context is insufficient, say "INSUFFICIENT_CONTEXT: [what's missing]"
4. Structure your response for easy parsing:
   - For summaries: bullet points or numbered lists
   - For extractions: key: value format
   - For analysis: clear sections with headers
5. Do not make up information not present in the context

OUTPUT FORMAT:
- Start directly with your answer (no "Based on the context..." preamble)
- End with a confidence indicator if uncertain: [CONFIDENCE: high/medium/low]`

// Config controls backend selection and execution
type Config struct {
	// Backend is "auto" or a backend name. A non-auto value acts like the
	// override variable when that variable is unset.
	Backend string

	CLITimeout        time.Duration
	CLIMaxOutputChars int

	APITimeout    time.Duration
	APIKeyEnv     string
	APIBaseURLEnv string
	APIModelEnv   string
	APIModel      string
	APIBaseURL    string

	MaxContextChars     int
	IncludeSystemPrompt bool
	SystemPrompt        string
}

// DefaultConfig returns the default sub-query configuration
func DefaultConfig() Config {
	return Config{
		Backend:             string(BackendAuto),
		CLITimeout:          120 * time.Second,
		CLIMaxOutputChars:   50000,
		APITimeout:          60 * time.Second,
		APIKeyEnv:           DefaultAPIKeyEnv,
		APIBaseURLEnv:       DefaultAPIBaseURLEnv,
		APIModelEnv:         DefaultAPIModelEnv,
		MaxContextChars:     100000,
		IncludeSystemPrompt: true,
		SystemPrompt:        DefaultSystemPrompt,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.CLITimeout <= 0 {
		c.CLITimeout = d.CLITimeout
	}
	if c.CLIMaxOutputChars <= 0 {
		c.CLIMaxOutputChars = d.CLIMaxOutputChars
	}
	if c.APITimeout <= 0 {
		c.APITimeout = d.APITimeout
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = d.APIKeyEnv
	}
	if c.APIBaseURLEnv == "" {
		c.APIBaseURLEnv = d.APIBaseURLEnv
	}
	if c.APIModelEnv == "" {
		c.APIModelEnv = d.APIModelEnv
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = d.MaxContextChars
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	return c
}
