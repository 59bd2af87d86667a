package subquery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/aleph/internal/observability"
	"github.com/harun/aleph/internal/tracing"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// AnthropicKeyEnv enables the direct Messages API for the claude
	// backend when the claude CLI is not installed.
	AnthropicKeyEnv     = "ANTHROPIC_API_KEY"
	AnthropicBaseURLEnv = "ANTHROPIC_BASE_URL"
	AnthropicModelEnv   = "ALEPH_SUB_QUERY_CLAUDE_MODEL"

	defaultClaudeModel     = "claude-sonnet-4-5"
	defaultClaudeMaxTokens = 4096

	truncationMarker = "\n...[truncated]"
)

var (
	ErrMissingAPIKey = errors.New("no API key for sub-query backend")
	ErrMissingModel  = errors.New("no model configured for sub-query backend")
	ErrCLINotFound   = errors.New("sub-query CLI not installed")
)

// Request is one sub-query
type Request struct {
	Prompt  string
	Context string
	// Backend forces a backend for this request; empty resolves one
	Backend Backend
}

// Result is the answer to a sub-query
type Result struct {
	Backend   Backend       `json:"backend"`
	Rule      string        `json:"rule,omitempty"`
	Output    string        `json:"output"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Runner executes sub-queries on the resolved backend
type Runner struct {
	resolver *Resolver
	logger   zerolog.Logger
}

// NewRunner creates a runner around resolver
func NewRunner(resolver *Resolver, logger zerolog.Logger) *Runner {
	return &Runner{
		resolver: resolver,
		logger:   logger.With().Str("component", "subquery").Logger(),
	}
}

// Resolve returns the backend the next Run would use
func (r *Runner) Resolve() Decision {
	return r.resolver.Resolve()
}

// Run answers req.Prompt over req.Context
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("sub-query prompt is required")
	}

	decision := Decision{Backend: req.Backend, Rule: "request"}
	if decision.Backend == "" || decision.Backend == BackendAuto {
		decision = r.resolver.Resolve()
	} else if _, ok := ParseBackend(string(decision.Backend)); !ok {
		return nil, fmt.Errorf("unknown sub-query backend %q", req.Backend)
	}

	ctx, span := tracing.StartSpan(ctx, "subquery", "subquery.run",
		attribute.String("subquery.backend", string(decision.Backend)),
		attribute.String("subquery.rule", decision.Rule),
	)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	cfg := r.resolver.Config()
	prompt := buildPrompt(cfg, req)

	start := time.Now()
	var (
		output string
		err    error
	)
	switch decision.Backend {
	case BackendAPI:
		output, err = r.runAPI(ctx, cfg, prompt)
	case BackendClaude:
		output, err = r.runClaude(ctx, cfg, prompt)
	default:
		output, err = r.runCLI(ctx, cfg, decision.Backend, prompt)
	}
	duration := time.Since(start)

	observability.RecordSubQuery(string(decision.Backend), duration, err == nil)
	tracing.EndSpan(span, err)
	if err != nil {
		logger.Warn().Err(err).Str("backend", string(decision.Backend)).Msg("Sub-query failed")
		return nil, err
	}

	output, truncated := truncate(output, cfg.CLIMaxOutputChars)
	logger.Debug().
		Str("backend", string(decision.Backend)).
		Dur("duration", duration).
		Int("output_chars", len(output)).
		Msg("Sub-query completed")

	return &Result{
		Backend:   decision.Backend,
		Rule:      decision.Rule,
		Output:    output,
		Truncated: truncated,
		Duration:  duration,
	}, nil
}

func buildPrompt(cfg Config, req Request) string {
	var b strings.Builder
	if req.Context != "" {
		slice, truncated := truncate(req.Context, cfg.MaxContextChars)
		b.WriteString("CONTEXT:\n")
		b.WriteString(slice)
		if truncated {
			b.WriteString("\n[context truncated to ")
			fmt.Fprintf(&b, "%d chars]", cfg.MaxContextChars)
		}
		b.WriteString("\n\n")
	}
	b.WriteString("TASK:\n")
	b.WriteString(req.Prompt)
	return b.String()
}

// truncate cuts s to at most limit runes plus a marker
func truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s, false
	}
	return string(runes[:limit]) + truncationMarker, true
}

func (r *Runner) runAPI(ctx context.Context, cfg Config, prompt string) (string, error) {
	env := r.resolver.Environment()

	key, source := APIKey(cfg, env)
	if key == "" {
		return "", fmt.Errorf("%w: set %s or %s", ErrMissingAPIKey, cfg.APIKeyEnv, FallbackAPIKeyEnv)
	}
	model := APIModel(cfg, env)
	if model == "" {
		return "", fmt.Errorf("%w: set %s", ErrMissingModel, cfg.APIModelEnv)
	}
	baseURL := APIBaseURL(cfg, env)

	r.logger.Debug().Str("key_source", source).Str("base_url", baseURL).Str("model", model).Msg("Calling sub-query API")

	client := openai.NewClient(
		option.WithAPIKey(key),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	)

	messages := []openai.ChatCompletionMessageParamUnion{}
	if cfg.IncludeSystemPrompt && cfg.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(cfg.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(prompt))

	callCtx, cancel := context.WithTimeout(ctx, cfg.APITimeout)
	defer cancel()

	response, err := client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("sub-query API call failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}
	return response.Choices[0].Message.Content, nil
}

// runClaude prefers the claude CLI and falls back to the Messages API when
// the CLI is missing and an Anthropic key is set.
func (r *Runner) runClaude(ctx context.Context, cfg Config, prompt string) (string, error) {
	env := r.resolver.Environment()
	if _, err := env.LookPath(string(BackendClaude)); err == nil {
		return r.runCLI(ctx, cfg, BackendClaude, prompt)
	}
	key := env.Getenv(AnthropicKeyEnv)
	if key == "" {
		return r.runCLI(ctx, cfg, BackendClaude, prompt)
	}

	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(key),
		anthropicoption.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(env.Getenv(AnthropicBaseURLEnv)); base != "" {
		opts = append(opts, anthropicoption.WithBaseURL(base))
	}
	model := strings.TrimSpace(env.Getenv(AnthropicModelEnv))
	if model == "" {
		model = defaultClaudeModel
	}
	client := anthropic.NewClient(opts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultClaudeMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if cfg.IncludeSystemPrompt && cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: cfg.SystemPrompt}}
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.APITimeout)
	defer cancel()

	response, err := client.Messages.New(callCtx, params)
	if err != nil {
		return "", fmt.Errorf("claude API call failed: %w", err)
	}

	var content strings.Builder
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(b.Text)
		}
	}
	return content.String(), nil
}

// cliArgs returns the non-interactive invocation for each CLI backend
func cliArgs(b Backend, prompt string) []string {
	switch b {
	case BackendCodex:
		return []string{"exec", prompt}
	default:
		return []string{"-p", prompt}
	}
}

func (r *Runner) runCLI(ctx context.Context, cfg Config, b Backend, prompt string) (string, error) {
	env := r.resolver.Environment()
	path, err := env.LookPath(string(b))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrCLINotFound, b)
	}

	full := prompt
	if cfg.IncludeSystemPrompt && cfg.SystemPrompt != "" {
		full = cfg.SystemPrompt + "\n\n" + prompt
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.CLITimeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, path, cliArgs(b, full)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return "", fmt.Errorf("%s CLI timed out after %s", b, cfg.CLITimeout)
		}
		detail, _ := truncate(strings.TrimSpace(stderr.String()), 2000)
		if detail == "" {
			return "", fmt.Errorf("%s CLI failed: %w", b, err)
		}
		return "", fmt.Errorf("%s CLI failed: %w: %s", b, err, detail)
	}

	return strings.TrimSpace(stdout.String()), nil
}
