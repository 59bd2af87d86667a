package subquery

import (
	"os"
	"os/exec"
	"strings"

	"github.com/harun/aleph/internal/observability"
)

// Backend is a reasoning backend for sub-queries
type Backend string

const (
	BackendAuto   Backend = "auto"
	BackendAPI    Backend = "api"
	BackendClaude Backend = "claude"
	BackendCodex  Backend = "codex"
	BackendGemini Backend = "gemini"
)

// ParseBackend recognizes a concrete backend name, ignoring case and
// surrounding space. "auto" is not a concrete backend.
func ParseBackend(s string) (Backend, bool) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendAPI, BackendClaude, BackendCodex, BackendGemini:
		return b, true
	default:
		return "", false
	}
}

// Environment is the process state the resolver reads
type Environment interface {
	Getenv(key string) string
	LookPath(file string) (string, error)
}

// OSEnvironment reads the real process environment and PATH
type OSEnvironment struct{}

func (OSEnvironment) Getenv(key string) string { return os.Getenv(key) }

func (OSEnvironment) LookPath(file string) (string, error) { return exec.LookPath(file) }

// APIKey returns the API key and the variable it came from. The configured
// key variable is authoritative; the generic provider variable is only
// consulted when it is empty.
func APIKey(cfg Config, env Environment) (key, source string) {
	cfg = cfg.withDefaults()
	if v := env.Getenv(cfg.APIKeyEnv); v != "" {
		return v, cfg.APIKeyEnv
	}
	if v := env.Getenv(FallbackAPIKeyEnv); v != "" {
		return v, FallbackAPIKeyEnv
	}
	return "", ""
}

// HasAPICredentials reports whether an API key is available
func HasAPICredentials(cfg Config, env Environment) bool {
	key, _ := APIKey(cfg, env)
	return key != ""
}

// APIModel returns the configured model, preferring Config.APIModel
func APIModel(cfg Config, env Environment) string {
	cfg = cfg.withDefaults()
	if cfg.APIModel != "" {
		return cfg.APIModel
	}
	return strings.TrimSpace(env.Getenv(cfg.APIModelEnv))
}

// APIBaseURL returns the OpenAI-compatible base URL to call, preferring
// Config.APIBaseURL
func APIBaseURL(cfg Config, env Environment) string {
	cfg = cfg.withDefaults()
	if cfg.APIBaseURL != "" {
		return cfg.APIBaseURL
	}
	if v := strings.TrimSpace(env.Getenv(cfg.APIBaseURLEnv)); v != "" {
		return v
	}
	if v := strings.TrimSpace(env.Getenv(FallbackAPIBaseURLEnv)); v != "" {
		return v
	}
	return DefaultBaseURL
}

// Rule is one step of the resolution chain. Match returns the backend the
// rule selects, or false to fall through.
type Rule struct {
	Name  string
	Match func(cfg Config, env Environment) (Backend, bool)
}

func cliRule(b Backend) Rule {
	return Rule{
		Name: "cli-" + string(b),
		Match: func(_ Config, env Environment) (Backend, bool) {
			if _, err := env.LookPath(string(b)); err == nil {
				return b, true
			}
			return "", false
		},
	}
}

// Rules returns the resolution chain in precedence order. The last rule
// always matches.
func Rules() []Rule {
	return []Rule{
		{
			Name: "explicit-override",
			Match: func(cfg Config, env Environment) (Backend, bool) {
				if b, ok := ParseBackend(env.Getenv(OverrideEnv)); ok {
					return b, true
				}
				return ParseBackend(cfg.Backend)
			},
		},
		{
			Name: "model-and-credentials",
			Match: func(cfg Config, env Environment) (Backend, bool) {
				return BackendAPI, APIModel(cfg, env) != "" && HasAPICredentials(cfg, env)
			},
		},
		{
			Name: "credentials",
			Match: func(cfg Config, env Environment) (Backend, bool) {
				return BackendAPI, HasAPICredentials(cfg, env)
			},
		},
		cliRule(BackendClaude),
		cliRule(BackendCodex),
		cliRule(BackendGemini),
		{
			Name: "fallback",
			Match: func(Config, Environment) (Backend, bool) {
				return BackendAPI, true
			},
		},
	}
}

// Decision is a resolved backend and the rule that chose it
type Decision struct {
	Backend Backend `json:"backend"`
	Rule    string  `json:"rule"`
}

// Resolver evaluates Rules against an environment
type Resolver struct {
	cfg   Config
	env   Environment
	rules []Rule
}

// NewResolver creates a resolver. A nil env reads the process environment.
func NewResolver(cfg Config, env Environment) *Resolver {
	if env == nil {
		env = OSEnvironment{}
	}
	return &Resolver{cfg: cfg.withDefaults(), env: env, rules: Rules()}
}

// Resolve picks a backend from the current environment. It is evaluated
// fresh on every call and always returns a decision.
func (r *Resolver) Resolve() Decision {
	for _, rule := range r.rules {
		if b, ok := rule.Match(r.cfg, r.env); ok {
			observability.RecordBackendResolution(string(b), rule.Name)
			return Decision{Backend: b, Rule: rule.Name}
		}
	}
	observability.RecordBackendResolution(string(BackendAPI), "fallback")
	return Decision{Backend: BackendAPI, Rule: "fallback"}
}

// Config returns the resolver configuration with defaults applied
func (r *Resolver) Config() Config {
	return r.cfg
}

// Environment returns the environment the resolver reads
func (r *Resolver) Environment() Environment {
	return r.env
}
