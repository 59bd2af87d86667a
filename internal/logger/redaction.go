package logger

import (
	"io"
	"regexp"
	"strings"
	"sync"
)

// Mask replaces every redacted value
const Mask = "[REDACTED]"

// minSecretLen keeps short literal values from masking ordinary words
const minSecretLen = 8

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor masks credentials in log output. Pattern rules catch well-known
// key shapes; literal secrets catch values read from the environment that
// have no recognizable shape.
type Redactor struct {
	mu      sync.RWMutex
	rules   []rule
	secrets []string
}

var defaultRules = []struct {
	pattern string
	repl    string
}{
	// Provider keys: OpenAI (sk-, sk-proj-), Anthropic (sk-ant-), Gemini (AIza)
	{`sk-(?:ant-|proj-)?[A-Za-z0-9_-]{20,}`, Mask},
	{`AIza[0-9A-Za-z_-]{35}`, Mask},

	// Bearer tokens
	{`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`, Mask},

	// Env assignments such as ALEPH_SUB_QUERY_API_KEY=... keep their name
	{`([A-Z][A-Z0-9_]*(?:API_KEY|TOKEN|SECRET|PASSWORD)(?:=|:\s*))[^\s",]+`, "${1}" + Mask},

	// JSON fields written by zerolog keep the document valid
	{`(?i)("(?:api_key|apikey|token|secret|password|authorization)"\s*:\s*")[^"]*(")`, "${1}" + Mask + "${2}"},

	// AWS keys
	{`AKIA[0-9A-Z]{16}`, Mask},
}

// NewRedactor creates a redactor with the default rules
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, d := range defaultRules {
		r.rules = append(r.rules, rule{re: regexp.MustCompile(d.pattern), repl: d.repl})
	}
	return r
}

// AddPattern adds a custom pattern whose matches are masked entirely
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = append(r.rules, rule{re: re, repl: Mask})
	r.mu.Unlock()
	return nil
}

// AddSecret masks value wherever it appears. Values shorter than 8
// characters are ignored.
func (r *Redactor) AddSecret(value string) {
	value = strings.TrimSpace(value)
	if len(value) < minSecretLen {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if s == value {
			return
		}
	}
	r.secrets = append(r.secrets, value)
}

// AddSecretsFromEnv registers the current values of the named variables
func (r *Redactor) AddSecretsFromEnv(getenv func(string) string, names ...string) {
	for _, name := range names {
		if name == "" {
			continue
		}
		r.AddSecret(getenv(name))
	}
}

// Redact masks sensitive information in s
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, Mask)
	}
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write when
// masking changes the length
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
