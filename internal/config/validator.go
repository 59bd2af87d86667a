package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an OpenAI-compatible API key
func (v *Validator) ValidateAPIKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	if strings.ContainsAny(key, " \t\r\n") {
		return fmt.Errorf("API key must not contain whitespace")
	}
	return nil
}

// ValidateBackend validates a sub-query backend name
func (v *Validator) ValidateBackend(backend string) error {
	return oneOf("sub-query backend", backend, []string{"auto", "api", "claude", "codex", "gemini"}, true)
}

// ValidateWorkspaceMode validates the workspace mode
func (v *Validator) ValidateWorkspaceMode(mode string) error {
	return oneOf("workspace mode", mode, []string{"fixed", "git", "any"}, true)
}

// ValidateToolDocs validates the tool docs mode
func (v *Validator) ValidateToolDocs(mode string) error {
	return oneOf("tool docs mode", mode, []string{"concise", "full"}, true)
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, []string{"debug", "info", "warn", "error"}, false)
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidatePath validates an HTTP route path
func (v *Validator) ValidatePath(path string) error {
	if strings.ContainsAny(path, " ?#") {
		return fmt.Errorf("invalid transport path: %q", path)
	}
	return nil
}

// ValidateSchedule validates a cron schedule, empty disables the job
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateToolDocs(cfg.Server.ToolDocs); err != nil {
		errors = append(errors, err)
	}

	if cfg.Transport.Enabled {
		if err := v.ValidatePort(cfg.Transport.Port); err != nil {
			errors = append(errors, fmt.Errorf("transport: %w", err))
		}
	}
	if err := v.ValidatePath(cfg.Transport.Path); err != nil {
		errors = append(errors, err)
	}
	if cfg.Transport.ReadyTimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("transport.ready_timeout_seconds must be >= 0"))
	}
	if cfg.Transport.ProbeIntervalMs < 0 {
		errors = append(errors, fmt.Errorf("transport.probe_interval_ms must be >= 0"))
	}
	if cfg.Transport.DialTimeoutMs < 0 {
		errors = append(errors, fmt.Errorf("transport.dial_timeout_ms must be >= 0"))
	}

	if cfg.Remote.DefaultTimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("remote.default_timeout_seconds must be >= 0"))
	}

	if err := v.ValidateWorkspaceMode(cfg.Actions.WorkspaceMode); err != nil {
		errors = append(errors, err)
	}
	if cfg.Actions.MaxReadBytes < 0 {
		errors = append(errors, fmt.Errorf("actions.max_read_bytes must be >= 0"))
	}
	if cfg.Actions.MaxWriteBytes < 0 {
		errors = append(errors, fmt.Errorf("actions.max_write_bytes must be >= 0"))
	}

	if cfg.Sandbox.TimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("sandbox.timeout_seconds must be >= 0"))
	}
	if cfg.Sandbox.MaxOutputChars < 0 {
		errors = append(errors, fmt.Errorf("sandbox.max_output_chars must be >= 0"))
	}

	if err := v.ValidateSchedule(cfg.MemoryPack.AutosaveSchedule); err != nil {
		errors = append(errors, fmt.Errorf("memory_pack: %w", err))
	}

	if err := v.ValidateBackend(cfg.SubQuery.Backend); err != nil {
		errors = append(errors, err)
	}
	if cfg.SubQuery.CLITimeoutSeconds < 0 || cfg.SubQuery.APITimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("sub_query timeouts must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be within [0, 1]"))
	}

	return errors
}

func oneOf(name, value string, valid []string, allowEmpty bool) error {
	if value == "" && allowEmpty {
		return nil
	}
	for _, candidate := range valid {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", name, value, strings.Join(valid, ", "))
}
