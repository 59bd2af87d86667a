package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main aleph configuration
type Config struct {
	// Server identity and tool documentation mode
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Optional HTTP transport
	Transport TransportConfig `json:"transport" mapstructure:"transport"`

	// Remote tool servers
	Remote RemoteConfig `json:"remote" mapstructure:"remote"`

	// Workspace actions
	Actions ActionsConfig `json:"actions" mapstructure:"actions"`

	// Sandbox limits handed to the execution engine
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`

	// Memory pack persistence
	MemoryPack MemoryPackConfig `json:"memory_pack" mapstructure:"memory_pack"`

	// Sub-query backends
	SubQuery SubQueryConfig `json:"sub_query" mapstructure:"sub_query"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds tool server settings
type ServerConfig struct {
	Name     string `json:"name" mapstructure:"name"`
	ToolDocs string `json:"tool_docs" mapstructure:"tool_docs"` // concise, full
}

// TransportConfig holds streamable HTTP transport settings
type TransportConfig struct {
	Enabled             bool    `json:"enabled" mapstructure:"enabled"`
	Host                string  `json:"host" mapstructure:"host"`
	Port                int     `json:"port" mapstructure:"port"`
	Path                string  `json:"path" mapstructure:"path"`
	ReadyTimeoutSeconds float64 `json:"ready_timeout_seconds" mapstructure:"ready_timeout_seconds"`
	ProbeIntervalMs     int     `json:"probe_interval_ms" mapstructure:"probe_interval_ms"`
	DialTimeoutMs       int     `json:"dial_timeout_ms" mapstructure:"dial_timeout_ms"`
}

// ReadyTimeout returns the readiness deadline as a duration
func (c TransportConfig) ReadyTimeout() time.Duration {
	return seconds(c.ReadyTimeoutSeconds)
}

// ProbeInterval returns the pause between readiness probes
func (c TransportConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMs) * time.Millisecond
}

// DialTimeout returns the per-probe dial timeout
func (c TransportConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

// RemoteConfig holds remote tool server settings
type RemoteConfig struct {
	DefaultTimeoutSeconds float64 `json:"default_timeout_seconds" mapstructure:"default_timeout_seconds"`
	ServersFile           string  `json:"servers_file" mapstructure:"servers_file"` // JSON or YAML list of servers to connect at startup
}

// DefaultTimeout returns the remote call timeout as a duration
func (c RemoteConfig) DefaultTimeout() time.Duration {
	return seconds(c.DefaultTimeoutSeconds)
}

// ActionsConfig holds workspace action settings
type ActionsConfig struct {
	Enabled             bool   `json:"enabled" mapstructure:"enabled"`
	WorkspaceRoot       string `json:"workspace_root" mapstructure:"workspace_root"`
	WorkspaceMode       string `json:"workspace_mode" mapstructure:"workspace_mode"` // fixed, git, any
	RequireConfirmation bool   `json:"require_confirmation" mapstructure:"require_confirmation"`
	MaxReadBytes        int64  `json:"max_read_bytes" mapstructure:"max_read_bytes"`
	MaxWriteBytes       int64  `json:"max_write_bytes" mapstructure:"max_write_bytes"`
}

// SandboxConfig holds execution limits
type SandboxConfig struct {
	TimeoutSeconds float64 `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxOutputChars int     `json:"max_output_chars" mapstructure:"max_output_chars"`
}

// Timeout returns the execution timeout as a duration
func (c SandboxConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

// MemoryPackConfig holds memory pack settings
type MemoryPackConfig struct {
	Path             string `json:"path" mapstructure:"path"` // relative paths resolve against the workspace root
	AutosaveSchedule string `json:"autosave_schedule" mapstructure:"autosave_schedule"`
}

// SubQueryConfig holds sub-query backend settings
type SubQueryConfig struct {
	Backend           string  `json:"backend" mapstructure:"backend"` // auto, api, claude, codex, gemini
	APIKeyEnv         string  `json:"api_key_env" mapstructure:"api_key_env"`
	BaseURL           string  `json:"base_url" mapstructure:"base_url"`
	Model             string  `json:"model" mapstructure:"model"`
	CLITimeoutSeconds float64 `json:"cli_timeout_seconds" mapstructure:"cli_timeout_seconds"`
	APITimeoutSeconds float64 `json:"api_timeout_seconds" mapstructure:"api_timeout_seconds"`
	MaxOutputChars    int     `json:"max_output_chars" mapstructure:"max_output_chars"`
	MaxContextChars   int     `json:"max_context_chars" mapstructure:"max_context_chars"`
	SystemPrompt      string  `json:"system_prompt" mapstructure:"system_prompt"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:     "aleph",
			ToolDocs: "concise",
		},
		Transport: TransportConfig{
			Enabled:             false,
			Host:                "127.0.0.1",
			Port:                8765,
			Path:                "/mcp",
			ReadyTimeoutSeconds: 2,
			ProbeIntervalMs:     50,
			DialTimeoutMs:       200,
		},
		Remote: RemoteConfig{
			DefaultTimeoutSeconds: 30,
		},
		Actions: ActionsConfig{
			Enabled:       false,
			WorkspaceMode: "fixed",
			MaxReadBytes:  1_000_000_000,
			MaxWriteBytes: 100_000_000,
		},
		Sandbox: SandboxConfig{
			TimeoutSeconds: 60,
			MaxOutputChars: 50_000,
		},
		MemoryPack: MemoryPackConfig{
			Path: ".aleph/memory_pack.json",
		},
		SubQuery: SubQueryConfig{
			Backend:           "auto",
			APIKeyEnv:         "ALEPH_SUB_QUERY_API_KEY",
			CLITimeoutSeconds: 120,
			APITimeoutSeconds: 60,
			MaxOutputChars:    50_000,
			MaxContextChars:   100_000,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "aleph",
			SampleRatio: 1,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Server.ToolDocs {
	case "", "concise", "full":
	default:
		return fmt.Errorf("invalid tool docs mode: %s (must be: concise, full)", c.Server.ToolDocs)
	}

	if c.Transport.Enabled {
		if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
			return fmt.Errorf("transport port out of range: %d", c.Transport.Port)
		}
	}
	if c.Transport.ReadyTimeoutSeconds < 0 {
		return fmt.Errorf("transport.ready_timeout_seconds must be >= 0")
	}
	if c.Remote.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("remote.default_timeout_seconds must be >= 0")
	}

	switch c.Actions.WorkspaceMode {
	case "", "fixed", "git", "any":
	default:
		return fmt.Errorf("invalid workspace mode: %s (must be: fixed, git, any)", c.Actions.WorkspaceMode)
	}
	if c.Actions.MaxReadBytes < 0 || c.Actions.MaxWriteBytes < 0 {
		return fmt.Errorf("actions byte limits must be >= 0")
	}

	switch c.SubQuery.Backend {
	case "", "auto", "api", "claude", "codex", "gemini":
	default:
		return fmt.Errorf("invalid sub-query backend: %s (must be: auto, api, claude, codex, gemini)", c.SubQuery.Backend)
	}

	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
