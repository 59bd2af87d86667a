package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-test123"))
	assert.Error(t, v.ValidateAPIKey(""))
	assert.Error(t, v.ValidateAPIKey("sk test"))
}

func TestValidateEnums(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		fn      func(string) error
		value   string
		wantErr bool
	}{
		{"backend auto", v.ValidateBackend, "auto", false},
		{"backend claude", v.ValidateBackend, "claude", false},
		{"backend empty", v.ValidateBackend, "", false},
		{"backend unknown", v.ValidateBackend, "llama", true},
		{"workspace git", v.ValidateWorkspaceMode, "git", false},
		{"workspace unknown", v.ValidateWorkspaceMode, "home", true},
		{"tool docs full", v.ValidateToolDocs, "full", false},
		{"tool docs unknown", v.ValidateToolDocs, "long", true},
		{"log level debug", v.ValidateLogLevel, "debug", false},
		{"log level empty", v.ValidateLogLevel, "", true},
		{"log level unknown", v.ValidateLogLevel, "trace", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePort(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidatePort(8585))
	assert.Error(t, v.ValidatePort(0))
	assert.Error(t, v.ValidatePort(70000))
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchedule(""))
	assert.NoError(t, v.ValidateSchedule("*/5 * * * *"))
	assert.NoError(t, v.ValidateSchedule("@every 30s"))
	assert.Error(t, v.ValidateSchedule("not a schedule"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults are valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("collects every error", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Transport.Enabled = true
		cfg.Transport.Port = -1
		cfg.SubQuery.Backend = "llama"
		cfg.MemoryPack.AutosaveSchedule = "whenever"
		cfg.Logging.Level = "loud"
		cfg.Tracing.SampleRatio = 2

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 5)
	})
}
