package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEndpoint(t *testing.T) {
	v := NewValidator()

	t.Run("valid schemes", func(t *testing.T) {
		for _, raw := range []string{
			"http://localhost:6420",
			"https://api.example.com",
			"ws://127.0.0.1:6420",
			"wss://api.example.com/path",
		} {
			assert.NoError(t, v.ValidateEndpoint(raw), "endpoint %s should be valid", raw)
		}
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		assert.Error(t, v.ValidateEndpoint("ftp://api.example.com"))
	})

	t.Run("missing host", func(t *testing.T) {
		assert.Error(t, v.ValidateEndpoint("https://"))
	})

	t.Run("empty endpoint", func(t *testing.T) {
		assert.Error(t, v.ValidateEndpoint(""))
	})
}

func TestValidatePort(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidatePort(6420))
	assert.Error(t, v.ValidatePort(0))
	assert.Error(t, v.ValidatePort(65536))
}

func TestValidateMode(t *testing.T) {
	v := NewValidator()

	t.Run("valid modes", func(t *testing.T) {
		for _, mode := range []Mode{"", ModeRunner, ModeServerless} {
			assert.NoError(t, v.ValidateMode(mode), "mode %s should be valid", mode)
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		assert.Error(t, v.ValidateMode("batch"))
	})
}

func TestValidateEngineVersion(t *testing.T) {
	v := NewValidator()

	t.Run("exact and constraint", func(t *testing.T) {
		assert.NoError(t, v.ValidateEngineVersion("25.2.0"))
		assert.NoError(t, v.ValidateEngineVersion("^25.2"))
		assert.NoError(t, v.ValidateEngineVersion(">= 25.0, < 26"))
	})

	t.Run("empty version", func(t *testing.T) {
		assert.NoError(t, v.ValidateEngineVersion(""))
	})

	t.Run("invalid version", func(t *testing.T) {
		assert.Error(t, v.ValidateEngineVersion("latest-ish"))
	})
}

func TestValidateRefreshSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateRefreshSchedule(""))
	assert.NoError(t, v.ValidateRefreshSchedule("*/5 * * * *"))
	assert.NoError(t, v.ValidateRefreshSchedule("@hourly"))
	assert.Error(t, v.ValidateRefreshSchedule("* * *"))
}

func TestValidateBasePath(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateBasePath(""))
	assert.NoError(t, v.ValidateBasePath("/api"))
	assert.Error(t, v.ValidateBasePath("api"))
	assert.Error(t, v.ValidateBasePath("/api?x=1"))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	t.Run("valid levels", func(t *testing.T) {
		levels := []string{"debug", "info", "warn", "error"}
		for _, level := range levels {
			err := v.ValidateLogLevel(level)
			assert.NoError(t, err, "level %s should be valid", level)
		}
	})

	t.Run("invalid level", func(t *testing.T) {
		err := v.ValidateLogLevel("invalid")
		assert.Error(t, err)
	})
}

func TestValidateInput(t *testing.T) {
	v := NewValidator()

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, v.ValidateInput(&Input{}))
	})

	t.Run("multiple errors", func(t *testing.T) {
		in := &Input{
			Endpoint:   "ftp://x",
			Mode:       "batch",
			Encoding:   "xml",
			Logging:    LoggingConfig{Level: "loud"},
			RunnerPool: &RunnerPoolInput{},
		}

		errors := v.ValidateInput(in)
		assert.GreaterOrEqual(t, len(errors), 5)
		for _, err := range errors {
			assert.ErrorIs(t, err, ErrInvalidConfig)
		}
	})
}
