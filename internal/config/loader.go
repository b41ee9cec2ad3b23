package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultConfigName is looked up in the working directory when no path is
// given.
const DefaultConfigName = "actorkit"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads an Input from the config file. A missing file yields an empty
// Input so that environment variables alone can configure the runtime.
func (l *Loader) Load() (Input, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return Input{}, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if l.configPath != "" {
			return Input{}, fmt.Errorf("config file not found: %s", configPath)
		}
		return Input{}, nil
	}

	configType := strings.TrimPrefix(filepath.Ext(configPath), ".")
	if configType == "yml" {
		configType = "yaml"
	}

	if configType == "json" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return Input{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := ValidateDocument(data); err != nil {
			return Input{}, err
		}
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType)

	if err := v.ReadInConfig(); err != nil {
		return Input{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var in Input
	if err := v.Unmarshal(&in); err != nil {
		return Input{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return in, nil
}

// GetConfigPath returns the config file path, or the first default candidate
// present in the working directory.
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	for _, ext := range []string{".json", ".yaml", ".yml", ".toml"} {
		candidate := DefaultConfigName + ext
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Load is a convenience function that creates a loader and loads the input
func Load(configPath string) (Input, error) {
	return NewLoader(configPath).Load()
}

var inputSchema = gojsonschema.NewStringLoader(inputSchemaJSON)

// ValidateDocument checks a JSON config document against the input schema.
func ValidateDocument(data []byte) error {
	result, err := gojsonschema.Validate(inputSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to validate config document: %w", err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fieldError("document", "%s", strings.Join(problems, "; "))
	}

	return nil
}

const inputSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "endpoint": {"type": "string"},
    "token": {"type": "string"},
    "namespace": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "mode": {"enum": ["runner", "serverless"]},
    "production": {"type": "boolean"},
    "driver": {"type": "string"},
    "encoding": {"enum": ["json", "cbor", "versioned"]},
    "manager_port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "manager_host": {"type": "string"},
    "manager_base_path": {"type": "string", "pattern": "^/"},
    "serve_manager": {"type": "boolean"},
    "public_endpoint": {"type": "string"},
    "public_token": {"type": "string"},
    "total_slots": {"type": "integer", "minimum": 1},
    "runner_name": {"type": "string"},
    "runner_key": {"type": "string"},
    "run_engine": {"type": "boolean"},
    "run_engine_version": {"type": "string"},
    "runner_pool": {
      "type": "object",
      "additionalProperties": false,
      "required": ["url"],
      "properties": {
        "name": {"type": "string"},
        "url": {"type": "string"},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}},
        "request_lifespan": {"type": "integer", "minimum": 0},
        "min_runners": {"type": "integer", "minimum": 0},
        "max_runners": {"type": "integer", "minimum": 0},
        "slots_per_runner": {"type": "integer", "minimum": 0},
        "runners_margin": {"type": "integer", "minimum": 0},
        "refresh_schedule": {"type": "string"}
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "pretty": {"type": "boolean"},
        "redaction": {"type": "boolean"}
      }
    }
  }
}`
