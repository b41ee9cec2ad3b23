package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"

	"github.com/harun/actorkit/pkg/codec"
)

// Validator validates configuration values
type Validator struct {
	cronParser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateEndpoint checks that raw is an absolute http(s) or ws(s) URL.
func (v *Validator) ValidateEndpoint(raw string) error {
	if raw == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("endpoint is not a valid URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("endpoint scheme %q not supported (use http, https, ws or wss)", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("endpoint has no host")
	}

	return nil
}

// ValidatePort validates a TCP port number
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateMode validates the operating mode. Empty is allowed.
func (v *Validator) ValidateMode(mode Mode) error {
	switch mode {
	case "", ModeRunner, ModeServerless:
		return nil
	}
	return fmt.Errorf("invalid mode: %s (must be runner or serverless)", mode)
}

// ValidateBasePath validates the manager base path
func (v *Validator) ValidateBasePath(path string) error {
	if path == "" {
		return nil
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("base path must start with /")
	}
	if strings.ContainsAny(path, "?#") {
		return fmt.Errorf("base path cannot contain a query or fragment")
	}
	return nil
}

// ValidateTotalSlots validates the runner slot count
func (v *Validator) ValidateTotalSlots(slots int) error {
	if slots <= 0 {
		return fmt.Errorf("total slots must be positive, got %d", slots)
	}
	return nil
}

// ValidateEngineVersion accepts an exact version or a constraint like "^25.2".
func (v *Validator) ValidateEngineVersion(version string) error {
	if version == "" {
		return nil
	}
	if _, err := semver.NewConstraint(version); err != nil {
		return fmt.Errorf("invalid engine version %q: %w", version, err)
	}
	return nil
}

// ValidateRefreshSchedule validates a cron expression. Empty is allowed.
func (v *Validator) ValidateRefreshSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := v.cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid refresh schedule: %w", err)
	}
	return nil
}

// ValidateEncoding validates a wire encoding name. Empty is allowed.
func (v *Validator) ValidateEncoding(name string) error {
	if name == "" {
		return nil
	}
	_, err := codec.ParseEncoding(name)
	return err
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}

	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateRunnerPool validates a runner pool request
func (v *Validator) ValidateRunnerPool(pool *RunnerPoolInput) []error {
	var errors []error

	if pool.URL == "" {
		errors = append(errors, fieldError("runner_pool.url", "is required"))
	} else if err := v.ValidateEndpoint(pool.URL); err != nil {
		errors = append(errors, fieldError("runner_pool.url", "%v", err))
	}

	if pool.MinRunners < 0 {
		errors = append(errors, fieldError("runner_pool.min_runners", "cannot be negative"))
	}
	if pool.MaxRunners != 0 && pool.MaxRunners < pool.MinRunners {
		errors = append(errors, fieldError("runner_pool.max_runners", "must be at least min_runners"))
	}
	if pool.SlotsPerRunner < 0 {
		errors = append(errors, fieldError("runner_pool.slots_per_runner", "cannot be negative"))
	}
	if pool.RequestLifespan < 0 {
		errors = append(errors, fieldError("runner_pool.request_lifespan", "cannot be negative"))
	}
	if err := v.ValidateRefreshSchedule(pool.RefreshSchedule); err != nil {
		errors = append(errors, fieldError("runner_pool.refresh_schedule", "%v", err))
	}

	return errors
}

// ValidateInput validates every supplied field of an input and returns all
// problems found. Cross-field rules are checked by Resolve.
func (v *Validator) ValidateInput(in *Input) []error {
	var errors []error

	if in.Endpoint != "" {
		if err := v.ValidateEndpoint(in.Endpoint); err != nil {
			errors = append(errors, fieldError("endpoint", "%v", err))
		}
	}
	if in.AdvertisedEndpoint != "" {
		if err := v.ValidateEndpoint(in.AdvertisedEndpoint); err != nil {
			errors = append(errors, fieldError("public_endpoint", "%v", err))
		}
	}
	if err := v.ValidateMode(in.Mode); err != nil {
		errors = append(errors, fieldError("mode", "%v", err))
	}
	if in.ManagerPort != 0 {
		if err := v.ValidatePort(in.ManagerPort); err != nil {
			errors = append(errors, fieldError("manager_port", "%v", err))
		}
	}
	if err := v.ValidateBasePath(in.ManagerBasePath); err != nil {
		errors = append(errors, fieldError("manager_base_path", "%v", err))
	}
	if in.TotalSlots != 0 {
		if err := v.ValidateTotalSlots(in.TotalSlots); err != nil {
			errors = append(errors, fieldError("total_slots", "%v", err))
		}
	}
	if err := v.ValidateEngineVersion(in.EngineVersion); err != nil {
		errors = append(errors, fieldError("run_engine_version", "%v", err))
	}
	if err := v.ValidateEncoding(in.Encoding); err != nil {
		errors = append(errors, fieldError("encoding", "%v", err))
	}
	if in.Logging.Level != "" {
		if err := v.ValidateLogLevel(in.Logging.Level); err != nil {
			errors = append(errors, fieldError("logging.level", "%v", err))
		}
	}
	if in.RunnerPool != nil {
		errors = append(errors, v.ValidateRunnerPool(in.RunnerPool)...)
	}

	return errors
}
