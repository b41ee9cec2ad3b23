package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every resolution failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var (
	ErrEndpointWithLocalManager  = fmt.Errorf("%w: a remote endpoint cannot be combined with serving the manager locally", ErrInvalidConfig)
	ErrEngineWithEndpoint        = fmt.Errorf("%w: spawning an engine cannot be combined with a remote endpoint", ErrInvalidConfig)
	ErrRunnerPoolWithoutEngine   = fmt.Errorf("%w: a runner pool requires an endpoint or a spawned engine", ErrInvalidConfig)
	ErrMissingAdvertisedEndpoint = fmt.Errorf("%w: missing advertised endpoint (set %s)", ErrInvalidConfig, EnvPublicEndpoint)
)

// CredentialSource names where a credential value came from.
type CredentialSource string

const (
	SourceEndpointURL CredentialSource = "endpoint URL"
	SourceField       CredentialSource = "config field"
	SourceEnv         CredentialSource = "environment"
)

// DuplicateCredentialError reports one credential supplied with different
// values by two sources. Values are left out of the message since the field
// may be a token.
type DuplicateCredentialError struct {
	Field  string
	First  CredentialSource
	Second CredentialSource
}

func (e *DuplicateCredentialError) Error() string {
	return fmt.Sprintf("duplicate %s: %s and %s supply different values", e.Field, e.First, e.Second)
}

func (e *DuplicateCredentialError) Unwrap() error {
	return ErrInvalidConfig
}

// FieldError reports a single invalid field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return ErrInvalidConfig
}

func fieldError(field, format string, args ...interface{}) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
