// Package scheduling is the closed set of reasons an actor could not be
// placed on, or reached through, a runner.
//
// Values are only ever built from a decoded engine error envelope; nothing
// in this package synthesizes one speculatively.
package scheduling

import (
	"errors"
	"fmt"
)

// ErrScheduling is matched by every scheduling error via errors.Is.
var ErrScheduling = errors.New("actor scheduling failed")

// Error is a scheduling failure. The set of implementations is closed.
type Error interface {
	error
	// Kind is a stable identifier for metrics and logs.
	Kind() string
	// Retryable reports whether retrying later may succeed without operator action.
	Retryable() bool
	sealed()
}

// CapacityExhausted means the runner pool had no free slot for the actor.
type CapacityExhausted struct {
	RunnerName string
}

func (e *CapacityExhausted) Error() string {
	return fmt.Sprintf("no capacity available in runner pool %q", e.RunnerName)
}
func (e *CapacityExhausted) Kind() string    { return "no_capacity" }
func (e *CapacityExhausted) Retryable() bool { return true }
func (e *CapacityExhausted) Unwrap() error   { return ErrScheduling }
func (*CapacityExhausted) sealed()           {}

// RunnerUnresponsive means the runner holding the actor stopped answering.
type RunnerUnresponsive struct {
	RunnerID string
}

func (e *RunnerUnresponsive) Error() string {
	return fmt.Sprintf("runner %q did not respond", e.RunnerID)
}
func (e *RunnerUnresponsive) Kind() string    { return "runner_no_response" }
func (e *RunnerUnresponsive) Retryable() bool { return true }
func (e *RunnerUnresponsive) Unwrap() error   { return ErrScheduling }
func (*RunnerUnresponsive) sealed()           {}

// ServerlessFailure means the engine could not start a serverless runner.
type ServerlessFailure struct {
	Reason ServerlessReason
}

func (e *ServerlessFailure) Error() string {
	return "serverless runner failed: " + e.Reason.describe()
}
func (e *ServerlessFailure) Kind() string { return "serverless_" + e.Reason.kind() }

// Retryable is false for failures of the user's endpoint configuration or
// payload; those need operator action.
func (e *ServerlessFailure) Retryable() bool {
	switch r := e.Reason.(type) {
	case *StreamEndedEarly, *ConnectionError:
		return true
	case *HTTPError:
		return r.Status >= 500
	default:
		return false
	}
}
func (e *ServerlessFailure) Unwrap() error { return ErrScheduling }
func (*ServerlessFailure) sealed()         {}

// ServerlessReason is the closed set of serverless failure details.
type ServerlessReason interface {
	kind() string
	describe() string
}

// HTTPError: the serverless endpoint answered with a non-success status.
type HTTPError struct {
	Status int
	Body   string
}

func (r *HTTPError) kind() string { return "http_error" }
func (r *HTTPError) describe() string {
	if r.Body == "" {
		return fmt.Sprintf("endpoint returned status %d", r.Status)
	}
	return fmt.Sprintf("endpoint returned status %d: %s", r.Status, r.Body)
}

// StreamEndedEarly: the start stream closed before the runner connected.
type StreamEndedEarly struct{}

func (r *StreamEndedEarly) kind() string     { return "stream_ended_early" }
func (r *StreamEndedEarly) describe() string { return "start stream ended early" }

// ConnectionError: the serverless endpoint could not be reached.
type ConnectionError struct {
	Message string
}

func (r *ConnectionError) kind() string     { return "connection_error" }
func (r *ConnectionError) describe() string { return "could not connect to endpoint: " + r.Message }

// InvalidPayload: the endpoint answered with a body that did not match the
// expected schema.
type InvalidPayload struct {
	Message string
}

func (r *InvalidPayload) kind() string     { return "invalid_payload" }
func (r *InvalidPayload) describe() string { return "invalid payload: " + r.Message }

// ConfigMissing: no serverless runner configuration exists for the pool.
type ConfigMissing struct{}

func (r *ConfigMissing) kind() string     { return "config_missing" }
func (r *ConfigMissing) describe() string { return "serverless runner config missing" }
