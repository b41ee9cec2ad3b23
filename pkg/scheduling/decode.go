package scheduling

import "github.com/harun/actorkit/pkg/codec"

// Error envelope signatures that carry scheduling metadata.
const (
	GroupGuard            = "guard"
	CodeActorReadyTimeout = "actor_ready_timeout"
	GroupActor            = "actor"
	CodeRunnerFailed      = "runner_failed"
)

// metadata is the tagged scheduling payload carried in the envelope.
type metadata struct {
	Kind       string `json:"kind"`
	RunnerName string `json:"runner_name,omitempty"`
	RunnerID   string `json:"runner_id,omitempty"`
	Status     int    `json:"status,omitempty"`
	Body       string `json:"body,omitempty"`
	Message    string `json:"message,omitempty"`
}

// FromActorError maps a decoded error envelope onto a scheduling error. It
// returns false when the (group, code) pair is not a scheduling signature
// or its metadata names no known variant; the caller then surfaces the
// envelope as a generic *codec.ActorError.
func FromActorError(actorErr *codec.ActorError) (Error, bool) {
	if actorErr == nil || !isSchedulingSignature(actorErr.Group, actorErr.Code) {
		return nil, false
	}
	if !actorErr.HasMetadata() {
		return nil, false
	}

	var meta metadata
	if err := actorErr.DecodeMetadata(&meta); err != nil {
		return nil, false
	}

	return fromMetadata(meta)
}

func isSchedulingSignature(group, code string) bool {
	return (group == GroupGuard && code == CodeActorReadyTimeout) ||
		(group == GroupActor && code == CodeRunnerFailed)
}

func fromMetadata(meta metadata) (Error, bool) {
	switch meta.Kind {
	case "no_capacity":
		return &CapacityExhausted{RunnerName: meta.RunnerName}, true
	case "runner_no_response":
		return &RunnerUnresponsive{RunnerID: meta.RunnerID}, true
	case "serverless_http_error":
		return &ServerlessFailure{Reason: &HTTPError{Status: meta.Status, Body: meta.Body}}, true
	case "serverless_stream_ended_early":
		return &ServerlessFailure{Reason: &StreamEndedEarly{}}, true
	case "serverless_connection_error":
		return &ServerlessFailure{Reason: &ConnectionError{Message: meta.Message}}, true
	case "serverless_invalid_payload":
		return &ServerlessFailure{Reason: &InvalidPayload{Message: meta.Message}}, true
	case "serverless_config_missing":
		return &ServerlessFailure{Reason: &ConfigMissing{}}, true
	}
	return nil, false
}

// Metadata returns the envelope metadata that FromActorError maps back onto
// err. The manager router uses it to forward scheduling failures verbatim.
func Metadata(err Error) map[string]interface{} {
	m := map[string]interface{}{"kind": err.Kind()}
	switch e := err.(type) {
	case *CapacityExhausted:
		m["runner_name"] = e.RunnerName
	case *RunnerUnresponsive:
		m["runner_id"] = e.RunnerID
	case *ServerlessFailure:
		switch r := e.Reason.(type) {
		case *HTTPError:
			m["status"] = r.Status
			m["body"] = r.Body
		case *ConnectionError:
			m["message"] = r.Message
		case *InvalidPayload:
			m["message"] = r.Message
		}
	}
	return m
}
