package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// RayIDHeaders are checked, in order, for a request tracing identifier on
// failed responses.
var RayIDHeaders = []string{"X-Ray-Id", "X-Request-Id"}

// errorSchema is the schema of the structured error envelope.
var errorSchema = NewSchema[errorWire]("ErrorEnvelope")

// ErrorEnvelope is the structured error body the engine and the manager
// router produce.
type ErrorEnvelope struct {
	Group    string
	Code     string
	Message  string
	Metadata interface{}
}

// errorWire is the envelope as it appears on the wire. Metadata is a nested
// CBOR byte string in binary encodings and an inline value in JSON.
type errorWire struct {
	Group    string          `json:"group"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Metadata json.RawMessage `json:"metadata,omitempty" cbor:"-"`
	MetaCBOR []byte          `json:"-" cbor:"metadata,omitempty"`
}

// EncodeError serializes an error envelope.
func EncodeError(enc Encoding, e ErrorEnvelope) (Envelope, error) {
	wire := errorWire{Group: e.Group, Code: e.Code, Message: e.Message}
	if e.Metadata != nil {
		if enc.IsBinary() {
			meta, err := encMode.Marshal(e.Metadata)
			if err != nil {
				return Envelope{}, fmt.Errorf("encode error metadata: %w", err)
			}
			wire.MetaCBOR = meta
		} else {
			meta, err := json.Marshal(e.Metadata)
			if err != nil {
				return Envelope{}, fmt.Errorf("encode error metadata: %w", err)
			}
			wire.Metadata = meta
		}
	}
	return Encode(enc, errorSchema, wire)
}

// ActorError is a structured error decoded from an error envelope.
type ActorError struct {
	Group      string
	Code       string
	Message    string
	StatusCode int
	RayID      string

	metadata []byte
	metaEnc  Encoding
}

func (e *ActorError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s.%s", e.Group, e.Code)
	}
	return fmt.Sprintf("%s.%s: %s", e.Group, e.Code, e.Message)
}

// Is matches another *ActorError with the same group and code.
func (e *ActorError) Is(target error) bool {
	t, ok := target.(*ActorError)
	if !ok {
		return false
	}
	return t.Group == e.Group && t.Code == e.Code
}

// HasMetadata reports whether the envelope carried metadata.
func (e *ActorError) HasMetadata() bool {
	return len(e.metadata) > 0
}

// DecodeMetadata decodes the envelope metadata into v. Binary encodings
// carry metadata as a separate CBOR document.
func (e *ActorError) DecodeMetadata(v interface{}) error {
	if len(e.metadata) == 0 {
		return errors.New("error envelope has no metadata")
	}
	if e.metaEnc.IsBinary() {
		return decMode.Unmarshal(e.metadata, v)
	}
	return json.Unmarshal(e.metadata, v)
}

// RawMetadata returns the metadata bytes as received and the encoding they
// are in.
func (e *ActorError) RawMetadata() ([]byte, Encoding) {
	return e.metadata, e.metaEnc
}

// Metadata decodes the envelope metadata into generic values so it can be
// re-encoded in another envelope. It returns nil when there is none.
func (e *ActorError) Metadata() (interface{}, error) {
	if len(e.metadata) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := e.DecodeMetadata(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// TransportError is an unstructured failure: the body did not parse as an
// error envelope (a proxy page, a crashed handler, a plain-text message).
type TransportError struct {
	StatusCode int
	Body       string
	RayID      string
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "engine request failed with status %d", e.StatusCode)
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.RayID != "" {
		fmt.Fprintf(&b, " (ray id %s)", e.RayID)
	}
	return b.String()
}

// maxErrorBodyText bounds the opaque body carried on a TransportError.
const maxErrorBodyText = 4096

// ParseErrorResponse turns a failed response into an *ActorError when the
// body is a structured envelope, or a *TransportError otherwise. enc is the
// encoding the request negotiated; a recognised response Content-Type wins.
func ParseErrorResponse(status int, header http.Header, body []byte, enc Encoding) error {
	if ct := header.Get("Content-Type"); ct != "" {
		if respEnc, ok := EncodingFromContentType(ct); ok {
			enc = respEnc
		}
	}
	rayID := RayID(header)

	if wire, err := Decode(body, enc, errorSchema); err == nil && wire.Group != "" && wire.Code != "" {
		actorErr := &ActorError{
			Group:      wire.Group,
			Code:       wire.Code,
			Message:    wire.Message,
			StatusCode: status,
			RayID:      rayID,
			metaEnc:    enc,
		}
		if enc.IsBinary() {
			actorErr.metadata = wire.MetaCBOR
		} else if len(wire.Metadata) > 0 && string(wire.Metadata) != "null" {
			actorErr.metadata = wire.Metadata
		}
		return actorErr
	}

	return &TransportError{
		StatusCode: status,
		Body:       opaqueText(body),
		RayID:      rayID,
	}
}

// RayID returns the first tracing identifier present in header.
func RayID(header http.Header) string {
	for _, name := range RayIDHeaders {
		if v := header.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func opaqueText(body []byte) string {
	if !utf8.Valid(body) {
		return fmt.Sprintf("<%d bytes of binary data>", len(body))
	}
	text := string(body)
	if len(text) > maxErrorBodyText {
		text = strings.ToValidUTF8(text[:maxErrorBodyText], "")
	}
	return strings.TrimSpace(text)
}
