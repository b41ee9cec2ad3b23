package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrUnsupportedVersion is returned when a versioned payload carries a
	// version the schema can neither read directly nor migrate.
	ErrUnsupportedVersion = errors.New("codec: unsupported schema version")
	// ErrTruncated is returned when a versioned payload is shorter than its prefix.
	ErrTruncated = errors.New("codec: truncated payload")
)

// Migration decodes the CBOR body of an older schema version into the
// current type.
type Migration[T any] func(body []byte) (T, error)

// Schema describes one message type on the wire.
type Schema[T any] struct {
	Name       string
	Version    uint16
	Migrations map[uint16]Migration[T]
}

// NewSchema returns a schema at version 1 without migrations.
func NewSchema[T any](name string) Schema[T] {
	return Schema[T]{Name: name, Version: 1}
}

// DecodeError reports a body that does not match the expected schema.
type DecodeError struct {
	Schema   string
	Encoding Encoding
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s (%s): %v", e.Schema, e.Encoding, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var mapStringAny = reflect.TypeOf(map[string]interface{}(nil))

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor encode options: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: mapStringAny,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor decode options: %v", err))
	}
}

// Encode serializes v with the given encoding.
func Encode[T any](enc Encoding, schema Schema[T], v T) (Envelope, error) {
	var (
		payload []byte
		err     error
	)
	switch enc {
	case EncodingJSON:
		payload, err = json.Marshal(v)
	case EncodingCBOR, EncodingVersioned:
		payload, err = encMode.Marshal(v)
	default:
		return Envelope{}, fmt.Errorf("encode %s: unknown encoding %q", schema.Name, enc)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s (%s): %w", schema.Name, enc, err)
	}

	env := Envelope{Encoding: enc, Payload: payload}
	if enc == EncodingVersioned {
		env.SchemaVersion = schema.Version
	}
	return env, nil
}

// Decode parses data produced with enc into a value of the schema's type.
func Decode[T any](data []byte, enc Encoding, schema Schema[T]) (T, error) {
	var v T
	var err error

	switch enc {
	case EncodingJSON:
		err = json.Unmarshal(data, &v)
	case EncodingCBOR:
		err = decMode.Unmarshal(data, &v)
	case EncodingVersioned:
		v, err = decodeVersioned(data, schema)
	default:
		err = fmt.Errorf("unknown encoding %q", enc)
	}
	if err != nil {
		var zero T
		return zero, &DecodeError{Schema: schema.Name, Encoding: enc, Err: err}
	}
	return v, nil
}

func decodeVersioned[T any](data []byte, schema Schema[T]) (T, error) {
	var v T
	if len(data) < versionPrefixLen {
		return v, ErrTruncated
	}
	version := binary.LittleEndian.Uint16(data)
	body := data[versionPrefixLen:]

	if version == schema.Version {
		err := decMode.Unmarshal(body, &v)
		return v, err
	}
	if migrate, ok := schema.Migrations[version]; ok && version < schema.Version {
		return migrate(body)
	}
	return v, fmt.Errorf("%w: got %d, current %d", ErrUnsupportedVersion, version, schema.Version)
}

// UnmarshalCBOR decodes a CBOR body with the package decoding options.
// Migrations use it to read older payload shapes.
func UnmarshalCBOR(body []byte, v interface{}) error {
	return decMode.Unmarshal(body, v)
}
