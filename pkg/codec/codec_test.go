package codec

import (
	"encoding/binary"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type actorRecord struct {
	ActorID string            `json:"actor_id"`
	Name    string            `json:"name"`
	Key     []string          `json:"key"`
	Slots   int               `json:"slots"`
	Tags    map[string]string `json:"tags,omitempty"`
}

var actorSchema = NewSchema[actorRecord]("ActorRecord")

func TestRoundTrip(t *testing.T) {
	original := actorRecord{
		ActorID: "a1",
		Name:    "counter",
		Key:     []string{"tenant", "42"},
		Slots:   3,
		Tags:    map[string]string{"region": "eu"},
	}

	for _, enc := range []Encoding{EncodingJSON, EncodingCBOR, EncodingVersioned} {
		t.Run(string(enc), func(t *testing.T) {
			env, err := Encode(enc, actorSchema, original)
			require.NoError(t, err)
			assert.Equal(t, enc, env.Encoding)

			decoded, err := Decode(env.Bytes(), enc, actorSchema)
			require.NoError(t, err)
			assert.Equal(t, original, decoded)
		})
	}
}

func TestVersionedPrefix(t *testing.T) {
	schema := Schema[actorRecord]{Name: "ActorRecord", Version: 3}
	env, err := Encode(EncodingVersioned, schema, actorRecord{ActorID: "x"})
	require.NoError(t, err)

	wire := env.Bytes()
	require.GreaterOrEqual(t, len(wire), 2)
	assert.Equal(t, uint16(3), binary.LittleEndian.Uint16(wire))
	assert.Equal(t, uint16(3), env.SchemaVersion)
}

func TestVersionedMigration(t *testing.T) {
	type actorV1 struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Key  string `json:"key"`
	}
	v1 := Schema[actorV1]{Name: "ActorRecord", Version: 1}
	old, err := Encode(EncodingVersioned, v1, actorV1{ID: "a1", Name: "counter", Key: "k"})
	require.NoError(t, err)

	v2 := Schema[actorRecord]{
		Name:    "ActorRecord",
		Version: 2,
		Migrations: map[uint16]Migration[actorRecord]{
			1: func(body []byte) (actorRecord, error) {
				var prev actorV1
				if err := UnmarshalCBOR(body, &prev); err != nil {
					return actorRecord{}, err
				}
				return actorRecord{ActorID: prev.ID, Name: prev.Name, Key: []string{prev.Key}}, nil
			},
		},
	}

	got, err := Decode(old.Bytes(), EncodingVersioned, v2)
	require.NoError(t, err)
	assert.Equal(t, actorRecord{ActorID: "a1", Name: "counter", Key: []string{"k"}}, got)
}

func TestVersionedUnsupported(t *testing.T) {
	future := Schema[actorRecord]{Name: "ActorRecord", Version: 9}
	env, err := Encode(EncodingVersioned, future, actorRecord{})
	require.NoError(t, err)

	_, err = Decode(env.Bytes(), EncodingVersioned, actorSchema)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.Equal(t, "ActorRecord", decErr.Schema)

	_, err = Decode([]byte{1}, EncodingVersioned, actorSchema)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeMismatch(t *testing.T) {
	_, err := Decode([]byte("not json"), EncodingJSON, actorSchema)
	var decErr *DecodeError
	assert.True(t, errors.As(err, &decErr))
}

func TestContentTypes(t *testing.T) {
	tests := []struct {
		enc Encoding
		ct  string
	}{
		{EncodingJSON, "application/json"},
		{EncodingCBOR, "application/cbor"},
		{EncodingVersioned, "application/octet-stream"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ct, tt.enc.ContentType())
		got, ok := EncodingFromContentType(tt.ct + "; charset=utf-8")
		assert.True(t, ok)
		assert.Equal(t, tt.enc, got)
	}

	_, ok := EncodingFromContentType("text/html")
	assert.False(t, ok)
}

func TestParseEncoding(t *testing.T) {
	enc, err := ParseEncoding(" CBOR ")
	require.NoError(t, err)
	assert.Equal(t, EncodingCBOR, enc)

	_, err = ParseEncoding("bare")
	assert.Error(t, err)
}

func TestParseErrorResponse_Structured(t *testing.T) {
	type meta struct {
		RunnerName string `json:"runner_name"`
	}

	for _, enc := range []Encoding{EncodingJSON, EncodingCBOR, EncodingVersioned} {
		t.Run(string(enc), func(t *testing.T) {
			env, err := EncodeError(enc, ErrorEnvelope{
				Group:    "guard",
				Code:     "actor_ready_timeout",
				Message:  "actor did not become ready",
				Metadata: meta{RunnerName: "pool-a"},
			})
			require.NoError(t, err)

			header := http.Header{}
			header.Set("Content-Type", enc.ContentType())
			header.Set("X-Ray-Id", "ray-123")

			err = ParseErrorResponse(http.StatusServiceUnavailable, header, env.Bytes(), EncodingJSON)

			var actorErr *ActorError
			require.ErrorAs(t, err, &actorErr)
			assert.Equal(t, "guard", actorErr.Group)
			assert.Equal(t, "actor_ready_timeout", actorErr.Code)
			assert.Equal(t, "ray-123", actorErr.RayID)
			assert.Equal(t, http.StatusServiceUnavailable, actorErr.StatusCode)
			require.True(t, actorErr.HasMetadata())

			var m meta
			require.NoError(t, actorErr.DecodeMetadata(&m))
			assert.Equal(t, "pool-a", m.RunnerName)
		})
	}
}

func TestActorErrorMetadataReencodes(t *testing.T) {
	env, err := EncodeError(EncodingCBOR, ErrorEnvelope{
		Group:    "guard",
		Code:     "actor_ready_timeout",
		Metadata: map[string]interface{}{"runner_name": "pool-a"},
	})
	require.NoError(t, err)

	var actorErr *ActorError
	require.ErrorAs(t, ParseErrorResponse(http.StatusServiceUnavailable, http.Header{}, env.Bytes(), EncodingCBOR), &actorErr)

	raw, rawEnc := actorErr.RawMetadata()
	assert.NotEmpty(t, raw)
	assert.Equal(t, EncodingCBOR, rawEnc)

	meta, err := actorErr.Metadata()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"runner_name": "pool-a"}, meta)

	// CBOR in, JSON out.
	env, err = EncodeError(EncodingJSON, ErrorEnvelope{Group: actorErr.Group, Code: actorErr.Code, Metadata: meta})
	require.NoError(t, err)
	assert.Contains(t, string(env.Bytes()), `"runner_name":"pool-a"`)

	bare := ParseErrorResponse(http.StatusNotFound, http.Header{}, []byte(`{"group":"actor","code":"not_found"}`), EncodingJSON)
	require.ErrorAs(t, bare, &actorErr)
	meta, err = actorErr.Metadata()
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestParseErrorResponse_OpaqueFallback(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	header.Set("X-Request-Id", "req-9")

	err := ParseErrorResponse(http.StatusBadGateway, header, []byte("<html>bad gateway</html>"), EncodingCBOR)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusBadGateway, transportErr.StatusCode)
	assert.Equal(t, "<html>bad gateway</html>", transportErr.Body)
	assert.Equal(t, "req-9", transportErr.RayID)
	assert.Contains(t, err.Error(), "ray id req-9")
}

func TestParseErrorResponse_EnvelopeWithoutCode(t *testing.T) {
	err := ParseErrorResponse(http.StatusInternalServerError, http.Header{}, []byte(`{"message":"x"}`), EncodingJSON)

	var transportErr *TransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestActorErrorIs(t *testing.T) {
	err := ParseErrorResponse(http.StatusNotFound, http.Header{}, []byte(`{"group":"actor","code":"not_found","message":"gone"}`), EncodingJSON)
	assert.ErrorIs(t, err, &ActorError{Group: "actor", Code: "not_found"})
	assert.NotErrorIs(t, err, &ActorError{Group: "actor", Code: "other"})
	assert.Equal(t, "actor.not_found: gone", err.Error())
}

func TestOpaqueTextBinary(t *testing.T) {
	assert.Equal(t, "<3 bytes of binary data>", opaqueText([]byte{0xff, 0xfe, 0x00}))
}
