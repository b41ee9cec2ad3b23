package codec

import (
	"encoding/binary"
	"fmt"
	"mime"
	"strings"
)

// Encoding names a wire encoding.
type Encoding string

const (
	EncodingJSON      Encoding = "json"
	EncodingCBOR      Encoding = "cbor"
	EncodingVersioned Encoding = "versioned"
)

const (
	contentTypeJSON      = "application/json"
	contentTypeCBOR      = "application/cbor"
	contentTypeVersioned = "application/octet-stream"
)

// versionPrefixLen is the size of the schema version tag on versioned payloads.
const versionPrefixLen = 2

// ParseEncoding validates an encoding name.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case EncodingJSON:
		return EncodingJSON, nil
	case EncodingCBOR:
		return EncodingCBOR, nil
	case EncodingVersioned:
		return EncodingVersioned, nil
	}
	return "", fmt.Errorf("unknown encoding %q (must be one of: json, cbor, versioned)", s)
}

// ContentType returns the HTTP Content-Type for the encoding.
func (e Encoding) ContentType() string {
	switch e {
	case EncodingCBOR:
		return contentTypeCBOR
	case EncodingVersioned:
		return contentTypeVersioned
	default:
		return contentTypeJSON
	}
}

// IsBinary reports whether payloads of this encoding are not text.
func (e Encoding) IsBinary() bool {
	return e == EncodingCBOR || e == EncodingVersioned
}

// EncodingFromContentType maps a Content-Type header back to an encoding.
func EncodingFromContentType(contentType string) (Encoding, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	switch mediaType {
	case contentTypeJSON:
		return EncodingJSON, true
	case contentTypeCBOR:
		return EncodingCBOR, true
	case contentTypeVersioned:
		return EncodingVersioned, true
	}
	return "", false
}

// Envelope is one encoded request or response body.
type Envelope struct {
	Encoding      Encoding
	Payload       []byte
	SchemaVersion uint16
}

// Bytes returns the wire form of the envelope. Versioned payloads carry
// their schema version as a prefix.
func (e Envelope) Bytes() []byte {
	if e.Encoding != EncodingVersioned {
		return e.Payload
	}
	out := make([]byte, versionPrefixLen+len(e.Payload))
	binary.LittleEndian.PutUint16(out, e.SchemaVersion)
	copy(out[versionPrefixLen:], e.Payload)
	return out
}

// Text returns the payload as a string. Only meaningful for text encodings.
func (e Envelope) Text() string {
	return string(e.Payload)
}

// ContentType is a shortcut for e.Encoding.ContentType().
func (e Envelope) ContentType() string {
	return e.Encoding.ContentType()
}
