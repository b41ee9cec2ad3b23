// Package codec encodes and decodes engine request and response bodies.
//
// Three encodings are supported:
//
//	json       application/json          UTF-8 JSON text
//	cbor       application/cbor          CBOR (RFC 8949)
//	versioned  application/octet-stream  uint16 little-endian schema version, then CBOR
//
// Success bodies are decoded against the schema the caller expects. Error
// bodies are decoded in two phases: first against the fixed error envelope
// {group, code, message, metadata}, then, if that fails, as opaque text.
package codec
