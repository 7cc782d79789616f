// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration for
// internal storage records.
//
// The engine uses two serialization formats with a hard boundary:
//
//   - Canonical JSON for everything protocol-visible: event bodies are
//     stored as the exact canonical JSON bytes that were hashed and
//     signed, so a stored event re-hashes to its own ID byte-for-byte
//     (lib/canonicaljson).
//   - CBOR for internal records that never cross the federation
//     boundary: event store metadata, per-event state snapshots,
//     extremity indexes, and rejection markers.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Deterministic bytes keep storage idempotent — rewriting an unchanged
// record produces identical bytes, so spurious diffs cannot masquerade
// as state changes.
//
// Struct tag rule: internal record types carry `cbor` tags only. Types
// that appear on the wire (event.PDU and friends) carry `json` tags
// and never pass through this package.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is configured once at init; an invalid configuration is a
// programming error, hence the panics.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Identifier types (ref.EventID, ref.RoomID, ...) hold unexported
	// strings and serialize through MarshalText. Without this they
	// would encode as empty CBOR maps, silently losing their value.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Map values decoded into any-typed targets become
		// map[string]any rather than CBOR's default
		// map[interface{}]interface{}; record types only ever use
		// string keys.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility with records written by newer code.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, usable to delay decoding of
// a record field.
type RawMessage = cbor.RawMessage
