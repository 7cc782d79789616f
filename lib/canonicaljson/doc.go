// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package canonicaljson implements the Matrix canonical JSON form used
// for event hashing and signing.
//
// Canonical form is a compatibility requirement of the federation
// protocol, not a design choice: every server must serialize the same
// logical event to the same bytes, or content hashes and signatures
// computed by one server will not verify on another. The rules:
//
//   - Object keys sorted lexicographically by Unicode code point.
//   - No insignificant whitespace.
//   - Integers only, within the range [-(2^53)+1, (2^53)-1]; floats,
//     exponents, and out-of-range values are rejected outright.
//   - Strings encoded as raw UTF-8 with the minimal escape set: '"',
//     '\', and control characters below U+0020. No \uXXXX escapes for
//     printable characters, no HTML-safety escaping.
//
// The package re-encodes rather than validates in place: Canonical
// parses arbitrary standards-compliant JSON and emits the canonical
// bytes, so callers can feed it wire input directly. Marshal wraps
// encoding/json marshaling of a Go value followed by canonicalization.
package canonicaljson
