// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for Matrix protocol
// identifiers: event IDs, room IDs, user IDs, server names, and
// signing key IDs.
//
// Identifiers arrive from untrusted remote servers and from local
// callers; they are parsed into these types at the boundary and passed
// through the engine as typed values. Each type is an immutable value
// type whose zero value is invalid (use IsZero to check), with a
// Parse function that validates, a MustParse variant for tests and
// static initialization, and TextMarshaler/TextUnmarshaler so the
// types serialize as plain strings in JSON and CBOR.
//
// Validation is deliberately shallow for server-assigned opaque
// identifiers (event IDs, room ID local parts): the engine checks the
// sigil and overall shape, not the opaque payload. User IDs and server
// names carry meaning for authorization decisions and are validated
// more strictly.
package ref
