// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// KeyID is a validated signing key identifier (e.g., "ed25519:v1").
//
// Key IDs name a specific signing key published by a server: the part
// before the colon is the algorithm, the part after is an opaque
// version chosen by the key's owner. The engine only ever signs with
// and verifies ed25519 keys, but it parses and carries foreign
// algorithms so that signature blocks from future room versions
// round-trip unmodified.
//
// KeyID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type KeyID struct {
	id string
}

// AlgorithmEd25519 is the only signature algorithm the engine can
// produce or verify.
const AlgorithmEd25519 = "ed25519"

// ParseKeyID validates and wraps a raw key ID string. Returns an
// error if the string is empty, missing the ':' separator, or has an
// empty algorithm or version component.
func ParseKeyID(raw string) (KeyID, error) {
	if raw == "" {
		return KeyID{}, fmt.Errorf("empty key ID")
	}
	colonIndex := strings.IndexByte(raw, ':')
	if colonIndex < 0 {
		return KeyID{}, fmt.Errorf("key ID missing ':' separator: %q", raw)
	}
	if colonIndex == 0 {
		return KeyID{}, fmt.Errorf("key ID has empty algorithm: %q", raw)
	}
	if colonIndex == len(raw)-1 {
		return KeyID{}, fmt.Errorf("key ID has empty version: %q", raw)
	}
	return KeyID{id: raw}, nil
}

// MustParseKeyID is like ParseKeyID but panics on error. Use in tests
// and static initialization where the input is known-valid.
func MustParseKeyID(raw string) KeyID {
	k, err := ParseKeyID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseKeyID(%q): %v", raw, err))
	}
	return k
}

// String returns the full key ID string (e.g., "ed25519:v1").
func (k KeyID) String() string { return k.id }

// IsZero reports whether the KeyID is the zero value (uninitialized).
func (k KeyID) IsZero() bool { return k.id == "" }

// Algorithm returns the part before the colon (e.g., "ed25519").
// Panics on the zero value.
func (k KeyID) Algorithm() string {
	colonIndex := strings.IndexByte(k.id, ':')
	if colonIndex < 0 {
		panic("ref.KeyID.Algorithm called on zero value")
	}
	return k.id[:colonIndex]
}

// MarshalText implements encoding.TextMarshaler.
func (k KeyID) MarshalText() ([]byte, error) {
	if k.id == "" {
		return nil, nil
	}
	return []byte(k.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// key ID format. An empty input produces the zero value.
func (k *KeyID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*k = KeyID{}
		return nil
	}
	parsed, err := ParseKeyID(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
