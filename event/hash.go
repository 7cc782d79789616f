// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/hankbao/conduit/lib/canonicaljson"
	"github.com/hankbao/conduit/lib/ref"
)

// ContentHash computes the SHA-256 content hash of an event: the
// canonical JSON with the signatures, unsigned, and hashes fields
// removed. This is the value carried in hashes.sha256 and covers
// everything the origin server vouches for.
func ContentHash(canonical []byte) ([32]byte, error) {
	stripped, err := stripFields(canonical, "signatures", "unsigned", "hashes")
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(stripped), nil
}

// ReferenceHash computes the SHA-256 reference hash of an event: the
// canonical JSON of the redacted event with signatures and unsigned
// removed. Redacting first means the hash — and therefore the event
// ID — stays stable if the event is later redacted, which is what
// lets redacted events remain addressable in the graph.
func ReferenceHash(canonical []byte) ([32]byte, error) {
	redacted, err := Redact(canonical)
	if err != nil {
		return [32]byte{}, err
	}
	stripped, err := stripFields(redacted, "signatures", "unsigned")
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(stripped), nil
}

// EventIDOf computes the room version 4+ event ID: '$' followed by the
// unpadded url-safe base64 of the reference hash.
func EventIDOf(canonical []byte) (ref.EventID, error) {
	hash, err := ReferenceHash(canonical)
	if err != nil {
		return ref.EventID{}, err
	}
	return ref.ParseEventID("$" + base64.RawURLEncoding.EncodeToString(hash[:]))
}

// encodeHash renders a content hash the way it appears on the wire:
// unpadded standard base64 (unlike event IDs, which use the url-safe
// alphabet).
func encodeHash(hash [32]byte) string {
	return base64.RawStdEncoding.EncodeToString(hash[:])
}

// EncodeContentHash is the exported form of the wire encoding, used
// when building local events.
func EncodeContentHash(hash [32]byte) string { return encodeHash(hash) }

// stripFields removes top-level fields from canonical event JSON and
// re-canonicalizes. Operating on the raw JSON map rather than the PDU
// struct preserves fields this server does not recognize.
func stripFields(canonical []byte, fields ...string) ([]byte, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(canonical, &object); err != nil {
		return nil, fmt.Errorf("decoding event object: %w", err)
	}
	for _, field := range fields {
		delete(object, field)
	}
	stripped, err := canonicaljson.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("re-encoding stripped event: %w", err)
	}
	return stripped, nil
}
