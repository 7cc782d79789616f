// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"

	"github.com/hankbao/conduit/lib/canonicaljson"
	"github.com/hankbao/conduit/lib/ref"
)

// Finalize computes and embeds the content hash of a locally built
// PDU, returning the canonical JSON of the still-unsigned event. The
// caller signs the result (signing.SignEvent) and then parses the
// signed bytes back into an Event, which also derives the event ID.
//
// Finalize strips any signatures already present: the hash must be
// computed before signing, and a caller passing a pre-signed PDU is
// confused about the order of operations.
func Finalize(pdu PDU) ([]byte, error) {
	pdu.Signatures = nil
	pdu.Hashes = Hashes{}

	// nil slices marshal as null; the wire form is an empty array.
	if pdu.PrevEvents == nil {
		pdu.PrevEvents = []ref.EventID{}
	}
	if pdu.AuthEvents == nil {
		pdu.AuthEvents = []ref.EventID{}
	}

	canonical, err := canonicaljson.Marshal(pdu)
	if err != nil {
		return nil, fmt.Errorf("encoding unsigned event: %w", err)
	}

	hash, err := ContentHash(canonical)
	if err != nil {
		return nil, fmt.Errorf("hashing unsigned event: %w", err)
	}
	pdu.Hashes.SHA256 = encodeHash(hash)

	finalized, err := canonicaljson.Marshal(pdu)
	if err != nil {
		return nil, fmt.Errorf("encoding finalized event: %w", err)
	}
	return finalized, nil
}
