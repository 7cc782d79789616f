// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"
	"fmt"

	"github.com/hankbao/conduit/lib/canonicaljson"
)

// protectedKeys are the top-level event fields that survive redaction
// in room version 11. Everything else is stripped.
var protectedKeys = map[string]struct{}{
	"type":             {},
	"room_id":          {},
	"sender":           {},
	"state_key":        {},
	"content":          {},
	"hashes":           {},
	"signatures":       {},
	"depth":            {},
	"prev_events":      {},
	"auth_events":      {},
	"origin_server_ts": {},
}

// protectedContentKeys maps event types to the content fields that
// survive redaction in room version 11. Types absent from the map keep
// no content at all; m.room.create keeps everything.
var protectedContentKeys = map[string][]string{
	TypeMember:            {"membership", "join_authorised_via_users_server"},
	TypeJoinRules:         {"join_rule", "allow"},
	TypePowerLevels:       {"ban", "events", "events_default", "invite", "kick", "redact", "state_default", "users", "users_default"},
	TypeHistoryVisibility: {"history_visibility"},
	TypeRedaction:         {"redacts"},
}

// Redact applies the room version 11 redaction algorithm to canonical
// event JSON, returning the canonical redacted form. Redaction is what
// the reference hash — and so the event ID — is computed over, which
// makes it load-bearing for identity, not just for moderation.
func Redact(canonical []byte) ([]byte, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(canonical, &object); err != nil {
		return nil, fmt.Errorf("decoding event for redaction: %w", err)
	}

	for key := range object {
		if _, keep := protectedKeys[key]; !keep {
			delete(object, key)
		}
	}

	var eventType string
	if rawType, ok := object["type"]; ok {
		if err := json.Unmarshal(rawType, &eventType); err != nil {
			return nil, fmt.Errorf("decoding event type for redaction: %w", err)
		}
	}

	if rawContent, ok := object["content"]; ok && eventType != TypeCreate {
		var content map[string]json.RawMessage
		if err := json.Unmarshal(rawContent, &content); err != nil {
			return nil, fmt.Errorf("decoding event content for redaction: %w", err)
		}

		kept := make(map[string]json.RawMessage)
		for _, key := range protectedContentKeys[eventType] {
			if value, ok := content[key]; ok {
				kept[key] = value
			}
		}

		encoded, err := json.Marshal(kept)
		if err != nil {
			return nil, fmt.Errorf("re-encoding redacted content: %w", err)
		}
		object["content"] = encoded
	}

	redacted, err := canonicaljson.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("re-encoding redacted event: %w", err)
	}
	return redacted, nil
}
