// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"
	"fmt"

	"github.com/hankbao/conduit/lib/canonicaljson"
	"github.com/hankbao/conduit/lib/ref"
)

// Recognized event types. State events outside this set are carried
// and resolved but have no special authorization rules beyond the
// generic power level checks.
const (
	TypeCreate            = "m.room.create"
	TypeMember            = "m.room.member"
	TypePowerLevels       = "m.room.power_levels"
	TypeJoinRules         = "m.room.join_rules"
	TypeHistoryVisibility = "m.room.history_visibility"
	TypeRedaction         = "m.room.redaction"
	TypeMessage           = "m.room.message"
	TypeName              = "m.room.name"
	TypeTopic             = "m.room.topic"
)

// Wire size limits from the federation specification. Events breaching
// them are malformed, never retried.
const (
	// MaxEventBytes caps the canonical JSON size of a full event.
	MaxEventBytes = 65535

	// MaxPrevEvents and MaxAuthEvents cap the declared parent and auth
	// reference lists.
	MaxPrevEvents = 20
	MaxAuthEvents = 10
)

// Hashes is the content hash block of a PDU. Only sha256 is defined.
type Hashes struct {
	SHA256 string `json:"sha256"`
}

// PDU is the wire shape of a room event. Field set and encoding follow
// the federation specification for room version 11; interoperability
// requires this to match bit-for-bit, so do not add or rename fields.
type PDU struct {
	RoomID         ref.RoomID                   `json:"room_id"`
	Type           string                       `json:"type"`
	StateKey       *string                      `json:"state_key,omitempty"`
	Sender         ref.UserID                   `json:"sender"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	Content        json.RawMessage              `json:"content"`
	PrevEvents     []ref.EventID                `json:"prev_events"`
	AuthEvents     []ref.EventID                `json:"auth_events"`
	Depth          int64                        `json:"depth"`
	Hashes         Hashes                       `json:"hashes"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned       json.RawMessage              `json:"unsigned,omitempty"`
}

// Event is a parsed PDU with its derived identity and the canonical
// bytes it was parsed from. Events are immutable once constructed.
type Event struct {
	ID ref.EventID
	PDU

	raw []byte
}

// Parse canonicalizes and validates raw event JSON, verifies the
// declared content hash, and computes the event ID from the reference
// hash. Any failure is permanent for these bytes: the same input can
// never become valid later.
func Parse(raw []byte) (*Event, error) {
	canonical, err := canonicaljson.Canonical(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing event: %w", err)
	}
	if len(canonical) > MaxEventBytes {
		return nil, fmt.Errorf("event is %d bytes canonical, limit %d", len(canonical), MaxEventBytes)
	}

	var pdu PDU
	if err := json.Unmarshal(canonical, &pdu); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if err := validatePDU(&pdu); err != nil {
		return nil, err
	}

	computed, err := ContentHash(canonical)
	if err != nil {
		return nil, fmt.Errorf("computing content hash: %w", err)
	}
	if pdu.Hashes.SHA256 != encodeHash(computed) {
		// The protocol's redact-and-accept path for hash mismatches is
		// out of scope; a mismatch is a hard reject here.
		return nil, fmt.Errorf("content hash mismatch: declared %q", pdu.Hashes.SHA256)
	}

	id, err := EventIDOf(canonical)
	if err != nil {
		return nil, fmt.Errorf("computing event ID: %w", err)
	}

	return &Event{ID: id, PDU: pdu, raw: canonical}, nil
}

// Raw returns the canonical JSON the event was parsed from. Callers
// must not modify the returned slice.
func (e *Event) Raw() []byte { return e.raw }

// IsState reports whether the event carries a state_key.
func (e *Event) IsState() bool { return e.StateKey != nil }

// StateTuple returns the (type, state_key) pair for state events.
// The second return is false for message-like events.
func (e *Event) StateTuple() (StateKeyTuple, bool) {
	if e.StateKey == nil {
		return StateKeyTuple{}, false
	}
	return StateKeyTuple{Type: e.Type, StateKey: *e.StateKey}, true
}

// IsCreate reports whether this is the room creation event.
func (e *Event) IsCreate() bool {
	return e.Type == TypeCreate && e.StateKey != nil && *e.StateKey == ""
}

func validatePDU(pdu *PDU) error {
	if pdu.RoomID.IsZero() {
		return fmt.Errorf("event missing room_id")
	}
	if pdu.Sender.IsZero() {
		return fmt.Errorf("event missing sender")
	}
	if pdu.Type == "" {
		return fmt.Errorf("event missing type")
	}
	if len(pdu.Type) > 255 {
		return fmt.Errorf("event type exceeds 255 bytes")
	}
	if pdu.StateKey != nil && len(*pdu.StateKey) > 255 {
		return fmt.Errorf("state_key exceeds 255 bytes")
	}
	if pdu.Depth < 0 {
		return fmt.Errorf("negative depth %d", pdu.Depth)
	}
	if len(pdu.Content) == 0 {
		return fmt.Errorf("event missing content")
	}
	if len(pdu.PrevEvents) > MaxPrevEvents {
		return fmt.Errorf("%d prev_events exceeds limit %d", len(pdu.PrevEvents), MaxPrevEvents)
	}
	if len(pdu.AuthEvents) > MaxAuthEvents {
		return fmt.Errorf("%d auth_events exceeds limit %d", len(pdu.AuthEvents), MaxAuthEvents)
	}
	if pdu.Hashes.SHA256 == "" {
		return fmt.Errorf("event missing hashes.sha256")
	}

	// Self-referential parent or auth entries are the cheap way to
	// attempt a cycle; content addressing makes real cycles
	// unconstructible, but a malformed event can still claim one.
	for _, lists := range [][]ref.EventID{pdu.PrevEvents, pdu.AuthEvents} {
		seen := make(map[ref.EventID]struct{}, len(lists))
		for _, id := range lists {
			if id.IsZero() {
				return fmt.Errorf("empty event reference")
			}
			if _, dup := seen[id]; dup {
				return fmt.Errorf("duplicate event reference %s", id)
			}
			seen[id] = struct{}{}
		}
	}

	if pdu.Type == TypeCreate && pdu.StateKey != nil && *pdu.StateKey == "" {
		if len(pdu.PrevEvents) != 0 {
			return fmt.Errorf("create event declares %d prev_events, must be a root", len(pdu.PrevEvents))
		}
		if pdu.RoomID.ServerName() != pdu.Sender.ServerName() {
			return fmt.Errorf("create event room %s not on sender's server %s", pdu.RoomID, pdu.Sender.ServerName())
		}
	}
	return nil
}
