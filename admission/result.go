// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"fmt"

	"github.com/hankbao/conduit/lib/ref"
)

// Status is the outcome class of an admission attempt.
type Status int

const (
	// Accepted means the event is durably stored and reflected in the
	// room's state. Re-admitting an already stored event also reports
	// Accepted.
	Accepted Status = iota

	// Rejected means the event will never be admitted as offered.
	// Auth-rejected events are still stored for audit; malformed or
	// badly signed events are not stored at all.
	Rejected

	// Pending means required ancestors are missing and backfill has
	// not yet produced them. The event is parked and retried; it may
	// be re-offered at any time.
	Pending
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Pending:
		return "pending"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is the verdict on one admission attempt.
type Result struct {
	Status  Status
	EventID ref.EventID

	// Reason describes a rejection.
	Reason string

	// Retryable marks rejections caused by transient conditions (the
	// origin's verify key being unfetchable); the same bytes may
	// verify later.
	Retryable bool

	// Missing lists the unknown ancestors of a pending event.
	Missing []ref.EventID
}

// MalformedEventError is a permanent rejection of the raw bytes:
// unparseable JSON, schema violations, or a content hash mismatch.
// The same input can never become admissible.
type MalformedEventError struct {
	Err error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %v", e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// UnresolvableGapError reports ancestors that backfill could not
// obtain. The room stays at its last resolved state and retries; the
// gap is not fatal to the room or the server.
type UnresolvableGapError struct {
	Room    ref.RoomID
	Missing []ref.EventID
}

func (e *UnresolvableGapError) Error() string {
	return fmt.Sprintf("room %s: %d ancestors unobtainable", e.Room, len(e.Missing))
}
