// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the persisted data unit (PDU) exchanged and
// stored by federating servers, and the derived identities that make
// events content-addressed.
//
// An event's identity is the hash of its canonical serialization:
// [Parse] computes the event ID from the reference hash (room version
// 4+ semantics), verifies the declared content hash, and rejects
// anything malformed before the rest of the engine sees it. Because
// identity is derived from content, a stored event can never be
// mutated without changing its ID, and parent references can never
// form a cycle — an event cannot name a child's hash before the child
// exists.
//
// The original canonical JSON bytes travel with the parsed form
// ([Event.Raw]): hashing and signature checks always operate on the
// bytes that crossed the wire, never on a re-serialization, so unknown
// fields added by newer servers survive verbatim.
//
// The package also defines the recognized state event content schemas
// (create, membership, power levels, join rules, history visibility) —
// a closed set dispatched by type string, with everything else treated
// as opaque message content. Power level values are parsed leniently
// (number or numeric string) because older servers emitted strings and
// rejecting their events would fork rooms.
package event
