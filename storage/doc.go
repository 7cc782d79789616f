// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides durable, append-only persistence for room
// events and their graph structure.
//
// The package is split along the boundary the engine consumes: [KV] is
// the minimal key-value contract (get, put, ordered scan, per-call
// atomicity — no transactions), with [SQLiteKV] as the production
// implementation; [EventStore] layers the event graph on top of any
// KV.
//
// Events are stored as the exact canonical JSON bytes that were
// verified, so a stored event re-hashes to its own ID. Large bodies
// are zstd-compressed behind a format tag. Metadata — rejection
// markers, per-room forward extremity sets, per-event resolved state
// snapshots — is stored as deterministic CBOR records (lib/codec).
//
// The store never reorders, garbage-collects, or mutates a stored
// event. Rejected events are stored too: they stay in the graph for
// audit and ancestry, only excluded from state computation. Depth is
// stored but advisory — nothing here depends on it beyond passing it
// through as a resolution tie-break hint.
//
// A multi-key update (event record plus extremity swap) is not atomic
// across keys. The write order is chosen so a crash leaves only a
// benign superset: an extremity set naming an event's parent as well
// as the event itself makes the next resolution consider a branch
// point that already converged, which resolves to the same state.
package storage
