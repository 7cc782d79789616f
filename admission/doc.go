// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package admission drives events through validation and into room
// state. Every event, local or remote, takes the same path: signature
// verification, parent resolution (with backfill for unknown
// ancestors), authorization against its declared auth events, durable
// storage, and finally the room's state update.
//
// Concurrency follows one discipline: a single worker goroutine per
// room. All admission for a room runs on its worker, so state updates
// never interleave within a room while unrelated rooms proceed fully
// in parallel, and no cross-room locks exist anywhere. Callers
// submit work and wait for the worker's verdict.
//
// Failure handling is split by permanence. Malformed events and bad
// signatures are final for those bytes. A signature that could not be
// checked because the origin's key was unfetchable is retryable: the
// same event may be offered again. Unknown ancestors trigger backfill;
// if they stay unobtainable the event parks as pending and the room
// keeps serving its last resolved state, retrying on a timer, while
// every other room is unaffected.
package admission
