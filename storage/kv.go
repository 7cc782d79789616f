// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import "context"

// KV is the storage contract the engine consumes. Implementations must
// provide per-call atomicity and durability — a Put that returns nil
// has reached stable storage — but no multi-call transactions; callers
// structure their writes to tolerate partial sequences.
type KV interface {
	// Get returns the value for key, with ok=false for an absent key.
	Get(ctx context.Context, key []byte) (value []byte, ok bool, err error)

	// Put stores value under key, replacing any existing value. The
	// write is durable when Put returns.
	Put(ctx context.Context, key, value []byte) error

	// Scan visits every key with the given prefix in ascending key
	// order. Returning an error from fn stops the scan and surfaces
	// that error.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
}
