// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package room holds the per-room state cache: the one mutable,
// in-place-recomputed structure in the engine. Everything else
// (events, state snapshots in storage) is append-only.
//
// Writes go through the admission pipeline's per-room worker, so they
// are serialized by construction. Reads take an atomic snapshot and
// never block a writer.
package room

import (
	"sync"
	"sync/atomic"

	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/ref"
)

// Snapshot is an immutable view of a room at one point in its
// admission history. The maps and slices inside must not be modified;
// Cache hands the same snapshot to many readers.
type Snapshot struct {
	// State is the resolved current state across all forward
	// extremities.
	State event.StateMap

	// Extremities are the forward extremities the state was resolved
	// over, sorted by event ID.
	Extremities []ref.EventID

	// Version increments on every swap. Callers can compare versions
	// to detect that a room advanced between two reads.
	Version uint64
}

// Cache is one room's current snapshot holder.
type Cache struct {
	roomID  ref.RoomID
	current atomic.Pointer[Snapshot]
}

// NewCache starts a room at an empty snapshot (version zero, no
// state), the view before the create event is admitted.
func NewCache(roomID ref.RoomID) *Cache {
	c := &Cache{roomID: roomID}
	c.current.Store(&Snapshot{State: event.StateMap{}})
	return c
}

// RoomID returns the room this cache serves.
func (c *Cache) RoomID() ref.RoomID { return c.roomID }

// Snapshot returns the current view. The result is shared; treat it
// as read-only.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Swap installs a new resolved state and extremity set. Only the
// room's admission worker calls this; the version counter assumes one
// writer.
func (c *Cache) Swap(state event.StateMap, extremities []ref.EventID) *Snapshot {
	next := &Snapshot{
		State:       state,
		Extremities: extremities,
		Version:     c.current.Load().Version + 1,
	}
	c.current.Store(next)
	return next
}

// Registry is the set of rooms this server knows. Rooms are created
// on first touch and never removed; a dead room costs one cache entry.
type Registry struct {
	mu    sync.Mutex
	rooms map[ref.RoomID]*Cache
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[ref.RoomID]*Cache)}
}

// Get returns the room's cache, creating it on first use.
func (r *Registry) Get(roomID ref.RoomID) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	cache, ok := r.rooms[roomID]
	if !ok {
		cache = NewCache(roomID)
		r.rooms[roomID] = cache
	}
	return cache
}

// Lookup returns the room's cache without creating it.
func (r *Registry) Lookup(roomID ref.RoomID) (*Cache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cache, ok := r.rooms[roomID]
	return cache, ok
}

// Rooms returns the IDs of all known rooms.
func (r *Registry) Rooms() []ref.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ref.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}
