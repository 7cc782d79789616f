// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"testing"

	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/ref"
)

func TestCacheSwap(t *testing.T) {
	cache := NewCache(ref.MustParseRoomID("!room:example.org"))

	initial := cache.Snapshot()
	if initial.Version != 0 || len(initial.State) != 0 {
		t.Fatalf("fresh cache snapshot = %+v, want empty version 0", initial)
	}

	createID := ref.MustParseEventID("$create")
	state := event.StateMap{event.CreateTuple: createID}
	swapped := cache.Swap(state, []ref.EventID{createID})
	if swapped.Version != 1 {
		t.Errorf("first swap version = %d, want 1", swapped.Version)
	}

	// The old snapshot is unaffected; readers holding it see the
	// pre-swap view.
	if len(initial.State) != 0 {
		t.Error("swap mutated a previously returned snapshot")
	}
	if got := cache.Snapshot(); got.State[event.CreateTuple] != createID {
		t.Errorf("snapshot state = %v, want create event", got.State)
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	roomA := ref.MustParseRoomID("!a:example.org")
	roomB := ref.MustParseRoomID("!b:example.org")

	if _, ok := registry.Lookup(roomA); ok {
		t.Fatal("Lookup created a room")
	}

	cacheA := registry.Get(roomA)
	if again := registry.Get(roomA); again != cacheA {
		t.Error("Get returned a different cache for the same room")
	}
	registry.Get(roomB)

	if got := len(registry.Rooms()); got != 2 {
		t.Errorf("registry has %d rooms, want 2", got)
	}
	if cacheA.RoomID() != roomA {
		t.Errorf("cache room = %s, want %s", cacheA.RoomID(), roomA)
	}
}
