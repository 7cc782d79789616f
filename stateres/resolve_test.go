// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/hankbao/conduit/auth"
	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/ref"
)

const (
	testRoom = "!room:example.org"
	alice    = "@alice:example.org"
	bob      = "@bob:example.org"
)

// memSource is an in-memory EventSource shared by all branches of a
// test room.
type memSource map[ref.EventID]*event.Event

func (m memSource) Get(_ context.Context, id ref.EventID) (*event.Event, error) {
	ev, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("event %s not in test source", id)
	}
	return ev, nil
}

// branch builds a linear chain of events on top of shared history.
// fork clones the branch state so two copies can diverge while
// writing into the same source.
type branch struct {
	t      *testing.T
	source memSource
	state  event.StateMap
	parent ref.EventID
	depth  int64
}

func newBranch(t *testing.T) *branch {
	return &branch{t: t, source: memSource{}, state: event.StateMap{}}
}

func (b *branch) fork() *branch {
	return &branch{
		t:      b.t,
		source: b.source,
		state:  b.state.Clone(),
		parent: b.parent,
		depth:  b.depth,
	}
}

// add builds, auth-selects, and records an event on this branch. The
// auth events are chosen from the branch's current state the same way
// a live server would choose them.
func (b *branch) add(sender, eventType string, stateKey *string, content string) *event.Event {
	b.t.Helper()
	b.depth++
	pdu := event.PDU{
		RoomID:         ref.MustParseRoomID(testRoom),
		Type:           eventType,
		StateKey:       stateKey,
		Sender:         ref.MustParseUserID(sender),
		OriginServerTS: 1700000000000 + b.depth,
		Content:        json.RawMessage(content),
		Depth:          b.depth,
	}
	if !b.parent.IsZero() {
		pdu.PrevEvents = []ref.EventID{b.parent}
	}
	for _, tuple := range auth.Selection(&pdu) {
		if id, ok := b.state[tuple]; ok {
			pdu.AuthEvents = append(pdu.AuthEvents, id)
		}
	}
	finalized, err := event.Finalize(pdu)
	if err != nil {
		b.t.Fatalf("finalizing %s: %v", eventType, err)
	}
	ev, err := event.Parse(finalized)
	if err != nil {
		b.t.Fatalf("parsing %s: %v", eventType, err)
	}
	b.source[ev.ID] = ev
	if tuple, ok := ev.StateTuple(); ok {
		b.state[tuple] = ev.ID
	}
	b.parent = ev.ID
	return ev
}

func stateKey(s string) *string { return &s }

// setupRoom builds shared history: create, creator join, power levels
// (alice 100, bob 50), public join rules, bob joined.
func setupRoom(t *testing.T) *branch {
	t.Helper()
	b := newBranch(t)
	b.add(alice, event.TypeCreate, stateKey(""), `{"room_version":"11"}`)
	b.add(alice, event.TypeMember, stateKey(alice), `{"membership":"join"}`)
	b.add(alice, event.TypePowerLevels, stateKey(""),
		fmt.Sprintf(`{"users":{%q:100,%q:50},"state_default":50,"ban":50,"kick":50}`, alice, bob))
	b.add(alice, event.TypeJoinRules, stateKey(""), `{"join_rule":"public"}`)
	b.add(bob, event.TypeMember, stateKey(bob), `{"membership":"join"}`)
	return b
}

func resolve(t *testing.T, source memSource, sets ...event.StateMap) event.StateMap {
	t.Helper()
	resolved, err := Resolve(context.Background(), sets, source)
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	return resolved
}

func TestResolveTrivialCases(t *testing.T) {
	b := setupRoom(t)

	empty := resolve(t, b.source)
	if len(empty) != 0 {
		t.Errorf("resolving no sets = %v, want empty", empty)
	}

	single := resolve(t, b.source, b.state)
	if !single.Equal(b.state) {
		t.Errorf("resolving one set changed it:\n got %v\nwant %v", single, b.state)
	}

	identical := resolve(t, b.source, b.state, b.state.Clone())
	if !identical.Equal(b.state) {
		t.Errorf("resolving identical sets changed them:\n got %v\nwant %v", identical, b.state)
	}
}

func TestResolveUnconflictedPreserved(t *testing.T) {
	shared := setupRoom(t)
	left := shared.fork()
	right := shared.fork()

	left.add(alice, event.TypeName, stateKey(""), `{"name":"left"}`)
	right.add(bob, event.TypeName, stateKey(""), `{"name":"right"}`)

	resolved := resolve(t, shared.source, left.state, right.state)

	// Everything the branches agree on survives untouched.
	for _, tuple := range []event.StateKeyTuple{
		event.CreateTuple,
		event.PowerLevelsTuple,
		event.JoinRulesTuple,
		event.MemberTuple(ref.MustParseUserID(alice)),
		event.MemberTuple(ref.MustParseUserID(bob)),
	} {
		if resolved[tuple] != shared.state[tuple] {
			t.Errorf("unconflicted %v changed: got %s, want %s", tuple, resolved[tuple], shared.state[tuple])
		}
	}
	// The name conflict has exactly one winner.
	nameTuple := event.StateKeyTuple{Type: event.TypeName, StateKey: ""}
	winner := resolved[nameTuple]
	if winner != left.state[nameTuple] && winner != right.state[nameTuple] {
		t.Errorf("name winner %s is neither branch's event", winner)
	}
}

// TestResolvePermutationDeterminism is the core property: the result
// must not depend on the order branch states are supplied.
func TestResolvePermutationDeterminism(t *testing.T) {
	shared := setupRoom(t)
	left := shared.fork()
	right := shared.fork()

	// A conflict mixing control and ordinary events.
	left.add(alice, event.TypePowerLevels, stateKey(""),
		fmt.Sprintf(`{"users":{%q:100,%q:0},"state_default":50,"ban":50,"kick":50}`, alice, bob))
	left.add(alice, event.TypeName, stateKey(""), `{"name":"settled"}`)
	right.add(bob, event.TypeName, stateKey(""), `{"name":"contested"}`)
	right.add(bob, event.TypeTopic, stateKey(""), `{"topic":"side topic"}`)

	forward := resolve(t, shared.source, left.state, right.state)
	backward := resolve(t, shared.source, right.state, left.state)
	if !forward.Equal(backward) {
		t.Fatalf("resolution depends on input order:\n forward %v\nbackward %v", forward, backward)
	}

	// Re-running over the resolved result is a fixed point.
	again := resolve(t, shared.source, forward, backward)
	if !again.Equal(forward) {
		t.Errorf("resolution is not idempotent:\n first %v\n again %v", forward, again)
	}
}

// TestResolvePowerConflict pits two competing power_levels events
// against each other. The higher-authority sender resolves first and
// the demoted sender's version no longer authorizes against it.
func TestResolvePowerConflict(t *testing.T) {
	shared := setupRoom(t)
	left := shared.fork()
	right := shared.fork()

	alicePL := left.add(alice, event.TypePowerLevels, stateKey(""),
		fmt.Sprintf(`{"users":{%q:100,%q:0},"state_default":50,"ban":50,"kick":50}`, alice, bob))
	right.add(bob, event.TypePowerLevels, stateKey(""),
		fmt.Sprintf(`{"users":{%q:100,%q:50},"state_default":0,"ban":50,"kick":50}`, alice, bob))

	resolved := resolve(t, shared.source, left.state, right.state)
	if resolved[event.PowerLevelsTuple] != alicePL.ID {
		t.Errorf("power conflict winner = %s, want alice's %s",
			resolved[event.PowerLevelsTuple], alicePL.ID)
	}
}

// TestResolveBanExcludesVictim verifies iterative auth checks: once
// the ban resolves into the partial state, the banned user's
// conflicting state event fails authorization and is excluded.
func TestResolveBanExcludesVictim(t *testing.T) {
	shared := setupRoom(t)
	left := shared.fork()
	right := shared.fork()

	aliceName := left.add(alice, event.TypeName, stateKey(""), `{"name":"by alice"}`)
	left.add(alice, event.TypeMember, stateKey(bob), `{"membership":"ban"}`)
	right.add(bob, event.TypeName, stateKey(""), `{"name":"by bob"}`)

	resolved := resolve(t, shared.source, left.state, right.state)

	banTuple := event.MemberTuple(ref.MustParseUserID(bob))
	if resolved[banTuple] != left.state[banTuple] {
		t.Fatalf("ban did not resolve: membership = %s", resolved[banTuple])
	}
	nameTuple := event.StateKeyTuple{Type: event.TypeName, StateKey: ""}
	if resolved[nameTuple] != aliceName.ID {
		t.Errorf("name winner = %s, want alice's %s (bob is banned)", resolved[nameTuple], aliceName.ID)
	}
}

// TestResolveInputsNotMutated guards the purity contract.
func TestResolveInputsNotMutated(t *testing.T) {
	shared := setupRoom(t)
	left := shared.fork()
	right := shared.fork()
	left.add(alice, event.TypeName, stateKey(""), `{"name":"left"}`)
	right.add(bob, event.TypeName, stateKey(""), `{"name":"right"}`)

	leftCopy := left.state.Clone()
	rightCopy := right.state.Clone()
	resolve(t, shared.source, left.state, right.state)
	if !left.state.Equal(leftCopy) || !right.state.Equal(rightCopy) {
		t.Error("Resolve mutated an input state set")
	}
}
