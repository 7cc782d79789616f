// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"context"
	"fmt"

	"github.com/hankbao/conduit/auth"
	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/ref"
)

// EventSource loads stored events during resolution. storage.EventStore
// satisfies it.
type EventSource interface {
	Get(ctx context.Context, id ref.EventID) (*event.Event, error)
}

// Resolve merges one state set per diverged branch into a single state.
// With zero or one input sets there is nothing to merge. The result is
// a fresh map; inputs are never mutated.
func Resolve(ctx context.Context, sets []event.StateMap, source EventSource) (event.StateMap, error) {
	switch len(sets) {
	case 0:
		return event.StateMap{}, nil
	case 1:
		return sets[0].Clone(), nil
	}

	unconflicted, conflicted := partition(sets)
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	r := &resolver{ctx: ctx, source: source, cache: make(map[ref.EventID]*event.Event)}

	authDiff, err := r.authDifference(sets)
	if err != nil {
		return nil, err
	}

	// The full conflicted set: every disputed state event plus the auth
	// difference. Events here are candidates; events outside are fixed.
	fullConflicted := make(map[ref.EventID]bool)
	for _, ids := range conflicted {
		for _, id := range ids {
			fullConflicted[id] = true
		}
	}
	for id := range authDiff {
		fullConflicted[id] = true
	}

	control, others, err := r.splitControl(fullConflicted)
	if err != nil {
		return nil, err
	}

	sortedControl, err := r.reverseTopologicalPowerOrder(control)
	if err != nil {
		return nil, err
	}

	partial := unconflicted.Clone()
	if err := r.applyIteratively(sortedControl, partial); err != nil {
		return nil, err
	}

	sortedOthers, err := r.mainlineOrder(others, partial)
	if err != nil {
		return nil, err
	}
	if err := r.applyIteratively(sortedOthers, partial); err != nil {
		return nil, err
	}

	// Unconflicted state wins over anything resolution picked: keys
	// every branch already agreed on are not up for debate.
	for tuple, id := range unconflicted {
		partial[tuple] = id
	}
	return partial, nil
}

// partition splits state keys into unconflicted (present in every set
// with the same event) and conflicted (any disagreement or absence).
// Conflicted values are the union of events claiming the key.
func partition(sets []event.StateMap) (event.StateMap, map[event.StateKeyTuple][]ref.EventID) {
	unconflicted := event.StateMap{}
	conflicted := make(map[event.StateKeyTuple][]ref.EventID)

	tuples := make(map[event.StateKeyTuple]bool)
	for _, set := range sets {
		for tuple := range set {
			tuples[tuple] = true
		}
	}

	for tuple := range tuples {
		first, agreed := sets[0][tuple]
		ok := agreed
		for _, set := range sets[1:] {
			id, present := set[tuple]
			if !present || id != first {
				ok = false
				break
			}
		}
		if ok {
			unconflicted[tuple] = first
			continue
		}
		seen := make(map[ref.EventID]bool)
		for _, set := range sets {
			if id, present := set[tuple]; present && !seen[id] {
				seen[id] = true
				conflicted[tuple] = append(conflicted[tuple], id)
			}
		}
	}
	return unconflicted, conflicted
}

type resolver struct {
	ctx    context.Context
	source EventSource
	cache  map[ref.EventID]*event.Event
}

func (r *resolver) get(id ref.EventID) (*event.Event, error) {
	if ev, ok := r.cache[id]; ok {
		return ev, nil
	}
	ev, err := r.source.Get(r.ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolution needs event %s: %w", id, err)
	}
	r.cache[id] = ev
	return ev, nil
}

// authChainOf computes the transitive auth closure of a state set's
// events, including the events themselves.
func (r *resolver) authChainOf(set event.StateMap) (map[ref.EventID]bool, error) {
	chain := make(map[ref.EventID]bool)
	var queue []ref.EventID
	for _, id := range set {
		if !chain[id] {
			chain[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		ev, err := r.get(id)
		if err != nil {
			return nil, err
		}
		for _, authID := range ev.AuthEvents {
			if !chain[authID] {
				chain[authID] = true
				queue = append(queue, authID)
			}
		}
	}
	return chain, nil
}

// authDifference returns the events in the union of the sets' auth
// chains but not in their intersection. These are the authorization
// ancestors the branches disagree about.
func (r *resolver) authDifference(sets []event.StateMap) (map[ref.EventID]bool, error) {
	chains := make([]map[ref.EventID]bool, len(sets))
	for i, set := range sets {
		chain, err := r.authChainOf(set)
		if err != nil {
			return nil, err
		}
		chains[i] = chain
	}

	diff := make(map[ref.EventID]bool)
	for _, chain := range chains {
		for id := range chain {
			if diff[id] {
				continue
			}
			inAll := true
			for _, other := range chains {
				if !other[id] {
					inAll = false
					break
				}
			}
			if !inAll {
				diff[id] = true
			}
		}
	}
	return diff, nil
}

// splitControl partitions the full conflicted set into control events
// (plus their auth ancestors within the set) and the rest. Control
// events are the ones that change who may do what; they must be
// resolved first so the remaining events are judged under the winning
// authority.
func (r *resolver) splitControl(fullConflicted map[ref.EventID]bool) (control, others []*event.Event, err error) {
	controlIDs := make(map[ref.EventID]bool)
	var queue []ref.EventID
	for id := range fullConflicted {
		ev, err := r.get(id)
		if err != nil {
			return nil, nil, err
		}
		if isControlEvent(ev) {
			controlIDs[id] = true
			queue = append(queue, id)
		}
	}
	// Auth ancestors of control events that are themselves in dispute
	// resolve alongside them.
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		ev, err := r.get(id)
		if err != nil {
			return nil, nil, err
		}
		for _, authID := range ev.AuthEvents {
			if fullConflicted[authID] && !controlIDs[authID] {
				controlIDs[authID] = true
				queue = append(queue, authID)
			}
		}
	}

	for id := range fullConflicted {
		ev, err := r.get(id)
		if err != nil {
			return nil, nil, err
		}
		if controlIDs[id] {
			control = append(control, ev)
		} else {
			others = append(others, ev)
		}
	}
	return control, others, nil
}

// isControlEvent reports whether the event affects authorization:
// power levels, join rules, or a membership change done to someone
// else (kicks and bans).
func isControlEvent(ev *event.Event) bool {
	if !ev.IsState() {
		return false
	}
	switch ev.Type {
	case event.TypePowerLevels, event.TypeJoinRules:
		return *ev.StateKey == ""
	case event.TypeMember:
		if *ev.StateKey == ev.Sender.String() {
			return false
		}
		content, err := event.ParseMemberContent(ev.Content)
		if err != nil {
			return false
		}
		return content.Membership == event.MembershipLeave || content.Membership == event.MembershipBan
	}
	return false
}

// applyIteratively authorizes each event in order against the partial
// state and applies the ones that pass. Rejections here are silent:
// the event simply does not become part of the resolved state.
func (r *resolver) applyIteratively(ordered []*event.Event, partial event.StateMap) error {
	for _, ev := range ordered {
		tuple, ok := ev.StateTuple()
		if !ok {
			continue
		}
		authState, err := r.authStateFor(ev, partial)
		if err != nil {
			return err
		}
		if auth.Authorize(ev, authState) == nil {
			partial[tuple] = ev.ID
		}
	}
	return nil
}

// authStateFor builds the auth state for one iterative check: the
// event's own declared auth events, overridden for the relevant
// tuples by whatever the partial resolution has already picked.
func (r *resolver) authStateFor(ev *event.Event, partial event.StateMap) (auth.State, error) {
	state := auth.State{}
	for _, authID := range ev.AuthEvents {
		authEvent, err := r.get(authID)
		if err != nil {
			return nil, err
		}
		if tuple, ok := authEvent.StateTuple(); ok {
			state[tuple] = authEvent
		}
	}
	for _, tuple := range auth.Selection(&ev.PDU) {
		if id, ok := partial[tuple]; ok {
			resolved, err := r.get(id)
			if err != nil {
				return nil, err
			}
			state[tuple] = resolved
		}
	}
	return state, nil
}
