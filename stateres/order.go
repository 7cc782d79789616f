// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"sort"

	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/ref"
)

// reverseTopologicalPowerOrder sorts control events so that auth
// ancestors precede their descendants, picking among ready events by
// sender power descending, then depth ascending, then event ID. The
// tie chain ends in the event ID, a total order, so the output never
// depends on input order.
func (r *resolver) reverseTopologicalPowerOrder(events []*event.Event) ([]*event.Event, error) {
	inSet := make(map[ref.EventID]*event.Event, len(events))
	for _, ev := range events {
		inSet[ev.ID] = ev
	}

	// Edges run auth ancestor to descendant, restricted to the set.
	indegree := make(map[ref.EventID]int, len(events))
	children := make(map[ref.EventID][]ref.EventID)
	for _, ev := range events {
		if _, ok := indegree[ev.ID]; !ok {
			indegree[ev.ID] = 0
		}
		for _, authID := range ev.AuthEvents {
			if _, ok := inSet[authID]; ok {
				children[authID] = append(children[authID], ev.ID)
				indegree[ev.ID]++
			}
		}
	}

	power := make(map[ref.EventID]int64, len(events))
	for _, ev := range events {
		level, err := r.senderPowerAt(ev)
		if err != nil {
			return nil, err
		}
		power[ev.ID] = level
	}

	before := func(a, b ref.EventID) bool {
		if power[a] != power[b] {
			return power[a] > power[b]
		}
		evA, evB := inSet[a], inSet[b]
		if evA.Depth != evB.Depth {
			return evA.Depth < evB.Depth
		}
		return a.String() < b.String()
	}

	var ready []ref.EventID
	for id, degree := range indegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}

	ordered := make([]*event.Event, 0, len(events))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return before(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, inSet[next])
		for _, child := range children[next] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	// Cycles are unconstructible under content addressing; a shortfall
	// here means corrupted storage. Keep the leftovers in the total
	// order rather than dropping them.
	if len(ordered) != len(events) {
		placed := make(map[ref.EventID]bool, len(ordered))
		for _, ev := range ordered {
			placed[ev.ID] = true
		}
		var leftover []*event.Event
		for _, ev := range events {
			if !placed[ev.ID] {
				leftover = append(leftover, ev)
			}
		}
		sort.Slice(leftover, func(i, j int) bool { return before(leftover[i].ID, leftover[j].ID) })
		ordered = append(ordered, leftover...)
	}
	return ordered, nil
}

// senderPowerAt returns the sender's power level at the point the
// event was authorized: the power_levels event in its own auth chain,
// or the creator defaults when none exists yet.
func (r *resolver) senderPowerAt(ev *event.Event) (int64, error) {
	var creator ref.UserID
	for _, authID := range ev.AuthEvents {
		authEvent, err := r.get(authID)
		if err != nil {
			return 0, err
		}
		if authEvent.IsCreate() {
			creator = authEvent.Sender
		}
		if authEvent.Type == event.TypePowerLevels && authEvent.IsState() {
			levels, err := event.ParsePowerLevels(authEvent.Content)
			if err != nil {
				break
			}
			return levels.UserLevel(ev.Sender), nil
		}
	}
	if ev.IsCreate() {
		return event.DefaultPowerLevels(ev.Sender).UserLevel(ev.Sender), nil
	}
	if !creator.IsZero() {
		return event.DefaultPowerLevels(creator).UserLevel(ev.Sender), nil
	}
	return 0, nil
}

// mainlineOrder sorts the non-control events by their position along
// the resolved power_levels mainline, oldest authority first, with
// depth and event ID breaking ties.
func (r *resolver) mainlineOrder(events []*event.Event, partial event.StateMap) ([]*event.Event, error) {
	positions := make(map[ref.EventID]int, len(events))

	mainlineIndex := make(map[ref.EventID]int)
	if plID, ok := partial[event.PowerLevelsTuple]; ok {
		line, err := r.mainline(plID)
		if err != nil {
			return nil, err
		}
		// line[0] is the resolved power_levels event, the newest link;
		// invert so larger positions mean newer authority.
		for i, id := range line {
			mainlineIndex[id] = len(line) - i
		}
	}

	for _, ev := range events {
		pos, err := r.mainlinePosition(ev, mainlineIndex)
		if err != nil {
			return nil, err
		}
		positions[ev.ID] = pos
	}

	ordered := make([]*event.Event, len(events))
	copy(ordered, events)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if positions[a.ID] != positions[b.ID] {
			return positions[a.ID] < positions[b.ID]
		}
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		return a.ID.String() < b.ID.String()
	})
	return ordered, nil
}

// mainline walks the chain of power_levels events backwards from the
// resolved one: each link is the power_levels event in the previous
// link's auth events.
func (r *resolver) mainline(plID ref.EventID) ([]ref.EventID, error) {
	var line []ref.EventID
	seen := make(map[ref.EventID]bool)
	for id := plID; !id.IsZero() && !seen[id]; {
		seen[id] = true
		line = append(line, id)
		ev, err := r.get(id)
		if err != nil {
			return nil, err
		}
		id = ref.EventID{}
		for _, authID := range ev.AuthEvents {
			authEvent, err := r.get(authID)
			if err != nil {
				return nil, err
			}
			if authEvent.Type == event.TypePowerLevels && authEvent.IsState() {
				id = authID
				break
			}
		}
	}
	return line, nil
}

// mainlinePosition finds the closest mainline ancestor of an event by
// following power_levels links through its auth chain. Events with no
// mainline ancestor sort first (position zero, oldest authority).
func (r *resolver) mainlinePosition(ev *event.Event, mainlineIndex map[ref.EventID]int) (int, error) {
	current := ev
	seen := make(map[ref.EventID]bool)
	for current != nil && !seen[current.ID] {
		seen[current.ID] = true
		if pos, ok := mainlineIndex[current.ID]; ok {
			return pos, nil
		}
		var next *event.Event
		for _, authID := range current.AuthEvents {
			authEvent, err := r.get(authID)
			if err != nil {
				return 0, err
			}
			if authEvent.Type == event.TypePowerLevels && authEvent.IsState() {
				next = authEvent
				break
			}
		}
		current = next
	}
	return 0, nil
}
