// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"sort"

	"github.com/hankbao/conduit/lib/ref"
)

// StateKeyTuple identifies one piece of room state: at most one event
// holds each tuple in a resolved state set. This is the invariant state
// resolution exists to preserve.
type StateKeyTuple struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
}

// Well-known singleton state tuples (empty state key).
var (
	CreateTuple      = StateKeyTuple{Type: TypeCreate}
	PowerLevelsTuple = StateKeyTuple{Type: TypePowerLevels}
	JoinRulesTuple   = StateKeyTuple{Type: TypeJoinRules}
)

// MemberTuple returns the state tuple of a user's membership.
func MemberTuple(user ref.UserID) StateKeyTuple {
	return StateKeyTuple{Type: TypeMember, StateKey: user.String()}
}

// StateMap maps state tuples to the event currently defining them.
// Values are event IDs rather than events; callers fetch bodies from
// the store when they need content.
type StateMap map[StateKeyTuple]ref.EventID

// Clone returns a shallow copy. StateMaps handed out as snapshots are
// treated as immutable; mutation paths clone first.
func (m StateMap) Clone() StateMap {
	cloned := make(StateMap, len(m))
	for tuple, id := range m {
		cloned[tuple] = id
	}
	return cloned
}

// Equal reports whether two state maps assign the same event to every
// tuple.
func (m StateMap) Equal(other StateMap) bool {
	if len(m) != len(other) {
		return false
	}
	for tuple, id := range m {
		if other[tuple] != id {
			return false
		}
	}
	return true
}

// SortedTuples returns the map's keys in a deterministic order, for
// stable iteration in resolution and tests.
func (m StateMap) SortedTuples() []StateKeyTuple {
	tuples := make([]StateKeyTuple, 0, len(m))
	for tuple := range m {
		tuples = append(tuples, tuple)
	}
	sort.Slice(tuples, func(i, j int) bool {
		if tuples[i].Type != tuples[j].Type {
			return tuples[i].Type < tuples[j].Type
		}
		return tuples[i].StateKey < tuples[j].StateKey
	})
	return tuples
}
