// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"strings"

	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/ref"
)

// Error is an authorization rejection. Rule identifies which check
// failed, for audit records and tests; Reason carries the specifics.
type Error struct {
	Rule   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth rule %s: %s", e.Rule, e.Reason)
}

func reject(rule, format string, args ...any) *Error {
	return &Error{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Rule names used in rejections.
const (
	RuleCreate       = "create"
	RuleAuthEvents   = "auth_events"
	RuleFederate     = "federate"
	RuleMembership   = "membership"
	RuleSenderJoined = "sender_joined"
	RulePowerLevel   = "power_level"
	RuleStateKey     = "state_key"
	RulePowerChange  = "power_change"
)

// State is the auth state an event is evaluated against: the state
// events its declared auth_events resolve to, keyed by tuple.
type State map[event.StateKeyTuple]*event.Event

// StateFromEvents indexes state events by tuple. Duplicate tuples are
// an error; an auth chain naming two competing power_levels events is
// malformed.
func StateFromEvents(events []*event.Event) (State, error) {
	state := make(State, len(events))
	for _, ev := range events {
		tuple, ok := ev.StateTuple()
		if !ok {
			return nil, fmt.Errorf("event %s is not a state event", ev.ID)
		}
		if existing, dup := state[tuple]; dup {
			return nil, fmt.Errorf("events %s and %s both claim state %v", existing.ID, ev.ID, tuple)
		}
		state[tuple] = ev
	}
	return state, nil
}

// Selection returns the state tuples a locally built event must name
// in its auth_events: create, power levels, the sender's membership,
// and for membership changes also the join rules and the target's
// membership. Tuples absent from current state are simply not
// referenced (a creator's first join has only the create event).
func Selection(pdu *event.PDU) []event.StateKeyTuple {
	if pdu.Type == event.TypeCreate && pdu.StateKey != nil && *pdu.StateKey == "" {
		return nil
	}
	tuples := []event.StateKeyTuple{
		event.CreateTuple,
		event.PowerLevelsTuple,
		event.MemberTuple(pdu.Sender),
	}
	if pdu.Type == event.TypeMember && pdu.StateKey != nil {
		tuples = append(tuples, event.JoinRulesTuple)
		if *pdu.StateKey != pdu.Sender.String() {
			if target, err := ref.ParseUserID(*pdu.StateKey); err == nil {
				tuples = append(tuples, event.MemberTuple(target))
			}
		}
	}
	return tuples
}

// Authorize decides whether the event is permitted by the given auth
// state. Returns nil for ACCEPT or an *Error naming the failed rule.
func Authorize(ev *event.Event, state State) error {
	if ev.IsCreate() {
		return authorizeCreate(ev)
	}

	createEvent, ok := state[event.CreateTuple]
	if !ok {
		return reject(RuleAuthEvents, "event %s has no create event in its auth state", ev.ID)
	}
	create, err := event.ParseCreateContent(createEvent.Content)
	if err != nil {
		return reject(RuleAuthEvents, "%v", err)
	}
	if !create.Federation() && ev.Sender.ServerName() != createEvent.Sender.ServerName() {
		return reject(RuleFederate, "room does not federate and sender %s is not on %s",
			ev.Sender, createEvent.Sender.ServerName())
	}

	levels := powerLevelsFromState(state, createEvent.Sender)

	if ev.Type == event.TypeMember {
		return authorizeMember(ev, state, createEvent, levels)
	}

	if membershipOf(state, ev.Sender) != event.MembershipJoin {
		return reject(RuleSenderJoined, "sender %s is not joined", ev.Sender)
	}

	senderLevel := levels.UserLevel(ev.Sender)
	if required := levels.EventLevel(ev.Type, ev.IsState()); senderLevel < required {
		return reject(RulePowerLevel, "sender %s has level %d, %s requires %d",
			ev.Sender, senderLevel, ev.Type, required)
	}

	// A state key naming a user is owned by that user.
	if ev.StateKey != nil && strings.HasPrefix(*ev.StateKey, "@") && *ev.StateKey != ev.Sender.String() {
		return reject(RuleStateKey, "state_key %q does not match sender %s", *ev.StateKey, ev.Sender)
	}

	if ev.Type == event.TypePowerLevels {
		return authorizePowerChange(ev, state, senderLevel)
	}
	return nil
}

func authorizeCreate(ev *event.Event) error {
	if len(ev.PrevEvents) != 0 {
		return reject(RuleCreate, "create event %s has prev_events", ev.ID)
	}
	if len(ev.AuthEvents) != 0 {
		return reject(RuleCreate, "create event %s has auth_events", ev.ID)
	}
	if ev.RoomID.ServerName() != ev.Sender.ServerName() {
		return reject(RuleCreate, "room %s is not on creator's server %s", ev.RoomID, ev.Sender.ServerName())
	}
	if _, err := event.ParseCreateContent(ev.Content); err != nil {
		return reject(RuleCreate, "%v", err)
	}
	return nil
}

// powerLevelsFromState returns the room's power levels, or the
// creator defaults when no power_levels event exists yet. Unparseable
// content also falls back to defaults; the power_levels event itself
// was authorized when admitted, so this only guards against
// non-integer garbage.
func powerLevelsFromState(state State, creator ref.UserID) event.PowerLevels {
	plEvent, ok := state[event.PowerLevelsTuple]
	if !ok {
		return event.DefaultPowerLevels(creator)
	}
	levels, err := event.ParsePowerLevels(plEvent.Content)
	if err != nil {
		return event.DefaultPowerLevels(creator)
	}
	return levels
}

// membershipOf returns the user's membership in the auth state, or
// leave if no membership event is present.
func membershipOf(state State, user ref.UserID) string {
	memberEvent, ok := state[event.MemberTuple(user)]
	if !ok {
		return event.MembershipLeave
	}
	content, err := event.ParseMemberContent(memberEvent.Content)
	if err != nil {
		return event.MembershipLeave
	}
	return content.Membership
}
