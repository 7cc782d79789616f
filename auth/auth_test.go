// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/ref"
)

const (
	testRoom = "!room:example.org"
	alice    = "@alice:example.org"
	bob      = "@bob:example.org"
	carol    = "@carol:remote.example"
)

// builder accumulates room state event by event. add persists an
// event into the state; candidate builds an event against the current
// state without persisting it, for events expected to be rejected.
type builder struct {
	t       *testing.T
	depth   int64
	state   State
	parents []ref.EventID
}

func newBuilder(t *testing.T) *builder {
	return &builder{t: t, state: State{}}
}

func (b *builder) candidate(sender, eventType string, stateKey *string, content string) *event.Event {
	b.t.Helper()
	b.depth++
	pdu := event.PDU{
		RoomID:         ref.MustParseRoomID(testRoom),
		Type:           eventType,
		StateKey:       stateKey,
		Sender:         ref.MustParseUserID(sender),
		OriginServerTS: 1700000000000 + b.depth,
		Content:        json.RawMessage(content),
		PrevEvents:     b.parents,
		Depth:          b.depth,
	}
	finalized, err := event.Finalize(pdu)
	if err != nil {
		b.t.Fatalf("finalizing %s: %v", eventType, err)
	}
	ev, err := event.Parse(finalized)
	if err != nil {
		b.t.Fatalf("parsing %s: %v", eventType, err)
	}
	return ev
}

func (b *builder) add(sender, eventType string, stateKey *string, content string) *event.Event {
	b.t.Helper()
	ev := b.candidate(sender, eventType, stateKey, content)
	if tuple, ok := ev.StateTuple(); ok {
		b.state[tuple] = ev
	}
	b.parents = []ref.EventID{ev.ID}
	return ev
}

func stateKey(s string) *string { return &s }

// setup creates a room with alice as creator, joined at level 100.
func setup(t *testing.T) *builder {
	t.Helper()
	b := newBuilder(t)
	create := b.add(alice, event.TypeCreate, stateKey(""), `{"room_version":"11"}`)
	if err := Authorize(create, nil); err != nil {
		t.Fatalf("create event rejected: %v", err)
	}
	join := b.candidate(alice, event.TypeMember, stateKey(alice), `{"membership":"join"}`)
	if err := Authorize(join, b.state); err != nil {
		t.Fatalf("creator join rejected: %v", err)
	}
	b.state[event.MemberTuple(ref.MustParseUserID(alice))] = join
	b.parents = []ref.EventID{join.ID}
	return b
}

func wantRule(t *testing.T, err error, rule string) {
	t.Helper()
	var authErr *Error
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, want *Error with rule %s", err, rule)
	}
	if authErr.Rule != rule {
		t.Fatalf("got rule %s (%s), want %s", authErr.Rule, authErr.Reason, rule)
	}
}

func TestCreateWithAuthEvents(t *testing.T) {
	b := newBuilder(t)
	create := b.candidate(alice, event.TypeCreate, stateKey(""), `{"room_version":"11"}`)
	// Parse forbids creates with parents, so graft the auth reference
	// on after parsing to exercise the evaluator's own check.
	create.AuthEvents = []ref.EventID{ref.MustParseEventID("$x")}
	wantRule(t, Authorize(create, nil), RuleCreate)
}

func TestCreateOnForeignServer(t *testing.T) {
	b := newBuilder(t)
	create := b.candidate(alice, event.TypeCreate, stateKey(""), `{"room_version":"11"}`)
	create.RoomID = ref.MustParseRoomID("!room:elsewhere.example")
	wantRule(t, Authorize(create, nil), RuleCreate)
}

func TestMessageRequiresJoinedSender(t *testing.T) {
	b := setup(t)

	msg := b.candidate(alice, event.TypeMessage, nil, `{"body":"hi","msgtype":"m.text"}`)
	if err := Authorize(msg, b.state); err != nil {
		t.Fatalf("joined sender's message rejected: %v", err)
	}

	outsider := b.candidate(bob, event.TypeMessage, nil, `{"body":"hi","msgtype":"m.text"}`)
	wantRule(t, Authorize(outsider, b.state), RuleSenderJoined)
}

func TestMissingCreateEvent(t *testing.T) {
	b := setup(t)
	msg := b.candidate(alice, event.TypeMessage, nil, `{"body":"hi","msgtype":"m.text"}`)
	state := State{}
	for tuple, ev := range b.state {
		state[tuple] = ev
	}
	delete(state, event.CreateTuple)
	wantRule(t, Authorize(msg, state), RuleAuthEvents)
}

func TestNonFederatingRoom(t *testing.T) {
	b := newBuilder(t)
	b.add(alice, event.TypeCreate, stateKey(""), `{"room_version":"11","m.federate":false}`)
	b.add(alice, event.TypeMember, stateKey(alice), `{"membership":"join"}`)
	b.add(alice, event.TypeJoinRules, stateKey(""), `{"join_rule":"public"}`)

	remote := b.candidate(carol, event.TypeMember, stateKey(carol), `{"membership":"join"}`)
	wantRule(t, Authorize(remote, b.state), RuleFederate)
}

func TestJoinRules(t *testing.T) {
	tests := []struct {
		name     string
		joinRule string
		prepare  func(b *builder)
		content  string
		wantRule string
	}{
		{
			name:     "public room open join",
			joinRule: `{"join_rule":"public"}`,
		},
		{
			name:     "invite room without invite",
			joinRule: `{"join_rule":"invite"}`,
			wantRule: RuleMembership,
		},
		{
			name:     "invite room with invite",
			joinRule: `{"join_rule":"invite"}`,
			prepare: func(b *builder) {
				b.add(alice, event.TypeMember, stateKey(bob), `{"membership":"invite"}`)
			},
		},
		{
			name:     "banned user cannot join public room",
			joinRule: `{"join_rule":"public"}`,
			prepare: func(b *builder) {
				b.add(alice, event.TypeMember, stateKey(bob), `{"membership":"ban"}`)
			},
			wantRule: RuleMembership,
		},
		{
			name:     "restricted join without authoriser",
			joinRule: `{"join_rule":"restricted"}`,
			wantRule: RuleMembership,
		},
		{
			name:     "restricted join vouched by joined member",
			joinRule: `{"join_rule":"restricted"}`,
			content:  fmt.Sprintf(`{"membership":"join","join_authorised_via_users_server":%q}`, alice),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup(t)
			b.add(alice, event.TypeJoinRules, stateKey(""), tt.joinRule)
			if tt.prepare != nil {
				tt.prepare(b)
			}
			content := tt.content
			if content == "" {
				content = `{"membership":"join"}`
			}
			join := b.candidate(bob, event.TypeMember, stateKey(bob), content)
			err := Authorize(join, b.state)
			if tt.wantRule == "" {
				if err != nil {
					t.Fatalf("join rejected: %v", err)
				}
				return
			}
			wantRule(t, err, tt.wantRule)
		})
	}
}

func TestSenderCannotJoinForAnother(t *testing.T) {
	b := setup(t)
	b.add(alice, event.TypeJoinRules, stateKey(""), `{"join_rule":"public"}`)
	forced := b.candidate(alice, event.TypeMember, stateKey(bob), `{"membership":"join"}`)
	wantRule(t, Authorize(forced, b.state), RuleMembership)
}

func TestKickAndBanRequirePower(t *testing.T) {
	b := setup(t)
	b.add(alice, event.TypeJoinRules, stateKey(""), `{"join_rule":"public"}`)
	b.add(bob, event.TypeMember, stateKey(bob), `{"membership":"join"}`)

	// Bob at default level 0 cannot kick or ban alice.
	kick := b.candidate(bob, event.TypeMember, stateKey(alice), `{"membership":"leave"}`)
	wantRule(t, Authorize(kick, b.state), RulePowerLevel)

	ban := b.candidate(bob, event.TypeMember, stateKey(alice), `{"membership":"ban"}`)
	wantRule(t, Authorize(ban, b.state), RulePowerLevel)

	// Alice at 100 can ban bob, then lift the ban.
	banBob := b.candidate(alice, event.TypeMember, stateKey(bob), `{"membership":"ban"}`)
	if err := Authorize(banBob, b.state); err != nil {
		t.Fatalf("creator's ban rejected: %v", err)
	}
	b.state[event.MemberTuple(ref.MustParseUserID(bob))] = banBob
	b.parents = []ref.EventID{banBob.ID}

	unban := b.candidate(alice, event.TypeMember, stateKey(bob), `{"membership":"leave"}`)
	if err := Authorize(unban, b.state); err != nil {
		t.Fatalf("creator's unban rejected: %v", err)
	}
}

func TestLeaveTransitions(t *testing.T) {
	b := setup(t)
	b.add(alice, event.TypeMember, stateKey(bob), `{"membership":"invite"}`)

	decline := b.candidate(bob, event.TypeMember, stateKey(bob), `{"membership":"leave"}`)
	if err := Authorize(decline, b.state); err != nil {
		t.Fatalf("declining an invite rejected: %v", err)
	}

	// A user with no membership at all has nothing to leave.
	b2 := setup(t)
	stranger := b2.candidate(bob, event.TypeMember, stateKey(bob), `{"membership":"leave"}`)
	wantRule(t, Authorize(stranger, b2.state), RuleMembership)
}

func TestKnock(t *testing.T) {
	b := setup(t)
	b.add(alice, event.TypeJoinRules, stateKey(""), `{"join_rule":"knock"}`)

	knock := b.candidate(bob, event.TypeMember, stateKey(bob), `{"membership":"knock"}`)
	if err := Authorize(knock, b.state); err != nil {
		t.Fatalf("knock rejected: %v", err)
	}

	b2 := setup(t)
	b2.add(alice, event.TypeJoinRules, stateKey(""), `{"join_rule":"invite"}`)
	knock2 := b2.candidate(bob, event.TypeMember, stateKey(bob), `{"membership":"knock"}`)
	wantRule(t, Authorize(knock2, b2.state), RuleMembership)
}

func TestPowerLevelEscalation(t *testing.T) {
	b := setup(t)
	b.add(alice, event.TypeJoinRules, stateKey(""), `{"join_rule":"public"}`)
	b.add(bob, event.TypeMember, stateKey(bob), `{"membership":"join"}`)
	b.add(alice, event.TypePowerLevels, stateKey(""),
		fmt.Sprintf(`{"users":{%q:100,%q:50},"state_default":50}`, alice, bob))

	// Bob at 50 cannot raise himself to 100.
	escalate := b.candidate(bob, event.TypePowerLevels, stateKey(""),
		fmt.Sprintf(`{"users":{%q:100,%q:100},"state_default":50}`, alice, bob))
	wantRule(t, Authorize(escalate, b.state), RulePowerChange)

	// Bob cannot demote alice, who outranks him.
	demote := b.candidate(bob, event.TypePowerLevels, stateKey(""),
		fmt.Sprintf(`{"users":{%q:50,%q:50},"state_default":50}`, alice, bob))
	wantRule(t, Authorize(demote, b.state), RulePowerChange)

	// Bob may lower his own level.
	selfDemote := b.candidate(bob, event.TypePowerLevels, stateKey(""),
		fmt.Sprintf(`{"users":{%q:100,%q:25},"state_default":50}`, alice, bob))
	if err := Authorize(selfDemote, b.state); err != nil {
		t.Fatalf("self demotion rejected: %v", err)
	}

	// Bob cannot raise state_default above his own level.
	raiseDefault := b.candidate(bob, event.TypePowerLevels, stateKey(""),
		fmt.Sprintf(`{"users":{%q:100,%q:50},"state_default":75}`, alice, bob))
	wantRule(t, Authorize(raiseDefault, b.state), RulePowerChange)

	// Bob cannot grant a newcomer a level above his own.
	grant := b.candidate(bob, event.TypePowerLevels, stateKey(""),
		fmt.Sprintf(`{"users":{%q:100,%q:50,%q:75},"state_default":50}`, alice, bob, carol))
	wantRule(t, Authorize(grant, b.state), RulePowerChange)
}

func TestFirstPowerLevelsEvent(t *testing.T) {
	b := setup(t)
	first := b.candidate(alice, event.TypePowerLevels, stateKey(""),
		fmt.Sprintf(`{"users":{%q:100},"state_default":50}`, alice))
	if err := Authorize(first, b.state); err != nil {
		t.Fatalf("first power_levels event rejected: %v", err)
	}
}

func TestStateKeyOwnership(t *testing.T) {
	b := setup(t)
	b.add(alice, event.TypeJoinRules, stateKey(""), `{"join_rule":"public"}`)
	b.add(bob, event.TypeMember, stateKey(bob), `{"membership":"join"}`)

	// A non-member state event whose state_key names a user belongs to
	// that user alone.
	foreign := b.candidate(bob, "m.test.marker", stateKey(alice), `{}`)
	wantRule(t, Authorize(foreign, b.state), RuleStateKey)
}

// TestAuthPurity verifies the verdict is a function of the inputs
// alone: repeated evaluation of the same event against the same state
// yields identical results, and evaluation does not mutate the state.
func TestAuthPurity(t *testing.T) {
	b := setup(t)
	b.add(alice, event.TypeJoinRules, stateKey(""), `{"join_rule":"invite"}`)
	join := b.candidate(bob, event.TypeMember, stateKey(bob), `{"membership":"join"}`)

	sizeBefore := len(b.state)
	first := Authorize(join, b.state)
	for i := 0; i < 3; i++ {
		err := Authorize(join, b.state)
		if (err == nil) != (first == nil) {
			t.Fatalf("verdict changed between evaluations: %v then %v", first, err)
		}
		if err != nil && err.Error() != first.Error() {
			t.Fatalf("rejection changed between evaluations: %v then %v", first, err)
		}
	}
	if len(b.state) != sizeBefore {
		t.Error("Authorize mutated the state map")
	}
}

func TestSelection(t *testing.T) {
	joinPDU := event.PDU{
		Type:     event.TypeMember,
		StateKey: stateKey(bob),
		Sender:   ref.MustParseUserID(alice),
	}
	tuples := Selection(&joinPDU)
	want := map[event.StateKeyTuple]bool{
		event.CreateTuple:      true,
		event.PowerLevelsTuple: true,
		event.JoinRulesTuple:   true,
		event.MemberTuple(ref.MustParseUserID(alice)): true,
		event.MemberTuple(ref.MustParseUserID(bob)):   true,
	}
	if len(tuples) != len(want) {
		t.Fatalf("got %d tuples %v, want %d", len(tuples), tuples, len(want))
	}
	for _, tuple := range tuples {
		if !want[tuple] {
			t.Errorf("unexpected tuple %v", tuple)
		}
	}

	createPDU := event.PDU{Type: event.TypeCreate, StateKey: stateKey("")}
	if got := Selection(&createPDU); got != nil {
		t.Errorf("create event selection = %v, want none", got)
	}
}

func TestStateFromEvents(t *testing.T) {
	b := setup(t)
	createEvent := b.state[event.CreateTuple]

	state, err := StateFromEvents([]*event.Event{createEvent})
	if err != nil {
		t.Fatalf("indexing state events: %v", err)
	}
	if state[event.CreateTuple] != createEvent {
		t.Error("create event not indexed under its tuple")
	}

	if _, err := StateFromEvents([]*event.Event{createEvent, createEvent}); err == nil {
		t.Error("duplicate tuple not rejected")
	}

	message := b.candidate(alice, event.TypeMessage, nil, `{"body":"x","msgtype":"m.text"}`)
	if _, err := StateFromEvents([]*event.Event{message}); err == nil {
		t.Error("non-state event not rejected")
	}
}
