// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/ref"
)

// authorizeMember evaluates an m.room.member transition. The target is
// named by the state key; the sender may differ for invite, kick, and
// ban.
func authorizeMember(ev *event.Event, state State, createEvent *event.Event, levels event.PowerLevels) error {
	if ev.StateKey == nil {
		return reject(RuleMembership, "member event %s has no state_key", ev.ID)
	}
	target, err := ref.ParseUserID(*ev.StateKey)
	if err != nil {
		return reject(RuleMembership, "member event %s state_key: %v", ev.ID, err)
	}
	content, err := event.ParseMemberContent(ev.Content)
	if err != nil {
		return reject(RuleMembership, "%v", err)
	}

	senderMembership := membershipOf(state, ev.Sender)
	targetMembership := membershipOf(state, target)
	senderLevel := levels.UserLevel(ev.Sender)
	targetLevel := levels.UserLevel(target)

	switch content.Membership {
	case event.MembershipJoin:
		// The creator's first join follows the create event directly;
		// no join rules exist yet to consult.
		if len(ev.PrevEvents) == 1 && ev.PrevEvents[0] == createEvent.ID && target == createEvent.Sender {
			return nil
		}
		if ev.Sender != target {
			return reject(RuleMembership, "sender %s cannot join on behalf of %s", ev.Sender, target)
		}
		if targetMembership == event.MembershipBan {
			return reject(RuleMembership, "user %s is banned", target)
		}
		return authorizeJoinRule(ev, state, target, targetMembership, levels)

	case event.MembershipInvite:
		if senderMembership != event.MembershipJoin {
			return reject(RuleSenderJoined, "inviter %s is not joined", ev.Sender)
		}
		if targetMembership == event.MembershipJoin || targetMembership == event.MembershipBan {
			return reject(RuleMembership, "cannot invite %s in membership %s", target, targetMembership)
		}
		if senderLevel < levels.Invite {
			return reject(RulePowerLevel, "inviter %s has level %d, invite requires %d",
				ev.Sender, senderLevel, levels.Invite)
		}
		return nil

	case event.MembershipLeave:
		if ev.Sender == target {
			// Leaving, declining an invite, or withdrawing a knock.
			switch targetMembership {
			case event.MembershipJoin, event.MembershipInvite, event.MembershipKnock:
				return nil
			default:
				return reject(RuleMembership, "user %s cannot leave from membership %s", target, targetMembership)
			}
		}
		// A kick, or an unban when the target is currently banned.
		if senderMembership != event.MembershipJoin {
			return reject(RuleSenderJoined, "kicker %s is not joined", ev.Sender)
		}
		if targetMembership == event.MembershipBan && senderLevel < levels.Ban {
			return reject(RulePowerLevel, "sender %s has level %d, unban requires %d",
				ev.Sender, senderLevel, levels.Ban)
		}
		if senderLevel < levels.Kick {
			return reject(RulePowerLevel, "sender %s has level %d, kick requires %d",
				ev.Sender, senderLevel, levels.Kick)
		}
		if senderLevel <= targetLevel {
			return reject(RulePowerLevel, "sender level %d does not exceed target level %d",
				senderLevel, targetLevel)
		}
		return nil

	case event.MembershipBan:
		if senderMembership != event.MembershipJoin {
			return reject(RuleSenderJoined, "banner %s is not joined", ev.Sender)
		}
		if senderLevel < levels.Ban {
			return reject(RulePowerLevel, "sender %s has level %d, ban requires %d",
				ev.Sender, senderLevel, levels.Ban)
		}
		if senderLevel <= targetLevel {
			return reject(RulePowerLevel, "sender level %d does not exceed target level %d",
				senderLevel, targetLevel)
		}
		return nil

	case event.MembershipKnock:
		if ev.Sender != target {
			return reject(RuleMembership, "sender %s cannot knock on behalf of %s", ev.Sender, target)
		}
		rule := joinRuleOf(state)
		if rule != event.JoinRuleKnock && rule != event.JoinRuleKnockRestricted {
			return reject(RuleMembership, "room join rule %q does not allow knocking", rule)
		}
		if targetMembership == event.MembershipBan || targetMembership == event.MembershipJoin {
			return reject(RuleMembership, "cannot knock from membership %s", targetMembership)
		}
		return nil

	default:
		return reject(RuleMembership, "unknown membership %q", content.Membership)
	}
}

// authorizeJoinRule applies the room's join rule to a self-join.
func authorizeJoinRule(ev *event.Event, state State, target ref.UserID, targetMembership string, levels event.PowerLevels) error {
	rule := joinRuleOf(state)
	switch rule {
	case event.JoinRulePublic:
		return nil
	case event.JoinRuleInvite, event.JoinRuleKnock:
		if targetMembership == event.MembershipInvite || targetMembership == event.MembershipJoin {
			return nil
		}
		return reject(RuleMembership, "user %s is not invited to a %s room", target, rule)
	case event.JoinRuleRestricted, event.JoinRuleKnockRestricted:
		if targetMembership == event.MembershipInvite || targetMembership == event.MembershipJoin {
			return nil
		}
		// A restricted join is vouched for by a joined member whose
		// server authorized it and who could have issued an invite.
		content, err := event.ParseMemberContent(ev.Content)
		if err != nil {
			return reject(RuleMembership, "%v", err)
		}
		if content.JoinAuthorisedViaUsersServer == "" {
			return reject(RuleMembership, "restricted join for %s has no authorising user", target)
		}
		authoriser, err := ref.ParseUserID(content.JoinAuthorisedViaUsersServer)
		if err != nil {
			return reject(RuleMembership, "restricted join authoriser: %v", err)
		}
		if membershipOf(state, authoriser) != event.MembershipJoin {
			return reject(RuleMembership, "authorising user %s is not joined", authoriser)
		}
		if levels.UserLevel(authoriser) < levels.Invite {
			return reject(RulePowerLevel, "authorising user %s has level %d, invite requires %d",
				authoriser, levels.UserLevel(authoriser), levels.Invite)
		}
		return nil
	default:
		return reject(RuleMembership, "room join rule %q does not allow joining", rule)
	}
}

// joinRuleOf returns the room's join rule, defaulting to invite when
// no join_rules event exists or its content is unparseable.
func joinRuleOf(state State) string {
	jrEvent, ok := state[event.JoinRulesTuple]
	if !ok {
		return event.JoinRuleInvite
	}
	content, err := event.ParseJoinRulesContent(jrEvent.Content)
	if err != nil {
		return event.JoinRuleInvite
	}
	return content.JoinRule
}
