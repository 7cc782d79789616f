// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"github.com/hankbao/conduit/event"
)

// authorizePowerChange constrains m.room.power_levels replacements so
// a sender can never grant authority they do not hold. The generic
// send-permission check has already passed; this compares old and new
// content field by field.
func authorizePowerChange(ev *event.Event, state State, senderLevel int64) error {
	newLevels, err := event.ParsePowerLevels(ev.Content)
	if err != nil {
		return reject(RulePowerChange, "%v", err)
	}

	current, ok := state[event.PowerLevelsTuple]
	if !ok {
		// The first power_levels event establishes the structure; only
		// the send permission applies.
		return nil
	}
	oldLevels, err := event.ParsePowerLevels(current.Content)
	if err != nil {
		return reject(RulePowerChange, "current power_levels: %v", err)
	}

	scalars := []struct {
		name          string
		before, after int64
	}{
		{"ban", oldLevels.Ban, newLevels.Ban},
		{"kick", oldLevels.Kick, newLevels.Kick},
		{"redact", oldLevels.Redact, newLevels.Redact},
		{"invite", oldLevels.Invite, newLevels.Invite},
		{"users_default", oldLevels.UsersDefault, newLevels.UsersDefault},
		{"events_default", oldLevels.EventsDefault, newLevels.EventsDefault},
		{"state_default", oldLevels.StateDefault, newLevels.StateDefault},
	}
	for _, s := range scalars {
		if s.before == s.after {
			continue
		}
		if s.before > senderLevel {
			return reject(RulePowerChange, "cannot change %s from %d, above sender level %d",
				s.name, s.before, senderLevel)
		}
		if s.after > senderLevel {
			return reject(RulePowerChange, "cannot set %s to %d, above sender level %d",
				s.name, s.after, senderLevel)
		}
	}

	if err := checkLevelMap("events", oldLevels.Events, newLevels.Events, senderLevel); err != nil {
		return err
	}

	// User entries carry an extra constraint: changing or removing
	// another user's level requires strictly outranking them, so peers
	// at the same level cannot demote each other. A sender may always
	// change their own entry downward.
	sender := ev.Sender.String()
	for user, oldLevel := range oldLevels.Users {
		newLevel, present := newLevels.Users[user]
		if present && newLevel == oldLevel {
			continue
		}
		if user != sender && oldLevel >= senderLevel {
			return reject(RulePowerChange, "cannot change level of %s from %d without outranking them", user, oldLevel)
		}
		if user == sender && oldLevel > senderLevel {
			return reject(RulePowerChange, "cannot change own level from %d, above sender level %d", oldLevel, senderLevel)
		}
		if present && newLevel > senderLevel {
			return reject(RulePowerChange, "cannot set level of %s to %d, above sender level %d", user, newLevel, senderLevel)
		}
	}
	for user, newLevel := range newLevels.Users {
		if _, present := oldLevels.Users[user]; present {
			continue
		}
		if newLevel > senderLevel {
			return reject(RulePowerChange, "cannot grant %s level %d, above sender level %d", user, newLevel, senderLevel)
		}
	}
	return nil
}

// checkLevelMap applies the non-escalation constraint to an added,
// removed, or modified entry of a level map.
func checkLevelMap(name string, oldMap, newMap map[string]int64, senderLevel int64) error {
	for key, oldLevel := range oldMap {
		newLevel, present := newMap[key]
		if present && newLevel == oldLevel {
			continue
		}
		if oldLevel > senderLevel {
			return reject(RulePowerChange, "cannot change %s[%q] from %d, above sender level %d",
				name, key, oldLevel, senderLevel)
		}
		if present && newLevel > senderLevel {
			return reject(RulePowerChange, "cannot set %s[%q] to %d, above sender level %d",
				name, key, newLevel, senderLevel)
		}
	}
	for key, newLevel := range newMap {
		if _, present := oldMap[key]; present {
			continue
		}
		if newLevel > senderLevel {
			return reject(RulePowerChange, "cannot set %s[%q] to %d, above sender level %d",
				name, key, newLevel, senderLevel)
		}
	}
	return nil
}
