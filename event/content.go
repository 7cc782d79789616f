// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/hankbao/conduit/lib/ref"
)

// Membership values for m.room.member events.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Join rule values for m.room.join_rules events.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
)

// CreateContent is the content of m.room.create.
type CreateContent struct {
	RoomVersion string `json:"room_version,omitempty"`
	// Federate is m.federate; nil means true (rooms federate unless
	// the creator opted out).
	Federate *bool `json:"m.federate,omitempty"`
	Type     string `json:"type,omitempty"`
}

// ParseCreateContent decodes m.room.create content.
func ParseCreateContent(raw []byte) (CreateContent, error) {
	var content CreateContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return CreateContent{}, fmt.Errorf("parsing m.room.create content: %w", err)
	}
	return content, nil
}

// Federation reports whether the room allows events from servers other
// than the creator's.
func (c CreateContent) Federation() bool {
	return c.Federate == nil || *c.Federate
}

// MemberContent is the content of m.room.member.
type MemberContent struct {
	Membership                  string `json:"membership"`
	Reason                      string `json:"reason,omitempty"`
	JoinAuthorisedViaUsersServer string `json:"join_authorised_via_users_server,omitempty"`
}

// ParseMemberContent decodes m.room.member content. A missing or empty
// membership field is an error; every member event must declare one.
func ParseMemberContent(raw []byte) (MemberContent, error) {
	var content MemberContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return MemberContent{}, fmt.Errorf("parsing m.room.member content: %w", err)
	}
	if content.Membership == "" {
		return MemberContent{}, fmt.Errorf("m.room.member content missing membership")
	}
	switch content.Membership {
	case MembershipJoin, MembershipLeave, MembershipInvite, MembershipBan, MembershipKnock:
	default:
		return MemberContent{}, fmt.Errorf("unknown membership %q", content.Membership)
	}
	return content, nil
}

// JoinRulesContent is the content of m.room.join_rules.
type JoinRulesContent struct {
	JoinRule string           `json:"join_rule"`
	Allow    []AllowCondition `json:"allow,omitempty"`
}

// AllowCondition scopes a restricted join rule to members of another
// room.
type AllowCondition struct {
	Type   string     `json:"type"`
	RoomID ref.RoomID `json:"room_id,omitempty"`
}

// ParseJoinRulesContent decodes m.room.join_rules content.
func ParseJoinRulesContent(raw []byte) (JoinRulesContent, error) {
	var content JoinRulesContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return JoinRulesContent{}, fmt.Errorf("parsing m.room.join_rules content: %w", err)
	}
	if content.JoinRule == "" {
		return JoinRulesContent{}, fmt.Errorf("m.room.join_rules content missing join_rule")
	}
	return content, nil
}

// PowerLevels is the decoded content of m.room.power_levels with
// protocol defaults applied for absent fields.
type PowerLevels struct {
	Ban           int64
	Kick          int64
	Redact        int64
	Invite        int64
	UsersDefault  int64
	EventsDefault int64
	StateDefault  int64
	Users         map[string]int64
	Events        map[string]int64
}

// DefaultPowerLevels returns the levels in force when a room has no
// m.room.power_levels event: the creator holds 100, everyone else 0,
// and state changes require 50.
func DefaultPowerLevels(creator ref.UserID) PowerLevels {
	return PowerLevels{
		Ban:          50,
		Kick:         50,
		Redact:       50,
		StateDefault: 50,
		Users:        map[string]int64{creator.String(): 100},
		Events:       map[string]int64{},
	}
}

// ParsePowerLevels decodes m.room.power_levels content. Integer fields
// are parsed leniently — a JSON number or a string holding one — for
// compatibility with events produced by older servers. A field that is
// neither is an error.
func ParsePowerLevels(raw []byte) (PowerLevels, error) {
	if !gjson.ValidBytes(raw) {
		return PowerLevels{}, fmt.Errorf("parsing m.room.power_levels content: invalid JSON")
	}

	levels := PowerLevels{
		Ban:          50,
		Kick:         50,
		Redact:       50,
		StateDefault: 50,
		Users:        map[string]int64{},
		Events:       map[string]int64{},
	}

	scalars := []struct {
		path   string
		target *int64
	}{
		{"ban", &levels.Ban},
		{"kick", &levels.Kick},
		{"redact", &levels.Redact},
		{"invite", &levels.Invite},
		{"users_default", &levels.UsersDefault},
		{"events_default", &levels.EventsDefault},
		{"state_default", &levels.StateDefault},
	}
	for _, scalar := range scalars {
		result := gjson.GetBytes(raw, scalar.path)
		if !result.Exists() {
			continue
		}
		value, err := lenientInt(result)
		if err != nil {
			return PowerLevels{}, fmt.Errorf("power_levels field %q: %w", scalar.path, err)
		}
		*scalar.target = value
	}

	for path, target := range map[string]map[string]int64{
		"users":  levels.Users,
		"events": levels.Events,
	} {
		result := gjson.GetBytes(raw, path)
		if !result.Exists() {
			continue
		}
		if !result.IsObject() {
			return PowerLevels{}, fmt.Errorf("power_levels field %q is not an object", path)
		}
		var iterErr error
		result.ForEach(func(key, value gjson.Result) bool {
			level, err := lenientInt(value)
			if err != nil {
				iterErr = fmt.Errorf("power_levels %s[%q]: %w", path, key.String(), err)
				return false
			}
			target[key.String()] = level
			return true
		})
		if iterErr != nil {
			return PowerLevels{}, iterErr
		}
	}

	return levels, nil
}

// lenientInt accepts a JSON number or a string containing a base-10
// integer.
func lenientInt(result gjson.Result) (int64, error) {
	switch result.Type {
	case gjson.Number:
		return result.Int(), nil
	case gjson.String:
		value, err := strconv.ParseInt(result.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("string %q is not an integer", result.String())
		}
		return value, nil
	default:
		return 0, fmt.Errorf("value %s is not an integer", result.Raw)
	}
}

// UserLevel returns the effective power level of a user.
func (p PowerLevels) UserLevel(user ref.UserID) int64 {
	if level, ok := p.Users[user.String()]; ok {
		return level
	}
	return p.UsersDefault
}

// EventLevel returns the power level required to send an event of the
// given type, falling back to state_default or events_default.
func (p PowerLevels) EventLevel(eventType string, isState bool) int64 {
	if level, ok := p.Events[eventType]; ok {
		return level
	}
	if isState {
		return p.StateDefault
	}
	return p.EventsDefault
}

// HistoryVisibilityContent is the content of m.room.history_visibility.
type HistoryVisibilityContent struct {
	HistoryVisibility string `json:"history_visibility"`
}
