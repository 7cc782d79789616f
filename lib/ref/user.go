// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// UserID is a validated Matrix user ID (e.g., "@alice:example.com").
//
// User IDs appear as event senders and as the state keys of membership
// events, and authorization decisions hinge on which server a user
// belongs to (an event must be signed by its sender's server). The
// localpart is restricted to the historical-compatibility character
// set: remote servers may register localparts this server would not,
// and rejecting their users would split rooms.
//
// UserID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type UserID struct {
	id string
}

// ParseUserID validates and wraps a raw Matrix user ID string.
// Returns an error if the string is empty, doesn't start with '@',
// is missing the ':server' separator, has an empty localpart, has an
// invalid server name, or exceeds 255 bytes.
func ParseUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, fmt.Errorf("empty user ID")
	}
	if raw[0] != '@' {
		return UserID{}, fmt.Errorf("user ID must start with '@': %q", raw)
	}
	if len(raw) > 255 {
		return UserID{}, fmt.Errorf("user ID exceeds 255 bytes: %q", raw)
	}

	colonIndex := strings.IndexByte(raw[1:], ':')
	if colonIndex < 0 {
		return UserID{}, fmt.Errorf("user ID missing ':server' suffix: %q", raw)
	}
	if colonIndex == 0 {
		return UserID{}, fmt.Errorf("user ID has empty localpart: %q", raw)
	}

	localpart := raw[1 : 1+colonIndex]
	for i := 0; i < len(localpart); i++ {
		c := localpart[i]
		// Historical compatibility range: any printable ASCII except
		// ':' (the separator). Uppercase is discouraged for new local
		// registrations but valid on the wire.
		if c < 0x21 || c > 0x7E || c == ':' {
			return UserID{}, fmt.Errorf("invalid character %q in user ID localpart: %q", c, raw)
		}
	}

	serverPart := raw[1+colonIndex+1:]
	if _, err := ParseServerName(serverPart); err != nil {
		return UserID{}, fmt.Errorf("user ID has invalid server name: %w", err)
	}

	return UserID{id: raw}, nil
}

// MustParseUserID is like ParseUserID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseUserID(raw string) UserID {
	u, err := ParseUserID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseUserID(%q): %v", raw, err))
	}
	return u
}

// String returns the full user ID string (e.g., "@alice:example.com").
func (u UserID) String() string { return u.id }

// IsZero reports whether the UserID is the zero value (uninitialized).
func (u UserID) IsZero() bool { return u.id == "" }

// Localpart returns the part between '@' and ':'. Panics on the zero
// value.
func (u UserID) Localpart() string {
	colonIndex := strings.IndexByte(u.id, ':')
	if colonIndex < 0 {
		panic("ref.UserID.Localpart called on zero value")
	}
	return u.id[1:colonIndex]
}

// ServerName returns the server the user belongs to. Signature
// verification and federation routing key off this value. Panics on
// the zero value.
func (u UserID) ServerName() ServerName {
	colonIndex := strings.IndexByte(u.id, ':')
	if colonIndex < 0 {
		panic("ref.UserID.ServerName called on zero value")
	}
	return ServerName{name: u.id[colonIndex+1:]}
}

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	if u.id == "" {
		return nil, nil
	}
	return []byte(u.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// user ID format. An empty input produces the zero value.
func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
