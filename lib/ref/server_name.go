// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// ServerName is a validated Matrix server name (e.g., "example.com",
// "matrix.example.com:8448").
//
// Server names identify homeservers in federation. They appear after
// the colon in user IDs and room IDs, as the origin of signed events,
// and as federation request destinations. The engine validates them at
// the boundary and passes them through as typed values.
//
// ServerName is an immutable value type. The zero value is not valid;
// use IsZero to check.
type ServerName struct {
	name string
}

// ParseServerName validates and wraps a raw Matrix server name string.
// Returns an error if the string is empty, too long, has an empty host
// or port component, or contains characters outside the DNS-name and
// port grammar. IP literals (v4 dotted quad, bracketed v6) are
// accepted as hosts.
func ParseServerName(raw string) (ServerName, error) {
	if raw == "" {
		return ServerName{}, fmt.Errorf("empty server name")
	}
	if len(raw) > 255 {
		return ServerName{}, fmt.Errorf("server name exceeds 255 bytes: %q", raw)
	}

	host := raw
	// A bracketed IPv6 literal contains colons that are not the port
	// separator; split the port only after the closing bracket.
	if strings.HasPrefix(raw, "[") {
		closing := strings.IndexByte(raw, ']')
		if closing < 0 {
			return ServerName{}, fmt.Errorf("unterminated IPv6 literal in server name: %q", raw)
		}
		host = raw[:closing+1]
		rest := raw[closing+1:]
		if rest != "" {
			if rest[0] != ':' {
				return ServerName{}, fmt.Errorf("invalid characters after IPv6 literal: %q", raw)
			}
			if err := validatePort(rest[1:], raw); err != nil {
				return ServerName{}, err
			}
		}
	} else if colon := strings.LastIndexByte(raw, ':'); colon >= 0 {
		host = raw[:colon]
		if err := validatePort(raw[colon+1:], raw); err != nil {
			return ServerName{}, err
		}
	}

	if host == "" {
		return ServerName{}, fmt.Errorf("server name has empty host: %q", raw)
	}
	if !strings.HasPrefix(host, "[") {
		for i := 0; i < len(host); i++ {
			c := host[i]
			if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '-' {
				continue
			}
			return ServerName{}, fmt.Errorf("invalid character %q in server name: %q", c, raw)
		}
	}

	return ServerName{name: raw}, nil
}

// MustParseServerName is like ParseServerName but panics on error. Use
// in tests and static initialization where the input is known-valid.
func MustParseServerName(raw string) ServerName {
	s, err := ParseServerName(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseServerName(%q): %v", raw, err))
	}
	return s
}

func validatePort(port, whole string) error {
	if port == "" {
		return fmt.Errorf("server name has empty port: %q", whole)
	}
	for i := 0; i < len(port); i++ {
		if port[i] < '0' || port[i] > '9' {
			return fmt.Errorf("server name has non-numeric port: %q", whole)
		}
	}
	return nil
}

// String returns the server name string (e.g., "example.com:8448").
func (s ServerName) String() string { return s.name }

// IsZero reports whether the ServerName is the zero value.
func (s ServerName) IsZero() bool { return s.name == "" }

// MarshalText implements encoding.TextMarshaler.
func (s ServerName) MarshalText() ([]byte, error) {
	if s.name == "" {
		return nil, nil
	}
	return []byte(s.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (s *ServerName) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = ServerName{}
		return nil
	}
	parsed, err := ParseServerName(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
