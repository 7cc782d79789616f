// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// MaxInteger is the largest integer value representable in canonical
// JSON, (2^53)-1. The smallest is -MaxInteger.
const MaxInteger = 1<<53 - 1

// Canonical re-encodes raw JSON into Matrix canonical form. Returns an
// error if the input is not valid JSON or contains a number outside
// the canonical integer range.
func Canonical(raw []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	// A second Decode distinguishes "one value" from trailing garbage.
	if decoder.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}

	var out bytes.Buffer
	out.Grow(len(raw))
	if err := writeValue(&out, value); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Marshal encodes a Go value with encoding/json and canonicalizes the
// result. Types with TextMarshaler identifiers (ref.EventID etc.)
// serialize as strings as usual.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}
	return Canonical(raw)
}

// Valid reports whether raw is already in canonical form.
func Valid(raw []byte) bool {
	canonical, err := Canonical(raw)
	if err != nil {
		return false
	}
	return bytes.Equal(raw, canonical)
}

func writeValue(out *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		out.WriteString("null")
	case bool:
		if v {
			out.WriteString("true")
		} else {
			out.WriteString("false")
		}
	case json.Number:
		return writeNumber(out, v)
	case string:
		writeString(out, v)
	case []any:
		out.WriteByte('[')
		for i, element := range v {
			if i > 0 {
				out.WriteByte(',')
			}
			if err := writeValue(out, element); err != nil {
				return err
			}
		}
		out.WriteByte(']')
	case map[string]any:
		// Byte-wise comparison of UTF-8 strings is code point order,
		// which is what the canonical form requires.
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		out.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				out.WriteByte(',')
			}
			writeString(out, key)
			out.WriteByte(':')
			if err := writeValue(out, v[key]); err != nil {
				return err
			}
		}
		out.WriteByte('}')
	default:
		return fmt.Errorf("unsupported JSON value of type %T", value)
	}
	return nil
}

// writeNumber emits a canonical integer. The original token text is
// inspected rather than a parsed float so that values like 1.0 or 1e2,
// which would survive a float round-trip, are still rejected.
func writeNumber(out *bytes.Buffer, number json.Number) error {
	text := number.String()
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', 'e', 'E':
			return fmt.Errorf("non-integer number %q not allowed in canonical JSON", text)
		}
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing integer %q: %w", text, err)
	}
	if value > MaxInteger || value < -MaxInteger {
		return fmt.Errorf("integer %d outside canonical range", value)
	}
	out.WriteString(strconv.FormatInt(value, 10))
	return nil
}

// writeString emits a JSON string with the minimal escape set. Notably
// this differs from encoding/json, which escapes '<', '>', '&',
// U+2028, and U+2029 for HTML safety; those escapes change the signed
// bytes and break interoperability.
func writeString(out *bytes.Buffer, s string) {
	out.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			out.WriteString(`\"`)
		case '\\':
			out.WriteString(`\\`)
		case '\b':
			out.WriteString(`\b`)
		case '\f':
			out.WriteString(`\f`)
		case '\n':
			out.WriteString(`\n`)
		case '\r':
			out.WriteString(`\r`)
		case '\t':
			out.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(out, `\u%04x`, r)
			} else {
				out.WriteRune(r)
			}
		}
	}
	out.WriteByte('"')
}
