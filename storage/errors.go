// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hankbao/conduit/lib/ref"
)

// ErrNotFound reports a key or event that is not in the store.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEvent reports an append of an event already stored.
// Duplicate appends are benign; callers treat this as success.
var ErrDuplicateEvent = errors.New("event already stored")

// MissingParentsError reports an append whose prev_events or
// auth_events refer to events not yet in the store. The caller is
// expected to fetch the listed ancestors and retry.
type MissingParentsError struct {
	EventID ref.EventID
	Missing []ref.EventID
}

func (e *MissingParentsError) Error() string {
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = id.String()
	}
	return fmt.Sprintf("event %s references %d unknown ancestors: %s",
		e.EventID, len(e.Missing), strings.Join(ids, ", "))
}
