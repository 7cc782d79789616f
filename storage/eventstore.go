// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/codec"
	"github.com/hankbao/conduit/lib/ref"
)

// compressThreshold is the event body size above which stored bodies
// are zstd compressed. Small bodies stay raw; the codec framing would
// cost more than it saves.
const compressThreshold = 512

// eventRecord is the persisted form of a stored event.
type eventRecord struct {
	Raw          []byte `cbor:"raw"`
	Compressed   bool   `cbor:"compressed,omitempty"`
	Rejected     bool   `cbor:"rejected,omitempty"`
	RejectReason string `cbor:"reject_reason,omitempty"`
}

// EventStore persists room events and per-room graph metadata in a KV
// store. Event bodies are immutable once written; only the rejection
// marker may be added afterward. Callers serialize writes per room
// (the admission pipeline's per-room worker); reads are safe from any
// goroutine.
type EventStore struct {
	kv     KV
	logger *slog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// EventStoreConfig configures an EventStore.
type EventStoreConfig struct {
	KV KV

	// Logger receives store diagnostics. If nil, logs are discarded.
	Logger *slog.Logger
}

// NewEventStore creates a store over the given KV backend.
func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	if cfg.KV == nil {
		return nil, fmt.Errorf("EventStoreConfig.KV is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &EventStore{kv: cfg.KV, logger: logger, enc: enc, dec: dec}, nil
}

func eventKey(id ref.EventID) []byte {
	return []byte("event/" + id.String())
}

func extremitiesKey(room ref.RoomID) []byte {
	return []byte("room/" + room.String() + "/extremities")
}

func stateAtKey(id ref.EventID) []byte {
	return []byte("stateat/" + id.String())
}

// Append stores an event and updates the room's forward extremities.
// The event's prev_events and auth_events must already be stored
// (stored and rejected both count; rejection does not remove an event
// from the graph). A create event has no parents and roots the room.
//
// Returns ErrDuplicateEvent if the event is already stored, or a
// *MissingParentsError listing unknown ancestors. In both cases the
// store is unchanged.
func (s *EventStore) Append(ctx context.Context, ev *event.Event) error {
	if err := s.writeEvent(ctx, ev, eventRecord{Raw: ev.Raw()}); err != nil {
		return err
	}

	extremities, err := s.ForwardExtremities(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	replaced := make(map[ref.EventID]bool, len(ev.PrevEvents))
	for _, id := range ev.PrevEvents {
		replaced[id] = true
	}
	next := extremities[:0]
	for _, id := range extremities {
		if !replaced[id] {
			next = append(next, id)
		}
	}
	next = append(next, ev.ID)
	sort.Slice(next, func(i, j int) bool { return next[i].String() < next[j].String() })
	if err := s.setForwardExtremities(ctx, ev.RoomID, next); err != nil {
		return err
	}
	s.logger.Debug("event stored",
		"event_id", ev.ID,
		"room_id", ev.RoomID,
		"type", ev.Type,
		"extremities", len(next))
	return nil
}

// AppendRejected stores an event that failed authorization. The body
// is retained for audit and graph traversal, but the event never
// becomes a forward extremity and never contributes to state.
func (s *EventStore) AppendRejected(ctx context.Context, ev *event.Event, reason string) error {
	err := s.writeEvent(ctx, ev, eventRecord{Raw: ev.Raw(), Rejected: true, RejectReason: reason})
	if err != nil {
		return err
	}
	s.logger.Debug("rejected event stored",
		"event_id", ev.ID,
		"room_id", ev.RoomID,
		"reason", reason)
	return nil
}

// writeEvent checks duplicate and parent constraints, then persists
// the record. Write order matters for crash tolerance: the event body
// lands before any extremity swap, so a crash in between leaves the
// old extremity set referencing stored events, which is still valid.
func (s *EventStore) writeEvent(ctx context.Context, ev *event.Event, record eventRecord) error {
	if _, found, err := s.kv.Get(ctx, eventKey(ev.ID)); err != nil {
		return err
	} else if found {
		return ErrDuplicateEvent
	}

	var missing []ref.EventID
	seen := make(map[ref.EventID]bool)
	checkParent := func(id ref.EventID) error {
		if seen[id] {
			return nil
		}
		seen[id] = true
		_, found, err := s.kv.Get(ctx, eventKey(id))
		if err != nil {
			return err
		}
		if !found {
			missing = append(missing, id)
		}
		return nil
	}
	for _, id := range ev.PrevEvents {
		if err := checkParent(id); err != nil {
			return err
		}
	}
	for _, id := range ev.AuthEvents {
		if err := checkParent(id); err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i].String() < missing[j].String() })
		return &MissingParentsError{EventID: ev.ID, Missing: missing}
	}

	if len(record.Raw) > compressThreshold {
		record.Raw = s.enc.EncodeAll(record.Raw, nil)
		record.Compressed = true
	}
	recordBytes, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding event record: %w", err)
	}
	if err := s.kv.Put(ctx, eventKey(ev.ID), recordBytes); err != nil {
		return fmt.Errorf("storing event %s: %w", ev.ID, err)
	}
	return nil
}

// Get loads a stored event. Rejected events are returned like any
// other; use IsRejected to distinguish them.
func (s *EventStore) Get(ctx context.Context, id ref.EventID) (*event.Event, error) {
	record, found, err := s.getRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	raw, err := s.recordBody(record)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", id, err)
	}
	ev, err := event.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("stored event %s is corrupt: %w", id, err)
	}
	return ev, nil
}

// Contains reports whether the event is stored, rejected or not.
func (s *EventStore) Contains(ctx context.Context, id ref.EventID) (bool, error) {
	_, found, err := s.kv.Get(ctx, eventKey(id))
	return found, err
}

// MarkRejected records that the event failed authorization. The body
// stays stored so the event keeps participating in graph traversal
// and hash chains; only state resolution ignores it.
func (s *EventStore) MarkRejected(ctx context.Context, id ref.EventID, reason string) error {
	record, found, err := s.getRecord(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	record.Rejected = true
	record.RejectReason = reason
	recordBytes, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding event record: %w", err)
	}
	return s.kv.Put(ctx, eventKey(id), recordBytes)
}

// IsRejected reports whether the event is stored with a rejection
// marker, with the recorded reason.
func (s *EventStore) IsRejected(ctx context.Context, id ref.EventID) (bool, string, error) {
	record, found, err := s.getRecord(ctx, id)
	if err != nil {
		return false, "", err
	}
	if !found {
		return false, "", fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return record.Rejected, record.RejectReason, nil
}

// ForwardExtremities returns the room's current forward extremities,
// sorted by event ID. A room with no stored events has none.
func (s *EventStore) ForwardExtremities(ctx context.Context, room ref.RoomID) ([]ref.EventID, error) {
	value, found, err := s.kv.Get(ctx, extremitiesKey(room))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var ids []ref.EventID
	if err := codec.Unmarshal(value, &ids); err != nil {
		return nil, fmt.Errorf("decoding extremities for %s: %w", room, err)
	}
	return ids, nil
}

func (s *EventStore) setForwardExtremities(ctx context.Context, room ref.RoomID, ids []ref.EventID) error {
	value, err := codec.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encoding extremities: %w", err)
	}
	if err := s.kv.Put(ctx, extremitiesKey(room), value); err != nil {
		return fmt.Errorf("storing extremities for %s: %w", room, err)
	}
	return nil
}

// AuthChain returns the full auth chain of the given events: every
// event reachable through auth_events links, excluding the starting
// events themselves. The traversal is iterative; auth chains of long
// lived rooms can be deep.
func (s *EventStore) AuthChain(ctx context.Context, starts []ref.EventID) (map[ref.EventID]*event.Event, error) {
	chain := make(map[ref.EventID]*event.Event)
	visited := make(map[ref.EventID]bool, len(starts))
	var queue []ref.EventID
	for _, id := range starts {
		visited[id] = true
	}
	for _, id := range starts {
		ev, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, auth := range ev.AuthEvents {
			if !visited[auth] {
				visited[auth] = true
				queue = append(queue, auth)
			}
		}
	}
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		ev, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		chain[id] = ev
		for _, auth := range ev.AuthEvents {
			if !visited[auth] {
				visited[auth] = true
				queue = append(queue, auth)
			}
		}
	}
	return chain, nil
}

// SetStateAt persists the resolved room state immediately after the
// given event. Admission records this for every accepted state event
// so later forks can resolve against historical snapshots.
func (s *EventStore) SetStateAt(ctx context.Context, id ref.EventID, state event.StateMap) error {
	value, err := codec.Marshal(stateMapRecord(state))
	if err != nil {
		return fmt.Errorf("encoding state at %s: %w", id, err)
	}
	return s.kv.Put(ctx, stateAtKey(id), value)
}

// StateAt loads the room state recorded after the given event.
// Returns ErrNotFound if no snapshot was recorded.
func (s *EventStore) StateAt(ctx context.Context, id ref.EventID) (event.StateMap, error) {
	value, found, err := s.kv.Get(ctx, stateAtKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("state at %s: %w", id, ErrNotFound)
	}
	var record map[string]ref.EventID
	if err := codec.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("decoding state at %s: %w", id, err)
	}
	state := make(event.StateMap, len(record))
	for key, eventID := range record {
		tuple, err := parseStateKey(key)
		if err != nil {
			return nil, fmt.Errorf("decoding state at %s: %w", id, err)
		}
		state[tuple] = eventID
	}
	return state, nil
}

// stateMapRecord flattens a StateMap into a string-keyed map for CBOR.
// The tuple is encoded as "<type>\x00<state key>"; the NUL separator
// cannot appear in either half.
func stateMapRecord(state event.StateMap) map[string]ref.EventID {
	record := make(map[string]ref.EventID, len(state))
	for tuple, id := range state {
		record[tuple.Type+"\x00"+tuple.StateKey] = id
	}
	return record
}

func parseStateKey(key string) (event.StateKeyTuple, error) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return event.StateKeyTuple{Type: key[:i], StateKey: key[i+1:]}, nil
		}
	}
	return event.StateKeyTuple{}, fmt.Errorf("malformed state tuple key %q", key)
}

func (s *EventStore) getRecord(ctx context.Context, id ref.EventID) (eventRecord, bool, error) {
	value, found, err := s.kv.Get(ctx, eventKey(id))
	if err != nil || !found {
		return eventRecord{}, found, err
	}
	var record eventRecord
	if err := codec.Unmarshal(value, &record); err != nil {
		return eventRecord{}, true, fmt.Errorf("decoding record for %s: %w", id, err)
	}
	return record, true, nil
}

func (s *EventStore) recordBody(record eventRecord) ([]byte, error) {
	if !record.Compressed {
		return record.Raw, nil
	}
	raw, err := s.dec.DecodeAll(record.Raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing event body: %w", err)
	}
	return raw, nil
}
