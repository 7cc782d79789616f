// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"context"
	"errors"
	"sort"

	"github.com/hankbao/conduit/auth"
	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/ref"
	"github.com/hankbao/conduit/room"
	"github.com/hankbao/conduit/signing"
	"github.com/hankbao/conduit/stateres"
	"github.com/hankbao/conduit/storage"
)

// maxBackfillDepth caps recursive ancestor fetching per admission.
// Deeper gaps park the event and fill in across retries instead of
// unbounded recursion in one pass.
const maxBackfillDepth = 50

type task struct {
	ev      *event.Event
	origin  ref.ServerName
	isLocal bool
	reply   chan taskReply

	// retryPending marks timer-driven retry ticks; ev is nil.
	retryPending bool
}

type taskReply struct {
	result Result
	err    error
}

// parked is an event waiting for ancestors that backfill has not yet
// produced.
type parked struct {
	ev      *event.Event
	origin  ref.ServerName
	isLocal bool
	missing map[ref.EventID]bool
}

// roomWorker serializes all admission for one room. Every field below
// inbox is owned by the worker goroutine exclusively.
type roomWorker struct {
	p      *Pipeline
	roomID ref.RoomID
	cache  *room.Cache
	inbox  chan *task

	pending []*parked
}

func (w *roomWorker) run() {
	defer w.p.wg.Done()
	for {
		select {
		case <-w.p.ctx.Done():
			return
		case t := <-w.inbox:
			if t.retryPending {
				w.retryPending()
				continue
			}
			result, err := w.process(w.p.ctx, t.ev, t.origin, t.isLocal, 0)
			t.reply <- taskReply{result: result, err: err}
			if result.Status == Accepted {
				w.retrySatisfied()
			}
		}
	}
}

// process runs one event through the pipeline stages. depth tracks
// backfill recursion.
func (w *roomWorker) process(ctx context.Context, ev *event.Event, origin ref.ServerName, isLocal bool, depth int) (Result, error) {
	// Stored already, accepted or rejected: admission is idempotent
	// and re-offers must not produce duplicate side effects.
	if stored, err := w.p.store.Contains(ctx, ev.ID); err != nil {
		return Result{}, err
	} else if stored {
		if rejected, reason, err := w.p.store.IsRejected(ctx, ev.ID); err != nil {
			return Result{}, err
		} else if rejected {
			return Result{Status: Rejected, EventID: ev.ID, Reason: reason}, nil
		}
		return Result{Status: Accepted, EventID: ev.ID}, nil
	}

	if err := w.p.keyring.VerifyEventSignature(ctx, ev); err != nil {
		retryable := errors.Is(err, signing.ErrKeyUnavailable)
		w.p.logger.Info("event signature rejected",
			"event_id", ev.ID, "room_id", w.roomID, "retryable", retryable, "error", err)
		return Result{Status: Rejected, EventID: ev.ID, Reason: err.Error(), Retryable: retryable}, nil
	}

	missing, err := w.missingParents(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	if len(missing) > 0 {
		missing, err = w.backfillParents(ctx, ev, origin, missing, depth)
		if err != nil {
			return Result{}, err
		}
		if len(missing) > 0 {
			w.park(ev, origin, isLocal, missing)
			return Result{Status: Pending, EventID: ev.ID, Missing: missing}, nil
		}
	}

	authState, err := w.authStateOf(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	if authErr := auth.Authorize(ev, authState); authErr != nil {
		if err := w.p.store.AppendRejected(ctx, ev, authErr.Error()); err != nil && !errors.Is(err, storage.ErrDuplicateEvent) {
			return Result{}, err
		}
		w.p.logger.Info("event rejected by auth rules",
			"event_id", ev.ID, "room_id", w.roomID, "error", authErr)
		return Result{Status: Rejected, EventID: ev.ID, Reason: authErr.Error()}, nil
	}

	if err := w.p.store.Append(ctx, ev); err != nil && !errors.Is(err, storage.ErrDuplicateEvent) {
		return Result{}, err
	}

	snapshot, err := w.updateState(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	if isLocal && w.p.pusher != nil {
		if destinations := w.remoteDestinations(ctx, snapshot); len(destinations) > 0 {
			w.p.pusher.Push(ev, destinations)
		}
	}

	return Result{Status: Accepted, EventID: ev.ID}, nil
}

// missingParents lists the declared prev and auth events not yet
// stored, sorted by ID.
func (w *roomWorker) missingParents(ctx context.Context, ev *event.Event) ([]ref.EventID, error) {
	seen := make(map[ref.EventID]bool)
	var missing []ref.EventID
	for _, list := range [][]ref.EventID{ev.PrevEvents, ev.AuthEvents} {
		for _, id := range list {
			if seen[id] {
				continue
			}
			seen[id] = true
			stored, err := w.p.store.Contains(ctx, id)
			if err != nil {
				return nil, err
			}
			if !stored {
				missing = append(missing, id)
			}
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].String() < missing[j].String() })
	return missing, nil
}

// backfillParents fetches missing ancestors and admits them through
// the same pipeline before the dependent event continues. Returns the
// ancestors still missing afterwards.
func (w *roomWorker) backfillParents(ctx context.Context, ev *event.Event, origin ref.ServerName, missing []ref.EventID, depth int) ([]ref.EventID, error) {
	if w.p.backfill == nil || depth >= maxBackfillDepth {
		return missing, nil
	}

	fetched, err := w.p.backfill.RequestMissing(ctx, w.roomID, missing, []ref.ServerName{origin})
	if err != nil {
		w.p.logger.Warn("backfill request failed",
			"room_id", w.roomID, "event_id", ev.ID, "missing", len(missing), "error", err)
		return missing, nil
	}

	for _, id := range missing {
		raw, ok := fetched[id]
		if !ok {
			continue
		}
		parent, err := event.Parse(raw)
		if err != nil || parent.ID != id {
			// The remote served bytes that do not hash to the
			// requested ID. Skip them; the gap stays open.
			w.p.logger.Warn("backfill returned mismatched event", "requested", id, "error", err)
			continue
		}
		// The parent's verdict does not gate the child here: a
		// rejected ancestor is still stored and satisfies the
		// dependency.
		if _, err := w.process(ctx, parent, origin, false, depth+1); err != nil {
			return nil, err
		}
	}
	return w.missingParents(ctx, ev)
}

// park records an event blocked on missing ancestors and arms the
// retry timer. The room keeps serving its last resolved state.
func (w *roomWorker) park(ev *event.Event, origin ref.ServerName, isLocal bool, missing []ref.EventID) {
	for _, existing := range w.pending {
		if existing.ev.ID == ev.ID {
			return
		}
	}
	missingSet := make(map[ref.EventID]bool, len(missing))
	for _, id := range missing {
		missingSet[id] = true
	}
	w.pending = append(w.pending, &parked{ev: ev, origin: origin, isLocal: isLocal, missing: missingSet})

	gap := &UnresolvableGapError{Room: w.roomID, Missing: missing}
	w.p.logger.Warn("event parked on unresolvable gap",
		"event_id", ev.ID, "room_id", w.roomID, "missing", len(missing), "error", gap)

	w.p.clock.AfterFunc(w.p.retry, func() {
		select {
		case w.inbox <- &task{retryPending: true}:
		default:
			// Inbox full means the worker has plenty of queued work;
			// the satisfied-retry scan after each accept covers us.
		}
	})
}

// retryPending re-offers every parked event. Called on the retry
// timer; events still blocked park themselves again.
func (w *roomWorker) retryPending() {
	w.drainPending(func(*parked) bool { return true })
}

// retrySatisfied re-offers parked events at least one of whose missing
// ancestors has been stored since parking.
func (w *roomWorker) retrySatisfied() {
	w.drainPending(func(pk *parked) bool {
		for id := range pk.missing {
			stored, err := w.p.store.Contains(w.p.ctx, id)
			if err == nil && stored {
				return true
			}
		}
		return false
	})
}

func (w *roomWorker) drainPending(eligible func(*parked) bool) {
	queue := w.pending
	w.pending = nil
	for _, pk := range queue {
		if !eligible(pk) {
			w.pending = append(w.pending, pk)
			continue
		}
		if _, err := w.process(w.p.ctx, pk.ev, pk.origin, pk.isLocal, 0); err != nil {
			w.p.logger.Error("retrying parked event failed",
				"event_id", pk.ev.ID, "room_id", w.roomID, "error", err)
			w.pending = append(w.pending, pk)
		}
	}
}

// authStateOf loads the state events the PDU declares as its auth
// events. All of them are stored by this point.
func (w *roomWorker) authStateOf(ctx context.Context, ev *event.Event) (auth.State, error) {
	events := make([]*event.Event, 0, len(ev.AuthEvents))
	for _, id := range ev.AuthEvents {
		authEvent, err := w.p.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		events = append(events, authEvent)
	}
	state, err := auth.StateFromEvents(events)
	if err != nil {
		// Duplicate or non-state auth references. Treat as an auth
		// failure by returning an empty state; Authorize will reject
		// for lack of a create event.
		w.p.logger.Info("malformed auth references", "event_id", ev.ID, "error", err)
		return auth.State{}, nil
	}
	return state, nil
}

// updateState recomputes the room's resolved state after an accepted
// event and swaps the new snapshot in.
func (w *roomWorker) updateState(ctx context.Context, ev *event.Event) (*room.Snapshot, error) {
	stateAtEvent, err := w.stateAfter(ctx, ev)
	if err != nil {
		return nil, err
	}
	if err := w.p.store.SetStateAt(ctx, ev.ID, stateAtEvent); err != nil {
		return nil, err
	}

	extremities, err := w.p.store.ForwardExtremities(ctx, w.roomID)
	if err != nil {
		return nil, err
	}

	var resolved event.StateMap
	if len(extremities) == 1 && extremities[0] == ev.ID {
		// Fast path: the event extended the sole tip; its own state is
		// the room's state.
		resolved = stateAtEvent
	} else {
		sets := make([]event.StateMap, 0, len(extremities))
		for _, id := range extremities {
			if id == ev.ID {
				sets = append(sets, stateAtEvent)
				continue
			}
			set, err := w.p.store.StateAt(ctx, id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					// An extremity admitted before state snapshots
					// were recorded. Fall back to the cached view.
					sets = append(sets, w.cache.Snapshot().State)
					continue
				}
				return nil, err
			}
			sets = append(sets, set)
		}
		resolved, err = stateres.Resolve(ctx, sets, w.p.store)
		if err != nil {
			// Resolution is total over stored inputs; a failure here
			// is a correctness bug or corrupted storage, not a
			// recoverable room condition.
			w.p.logger.Error("state resolution failed",
				"room_id", w.roomID, "event_id", ev.ID, "error", err)
			return nil, err
		}
	}

	return w.cache.Swap(resolved, extremities), nil
}

// stateAfter computes the room state immediately after ev on its own
// branch: the resolution of its parents' states with ev applied.
func (w *roomWorker) stateAfter(ctx context.Context, ev *event.Event) (event.StateMap, error) {
	sets := make([]event.StateMap, 0, len(ev.PrevEvents))
	for _, id := range ev.PrevEvents {
		set, err := w.p.store.StateAt(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				set = w.cache.Snapshot().State
			} else {
				return nil, err
			}
		}
		sets = append(sets, set)
	}
	base, err := stateres.Resolve(ctx, sets, w.p.store)
	if err != nil {
		return nil, err
	}
	if tuple, ok := ev.StateTuple(); ok {
		base[tuple] = ev.ID
	}
	return base, nil
}

// remoteDestinations lists the servers of joined members other than
// this one, computed from the resolved snapshot.
func (w *roomWorker) remoteDestinations(ctx context.Context, snapshot *room.Snapshot) []ref.ServerName {
	seen := make(map[ref.ServerName]bool)
	var destinations []ref.ServerName
	for tuple, id := range snapshot.State {
		if tuple.Type != event.TypeMember {
			continue
		}
		user, err := ref.ParseUserID(tuple.StateKey)
		if err != nil || user.ServerName() == w.p.serverName {
			continue
		}
		memberEvent, err := w.p.store.Get(ctx, id)
		if err != nil {
			continue
		}
		content, err := event.ParseMemberContent(memberEvent.Content)
		if err != nil || content.Membership != event.MembershipJoin {
			continue
		}
		if !seen[user.ServerName()] {
			seen[user.ServerName()] = true
			destinations = append(destinations, user.ServerName())
		}
	}
	sort.Slice(destinations, func(i, j int) bool { return destinations[i].String() < destinations[j].String() })
	return destinations
}
