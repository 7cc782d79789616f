// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hankbao/conduit/auth"
	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/clock"
	"github.com/hankbao/conduit/lib/ref"
	"github.com/hankbao/conduit/room"
	"github.com/hankbao/conduit/signing"
	"github.com/hankbao/conduit/storage"
)

// Backfiller fetches missing ancestor events from remote servers.
// Implemented by the federation client; nil disables backfill (events
// with unknown parents stay pending until re-offered).
type Backfiller interface {
	// RequestMissing fetches the listed events, preferring the given
	// candidate servers. It returns raw bodies for the events it
	// obtained; absent entries are simply not in the result. An error
	// means the fetch machinery itself failed.
	RequestMissing(ctx context.Context, roomID ref.RoomID, ids []ref.EventID, from []ref.ServerName) (map[ref.EventID]json.RawMessage, error)
}

// Pusher queues an accepted local event for delivery to remote
// servers. Implemented by the federation sender; nil disables
// outbound federation.
type Pusher interface {
	Push(ev *event.Event, destinations []ref.ServerName)
}

// Config assembles a Pipeline. ServerName, Key, Store, Keyring, and
// Rooms are required.
type Config struct {
	ServerName ref.ServerName
	Key        signing.LocalKey

	Store   *storage.EventStore
	Keyring *signing.Keyring
	Rooms   *room.Registry

	Backfill Backfiller
	Pusher   Pusher

	// RetryInterval is how long a room with an unresolvable gap waits
	// before retrying backfill. Zero defaults to 30 seconds.
	RetryInterval time.Duration

	// QueueSize bounds each room worker's inbox. Zero defaults to 64.
	QueueSize int

	// Clock defaults to the real clock; tests inject a fake.
	Clock clock.Clock

	// Logger receives pipeline diagnostics. Nil discards.
	Logger *slog.Logger
}

// Pipeline admits events into rooms. Create with New, shut down with
// Close. Safe for concurrent use.
type Pipeline struct {
	serverName ref.ServerName
	key        signing.LocalKey
	store      *storage.EventStore
	keyring    *signing.Keyring
	rooms      *room.Registry
	backfill   Backfiller
	pusher     Pusher
	retry      time.Duration
	queueSize  int
	clock      clock.Clock
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[ref.RoomID]*roomWorker
}

// New validates the configuration and returns a running pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.ServerName.IsZero() {
		return nil, fmt.Errorf("admission: Config.ServerName is required")
	}
	if cfg.Key.PrivateKey == nil {
		return nil, fmt.Errorf("admission: Config.Key is required")
	}
	if cfg.Store == nil || cfg.Keyring == nil || cfg.Rooms == nil {
		return nil, fmt.Errorf("admission: Config.Store, Keyring, and Rooms are required")
	}
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = 30 * time.Second
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		serverName: cfg.ServerName,
		key:        cfg.Key,
		store:      cfg.Store,
		keyring:    cfg.Keyring,
		rooms:      cfg.Rooms,
		backfill:   cfg.Backfill,
		pusher:     cfg.Pusher,
		retry:      retry,
		queueSize:  queueSize,
		clock:      clk,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		workers:    make(map[ref.RoomID]*roomWorker),
	}, nil
}

// Close stops all room workers and waits for in-flight admissions to
// finish. Parked pending events are dropped; their originals can be
// re-offered after restart since admission is idempotent.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// CurrentState returns the room's resolved state snapshot. Unknown
// rooms read as empty.
func (p *Pipeline) CurrentState(roomID ref.RoomID) *room.Snapshot {
	cache, ok := p.rooms.Lookup(roomID)
	if !ok {
		return &room.Snapshot{State: event.StateMap{}}
	}
	return cache.Snapshot()
}

// AdmitRemote runs a received PDU through the pipeline and reports
// the verdict. Unparseable or hash-mismatched bytes return a
// MalformedEventError alongside the Rejected result.
func (p *Pipeline) AdmitRemote(ctx context.Context, raw json.RawMessage) (Result, error) {
	ev, err := event.Parse(raw)
	if err != nil {
		malformed := &MalformedEventError{Err: err}
		return Result{Status: Rejected, Reason: malformed.Error()}, malformed
	}
	return p.dispatch(ctx, ev, ev.Sender.ServerName(), false)
}

// SubmitLocal builds, signs, and admits an event from a local user,
// then queues it for federation push. Returns the event ID on
// acceptance; an authorization failure surfaces as the *auth.Error
// that rejected it.
func (p *Pipeline) SubmitLocal(ctx context.Context, roomID ref.RoomID, sender ref.UserID, eventType string, stateKey *string, content json.RawMessage) (ref.EventID, error) {
	ev, err := p.buildLocal(ctx, roomID, sender, eventType, stateKey, content)
	if err != nil {
		return ref.EventID{}, err
	}
	result, err := p.dispatch(ctx, ev, p.serverName, true)
	if err != nil {
		return ref.EventID{}, err
	}
	switch result.Status {
	case Accepted:
		return ev.ID, nil
	case Pending:
		// A locally built event references only stored parents; a
		// pending verdict means the store changed underneath us.
		return ref.EventID{}, fmt.Errorf("local event %s pending on %v", ev.ID, result.Missing)
	default:
		return ref.EventID{}, fmt.Errorf("local event rejected: %s", result.Reason)
	}
}

// buildLocal assembles a signed event on top of the room's current
// forward extremities.
func (p *Pipeline) buildLocal(ctx context.Context, roomID ref.RoomID, sender ref.UserID, eventType string, stateKey *string, content json.RawMessage) (*event.Event, error) {
	pdu := event.PDU{
		RoomID:         roomID,
		Type:           eventType,
		StateKey:       stateKey,
		Sender:         sender,
		OriginServerTS: p.clock.Now().UnixMilli(),
		Content:        content,
	}

	isCreate := eventType == event.TypeCreate && stateKey != nil && *stateKey == ""
	if !isCreate {
		extremities, err := p.store.ForwardExtremities(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("reading extremities: %w", err)
		}
		if len(extremities) == 0 {
			return nil, fmt.Errorf("room %s has no events", roomID)
		}
		if len(extremities) > event.MaxPrevEvents {
			extremities = extremities[:event.MaxPrevEvents]
		}
		pdu.PrevEvents = extremities
		for _, id := range extremities {
			parent, err := p.store.Get(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("loading extremity: %w", err)
			}
			if parent.Depth >= pdu.Depth {
				pdu.Depth = parent.Depth + 1
			}
		}

		state := p.CurrentState(roomID).State
		for _, tuple := range auth.Selection(&pdu) {
			if id, ok := state[tuple]; ok {
				pdu.AuthEvents = append(pdu.AuthEvents, id)
			}
		}
	}

	finalized, err := event.Finalize(pdu)
	if err != nil {
		return nil, fmt.Errorf("finalizing event: %w", err)
	}
	signed, err := signing.SignEvent(finalized, p.serverName, p.key.KeyID, p.key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("signing event: %w", err)
	}
	ev, err := event.Parse(signed)
	if err != nil {
		return nil, fmt.Errorf("parsing signed event: %w", err)
	}
	return ev, nil
}

// dispatch hands the event to its room's worker and waits for the
// verdict.
func (p *Pipeline) dispatch(ctx context.Context, ev *event.Event, origin ref.ServerName, isLocal bool) (Result, error) {
	w := p.worker(ev.RoomID)
	t := &task{ev: ev, origin: origin, isLocal: isLocal, reply: make(chan taskReply, 1)}
	select {
	case w.inbox <- t:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.ctx.Done():
		return Result{}, fmt.Errorf("admission pipeline is shut down")
	}
	select {
	case reply := <-t.reply:
		return reply.result, reply.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.ctx.Done():
		return Result{}, fmt.Errorf("admission pipeline is shut down")
	}
}

// worker returns the room's worker, starting one on first use.
func (p *Pipeline) worker(roomID ref.RoomID) *roomWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[roomID]; ok {
		return w
	}
	w := &roomWorker{
		p:      p,
		roomID: roomID,
		cache:  p.rooms.Get(roomID),
		inbox:  make(chan *task, p.queueSize),
	}
	p.workers[roomID] = w
	p.wg.Add(1)
	go w.run()
	return w
}
