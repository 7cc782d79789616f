// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/clock"
	"github.com/hankbao/conduit/lib/ref"
)

// maxTransactionPDUs caps how many events one transaction may carry.
const maxTransactionPDUs = 50

// transactionSender is the slice of Client the sender needs. Tests
// substitute a recording stub.
type transactionSender interface {
	SendTransaction(ctx context.Context, destination ref.ServerName, txnID string, pdus []json.RawMessage) error
}

// SenderConfig configures the outbound push queues.
type SenderConfig struct {
	// Client delivers transactions. Required.
	Client *Client

	// QueueSize bounds the per-destination backlog. When a queue is
	// full the oldest queued event is dropped; the destination will
	// recover missed history through backfill. Zero defaults to 256.
	QueueSize int

	// MaxBackoff caps the retry delay for an unreachable destination.
	// Zero defaults to 5 minutes.
	MaxBackoff time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger receives delivery diagnostics. Nil discards.
	Logger *slog.Logger
}

// Sender fans accepted local events out to remote servers. Each
// destination gets its own queue and delivery goroutine so one slow
// server cannot stall pushes to the others. Implements
// admission.Pusher.
type Sender struct {
	sender     transactionSender
	queueSize  int
	maxBackoff time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[ref.ServerName]*destinationQueue
}

// NewSender validates the configuration and starts the sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("federation: SenderConfig.Client is required")
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
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
	return &Sender{
		sender:     cfg.Client,
		queueSize:  queueSize,
		maxBackoff: maxBackoff,
		clock:      clk,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		queues:     make(map[ref.ServerName]*destinationQueue),
	}, nil
}

// newSenderForTest wires a stub transport. Test-only constructor.
func newSenderForTest(sender transactionSender, queueSize int, maxBackoff time.Duration, clk clock.Clock) *Sender {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		sender:     sender,
		queueSize:  queueSize,
		maxBackoff: maxBackoff,
		clock:      clk,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		ctx:        ctx,
		cancel:     cancel,
		queues:     make(map[ref.ServerName]*destinationQueue),
	}
}

// Push enqueues an event for every listed destination. Never blocks:
// a full queue drops its oldest entry instead.
func (s *Sender) Push(ev *event.Event, destinations []ref.ServerName) {
	raw := ev.Raw()
	for _, destination := range destinations {
		s.queueFor(destination).enqueue(raw)
	}
}

// Close stops all delivery goroutines and waits for them to exit.
// Queued but undelivered events are dropped.
func (s *Sender) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sender) queueFor(destination ref.ServerName) *destinationQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[destination]; ok {
		return q
	}
	q := &destinationQueue{
		sender:      s,
		destination: destination,
		wake:        make(chan struct{}, 1),
	}
	s.queues[destination] = q
	s.wg.Add(1)
	go q.run()
	return q
}

// destinationQueue owns delivery to one remote server.
type destinationQueue struct {
	sender      *Sender
	destination ref.ServerName
	wake        chan struct{}

	mu      sync.Mutex
	backlog []json.RawMessage
}

func (q *destinationQueue) enqueue(raw json.RawMessage) {
	q.mu.Lock()
	if len(q.backlog) >= q.sender.queueSize {
		q.backlog = q.backlog[1:]
		q.sender.logger.Warn("outbound queue full, dropping oldest event",
			"destination", q.destination.String())
	}
	q.backlog = append(q.backlog, raw)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// take removes up to maxTransactionPDUs events from the backlog.
func (q *destinationQueue) take() []json.RawMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.backlog)
	if n == 0 {
		return nil
	}
	if n > maxTransactionPDUs {
		n = maxTransactionPDUs
	}
	batch := q.backlog[:n:n]
	q.backlog = append([]json.RawMessage(nil), q.backlog[n:]...)
	return batch
}

// requeueFront puts a failed batch back at the head of the backlog so
// ordering survives a retry. Events beyond the queue bound fall off
// the tail.
func (q *destinationQueue) requeueFront(batch []json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backlog = append(batch, q.backlog...)
	if len(q.backlog) > q.sender.queueSize {
		dropped := len(q.backlog) - q.sender.queueSize
		q.backlog = q.backlog[:q.sender.queueSize]
		q.sender.logger.Warn("outbound queue full, dropping newest events after retry",
			"destination", q.destination.String(), "dropped", dropped)
	}
}

func (q *destinationQueue) run() {
	defer q.sender.wg.Done()
	backoff := time.Duration(0)
	for {
		batch := q.take()
		if batch == nil {
			select {
			case <-q.wake:
				continue
			case <-q.sender.ctx.Done():
				return
			}
		}

		txnID := uuid.NewString()
		err := q.sender.sender.SendTransaction(q.sender.ctx, q.destination, txnID, batch)
		if err == nil {
			backoff = 0
			continue
		}
		if q.sender.ctx.Err() != nil {
			return
		}

		q.requeueFront(batch)
		if backoff == 0 {
			backoff = time.Second
		} else {
			backoff *= 2
			if backoff > q.sender.maxBackoff {
				backoff = q.sender.maxBackoff
			}
		}
		q.sender.logger.Info("transaction delivery failed, backing off",
			"destination", q.destination.String(), "txn_id", txnID,
			"backoff", backoff, "error", err)
		select {
		case <-q.sender.clock.After(backoff):
		case <-q.sender.ctx.Done():
			return
		}
	}
}
