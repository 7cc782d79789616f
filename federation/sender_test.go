// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/clock"
	"github.com/hankbao/conduit/lib/ref"
	"github.com/hankbao/conduit/lib/testutil"
)

// stubTransport records SendTransaction calls. failures>0 makes the
// next calls fail; gate, when set, blocks each call until released.
type stubTransport struct {
	mu       sync.Mutex
	failures int
	calls    []stubCall
	started  chan struct{}
	gate     chan struct{}
	sent     chan stubCall
}

type stubCall struct {
	destination ref.ServerName
	txnID       string
	pdus        []json.RawMessage
	failed      bool
}

func newStubTransport() *stubTransport {
	return &stubTransport{
		started: make(chan struct{}, 64),
		sent:    make(chan stubCall, 64),
	}
}

func (s *stubTransport) SendTransaction(_ context.Context, destination ref.ServerName, txnID string, pdus []json.RawMessage) error {
	s.started <- struct{}{}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	call := stubCall{destination: destination, txnID: txnID, pdus: pdus, failed: fail}
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	s.sent <- call
	if fail {
		return errors.New("connection refused")
	}
	return nil
}

func (s *stubTransport) recorded() []stubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stubCall(nil), s.calls...)
}

// testEvent builds a minimal stored-form event whose body carries a
// distinguishing marker.
func testEvent(t *testing.T, marker int) *event.Event {
	t.Helper()
	stateKey := ""
	finalized, err := event.Finalize(event.PDU{
		RoomID:         ref.MustParseRoomID(fmt.Sprintf("!push%d:origin.example", marker)),
		Type:           event.TypeCreate,
		StateKey:       &stateKey,
		Sender:         ref.MustParseUserID("@alice:origin.example"),
		OriginServerTS: 1700000000000,
		Content:        json.RawMessage(`{"room_version":"11"}`),
	})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	ev, err := event.Parse(finalized)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return ev
}

// waitCall advances the fake clock until the transport reports a call.
func waitCall(t *testing.T, clk *clock.FakeClock, transport *stubTransport) stubCall {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case call := <-transport.sent:
			return call
		case <-time.After(time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for a transaction")
			}
			clk.Advance(500 * time.Millisecond)
		}
	}
}

func TestSenderDeliversToEachDestination(t *testing.T) {
	transport := newStubTransport()
	clk := clock.Fake(time.Unix(1700000000, 0))
	sender := newSenderForTest(transport, 16, time.Minute, clk)
	defer sender.Close()

	one := ref.MustParseServerName("one.example")
	two := ref.MustParseServerName("two.example")
	ev := testEvent(t, 1)
	sender.Push(ev, []ref.ServerName{one, two})

	seen := map[ref.ServerName]stubCall{}
	for i := 0; i < 2; i++ {
		call := waitCall(t, clk, transport)
		seen[call.destination] = call
	}
	for _, destination := range []ref.ServerName{one, two} {
		call, ok := seen[destination]
		if !ok {
			t.Fatalf("no transaction sent to %s", destination)
		}
		if len(call.pdus) != 1 || string(call.pdus[0]) != string(ev.Raw()) {
			t.Errorf("destination %s got pdus %v", destination, call.pdus)
		}
		if call.txnID == "" {
			t.Errorf("destination %s got empty transaction ID", destination)
		}
	}
}

func TestSenderRetriesWithBackoff(t *testing.T) {
	transport := newStubTransport()
	transport.failures = 3
	clk := clock.Fake(time.Unix(1700000000, 0))
	sender := newSenderForTest(transport, 16, 4*time.Second, clk)
	defer sender.Close()

	destination := ref.MustParseServerName("flaky.example")
	ev := testEvent(t, 1)
	sender.Push(ev, []ref.ServerName{destination})

	var attempts []stubCall
	for {
		call := waitCall(t, clk, transport)
		attempts = append(attempts, call)
		if !call.failed {
			break
		}
	}
	if len(attempts) != 4 {
		t.Fatalf("delivered after %d attempts, want 4", len(attempts))
	}
	for i, call := range attempts {
		if len(call.pdus) != 1 || string(call.pdus[0]) != string(ev.Raw()) {
			t.Errorf("attempt %d carried pdus %v, want the original event", i, call.pdus)
		}
	}
}

func TestSenderDropsOldestWhenQueueFull(t *testing.T) {
	transport := newStubTransport()
	transport.gate = make(chan struct{})
	clk := clock.Fake(time.Unix(1700000000, 0))
	sender := newSenderForTest(transport, 4, time.Minute, clk)
	defer sender.Close()

	destination := ref.MustParseServerName("slow.example")
	events := make([]*event.Event, 7)
	for i := range events {
		events[i] = testEvent(t, i)
	}

	// The first push starts a delivery that blocks on the gate; the
	// rest pile up behind it and overflow the queue of 4.
	sender.Push(events[0], []ref.ServerName{destination})
	testutil.RequireReceive(t, transport.started, 5*time.Second, "waiting for the first delivery to start")
	for _, ev := range events[1:] {
		sender.Push(ev, []ref.ServerName{destination})
	}
	close(transport.gate)

	first := waitCall(t, clk, transport)
	if len(first.pdus) != 1 || string(first.pdus[0]) != string(events[0].Raw()) {
		t.Fatalf("first transaction carried %v", first.pdus)
	}
	second := waitCall(t, clk, transport)
	want := events[3:] // events 1 and 2 were dropped as oldest
	if len(second.pdus) != len(want) {
		t.Fatalf("second transaction carried %d events, want %d", len(second.pdus), len(want))
	}
	for i, ev := range want {
		if string(second.pdus[i]) != string(ev.Raw()) {
			t.Errorf("second transaction pdu %d mismatch", i)
		}
	}
}

func TestSenderBatchesLargeBacklogs(t *testing.T) {
	transport := newStubTransport()
	transport.gate = make(chan struct{})
	clk := clock.Fake(time.Unix(1700000000, 0))
	sender := newSenderForTest(transport, 128, time.Minute, clk)
	defer sender.Close()

	destination := ref.MustParseServerName("busy.example")
	total := 1 + maxTransactionPDUs + 4
	for i := 0; i < total; i++ {
		sender.Push(testEvent(t, i), []ref.ServerName{destination})
	}
	close(transport.gate)

	var sizes []int
	delivered := 0
	for delivered < total {
		call := waitCall(t, clk, transport)
		sizes = append(sizes, len(call.pdus))
		delivered += len(call.pdus)
	}
	for i, size := range sizes {
		if size > maxTransactionPDUs {
			t.Errorf("transaction %d carried %d events, cap is %d", i, size, maxTransactionPDUs)
		}
	}
	if delivered != total {
		t.Errorf("delivered %d events, want %d", delivered, total)
	}
}
