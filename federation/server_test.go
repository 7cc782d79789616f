// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hankbao/conduit/admission"
	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/clock"
	"github.com/hankbao/conduit/lib/ref"
	"github.com/hankbao/conduit/lib/sqlitepool"
	"github.com/hankbao/conduit/signing"
	"github.com/hankbao/conduit/storage"
)

// stubAdmitter records admitted PDUs and serves canned verdicts.
type stubAdmitter struct {
	mu      sync.Mutex
	raws    []json.RawMessage
	results map[string]admission.Result
}

func (a *stubAdmitter) AdmitRemote(_ context.Context, raw json.RawMessage) (admission.Result, error) {
	ev, err := event.Parse(raw)
	if err != nil {
		malformed := &admission.MalformedEventError{Err: err}
		return admission.Result{Status: admission.Rejected, Reason: malformed.Error()}, malformed
	}
	a.mu.Lock()
	a.raws = append(a.raws, raw)
	a.mu.Unlock()
	if result, ok := a.results[ev.ID.String()]; ok {
		result.EventID = ev.ID
		return result, nil
	}
	return admission.Result{Status: admission.Accepted, EventID: ev.ID}, nil
}

func (a *stubAdmitter) admitted() []json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]json.RawMessage(nil), a.raws...)
}

// testServer is a federation endpoint running over loopback HTTP with
// a real event store and a stub admission pipeline.
type testServer struct {
	name     ref.ServerName
	store    *storage.EventStore
	admitter *stubAdmitter
	keyring  *signing.Keyring
	ts       *httptest.Server

	remote      ref.ServerName
	remoteKeyID ref.KeyID
	remoteKey   ed25519.PrivateKey
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "events.db"),
		PoolSize:  2,
		OnConnect: storage.PrepareConn,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	store, err := storage.NewEventStore(storage.EventStoreConfig{KV: storage.NewSQLiteKV(pool)})
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	remote := ref.MustParseServerName("origin.example")
	remoteKeyID := ref.MustParseKeyID("ed25519:v1")
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	keyring := signing.NewKeyring(&staticFetcher{}, clock.Fake(time.Unix(1700000000, 0)), slog.New(slog.NewTextHandler(io.Discard, nil)))
	keyring.AddLocalKey(remote, remoteKeyID, public)

	s := &testServer{
		store:       store,
		admitter:    &stubAdmitter{results: map[string]admission.Result{}},
		keyring:     keyring,
		remote:      remote,
		remoteKeyID: remoteKeyID,
		remoteKey:   private,
	}
	// The handler needs the listener's host:port as its server name,
	// which is only known once the listener is up.
	var handler http.Handler
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(s.ts.Close)
	s.name = ref.MustParseServerName(strings.TrimPrefix(s.ts.URL, "http://"))

	handler, err = NewHandler(HandlerConfig{
		ServerName: s.name,
		Keyring:    keyring,
		Admitter:   s.admitter,
		Events:     store,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return s
}

// request performs a signed federation request against the test
// server and decodes the JSON response.
func (s *testServer) request(t *testing.T, method, path string, body []byte, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequest(method, s.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	authorization, err := signRequest(method, path, s.remote, s.name, body, s.remoteKeyID, s.remoteKey)
	if err != nil {
		t.Fatalf("signing request: %v", err)
	}
	request.Header.Set("Authorization", authorization)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			t.Fatalf("decoding response %s: %v", payload, err)
		}
	}
	return response.StatusCode
}

func transactionBody(t *testing.T, origin ref.ServerName, pdus ...json.RawMessage) []byte {
	t.Helper()
	body, err := json.Marshal(transaction{
		Origin:         origin.String(),
		OriginServerTS: 1700000000000,
		PDUs:           pdus,
	})
	if err != nil {
		t.Fatalf("marshaling transaction: %v", err)
	}
	return body
}

func TestHandlerRejectsUnsignedRequest(t *testing.T) {
	s := newTestServer(t)
	body := transactionBody(t, s.remote)
	request, err := http.NewRequest(http.MethodPut, s.ts.URL+"/_matrix/federation/v1/send/txn1", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("sending request: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", response.StatusCode)
	}
	if len(s.admitter.admitted()) != 0 {
		t.Error("unauthenticated transaction reached the admission pipeline")
	}
}

func TestHandlerSendTransaction(t *testing.T) {
	s := newTestServer(t)
	good := testEvent(t, 1)
	bad := testEvent(t, 2)
	s.admitter.results[bad.ID.String()] = admission.Result{
		Status: admission.Rejected,
		Reason: "auth: sender not joined",
	}

	var response struct {
		PDUs map[string]struct {
			Error string `json:"error"`
		} `json:"pdus"`
	}
	body := transactionBody(t, s.remote, good.Raw(), bad.Raw())
	status := s.request(t, http.MethodPut, "/_matrix/federation/v1/send/txn1", body, &response)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(response.PDUs) != 2 {
		t.Fatalf("response covers %d events, want 2", len(response.PDUs))
	}
	if outcome := response.PDUs[good.ID.String()]; outcome.Error != "" {
		t.Errorf("accepted event reported error %q", outcome.Error)
	}
	if outcome := response.PDUs[bad.ID.String()]; outcome.Error == "" {
		t.Error("rejected event reported no error")
	}
	if got := len(s.admitter.admitted()); got != 2 {
		t.Errorf("admitter saw %d events, want 2", got)
	}
}

func TestHandlerMalformedEventDoesNotFailBatch(t *testing.T) {
	s := newTestServer(t)
	good := testEvent(t, 1)
	garbage := json.RawMessage(`{"not":"an event"}`)

	var response struct {
		PDUs map[string]struct {
			Error string `json:"error"`
		} `json:"pdus"`
	}
	body := transactionBody(t, s.remote, garbage, good.Raw())
	status := s.request(t, http.MethodPut, "/_matrix/federation/v1/send/txn1", body, &response)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if _, ok := response.PDUs[good.ID.String()]; !ok {
		t.Error("valid event missing from transaction response")
	}
	if got := len(s.admitter.admitted()); got != 1 {
		t.Errorf("admitter saw %d events, want 1", got)
	}
}

func TestHandlerTransactionOriginMismatch(t *testing.T) {
	s := newTestServer(t)
	body := transactionBody(t, ref.MustParseServerName("liar.example"), testEvent(t, 1).Raw())
	status := s.request(t, http.MethodPut, "/_matrix/federation/v1/send/txn1", body, nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
	if len(s.admitter.admitted()) != 0 {
		t.Error("transaction with a forged origin reached the admission pipeline")
	}
}

func TestHandlerGetEvent(t *testing.T) {
	s := newTestServer(t)
	ev := testEvent(t, 1)
	if err := s.store.Append(context.Background(), ev); err != nil {
		t.Fatalf("appending event: %v", err)
	}

	var response struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	status := s.request(t, http.MethodGet, "/_matrix/federation/v1/event/"+ev.ID.String(), nil, &response)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(response.PDUs) != 1 || string(response.PDUs[0]) != string(ev.Raw()) {
		t.Errorf("served pdus %v, want the stored event", response.PDUs)
	}
}

func TestHandlerGetEventNotFound(t *testing.T) {
	s := newTestServer(t)
	missing := testEvent(t, 9)
	status := s.request(t, http.MethodGet, "/_matrix/federation/v1/event/"+missing.ID.String(), nil, nil)
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}
