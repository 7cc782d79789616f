// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/hankbao/conduit/admission"
	"github.com/hankbao/conduit/lib/ref"
	"github.com/hankbao/conduit/signing"
	"github.com/hankbao/conduit/storage"
)

// maxRequestBytes caps inbound federation request bodies.
const maxRequestBytes = 8 << 20

// Admitter runs received PDUs through the admission pipeline.
// Implemented by admission.Pipeline.
type Admitter interface {
	AdmitRemote(ctx context.Context, raw json.RawMessage) (admission.Result, error)
}

// HandlerConfig wires the inbound federation endpoints.
type HandlerConfig struct {
	// ServerName is this server's identity; inbound signatures are
	// verified against it as the destination.
	ServerName ref.ServerName

	// Keyring verifies inbound request signatures. Required.
	Keyring *signing.Keyring

	// Admitter receives authenticated PDUs. Required.
	Admitter Admitter

	// Events serves GET /event requests. Required.
	Events *storage.EventStore

	// Logger receives request diagnostics. Nil discards.
	Logger *slog.Logger
}

// handler carries the endpoint dependencies.
type handler struct {
	serverName ref.ServerName
	keyring    *signing.Keyring
	admitter   Admitter
	events     *storage.EventStore
	logger     *slog.Logger
}

// NewHandler returns the federation HTTP mux.
func NewHandler(cfg HandlerConfig) (http.Handler, error) {
	if cfg.ServerName.IsZero() {
		return nil, fmt.Errorf("federation: HandlerConfig.ServerName is required")
	}
	if cfg.Keyring == nil {
		return nil, fmt.Errorf("federation: HandlerConfig.Keyring is required")
	}
	if cfg.Admitter == nil {
		return nil, fmt.Errorf("federation: HandlerConfig.Admitter is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("federation: HandlerConfig.Events is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &handler{
		serverName: cfg.ServerName,
		keyring:    cfg.Keyring,
		admitter:   cfg.Admitter,
		events:     cfg.Events,
		logger:     logger,
	}
	router := httprouter.New()
	router.PUT("/_matrix/federation/v1/send/:txnID", h.sendTransaction)
	router.GET("/_matrix/federation/v1/event/:eventID", h.getEvent)
	return router, nil
}

// errorBody writes a Matrix-style JSON error.
func errorBody(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"errcode": code,
		"error":   message,
	})
}

// authenticate verifies the X-Matrix signature on an inbound request
// and returns the origin server. The body is consumed; callers get it
// back for reuse.
func (h *handler) authenticate(w http.ResponseWriter, r *http.Request) (ref.ServerName, []byte, bool) {
	var body []byte
	if r.Body != nil {
		read, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			errorBody(w, http.StatusBadRequest, "M_NOT_JSON", "unreadable request body")
			return ref.ServerName{}, nil, false
		}
		if len(read) > 0 {
			body = read
		}
	}
	origin, err := VerifyRequest(r.Context(), h.keyring, r.Method, r.URL.RequestURI(), h.serverName, body, r.Header.Get("Authorization"))
	if err != nil {
		h.logger.Info("rejecting unauthenticated federation request",
			"method", r.Method, "path", r.URL.Path, "error", err)
		errorBody(w, http.StatusUnauthorized, "M_UNAUTHORIZED", "invalid request signature")
		return ref.ServerName{}, nil, false
	}
	return origin, body, true
}

// sendTransaction handles PUT /_matrix/federation/v1/send/{txnID}.
// Each PDU is admitted independently; the response maps event IDs to
// per-event outcomes so one bad event does not fail the batch.
func (h *handler) sendTransaction(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	origin, body, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var txn transaction
	if err := json.Unmarshal(body, &txn); err != nil {
		errorBody(w, http.StatusBadRequest, "M_NOT_JSON", "malformed transaction body")
		return
	}
	if txn.Origin != origin.String() {
		errorBody(w, http.StatusBadRequest, "M_FORBIDDEN", "transaction origin does not match request signature")
		return
	}

	results := make(map[string]map[string]string, len(txn.PDUs))
	for _, raw := range txn.PDUs {
		result, err := h.admitter.AdmitRemote(r.Context(), raw)
		outcome := map[string]string{}
		switch {
		case err != nil && result.EventID.IsZero():
			// Unparseable bytes have no ID to key on; log and move on.
			h.logger.Info("dropping malformed event from transaction",
				"origin", origin.String(), "txn_id", params.ByName("txnID"), "error", err)
			continue
		case result.Status == admission.Rejected:
			outcome["error"] = result.Reason
		}
		results[result.EventID.String()] = outcome
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"pdus": results})
}

// getEvent handles GET /_matrix/federation/v1/event/{eventID}.
func (h *handler) getEvent(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	_, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	eventID, err := ref.ParseEventID(params.ByName("eventID"))
	if err != nil {
		errorBody(w, http.StatusBadRequest, "M_INVALID_PARAM", "malformed event ID")
		return
	}
	ev, err := h.events.Get(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			errorBody(w, http.StatusNotFound, "M_NOT_FOUND", "event not found")
			return
		}
		h.logger.Error("reading event for federation", "event_id", eventID, "error", err)
		errorBody(w, http.StatusInternalServerError, "M_UNKNOWN", "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"origin":           h.serverName.String(),
		"origin_server_ts": ev.PDU.OriginServerTS,
		"pdus":             []json.RawMessage{ev.Raw()},
	})
}
