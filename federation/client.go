// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hankbao/conduit/lib/clock"
	"github.com/hankbao/conduit/lib/ref"
	"github.com/hankbao/conduit/signing"
)

// maxResponseBytes caps federation response bodies. A transaction of
// 50 full-size events is under 4 MiB; anything bigger is hostile.
const maxResponseBytes = 8 << 20

// ClientConfig configures the signed federation HTTP client.
type ClientConfig struct {
	// ServerName is this server's identity, used as the request
	// signing origin.
	ServerName ref.ServerName

	// Key signs outbound requests.
	Key signing.LocalKey

	// Timeout bounds each HTTP request. Zero defaults to 30 seconds.
	Timeout time.Duration

	// InsecureHTTP switches to plain http. For tests and closed
	// networks only; federation is TLS everywhere real.
	InsecureHTTP bool

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger receives transport diagnostics. Nil discards.
	Logger *slog.Logger
}

// Client performs signed requests against remote federation APIs.
// Safe for concurrent use.
type Client struct {
	serverName ref.ServerName
	key        signing.LocalKey
	scheme     string
	http       *http.Client
	clock      clock.Clock
	logger     *slog.Logger
}

// NewClient validates the configuration and returns a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ServerName.IsZero() {
		return nil, fmt.Errorf("federation: ClientConfig.ServerName is required")
	}
	if cfg.Key.PrivateKey == nil {
		return nil, fmt.Errorf("federation: ClientConfig.Key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	scheme := "https"
	if cfg.InsecureHTTP {
		scheme = "http"
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		serverName: cfg.ServerName,
		key:        cfg.Key,
		scheme:     scheme,
		http:       &http.Client{Timeout: timeout},
		clock:      clk,
		logger:     logger,
	}, nil
}

// transaction is the wire body of PUT /_matrix/federation/v1/send.
type transaction struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// SendTransaction delivers a batch of PDUs to one destination.
func (c *Client) SendTransaction(ctx context.Context, destination ref.ServerName, txnID string, pdus []json.RawMessage) error {
	body, err := json.Marshal(transaction{
		Origin:         c.serverName.String(),
		OriginServerTS: c.clock.Now().UnixMilli(),
		PDUs:           pdus,
	})
	if err != nil {
		return fmt.Errorf("encoding transaction: %w", err)
	}
	path := "/_matrix/federation/v1/send/" + txnID
	var response struct {
		PDUs map[string]struct {
			Error string `json:"error,omitempty"`
		} `json:"pdus"`
	}
	if err := c.do(ctx, http.MethodPut, destination, path, body, &response); err != nil {
		return err
	}
	for eventID, outcome := range response.PDUs {
		if outcome.Error != "" {
			c.logger.Info("remote rejected pushed event",
				"destination", destination.String(), "event_id", eventID, "error", outcome.Error)
		}
	}
	return nil
}

// FetchEvent retrieves one event from a remote server.
func (c *Client) FetchEvent(ctx context.Context, destination ref.ServerName, eventID ref.EventID) (json.RawMessage, error) {
	path := "/_matrix/federation/v1/event/" + eventID.String()
	var response struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	if err := c.do(ctx, http.MethodGet, destination, path, nil, &response); err != nil {
		return nil, err
	}
	if len(response.PDUs) == 0 {
		return nil, fmt.Errorf("server %s returned no event for %s", destination, eventID)
	}
	return response.PDUs[0], nil
}

// RequestMissing fetches the listed events from the candidate servers,
// trying each in order per event. Events no candidate could serve are
// simply absent from the result; the admission pipeline treats the
// remainder as an open gap. Implements admission.Backfiller.
func (c *Client) RequestMissing(ctx context.Context, roomID ref.RoomID, ids []ref.EventID, from []ref.ServerName) (map[ref.EventID]json.RawMessage, error) {
	found := make(map[ref.EventID]json.RawMessage, len(ids))
	for _, id := range ids {
		for _, server := range from {
			if server == c.serverName {
				continue
			}
			raw, err := c.FetchEvent(ctx, server, id)
			if err != nil {
				c.logger.Debug("backfill fetch failed",
					"room_id", roomID, "event_id", id, "server", server.String(), "error", err)
				if ctx.Err() != nil {
					return found, ctx.Err()
				}
				continue
			}
			found[id] = raw
			break
		}
	}
	return found, nil
}

// do performs one signed request and decodes the JSON response into
// out.
func (c *Client) do(ctx context.Context, method string, destination ref.ServerName, path string, body []byte, out any) error {
	url := c.scheme + "://" + destination.String() + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	authorization, err := signRequest(method, path, c.serverName, destination, body, c.key.KeyID, c.key.PrivateKey)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", authorization)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s on %s: %w", method, path, destination, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", destination, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("%s %s on %s: status %d", method, path, destination, response.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", destination, err)
		}
	}
	return nil
}
