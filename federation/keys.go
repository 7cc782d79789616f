// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
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

// KeyClient fetches server signing keys from the key publication
// endpoint. Implements signing.KeyFetcher for the keyring.
type KeyClient struct {
	scheme string
	http   *http.Client
	clock  clock.Clock
	logger *slog.Logger
}

// KeyClientConfig configures a KeyClient. The zero value is usable.
type KeyClientConfig struct {
	// Timeout bounds each fetch. Zero defaults to 10 seconds.
	Timeout time.Duration

	// InsecureHTTP switches to plain http for tests.
	InsecureHTTP bool

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger receives fetch diagnostics. Nil discards.
	Logger *slog.Logger
}

// NewKeyClient returns a key client.
func NewKeyClient(cfg KeyClientConfig) *KeyClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
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
	return &KeyClient{
		scheme: scheme,
		http:   &http.Client{Timeout: timeout},
		clock:  clk,
		logger: logger,
	}
}

// serverKeyResponse is the wire shape of GET /_matrix/key/v2/server.
type serverKeyResponse struct {
	ServerName   string `json:"server_name"`
	ValidUntilTS int64  `json:"valid_until_ts"`
	VerifyKeys   map[string]struct {
		Key string `json:"key"`
	} `json:"verify_keys"`
}

// FetchKeys retrieves and self-verifies the server's published keys.
// A response that is not signed by one of the keys it publishes is
// discarded whole: a forged key document must not seed the keyring.
func (c *KeyClient) FetchKeys(ctx context.Context, server ref.ServerName) (map[ref.KeyID]signing.VerifyKey, error) {
	url := c.scheme + "://" + server.String() + "/_matrix/key/v2/server"
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building key request for %s: %w", server, err)
	}
	response, err := c.http.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetching keys from %s: %w", server, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching keys from %s: status %d", server, response.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading key response from %s: %w", server, err)
	}

	var body serverKeyResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decoding key response from %s: %w", server, err)
	}
	if body.ServerName != server.String() {
		return nil, fmt.Errorf("key response from %s claims server_name %q", server, body.ServerName)
	}

	validUntil := time.UnixMilli(body.ValidUntilTS)
	if validUntil.Before(c.clock.Now()) {
		c.logger.Warn("server published already-expired keys",
			"server", server.String(), "valid_until", validUntil)
	}
	keys := make(map[ref.KeyID]signing.VerifyKey, len(body.VerifyKeys))
	for id, entry := range body.VerifyKeys {
		keyID, err := ref.ParseKeyID(id)
		if err != nil {
			c.logger.Debug("skipping unparseable key id", "server", server.String(), "key_id", id)
			continue
		}
		decoded, err := base64.RawStdEncoding.DecodeString(entry.Key)
		if err != nil || len(decoded) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("server %s published malformed key %s", server, id)
		}
		keys[keyID] = signing.VerifyKey{Key: ed25519.PublicKey(decoded), ValidUntil: validUntil}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("server %s published no usable keys", server)
	}

	// Self-check: the document must verify under at least one key it
	// publishes.
	verified := false
	for keyID, key := range keys {
		if err := signing.VerifyJSON(raw, server, keyID, key.Key); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return nil, fmt.Errorf("key response from %s fails its own signature check", server)
	}
	return keys, nil
}
