// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hankbao/conduit/lib/clock"
	"github.com/hankbao/conduit/lib/ref"
)

// ErrKeyUnavailable marks verification failures caused by the origin's
// verify key being unfetchable, as opposed to a bad signature. Errors
// wrapping it are retryable.
var ErrKeyUnavailable = errors.New("verify key unavailable")

// VerifyKey is one published server key.
type VerifyKey struct {
	Key ed25519.PublicKey

	// ValidUntil is the server-declared freshness horizon. Events may
	// still verify against an expired key (they were signed while it
	// was valid); expiry only forces a refetch before trusting the
	// key for new material.
	ValidUntil time.Time
}

// KeyFetcher retrieves a server's current verify keys. Implemented by
// the federation key client; tests supply fakes.
type KeyFetcher interface {
	FetchKeys(ctx context.Context, server ref.ServerName) (map[ref.KeyID]VerifyKey, error)
}

// negativeCacheWindow is how long a fetch failure suppresses repeat
// fetches for the same server. Without it, a burst of events from an
// unreachable server would hammer its key endpoint once per event.
const negativeCacheWindow = 30 * time.Second

// Keyring caches verify keys per server and fetches missing ones on
// demand. Safe for concurrent use.
type Keyring struct {
	fetcher KeyFetcher
	clock   clock.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	keys      map[ref.ServerName]map[ref.KeyID]VerifyKey
	lastError map[ref.ServerName]time.Time
}

// NewKeyring creates a keyring backed by fetcher. A nil logger
// discards; a nil clk uses the real clock.
func NewKeyring(fetcher KeyFetcher, clk clock.Clock, logger *slog.Logger) *Keyring {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Keyring{
		fetcher:   fetcher,
		clock:     clk,
		logger:    logger,
		keys:      make(map[ref.ServerName]map[ref.KeyID]VerifyKey),
		lastError: make(map[ref.ServerName]time.Time),
	}
}

// AddLocalKey seeds the cache with this server's own key so that
// locally created events verify without a network round-trip.
func (k *Keyring) AddLocalKey(server ref.ServerName, keyID ref.KeyID, key ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys[server] == nil {
		k.keys[server] = make(map[ref.KeyID]VerifyKey)
	}
	// Local keys never expire from the cache; rotation replaces them
	// explicitly.
	k.keys[server][keyID] = VerifyKey{Key: key, ValidUntil: k.clock.Now().Add(100 * 365 * 24 * time.Hour)}
}

// VerifyKey returns the named server key, consulting the cache first
// and fetching on a miss. A fetch failure — or a fetch that did not
// include the requested key — returns an error wrapping
// [ErrKeyUnavailable].
func (k *Keyring) VerifyKey(ctx context.Context, server ref.ServerName, keyID ref.KeyID) (ed25519.PublicKey, error) {
	k.mu.Lock()
	if key, ok := k.keys[server][keyID]; ok {
		k.mu.Unlock()
		return key.Key, nil
	}
	if failedAt, ok := k.lastError[server]; ok && k.clock.Now().Sub(failedAt) < negativeCacheWindow {
		k.mu.Unlock()
		return nil, fmt.Errorf("key %s for %s: recent fetch failure: %w", keyID, server, ErrKeyUnavailable)
	}
	k.mu.Unlock()

	fetched, err := k.fetcher.FetchKeys(ctx, server)
	if err != nil {
		k.mu.Lock()
		k.lastError[server] = k.clock.Now()
		k.mu.Unlock()
		k.logger.Warn("verify key fetch failed", "server", server.String(), "error", err)
		return nil, fmt.Errorf("fetching keys for %s: %v: %w", server, err, ErrKeyUnavailable)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.lastError, server)
	if k.keys[server] == nil {
		k.keys[server] = make(map[ref.KeyID]VerifyKey)
	}
	for id, key := range fetched {
		k.keys[server][id] = key
	}

	if key, ok := k.keys[server][keyID]; ok {
		return key.Key, nil
	}
	return nil, fmt.Errorf("server %s does not publish key %s: %w", server, keyID, ErrKeyUnavailable)
}
