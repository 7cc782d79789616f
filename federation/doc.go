// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation exchanges events with remote servers.
//
// Outbound, [Sender] keeps one bounded queue and one goroutine per
// destination: accepted local events are batched into transactions
// and delivered with exponential backoff, and an unreachable peer
// degrades to best effort (oldest events dropped when its queue
// fills) without ever blocking local room progress. [Client] is the
// signed HTTP transport underneath, also used synchronously by the
// admission pipeline to fetch missing ancestors.
//
// Inbound, [NewHandler] serves the federation endpoints peers call:
// transaction push and event retrieval. Every request in both
// directions carries an X-Matrix signature over the canonical request
// JSON, verified against the origin's published ed25519 keys.
package federation
