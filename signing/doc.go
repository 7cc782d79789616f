// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package signing implements federation signatures: signing and
// verifying canonical JSON objects with ed25519, attaching and
// checking event signatures, and caching remote servers' published
// verify keys.
//
// The signable form of any object is its canonical JSON with the
// signatures and unsigned fields removed. Events are signed over their
// redacted form, so a signature stays valid if the event is later
// redacted — the same property that keeps event IDs stable.
//
// Signature or hash mismatch is a hard rejection, never retried. Key
// unavailability is different: [Keyring.VerifyEventSignature] returns
// an error wrapping [ErrKeyUnavailable] when the origin's key cannot
// be fetched, and the admission pipeline treats that class as
// retryable — the event may be re-offered once the key server
// recovers.
package signing
