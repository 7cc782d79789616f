// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/hankbao/conduit/event"
	"github.com/hankbao/conduit/lib/canonicaljson"
	"github.com/hankbao/conduit/lib/ref"
)

// SignEvent signs a finalized (hash-bearing, still unsigned) event and
// returns the canonical signed bytes. The signature covers the
// redacted event, per the federation specification.
func SignEvent(finalized []byte, serverName ref.ServerName, keyID ref.KeyID, key ed25519.PrivateKey) ([]byte, error) {
	message, err := eventSignableMessage(finalized)
	if err != nil {
		return nil, err
	}
	signature := ed25519.Sign(key, message)

	object, signatures, unsigned, err := splitObject(finalized)
	if err != nil {
		return nil, err
	}
	serverSigs := signatures[serverName.String()]
	if serverSigs == nil {
		serverSigs = make(map[string]string)
		signatures[serverName.String()] = serverSigs
	}
	serverSigs[keyID.String()] = base64.RawStdEncoding.EncodeToString(signature)

	encodedSigs, err := canonicaljson.Marshal(signatures)
	if err != nil {
		return nil, fmt.Errorf("encoding signatures: %w", err)
	}
	object["signatures"] = encodedSigs
	if unsigned != nil {
		object["unsigned"] = unsigned
	}

	signed, err := canonicaljson.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("encoding signed event: %w", err)
	}
	return signed, nil
}

// VerifyEventSignature checks that ev carries a valid signature from
// its origin server, resolving verify keys through the keyring. The
// origin is the sender's server: that server minted the event and is
// the one that must vouch for it.
//
// Errors wrapping [ErrKeyUnavailable] are retryable (the event may be
// re-offered later); all other errors are permanent rejections of
// these bytes.
func (k *Keyring) VerifyEventSignature(ctx context.Context, ev *event.Event) error {
	origin := ev.Sender.ServerName()
	serverSigs, ok := ev.Signatures[origin.String()]
	if !ok || len(serverSigs) == 0 {
		return fmt.Errorf("event %s has no signature from origin %s", ev.ID, origin)
	}

	message, err := eventSignableMessage(ev.Raw())
	if err != nil {
		return err
	}

	// Any one valid signature from the origin suffices. Unknown
	// algorithms are skipped: a future-version server may dual-sign.
	var lastErr error
	for rawKeyID, encoded := range serverSigs {
		keyID, err := ref.ParseKeyID(rawKeyID)
		if err != nil || keyID.Algorithm() != ref.AlgorithmEd25519 {
			continue
		}

		key, err := k.VerifyKey(ctx, origin, keyID)
		if err != nil {
			lastErr = err
			continue
		}

		signature, err := base64.RawStdEncoding.DecodeString(encoded)
		if err != nil || len(signature) != ed25519.SignatureSize {
			lastErr = fmt.Errorf("event %s: malformed signature under key %s", ev.ID, keyID)
			continue
		}
		if ed25519.Verify(key, message, signature) {
			return nil
		}
		lastErr = fmt.Errorf("event %s: invalid signature from %s with key %s", ev.ID, origin, keyID)
	}

	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("event %s has no ed25519 signature from origin %s", ev.ID, origin)
}

// eventSignableMessage computes the bytes an event signature covers:
// the canonical redacted event with signatures and unsigned removed.
func eventSignableMessage(canonical []byte) ([]byte, error) {
	redacted, err := event.Redact(canonical)
	if err != nil {
		return nil, fmt.Errorf("redacting event for signing: %w", err)
	}
	object, _, _, err := splitObject(redacted)
	if err != nil {
		return nil, err
	}
	message, err := canonicaljson.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("encoding signable event: %w", err)
	}
	return message, nil
}
