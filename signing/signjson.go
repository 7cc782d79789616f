// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/hankbao/conduit/lib/canonicaljson"
	"github.com/hankbao/conduit/lib/ref"
)

// SignJSON signs a JSON object and returns the canonical object with
// the signature inserted at signatures[serverName][keyID]. Existing
// signatures from other servers are preserved; the unsigned field is
// excluded from the signed message but kept in the output.
func SignJSON(raw []byte, serverName ref.ServerName, keyID ref.KeyID, key ed25519.PrivateKey) ([]byte, error) {
	object, signatures, unsigned, err := splitObject(raw)
	if err != nil {
		return nil, err
	}

	message, err := canonicaljson.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("encoding signable object: %w", err)
	}
	signature := ed25519.Sign(key, message)

	serverSigs := signatures[serverName.String()]
	if serverSigs == nil {
		serverSigs = make(map[string]string)
		signatures[serverName.String()] = serverSigs
	}
	serverSigs[keyID.String()] = base64.RawStdEncoding.EncodeToString(signature)

	encodedSigs, err := json.Marshal(signatures)
	if err != nil {
		return nil, fmt.Errorf("encoding signatures: %w", err)
	}
	object["signatures"] = encodedSigs
	if unsigned != nil {
		object["unsigned"] = unsigned
	}

	signed, err := canonicaljson.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("encoding signed object: %w", err)
	}
	return signed, nil
}

// VerifyJSON checks the signature at signatures[serverName][keyID]
// against the object's signable form. A missing signature block, a
// malformed base64 payload, and a failed ed25519 check are all
// reported as distinct errors; none are retryable.
func VerifyJSON(raw []byte, serverName ref.ServerName, keyID ref.KeyID, key ed25519.PublicKey) error {
	object, signatures, _, err := splitObject(raw)
	if err != nil {
		return err
	}

	serverSigs, ok := signatures[serverName.String()]
	if !ok {
		return fmt.Errorf("no signatures from %s", serverName)
	}
	encoded, ok := serverSigs[keyID.String()]
	if !ok {
		return fmt.Errorf("no signature from %s with key %s", serverName, keyID)
	}
	signature, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decoding signature from %s: %w", serverName, err)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("signature from %s is %d bytes, want %d", serverName, len(signature), ed25519.SignatureSize)
	}

	message, err := canonicaljson.Marshal(object)
	if err != nil {
		return fmt.Errorf("encoding signable object: %w", err)
	}
	if !ed25519.Verify(key, message, signature) {
		return fmt.Errorf("invalid signature from %s with key %s", serverName, keyID)
	}
	return nil
}

// splitObject decodes a JSON object and strips the signatures and
// unsigned fields, returning them separately. The remaining object is
// the signable form.
func splitObject(raw []byte) (object map[string]json.RawMessage, signatures map[string]map[string]string, unsigned json.RawMessage, err error) {
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, nil, nil, fmt.Errorf("decoding object: %w", err)
	}

	signatures = make(map[string]map[string]string)
	if rawSigs, ok := object["signatures"]; ok {
		if err := json.Unmarshal(rawSigs, &signatures); err != nil {
			return nil, nil, nil, fmt.Errorf("decoding signatures: %w", err)
		}
	}
	unsigned = object["unsigned"]
	delete(object, "signatures")
	delete(object, "unsigned")
	return object, signatures, unsigned, nil
}
