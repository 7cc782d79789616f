// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hankbao/conduit/lib/canonicaljson"
	"github.com/hankbao/conduit/lib/ref"
	"github.com/hankbao/conduit/signing"
)

// signRequest produces the X-Matrix Authorization header value for a
// federation request. The signature covers the canonical JSON of
// {method, uri, origin, destination, content}.
func signRequest(method, uri string, origin, destination ref.ServerName, content []byte, keyID ref.KeyID, key ed25519.PrivateKey) (string, error) {
	message, err := requestMessage(method, uri, origin, destination, content)
	if err != nil {
		return "", err
	}
	signature := ed25519.Sign(key, message)
	return fmt.Sprintf(`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`,
		origin, destination, keyID, base64.RawStdEncoding.EncodeToString(signature)), nil
}

// VerifyRequest checks an inbound request's X-Matrix header against
// the origin's published keys and returns the authenticated origin.
// Errors wrapping signing.ErrKeyUnavailable are transient; everything
// else means the request is not authentic.
func VerifyRequest(ctx context.Context, keyring *signing.Keyring, method, uri string, destination ref.ServerName, content []byte, header string) (ref.ServerName, error) {
	params, err := parseAuthHeader(header)
	if err != nil {
		return ref.ServerName{}, err
	}
	origin, err := ref.ParseServerName(params["origin"])
	if err != nil {
		return ref.ServerName{}, fmt.Errorf("X-Matrix origin: %w", err)
	}
	if declared, ok := params["destination"]; ok && declared != destination.String() {
		return ref.ServerName{}, fmt.Errorf("X-Matrix destination %q is not this server", declared)
	}
	keyID, err := ref.ParseKeyID(params["key"])
	if err != nil {
		return ref.ServerName{}, fmt.Errorf("X-Matrix key: %w", err)
	}
	signature, err := base64.RawStdEncoding.DecodeString(params["sig"])
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ref.ServerName{}, fmt.Errorf("X-Matrix sig is not a valid ed25519 signature")
	}

	key, err := keyring.VerifyKey(ctx, origin, keyID)
	if err != nil {
		return ref.ServerName{}, fmt.Errorf("resolving key %s for %s: %w", keyID, origin, err)
	}
	message, err := requestMessage(method, uri, origin, destination, content)
	if err != nil {
		return ref.ServerName{}, err
	}
	if !ed25519.Verify(key, message, signature) {
		return ref.ServerName{}, fmt.Errorf("invalid X-Matrix signature from %s", origin)
	}
	return origin, nil
}

func requestMessage(method, uri string, origin, destination ref.ServerName, content []byte) ([]byte, error) {
	object := map[string]any{
		"method":      method,
		"uri":         uri,
		"origin":      origin.String(),
		"destination": destination.String(),
	}
	if len(content) > 0 {
		object["content"] = json.RawMessage(content)
	}
	message, err := canonicaljson.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("encoding request for signing: %w", err)
	}
	return message, nil
}

// parseAuthHeader splits an `X-Matrix k="v",k="v"` header into its
// parameters. Values are expected quoted; commas inside quoted values
// do not occur in this scheme (server names, key IDs, and base64
// contain none).
func parseAuthHeader(header string) (map[string]string, error) {
	const scheme = "X-Matrix "
	if !strings.HasPrefix(header, scheme) {
		return nil, fmt.Errorf("authorization scheme is not X-Matrix")
	}
	params := make(map[string]string)
	for _, part := range strings.Split(header[len(scheme):], ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("malformed X-Matrix parameter %q", part)
		}
		params[key] = strings.Trim(value, `"`)
	}
	for _, required := range []string{"origin", "key", "sig"} {
		if params[required] == "" {
			return nil, fmt.Errorf("X-Matrix header missing %s", required)
		}
	}
	return params, nil
}
