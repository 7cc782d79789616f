// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/hankbao/conduit/lib/ref"
)

// LocalKey is this server's signing identity.
type LocalKey struct {
	KeyID      ref.KeyID
	PrivateKey ed25519.PrivateKey
}

// PublicKey returns the verify half of the key.
func (k LocalKey) PublicKey() ed25519.PublicKey {
	return k.PrivateKey.Public().(ed25519.PublicKey)
}

// LoadOrGenerateKey reads the signing key file at path, generating and
// writing a fresh key on first boot. The format is a single line:
//
//	ed25519 <version> <unpadded base64 seed>
//
// Losing this key orphans every room the server participates in (its
// old events can no longer be re-verified by key version), so the file
// is written with restrictive permissions and never silently
// regenerated over an unreadable one.
func LoadOrGenerateKey(path string) (LocalKey, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return parseKeyFile(path, data)
	case os.IsNotExist(err):
		return generateKeyFile(path)
	default:
		return LocalKey{}, fmt.Errorf("reading signing key %s: %w", path, err)
	}
}

func parseKeyFile(path string, data []byte) (LocalKey, error) {
	fields := strings.Fields(strings.TrimSpace(string(data)))
	if len(fields) != 3 {
		return LocalKey{}, fmt.Errorf("signing key %s: want 3 fields, got %d", path, len(fields))
	}
	if fields[0] != ref.AlgorithmEd25519 {
		return LocalKey{}, fmt.Errorf("signing key %s: unsupported algorithm %q", path, fields[0])
	}
	keyID, err := ref.ParseKeyID(fields[0] + ":" + fields[1])
	if err != nil {
		return LocalKey{}, fmt.Errorf("signing key %s: %w", path, err)
	}
	seed, err := base64.RawStdEncoding.DecodeString(fields[2])
	if err != nil {
		return LocalKey{}, fmt.Errorf("signing key %s: decoding seed: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return LocalKey{}, fmt.Errorf("signing key %s: seed is %d bytes, want %d", path, len(seed), ed25519.SeedSize)
	}
	return LocalKey{KeyID: keyID, PrivateKey: ed25519.NewKeyFromSeed(seed)}, nil
}

func generateKeyFile(path string) (LocalKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return LocalKey{}, fmt.Errorf("generating signing key seed: %w", err)
	}

	line := fmt.Sprintf("%s %s %s\n", ref.AlgorithmEd25519, "v1", base64.RawStdEncoding.EncodeToString(seed))
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		return LocalKey{}, fmt.Errorf("writing signing key %s: %w", path, err)
	}

	return LocalKey{
		KeyID:      ref.MustParseKeyID(ref.AlgorithmEd25519 + ":v1"),
		PrivateKey: ed25519.NewKeyFromSeed(seed),
	}, nil
}
