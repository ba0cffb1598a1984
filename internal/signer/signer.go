// Package signer implements the Monitor's Ed25519 key lifecycle and
// batch signing (§4.3). Verification lives on the server side, in
// internal/verify.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
)

// ErrKeyFileMissing is returned by Load when the key file does not exist.
var ErrKeyFileMissing = errors.New("signer: key file not found")

// ErrKeyFilePermissive is returned by Load when the key file is readable
// by users other than its owner -- a fail-fast per §4.3.
var ErrKeyFilePermissive = errors.New("signer: key file permissions are too permissive (must be 0600)")

// Signer holds an Ed25519 private key loaded from disk and signs outgoing
// batch bodies on the Monitor's behalf.
type Signer struct {
	priv ed25519.PrivateKey
}

// Init generates a fresh Ed25519 keypair, writes the 32-byte seed to path
// with mode 0600, and returns the base64-encoded public key for operator
// registration on the server (§4.3 "init" operation).
func Init(path string) (publicKeyB64 string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate keypair: %w", err)
	}

	seed := priv.Seed()
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}

	return base64.StdEncoding.EncodeToString(pub), nil
}

// Load reads a 32-byte Ed25519 seed from path and derives the signing key.
// It fails fast if the file is absent or its permissions allow group or
// world access (§4.3).
func Load(path string) (*Signer, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyFileMissing
		}
		return nil, fmt.Errorf("stat key file: %w", err)
	}

	if info.Mode().Perm()&0o077 != 0 {
		return nil, ErrKeyFilePermissive
	}

	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: key file has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}

	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// PublicKeyBase64 returns the base64-encoded public key corresponding to
// this signer's private key, for display or re-registration.
func (s *Signer) PublicKeyBase64() string {
	pub := s.priv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}

// Sign computes a detached Ed25519 signature over body and returns it
// base64-encoded, ready for the X-Signature header. The caller must sign
// the exact bytes that will be transmitted -- any re-serialization after
// signing breaks verification (§4.3).
func (s *Signer) Sign(body []byte) string {
	sig := ed25519.Sign(s.priv, body)
	return base64.StdEncoding.EncodeToString(sig)
}
