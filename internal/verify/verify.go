// Package verify implements the Server's signature-verifying ingest check
// (§4.5): source lookup, constant-time comparison, and strict Ed25519
// verification over the exact bytes the Monitor signed.
package verify

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

// Error codes surfaced to the client in the JSON {error, code} body (§6).
const (
	CodeMissingSource      = "missing-source"
	CodeUnknownSource      = "unknown-source"
	CodeMalformedSignature = "malformed-signature"
	CodeInvalidSignature   = "invalid-signature"
)

// VerifyError carries a stable error code alongside a human-readable
// message, so HTTP handlers can render {error, code} without re-deriving
// the code from the error text.
type VerifyError struct {
	Code    string
	Message string
}

func (e *VerifyError) Error() string { return e.Message }

// Registry holds the public keys registered for each source id. It is
// built once at server start from VIBETEA_PUBLIC_KEYS and is read-only
// thereafter -- no locking is needed (§5).
type Registry struct {
	keys map[string]ed25519.PublicKey
}

// NewRegistry builds a Registry from a map of source id to base64-encoded
// Ed25519 public key.
func NewRegistry(sources map[string]string) (*Registry, error) {
	keys := make(map[string]ed25519.PublicKey, len(sources))
	for id, b64 := range sources {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, errors.New("verify: malformed public key for source " + id)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, errors.New("verify: wrong-length public key for source " + id)
		}
		keys[id] = ed25519.PublicKey(raw)
	}
	return &Registry{keys: keys}, nil
}

// lookup compares sourceID in constant time against every registered
// source id, with no map lookup first, so the branch taken does not leak
// which id (if any) matched before the Ed25519 check runs (§4.5).
func (r *Registry) lookup(sourceID string) (ed25519.PublicKey, bool) {
	var found ed25519.PublicKey
	ok := 0
	for id, key := range r.keys {
		if subtle.ConstantTimeCompare([]byte(id), []byte(sourceID)) == 1 {
			found = key
			ok = 1
		}
	}
	return found, ok == 1
}

// Verify checks sourceID and sigB64 against the registry and performs a
// strict Ed25519 verification (RFC 8032) over body -- the raw request
// bytes, never a re-serialized form. Returns nil only when the signature
// is valid for a registered source.
func Verify(reg *Registry, sourceID, sigB64 string, body []byte) error {
	if sourceID == "" {
		return &VerifyError{Code: CodeMissingSource, Message: "X-Source-ID header is required"}
	}
	if sigB64 == "" {
		return &VerifyError{Code: CodeMissingSource, Message: "X-Signature header is required"}
	}

	pub, ok := reg.lookup(sourceID)
	if !ok {
		return &VerifyError{Code: CodeUnknownSource, Message: "source id is not registered"}
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return &VerifyError{Code: CodeMalformedSignature, Message: "signature is not valid base64"}
	}

	// ed25519.Verify implements the strict (RFC 8032, non-malleable)
	// verification that crypto/ed25519 has performed since Go 1.13 --
	// no additional options are needed to get "strict mode" per §4.5.
	if !ed25519.Verify(pub, body, sig) {
		return &VerifyError{Code: CodeInvalidSignature, Message: "signature verification failed"}
	}

	return nil
}
