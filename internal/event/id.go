package event

import (
	"crypto/rand"
	"fmt"
)

// idAlphabet is URL-safe and alphanumeric only, per §3: "evt_ + 20
// alphanumeric characters."
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewID returns a fresh event id in the form "evt_" followed by 20
// alphanumeric characters drawn from a CSPRNG. Unique per monitor process
// with overwhelming probability (62^20 keyspace).
func NewID() string {
	var buf [20]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// somehow does, fail loudly rather than emit a colliding id.
		panic(fmt.Sprintf("event: crypto/rand unavailable: %v", err))
	}
	out := make([]byte, 20)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return "evt_" + string(out)
}
