// Package idgen generates opaque unique identifiers for checkpoints and
// other records that need one locally, without pulling in a UUID dependency
// the rest of the pack never reaches for. Replaces the teacher's
// generateUUID() stub (coordination/leader.go), which formatted time.Now()
// into a string and is not collision-safe under concurrent callers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 128-bit random identifier as a hex string, prefixed so its
// origin is visible in logs and persisted records.
func New(prefix string) string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read on a real OS does not fail; a non-nil err means
		// the platform's CSPRNG is unavailable, which callers cannot recover
		// from by retrying. Panic rather than silently hand out a zero id.
		panic("idgen: crypto/rand unavailable: " + err.Error())
	}
	return prefix + "-" + hex.EncodeToString(b[:])
}
