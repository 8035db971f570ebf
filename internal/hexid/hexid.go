// Package hexid generates the short random hex identifiers used for users,
// conversations, and messages.
package hexid

import (
	"crypto/rand"
	"encoding/hex"
)

// DefaultBytes yields 20 hex chars, the id length for conversations and messages.
const DefaultBytes = 10

// Generate returns a lowercase hex string of length 2*nBytes drawn from
// crypto/rand. If nBytes <= 0, it defaults to DefaultBytes.
func Generate(nBytes int) string {
	if nBytes <= 0 {
		nBytes = DefaultBytes
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// Callers treat empty as an error-like condition; collisions on
		// insert surface as a store Conflict and the caller regenerates.
		return ""
	}

	return hex.EncodeToString(b)
}
