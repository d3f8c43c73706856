// Package idgen mints identifiers for journaled rounds and HTTP requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// WithPrefix returns prefix followed by a UUIDv7 as 32 hex chars. The leading
// bits are a millisecond timestamp, so later IDs sort after earlier ones.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + hex.EncodeToString(id[:])
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
