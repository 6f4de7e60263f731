package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewTraceID generates a short (16 hex character) identifier for tagging an
// accepted connection in logs before the agent assigns it a customer ID.
func NewTraceID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
