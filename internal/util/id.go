package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "cmt_3f2a...". The prefix keys
// the entity kind (snap, cmt, rev, att, shr) and may be empty.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
