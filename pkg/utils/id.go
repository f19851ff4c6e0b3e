package utils

import (
	"github.com/google/uuid"
)

// NewPeerID returns a fresh peer id for connections that did not supply one.
func NewPeerID() string {
	return uuid.NewString()
}

// NewID returns a prefixed random id, e.g. "tr_1f0c...".
func NewID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "_" + uuid.NewString()
}
