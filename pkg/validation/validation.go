package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// StreamTokenRegex validates stream token format
	StreamTokenRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	maxStreamTokenLen = 128
	maxPeerIDLen      = 128
	maxIdentityLen    = 256
)

// ValidateStreamToken validates a room token.
func ValidateStreamToken(token string) error {
	if token == "" {
		return fmt.Errorf("stream_token is required")
	}
	if len(token) > maxStreamTokenLen {
		return fmt.Errorf("stream_token is too long (max %d characters)", maxStreamTokenLen)
	}
	if !StreamTokenRegex.MatchString(token) {
		return fmt.Errorf("invalid stream_token format")
	}
	return nil
}

// ValidatePeerID validates a client supplied peer id. Empty is allowed; the
// server generates one.
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return nil
	}
	if len(peerID) > maxPeerIDLen {
		return fmt.Errorf("peer_id is too long (max %d characters)", maxPeerIDLen)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer_id format")
	}
	return nil
}

// ValidateIdentity checks the publisher identity claim. Viewers may omit it.
func ValidateIdentity(identity string, required bool) error {
	if strings.TrimSpace(identity) == "" {
		if required {
			return fmt.Errorf("identity is required")
		}
		return nil
	}
	if !utf8.ValidString(identity) {
		return fmt.Errorf("identity contains invalid characters")
	}
	return ValidateStringLength(identity, 1, maxIdentityLen, "identity")
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
