package chat

import (
	"errors"
	"strings"
)

var (
	ErrEmptyMessage     = errors.New("chat: empty message")
	ErrSelfConversation = errors.New("chat: conversation with self")
	ErrNotParticipant   = errors.New("chat: not a participant")
	ErrPeerNotFound     = errors.New("chat: counterpart not found")
	// ErrConversationNotFound means no thread exists yet for a valid key.
	ErrConversationNotFound = errors.New("chat: conversation not found")
)

const keySep = "_"

// Key is the canonical conversation key of a pair: both ids in ascending
// order joined by "_". Key(a, b) == Key(b, a).
func Key(a, b string) (string, error) {
	if a == "" || b == "" {
		return "", ErrNotParticipant
	}
	if a == b {
		return "", ErrSelfConversation
	}
	lo, hi := order(a, b)
	return lo + keySep + hi, nil
}

func order(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Participants splits a key back into its two ids.
func Participants(key string) (string, string, bool) {
	a, b, ok := strings.Cut(key, keySep)
	if !ok || a == "" || b == "" || a == b {
		return "", "", false
	}
	return a, b, true
}
