package hub

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxMessageLength bounds the byte size of a single chat message.
	MaxMessageLength = 4096
	// MaxMessageChars bounds the character count of a single chat message.
	MaxMessageChars = 2000
)

// ValidateMessage checks that a chat message meets content requirements.
// Whitespace-only messages are rejected the same as empty ones.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageLength {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageLength)
	}
	if utf8.RuneCountInString(text) > MaxMessageChars {
		return fmt.Errorf("message exceeds %d character limit", MaxMessageChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
