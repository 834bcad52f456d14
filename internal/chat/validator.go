package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxContentChars = 2000 // max character count
)

// ValidateContent checks that a message body meets content requirements
// before it is handed to the delivery pipeline.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("message content is empty")
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
