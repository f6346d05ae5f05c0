package sdruntime

import (
	"fmt"
	"strings"
)

// ValidatePrompt rejects a blank prompt and any text the C side cannot take.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidPrompt)
	}
	return checkCText("prompt", prompt, ErrInvalidPrompt)
}

// checkCText limits s to MaxPromptLength bytes with no NUL, which would
// cut the C string short.
func checkCText(field, s string, sentinel error) error {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return fmt.Errorf("%w: %s has a NUL byte at offset %d", sentinel, field, i)
	}
	if len(s) > MaxPromptLength {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", sentinel, field, len(s), MaxPromptLength)
	}
	return nil
}
