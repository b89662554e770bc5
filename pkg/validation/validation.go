package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// UserIDRegex validates user ID format
	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// CallIDRegex validates call ID format
	CallIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateUserID validates user ID
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(userID) > 100 {
		return fmt.Errorf("user ID is too long (max 100 characters)")
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

// ValidateCallID validates call ID
func ValidateCallID(callID string) error {
	if callID == "" {
		return fmt.Errorf("call ID is required")
	}
	if len(callID) > 100 {
		return fmt.Errorf("call ID is too long (max 100 characters)")
	}
	if !CallIDRegex.MatchString(callID) {
		return fmt.Errorf("invalid call ID format")
	}
	return nil
}

// ValidateMessageContent validates message body: non-empty after trimming,
// bounded length, valid UTF-8.
func ValidateMessageContent(content string, maxLength int) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message content is required")
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message content contains invalid characters")
	}
	if length := utf8.RuneCountInString(content); length > maxLength {
		return fmt.Errorf("message content is too long (max %d characters)", maxLength)
	}
	return nil
}

// ValidateCallType validates call type
func ValidateCallType(callType string) error {
	validTypes := map[string]bool{
		"audio": true,
		"video": true,
	}
	if !validTypes[callType] {
		return fmt.Errorf("invalid call type (must be audio or video)")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
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
