package security

import (
	"fmt"
	"regexp"
	"unicode"
	"unicode/utf8"
)

// Validation limits for client-supplied identifiers and filter values.
const (
	MaxSessionIDLength   = 128
	MaxTagLength         = 128
	MaxFilterValueLength = 128
)

// ValidationError represents a field validation error.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Constraint, e.Value)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Constraint)
}

// sessionIDRegex matches session identifiers: alphanumeric, hyphen, underscore, dot, colon.
var sessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)

// reservedKeys are object keys that script runtimes treat as prototype
// accessors. Frames and specs carrying them are rejected outright.
var reservedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// IsReservedKey reports whether key is a prototype-accessor key.
func IsReservedKey(key string) bool {
	return reservedKeys[key]
}

// ValidateSessionID validates a subscriber session identifier.
func ValidateSessionID(id string) error {
	if id == "" {
		return &ValidationError{Field: "session_id", Constraint: "must not be empty"}
	}
	if len(id) > MaxSessionIDLength {
		return &ValidationError{
			Field:      "session_id",
			Value:      len(id),
			Constraint: fmt.Sprintf("must be at most %d bytes", MaxSessionIDLength),
		}
	}
	if !sessionIDRegex.MatchString(id) {
		return &ValidationError{
			Field:      "session_id",
			Value:      SanitizeForLogWithLength(id, 32),
			Constraint: "must contain only letters, digits, '_', '-', '.', ':'",
		}
	}
	return nil
}

// ValidateTag validates a filter-update correlation tag.
func ValidateTag(tag string) error {
	if tag == "" {
		return &ValidationError{Field: "tag", Constraint: "must not be empty"}
	}
	if len(tag) > MaxTagLength {
		return &ValidationError{
			Field:      "tag",
			Value:      len(tag),
			Constraint: fmt.Sprintf("must be at most %d bytes", MaxTagLength),
		}
	}
	if hasControl(tag) {
		return &ValidationError{Field: "tag", Constraint: "must not contain control characters"}
	}
	return nil
}

// ValidateFilterValue validates one entry of a filter list (branch, level, keyword).
func ValidateFilterValue(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Constraint: "entries must not be empty"}
	}
	if len(value) > MaxFilterValueLength {
		return &ValidationError{
			Field:      field,
			Value:      len(value),
			Constraint: fmt.Sprintf("entries must be at most %d bytes", MaxFilterValueLength),
		}
	}
	if !utf8.ValidString(value) {
		return &ValidationError{Field: field, Constraint: "entries must be valid UTF-8"}
	}
	if hasControl(value) {
		return &ValidationError{Field: field, Constraint: "entries must not contain control characters"}
	}
	return nil
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
