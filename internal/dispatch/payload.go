package dispatch

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// stringField returns the payload value at key when it is a string, or "".
func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}

// requireString returns the trimmed string at key. Missing, empty or
// non-string values are a ValidationError.
func requireString(payload map[string]any, key string) (string, error) {
	if payload == nil {
		return "", &ValidationError{Field: key, Reason: "required"}
	}
	v, ok := payload[key]
	if !ok {
		return "", &ValidationError{Field: key, Reason: "required"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Field: key, Reason: "must be a string"}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &ValidationError{Field: key, Reason: "must not be empty"}
	}
	return s, nil
}

// boundedString is requireString plus a rune-count ceiling.
func boundedString(payload map[string]any, key string, maxChars int) (string, error) {
	s, err := requireString(payload, key)
	if err != nil {
		return "", err
	}
	if maxChars > 0 && utf8.RuneCountInString(s) > maxChars {
		return "", &ValidationError{
			Field:  key,
			Reason: fmt.Sprintf("exceeds %d characters", maxChars),
		}
	}
	return s, nil
}
