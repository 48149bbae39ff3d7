package model

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// EventRecord is one collected behavior event after defaulting and
// sanitization. Data holds the sanitized payload, nil when the caller
// supplied none.
type EventRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Source    string    `json:"source"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
}

// Delimited renders the record in the legacy pipe-delimited diagnostic form:
// timestamp|level|source|category|message|data. Free-text fields are escaped
// so an embedded pipe cannot shift columns; data is always the final field,
// so a reader splits with SplitN(line, "|", 6).
func (r EventRecord) Delimited() string {
	data := ""
	if r.Data != nil {
		if b, err := json.Marshal(r.Data); err == nil {
			data = string(b)
		}
	}
	fields := []string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.Level.String(),
		escapeField(r.Source),
		escapeField(r.Category),
		escapeField(r.Message),
		data,
	}
	return strings.Join(fields, "|")
}

func escapeField(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
