package model

import (
	"fmt"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Weight is the sort weight used by the suggestion queue: high=3, medium=2,
// low=1.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority: %q (want low, medium or high)", s)
	}
	return p, nil
}

// Suggestion is one queued recommendation. Timestamp and ExpiresAt are epoch
// milliseconds; a nil ExpiresAt means the entry never expires.
type Suggestion struct {
	ID             string         `json:"id"`
	ActionType     string         `json:"action_type"`
	ControllerName string         `json:"controller_name"`
	Priority       Priority       `json:"priority"`
	Timestamp      int64          `json:"timestamp"`
	ExpiresAt      *int64         `json:"expires_at,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// Key identifies a suggestion for dedup purposes.
func (s Suggestion) Key() string {
	return s.ActionType + "/" + s.ControllerName
}

func (s Suggestion) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && *s.ExpiresAt <= now.UnixMilli()
}

// SuggestionStats are the lifecycle counters. They only ever increase.
type SuggestionStats struct {
	TotalGenerated int64 `json:"total_generated" yaml:"total_generated"`
	TotalAccepted  int64 `json:"total_accepted" yaml:"total_accepted"`
	TotalRejected  int64 `json:"total_rejected" yaml:"total_rejected"`
	TotalDismissed int64 `json:"total_dismissed" yaml:"total_dismissed"`
}

// AcceptanceRate is TotalAccepted/TotalGenerated, 0 when nothing was
// generated yet.
func (s SuggestionStats) AcceptanceRate() float64 {
	if s.TotalGenerated == 0 {
		return 0
	}
	return float64(s.TotalAccepted) / float64(s.TotalGenerated)
}

const (
	StatsFileType      = "state_stats"
	StatsSchemaVersion = 1
)

// StatsFile is the persisted shape of the suggestion counters. Nothing else
// from the queue survives a restart.
type StatsFile struct {
	SchemaVersion int             `yaml:"schema_version"`
	FileType      string          `yaml:"file_type"`
	Stats         SuggestionStats `yaml:"stats"`
	UpdatedAt     string          `yaml:"updated_at"`
}

func NewStatsFile(stats SuggestionStats, now time.Time) StatsFile {
	return StatsFile{
		SchemaVersion: StatsSchemaVersion,
		FileType:      StatsFileType,
		Stats:         stats,
		UpdatedAt:     now.UTC().Format(time.RFC3339),
	}
}
