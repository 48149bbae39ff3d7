package analysis

import (
	"time"

	"github.com/lectorlab/sibyl/internal/behavior"
	"github.com/lectorlab/sibyl/internal/model"
)

// Event categories the built-in rules key on. The collector does not
// restrict categories; these are the conventions the reading UI emits.
const (
	CategoryReading   = "reading"
	CategoryReread    = "reread"
	CategorySelection = "selection"
)

func defaultRules() []Rule {
	return []Rule{
		deepReadRule{},
		rereadRule{},
		selectionRule{},
		idleRule{},
	}
}

// deepReadRule offers a summary once the session shows sustained reading.
type deepReadRule struct{}

func (deepReadRule) Name() string { return "deep_read" }

func (deepReadRule) Evaluate(snap behavior.Snapshot, cfg model.AnalysisConfig, now time.Time) []model.Suggestion {
	reading := snap.Categories[CategoryReading]
	if reading < int64(cfg.MinEvents) {
		return nil
	}
	return []model.Suggestion{{
		ActionType:     string(model.ActionSummarize),
		ControllerName: model.ControllerAIAgent,
		Priority:       model.PriorityMedium,
		Payload: map[string]any{
			"reason":         "deep_read",
			"subject_id":     snap.Status.CurrentSubjectID,
			"reading_events": reading,
		},
	}}
}

// rereadRule proposes an explanation when the reader keeps returning to the
// same passage.
type rereadRule struct{}

func (rereadRule) Name() string { return "reread" }

func (rereadRule) Evaluate(snap behavior.Snapshot, cfg model.AnalysisConfig, now time.Time) []model.Suggestion {
	rereads := snap.Categories[CategoryReread]
	if rereads < int64(cfg.RereadThreshold) {
		return nil
	}

	payload := map[string]any{
		"reason":        "reread",
		"subject_id":    snap.Status.CurrentSubjectID,
		"reread_events": rereads,
	}
	for i := len(snap.Events) - 1; i >= 0; i-- {
		if snap.Events[i].Category == CategoryReread {
			payload["passage"] = snap.Events[i].Message
			break
		}
	}

	return []model.Suggestion{{
		ActionType:     string(model.ActionExplainPassage),
		ControllerName: model.ControllerAIAgent,
		Priority:       model.PriorityHigh,
		Payload:        payload,
	}}
}

// selectionRule nudges toward highlighting when the reader selects text
// often without keeping any of it.
type selectionRule struct{}

func (selectionRule) Name() string { return "selection" }

func (selectionRule) Evaluate(snap behavior.Snapshot, cfg model.AnalysisConfig, now time.Time) []model.Suggestion {
	selections := snap.Categories[CategorySelection]
	if selections < int64(cfg.SelectionThreshold) {
		return nil
	}

	payload := map[string]any{
		"reason":           "frequent_selection",
		"subject_id":       snap.Status.CurrentSubjectID,
		"selection_events": selections,
	}
	for i := len(snap.Events) - 1; i >= 0; i-- {
		if snap.Events[i].Category == CategorySelection {
			payload["last_selection"] = snap.Events[i].Message
			break
		}
	}

	return []model.Suggestion{{
		ActionType:     string(model.ActionAddHighlight),
		ControllerName: model.ControllerInteraction,
		Priority:       model.PriorityLow,
		Payload:        payload,
	}}
}

// idleRule offers a low-key summary to a reader who went quiet mid-session.
type idleRule struct{}

func (idleRule) Name() string { return "idle" }

func (idleRule) Evaluate(snap behavior.Snapshot, cfg model.AnalysisConfig, now time.Time) []model.Suggestion {
	if len(snap.Events) == 0 {
		return nil
	}
	last := snap.Events[len(snap.Events)-1]
	idle := now.Sub(last.Timestamp)
	if idle < time.Duration(cfg.IdleThresholdSec)*time.Second {
		return nil
	}
	return []model.Suggestion{{
		ActionType:     string(model.ActionSummarize),
		ControllerName: model.ControllerAIAgent,
		Priority:       model.PriorityLow,
		Payload: map[string]any{
			"reason":       "idle_resume",
			"subject_id":   snap.Status.CurrentSubjectID,
			"idle_seconds": int64(idle.Seconds()),
		},
	}}
}
