package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lectorlab/sibyl/internal/events"
	"github.com/lectorlab/sibyl/internal/model"
	"github.com/lectorlab/sibyl/internal/queue"
)

// SuggestionsController drives the presentation lifecycle: dequeue for
// display, then resolve with the reader's verdict. Outcome actions must name
// the currently presented suggestion; anything else is a NotFoundError.
type SuggestionsController struct {
	queue    *queue.Queue
	emit     events.Emitter
	logger   *log.Logger
	logLevel model.Level
}

func NewSuggestionsController(q *queue.Queue, emit events.Emitter, logger *log.Logger, logLevel model.Level) *SuggestionsController {
	return &SuggestionsController{
		queue:    q,
		emit:     emit,
		logger:   logger,
		logLevel: logLevel,
	}
}

func (c *SuggestionsController) Name() string { return model.ControllerSuggestions }

func (c *SuggestionsController) Actions() []ActionDefinition {
	return []ActionDefinition{
		{
			Type:        model.ActionShowNextSuggestion,
			Description: "dequeue the best suggestion and present it",
			Handler:     c.showNext,
		},
		{
			Type:        model.ActionAcceptSuggestion,
			Description: "record that the reader accepted the presented suggestion",
			Handler:     c.acceptSuggestion,
		},
		{
			Type:        model.ActionRejectSuggestion,
			Description: "record that the reader rejected the presented suggestion",
			Handler:     c.rejectSuggestion,
		},
		{
			Type:        model.ActionDismissSuggestion,
			Description: "record that the reader dismissed the presented suggestion",
			Handler:     c.dismissSuggestion,
		},
	}
}

func (c *SuggestionsController) showNext(ctx context.Context, payload map[string]any) error {
	s, ok := c.queue.Dequeue()
	if !ok {
		c.queue.SetCurrent(nil)
		c.queue.SetShowing(false)
		c.log(model.LevelDebug, "show_next_empty")
		return nil
	}

	if current := c.queue.Current(); current != nil {
		c.log(model.LevelInfo, "presentation_replaced previous=%s", current.ID)
	}
	c.queue.SetCurrent(&s)
	c.queue.SetShowing(true)
	c.emit.Emit(events.EventSuggestionPresented, map[string]interface{}{
		"suggestion_id": s.ID,
		"action_type":   s.ActionType,
		"controller":    s.ControllerName,
		"priority":      string(s.Priority),
	})
	c.log(model.LevelInfo, "presented id=%s action=%s priority=%s", s.ID, s.ActionType, s.Priority)
	return nil
}

func (c *SuggestionsController) acceptSuggestion(ctx context.Context, payload map[string]any) error {
	return c.resolve(payload, "accepted")
}

func (c *SuggestionsController) rejectSuggestion(ctx context.Context, payload map[string]any) error {
	return c.resolve(payload, "rejected")
}

func (c *SuggestionsController) dismissSuggestion(ctx context.Context, payload map[string]any) error {
	return c.resolve(payload, "dismissed")
}

func (c *SuggestionsController) resolve(payload map[string]any, outcome string) error {
	id, err := requireString(payload, "suggestion_id")
	if err != nil {
		return err
	}

	current := c.queue.Current()
	if current == nil || current.ID != id {
		return &NotFoundError{Kind: "presented suggestion", ID: id}
	}

	switch outcome {
	case "accepted":
		c.queue.MarkAccepted()
	case "rejected":
		c.queue.MarkRejected()
	case "dismissed":
		c.queue.MarkDismissed()
	}
	c.queue.SetCurrent(nil)
	c.queue.SetShowing(false)

	c.emit.Emit(events.EventSuggestionResolved, map[string]interface{}{
		"suggestion_id": current.ID,
		"action_type":   current.ActionType,
		"outcome":       outcome,
	})
	c.log(model.LevelInfo, "resolved id=%s outcome=%s", current.ID, outcome)
	return nil
}

func (c *SuggestionsController) log(level model.Level, format string, args ...any) {
	if level < c.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s suggestions: %s", time.Now().Format(time.RFC3339), strings.ToUpper(level.String()), msg)
}
