package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lectorlab/sibyl/internal/events"
	"github.com/lectorlab/sibyl/internal/model"
)

// InteractionController validates reply and highlight commands and emits the
// entity events the display layer applies to its own store. It holds no
// records itself.
type InteractionController struct {
	emit     events.Emitter
	limits   model.LimitsConfig
	logger   *log.Logger
	logLevel model.Level
}

func NewInteractionController(emit events.Emitter, limits model.LimitsConfig, logger *log.Logger, logLevel model.Level) *InteractionController {
	return &InteractionController{
		emit:     emit,
		limits:   limits,
		logger:   logger,
		logLevel: logLevel,
	}
}

func (c *InteractionController) Name() string { return model.ControllerInteraction }

func (c *InteractionController) Actions() []ActionDefinition {
	return []ActionDefinition{
		{
			Type:        model.ActionAddReply,
			Description: "attach a reply to a subject",
			Handler:     c.addReply,
		},
		{
			Type:        model.ActionUpdateReply,
			Description: "replace the content of a reply",
			Handler:     c.updateReply,
		},
		{
			Type:        model.ActionRemoveReply,
			Description: "remove a reply",
			Handler:     c.removeReply,
		},
		{
			Type:        model.ActionAddHighlight,
			Description: "highlight a passage of a subject",
			Handler:     c.addHighlight,
		},
		{
			Type:        model.ActionRemoveHighlight,
			Description: "remove a highlight",
			Handler:     c.removeHighlight,
		},
	}
}

func (c *InteractionController) addReply(ctx context.Context, payload map[string]any) error {
	subjectID, err := requireString(payload, "subject_id")
	if err != nil {
		return err
	}
	content, err := boundedString(payload, "content", c.limits.MaxContentChars)
	if err != nil {
		return err
	}

	id, err := model.GenerateID(model.IDTypeReply)
	if err != nil {
		return fmt.Errorf("generate reply id: %w", err)
	}

	details := map[string]interface{}{
		"entity":     "reply",
		"id":         id,
		"subject_id": subjectID,
		"content":    content,
	}
	if parentID := stringField(payload, "parent_id"); parentID != "" {
		details["parent_id"] = parentID
	}
	c.emit.Emit(events.EventEntityAdded, details)
	c.log(model.LevelInfo, "reply_added id=%s subject=%s chars=%d", id, subjectID, len(content))
	return nil
}

func (c *InteractionController) updateReply(ctx context.Context, payload map[string]any) error {
	id, err := c.entityID(payload, model.IDTypeReply, "reply")
	if err != nil {
		return err
	}
	content, err := boundedString(payload, "content", c.limits.MaxContentChars)
	if err != nil {
		return err
	}

	c.emit.Emit(events.EventEntityUpdated, map[string]interface{}{
		"entity":  "reply",
		"id":      id,
		"content": content,
	})
	c.log(model.LevelInfo, "reply_updated id=%s chars=%d", id, len(content))
	return nil
}

func (c *InteractionController) removeReply(ctx context.Context, payload map[string]any) error {
	id, err := c.entityID(payload, model.IDTypeReply, "reply")
	if err != nil {
		return err
	}
	c.emit.Emit(events.EventEntityRemoved, map[string]interface{}{
		"entity": "reply",
		"id":     id,
	})
	c.log(model.LevelInfo, "reply_removed id=%s", id)
	return nil
}

func (c *InteractionController) addHighlight(ctx context.Context, payload map[string]any) error {
	subjectID, err := requireString(payload, "subject_id")
	if err != nil {
		return err
	}
	content, err := boundedString(payload, "content", c.limits.MaxContentChars)
	if err != nil {
		return err
	}

	id, err := model.GenerateID(model.IDTypeHighlight)
	if err != nil {
		return fmt.Errorf("generate highlight id: %w", err)
	}

	details := map[string]interface{}{
		"entity":     "highlight",
		"id":         id,
		"subject_id": subjectID,
		"content":    content,
	}
	if color := stringField(payload, "color"); color != "" {
		details["color"] = color
	}
	c.emit.Emit(events.EventEntityAdded, details)
	c.log(model.LevelInfo, "highlight_added id=%s subject=%s length=%d", id, subjectID, len(content))
	return nil
}

func (c *InteractionController) removeHighlight(ctx context.Context, payload map[string]any) error {
	id, err := c.entityID(payload, model.IDTypeHighlight, "highlight")
	if err != nil {
		return err
	}
	c.emit.Emit(events.EventEntityRemoved, map[string]interface{}{
		"entity": "highlight",
		"id":     id,
	})
	c.log(model.LevelInfo, "highlight_removed id=%s", id)
	return nil
}

// entityID extracts and checks the id field: it must be well formed and
// carry the prefix of the entity the action operates on.
func (c *InteractionController) entityID(payload map[string]any, want model.IDType, entity string) (string, error) {
	id, err := requireString(payload, "id")
	if err != nil {
		return "", err
	}
	idType, err := model.ParseIDType(id)
	if err != nil {
		return "", &ValidationError{Field: "id", Reason: "malformed id"}
	}
	if idType != want {
		return "", &ValidationError{Field: "id", Reason: fmt.Sprintf("not a %s id", entity)}
	}
	return id, nil
}

func (c *InteractionController) log(level model.Level, format string, args ...any) {
	if level < c.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s interaction: %s", time.Now().Format(time.RFC3339), strings.ToUpper(level.String()), msg)
}
