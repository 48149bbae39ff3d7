// Package dispatch routes typed actions to controller handlers. Every
// failure mode, unknown action type, handler error or handler panic, is
// converted into a single emitted action_error event; Execute never returns
// anything to its caller. Results of successful handlers likewise arrive as
// events, not return values.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/lectorlab/sibyl/internal/events"
	"github.com/lectorlab/sibyl/internal/model"
	"github.com/lectorlab/sibyl/internal/sanitize"
)

// Handler executes one action. Input violations are reported as
// *ValidationError or *NotFoundError; anything else counts as internal.
type Handler func(ctx context.Context, payload map[string]any) error

// ActionDefinition binds an action type to its handler. Controllers build
// their definitions once at construction.
type ActionDefinition struct {
	Type        model.ActionType
	Description string
	Handler     Handler
}

// Controller exposes a named group of actions.
type Controller interface {
	Name() string
	Actions() []ActionDefinition
}

// ActionInfo describes one registered action for status output.
type ActionInfo struct {
	Type        string `json:"type"`
	Controller  string `json:"controller"`
	Description string `json:"description"`
}

type registeredAction struct {
	controller  string
	description string
	handler     Handler
}

// Dispatcher holds the immutable action table. Built once from the
// controllers passed to New; registration after construction is not
// possible.
type Dispatcher struct {
	actions  map[model.ActionType]registeredAction
	emit     events.Emitter
	logger   *log.Logger
	logLevel model.Level
}

// New builds the action table from the given controllers. A duplicate
// action type across controllers or a nil handler is a construction error.
func New(emit events.Emitter, logger *log.Logger, logLevel model.Level, controllers ...Controller) (*Dispatcher, error) {
	d := &Dispatcher{
		actions:  make(map[model.ActionType]registeredAction),
		emit:     emit,
		logger:   logger,
		logLevel: logLevel,
	}
	for _, c := range controllers {
		for _, def := range c.Actions() {
			if def.Type == "" {
				return nil, fmt.Errorf("controller %s: action with empty type", c.Name())
			}
			if def.Handler == nil {
				return nil, fmt.Errorf("controller %s: action %s has nil handler", c.Name(), def.Type)
			}
			if existing, ok := d.actions[def.Type]; ok {
				return nil, fmt.Errorf("action %s registered by both %s and %s", def.Type, existing.controller, c.Name())
			}
			d.actions[def.Type] = registeredAction{
				controller:  c.Name(),
				description: def.Description,
				handler:     def.Handler,
			}
		}
	}
	return d, nil
}

// Execute routes one action. It never returns an error: an unknown type
// emits one action_error listing the registered types, and a failing or
// panicking handler emits one action_error carrying the sanitized payload.
func (d *Dispatcher) Execute(ctx context.Context, actionType string, payload map[string]any) {
	reg, ok := d.actions[model.ActionType(actionType)]
	if !ok {
		d.log(model.LevelWarn, "unknown_action type=%s", actionType)
		d.emit.Emit(events.EventActionError, map[string]interface{}{
			"action_type":       actionType,
			"error":             "unknown action type",
			"error_kind":        "dispatch",
			"available_actions": d.SupportedActions(),
		})
		return
	}

	err := d.invoke(ctx, reg, payload)
	if err == nil {
		d.log(model.LevelDebug, "action_done type=%s controller=%s", actionType, reg.controller)
		return
	}

	kind := errorKind(err)
	d.log(model.LevelWarn, "action_failed type=%s controller=%s kind=%s error=%v",
		actionType, reg.controller, kind, err)
	d.emit.Emit(events.EventActionError, map[string]interface{}{
		"action_type": actionType,
		"controller":  reg.controller,
		"payload":     sanitize.Sanitize(payload),
		"error":       err.Error(),
		"error_kind":  kind,
	})
}

func (d *Dispatcher) invoke(ctx context.Context, reg registeredAction, payload map[string]any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return reg.handler(ctx, payload)
}

// SupportedActions returns the registered action types, sorted.
func (d *Dispatcher) SupportedActions() []string {
	out := make([]string, 0, len(d.actions))
	for t := range d.actions {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// Catalog returns the registered actions with their controller and
// description, sorted by type.
func (d *Dispatcher) Catalog() []ActionInfo {
	out := make([]ActionInfo, 0, len(d.actions))
	for t, reg := range d.actions {
		out = append(out, ActionInfo{
			Type:        string(t),
			Controller:  reg.controller,
			Description: reg.description,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func (d *Dispatcher) log(level model.Level, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s dispatch: %s", time.Now().Format(time.RFC3339), strings.ToUpper(level.String()), msg)
}
