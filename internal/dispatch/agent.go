package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lectorlab/sibyl/internal/analysis"
	"github.com/lectorlab/sibyl/internal/events"
	"github.com/lectorlab/sibyl/internal/model"
	"github.com/lectorlab/sibyl/internal/queue"
)

// AIAgentController fronts the analysis engine. ANALYZE_BEHAVIOR runs the
// engine and feeds the queue; SUMMARIZE and EXPLAIN_PASSAGE validate their
// payloads and emit agent_request events for the external agent worker. The
// language-model work itself never happens inside the daemon.
type AIAgentController struct {
	engine   *analysis.Engine
	queue    *queue.Queue
	emit     events.Emitter
	limits   model.LimitsConfig
	logger   *log.Logger
	logLevel model.Level
}

func NewAIAgentController(engine *analysis.Engine, q *queue.Queue, emit events.Emitter, limits model.LimitsConfig, logger *log.Logger, logLevel model.Level) *AIAgentController {
	return &AIAgentController{
		engine:   engine,
		queue:    q,
		emit:     emit,
		limits:   limits,
		logger:   logger,
		logLevel: logLevel,
	}
}

func (c *AIAgentController) Name() string { return model.ControllerAIAgent }

func (c *AIAgentController) Actions() []ActionDefinition {
	return []ActionDefinition{
		{
			Type:        model.ActionAnalyzeBehavior,
			Description: "run behavior analysis and enqueue derived suggestions",
			Handler:     c.analyzeBehavior,
		},
		{
			Type:        model.ActionSummarize,
			Description: "request a summary of the subject for the reader",
			Handler:     c.summarize,
		},
		{
			Type:        model.ActionExplainPassage,
			Description: "request an explanation of a passage",
			Handler:     c.explainPassage,
		},
	}
}

func (c *AIAgentController) analyzeBehavior(ctx context.Context, payload map[string]any) error {
	candidates, err := c.engine.Analyze(ctx)
	if err != nil {
		return fmt.Errorf("analyze behavior: %w", err)
	}

	accepted := 0
	for _, s := range candidates {
		ok, err := c.queue.Enqueue(s)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", s.ActionType, err)
		}
		if ok {
			accepted++
		}
	}
	c.log(model.LevelInfo, "analysis_complete candidates=%d accepted=%d", len(candidates), accepted)
	return nil
}

func (c *AIAgentController) summarize(ctx context.Context, payload map[string]any) error {
	subjectID, err := requireString(payload, "subject_id")
	if err != nil {
		return err
	}
	c.emit.Emit(events.EventAgentRequest, map[string]interface{}{
		"request":    "summarize",
		"subject_id": subjectID,
	})
	return nil
}

func (c *AIAgentController) explainPassage(ctx context.Context, payload map[string]any) error {
	passage, err := boundedString(payload, "passage", c.limits.MaxContentChars)
	if err != nil {
		return err
	}
	details := map[string]interface{}{
		"request": "explain_passage",
		"passage": passage,
	}
	if subjectID := stringField(payload, "subject_id"); subjectID != "" {
		details["subject_id"] = subjectID
	}
	c.emit.Emit(events.EventAgentRequest, details)
	return nil
}

func (c *AIAgentController) log(level model.Level, format string, args ...any) {
	if level < c.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s agent: %s", time.Now().Format(time.RFC3339), strings.ToUpper(level.String()), msg)
}
