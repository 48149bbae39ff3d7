// Package analysis derives candidate suggestions from collected reading
// behavior. The engine loads the sink's session snapshot, runs every
// registered rule over it and returns the candidates; the caller decides
// whether they reach the queue.
package analysis

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lectorlab/sibyl/internal/behavior"
	"github.com/lectorlab/sibyl/internal/model"
)

// Rule inspects a behavior snapshot and proposes zero or more suggestions.
// Rules leave ID, Timestamp and ExpiresAt unset; the engine stamps times and
// TTLs, the queue assigns ids at insertion.
type Rule interface {
	Name() string
	Evaluate(snap behavior.Snapshot, cfg model.AnalysisConfig, now time.Time) []model.Suggestion
}

// Engine runs rules against the behavior sink's current session.
type Engine struct {
	sink         behavior.Sink
	singleflight *singleflight.Group

	mu    sync.Mutex
	cfg   model.AnalysisConfig
	rules []Rule

	now      func() time.Time
	logger   *log.Logger
	logLevel model.Level
}

// NewEngine creates an Engine with the built-in rule set.
func NewEngine(cfg model.AnalysisConfig, sink behavior.Sink, logger *log.Logger, logLevel model.Level) *Engine {
	return &Engine{
		sink:         sink,
		singleflight: &singleflight.Group{},
		cfg:          cfg,
		rules:        defaultRules(),
		now:          time.Now,
		logger:       logger,
		logLevel:     logLevel,
	}
}

// Register appends a rule. Rules run in registration order.
func (e *Engine) Register(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// Rules returns the registered rule names in evaluation order.
func (e *Engine) Rules() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Configure replaces the analysis thresholds. Applied on config reload.
func (e *Engine) Configure(cfg model.AnalysisConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// Analyze loads the behavior snapshot and evaluates every rule over it.
// It returns nil when no collection session is active or the session has
// fewer events than the configured minimum. Concurrent calls for the same
// subject are coalesced into one snapshot load.
func (e *Engine) Analyze(ctx context.Context) ([]model.Suggestion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status := e.sink.Status()
	if !status.IsCollecting {
		e.log(model.LevelDebug, "analyze_skipped reason=no_session")
		return nil, nil
	}

	result, err, shared := e.singleflight.Do(status.CurrentSubjectID, func() (interface{}, error) {
		return e.analyzeSubject(status.CurrentSubjectID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.log(model.LevelDebug, "analyze_coalesced subject=%s", status.CurrentSubjectID)
	}
	return result.([]model.Suggestion), nil
}

func (e *Engine) analyzeSubject(subjectID string) ([]model.Suggestion, error) {
	snap, err := e.sink.BehaviorData()
	if err != nil {
		return nil, fmt.Errorf("load behavior data: %w", err)
	}

	e.mu.Lock()
	cfg := e.cfg
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.Unlock()

	if snap.Status.EventCount < int64(cfg.MinEvents) {
		e.log(model.LevelDebug, "analyze_skipped reason=too_few_events subject=%s events=%d min=%d",
			subjectID, snap.Status.EventCount, cfg.MinEvents)
		return nil, nil
	}

	now := e.now()
	var out []model.Suggestion
	for _, r := range rules {
		out = append(out, e.runRule(r, snap, cfg, now)...)
	}

	ts := now.UnixMilli()
	for i := range out {
		if out[i].Timestamp == 0 {
			out[i].Timestamp = ts
		}
		if out[i].ExpiresAt == nil && cfg.SuggestionTTLMs > 0 {
			expiresAt := out[i].Timestamp + cfg.SuggestionTTLMs
			out[i].ExpiresAt = &expiresAt
		}
	}

	e.log(model.LevelInfo, "analyzed subject=%s events=%d rules=%d suggestions=%d",
		subjectID, snap.Status.EventCount, len(rules), len(out))
	return out, nil
}

// runRule contains rule panics so one broken rule cannot sink the whole
// analysis pass.
func (e *Engine) runRule(r Rule, snap behavior.Snapshot, cfg model.AnalysisConfig, now time.Time) (out []model.Suggestion) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log(model.LevelError, "rule_panic rule=%s panic=%v", r.Name(), rec)
			out = nil
		}
	}()
	return r.Evaluate(snap, cfg, now)
}

func (e *Engine) log(level model.Level, format string, args ...any) {
	if level < e.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s analysis: %s", time.Now().Format(time.RFC3339), strings.ToUpper(level.String()), msg)
}
