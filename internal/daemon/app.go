// Package daemon runs the long-lived Sibyl process: the app context that
// wires the pipeline together, the UDS command surface, the config watcher
// and the shutdown path.
package daemon

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/lectorlab/sibyl/internal/analysis"
	"github.com/lectorlab/sibyl/internal/behavior"
	"github.com/lectorlab/sibyl/internal/collector"
	"github.com/lectorlab/sibyl/internal/dispatch"
	"github.com/lectorlab/sibyl/internal/events"
	"github.com/lectorlab/sibyl/internal/export"
	"github.com/lectorlab/sibyl/internal/lock"
	"github.com/lectorlab/sibyl/internal/model"
	"github.com/lectorlab/sibyl/internal/queue"
	"github.com/lectorlab/sibyl/internal/scheduler"
)

// App owns every pipeline component of one daemon instance. Nothing in here
// is a package-level singleton; tests construct isolated instances against
// temp directories and tear them down independently.
type App struct {
	SibylDir string
	Config   model.Config

	Locks      *lock.MutexMap
	Bus        *events.Bus
	EventLog   *events.EventLog
	Emitter    events.Emitter
	Store      *behavior.Store
	Collector  *collector.Collector
	StatsStore *queue.StatsStore
	Queue      *queue.Queue
	Engine     *analysis.Engine
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler

	logger   *log.Logger
	logLevel model.Level
}

// NewApp builds the pipeline in dependency order: event plumbing first, then
// the behavior store and collector, then queue, engine, dispatcher and the
// scheduler with its periodic tasks. On partial failure everything already
// opened is closed before the error returns.
func NewApp(sibylDir string, cfg model.Config, logger *log.Logger) (*App, error) {
	a := &App{
		SibylDir: sibylDir,
		Config:   cfg,
		Locks:    lock.NewMutexMap(),
		logger:   logger,
		logLevel: model.ParseLevel(cfg.Logging.Level),
	}

	a.Bus = events.NewBus(cfg.Events.BusBuffer)

	eventLog, err := events.NewEventLog(filepath.Join(sibylDir, "logs", "events.jsonl"), cfg.Events.LogMaxBytes)
	if err != nil {
		a.Teardown()
		return nil, fmt.Errorf("open event log: %w", err)
	}
	a.EventLog = eventLog
	a.Emitter = &events.Fanout{Bus: a.Bus, Log: a.EventLog}

	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = filepath.Join(sibylDir, "data", "behavior.db")
	}
	store, err := behavior.NewStore(storePath, logger, a.logLevel)
	if err != nil {
		a.Teardown()
		return nil, fmt.Errorf("open behavior store: %w", err)
	}
	a.Store = store

	a.Collector = collector.New(cfg.Collector, a.Store, logger, a.logLevel)

	a.StatsStore = queue.NewStatsStore(sibylDir, a.Locks, cfg.Limits.MaxYAMLFileBytes)
	stats, err := a.StatsStore.Load()
	if err != nil {
		a.Teardown()
		return nil, fmt.Errorf("load suggestion stats: %w", err)
	}
	a.Queue = queue.New(cfg.Queue, stats, a.StatsStore, a.Emitter, logger, a.logLevel)

	a.Engine = analysis.NewEngine(cfg.Analysis, a.Store, logger, a.logLevel)

	dispatcher, err := dispatch.New(a.Emitter, logger, a.logLevel,
		dispatch.NewAIAgentController(a.Engine, a.Queue, a.Emitter, cfg.Limits, logger, a.logLevel),
		dispatch.NewInteractionController(a.Emitter, cfg.Limits, logger, a.logLevel),
		dispatch.NewSuggestionsController(a.Queue, a.Emitter, logger, a.logLevel),
	)
	if err != nil {
		a.Teardown()
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	a.Dispatcher = dispatcher

	a.Scheduler = scheduler.New(logger, a.logLevel)
	if err := a.registerTasks(); err != nil {
		a.Teardown()
		return nil, fmt.Errorf("register tasks: %w", err)
	}

	a.log(model.LevelDebug, "wired store=%s stats_generated=%d", storePath, stats.TotalGenerated)
	return a, nil
}

// registerTasks installs the daemon's periodic work. The collector flush
// task is registered disabled when collection is off; StartAll skips it.
func (a *App) registerTasks() error {
	cfg := a.Config
	tasks := []scheduler.Task{
		{
			ID:           "behavior_analysis",
			Interval:     time.Duration(cfg.Scheduler.AnalysisIntervalSec) * time.Second,
			Enabled:      true,
			AllowOverlap: cfg.Scheduler.AllowOverlap,
			Fn: func(ctx context.Context) error {
				a.Dispatcher.Execute(ctx, string(model.ActionAnalyzeBehavior), nil)
				return nil
			},
		},
		{
			ID:           "queue_sweep",
			Interval:     time.Duration(cfg.Scheduler.SweepIntervalSec) * time.Second,
			Enabled:      true,
			AllowOverlap: cfg.Scheduler.AllowOverlap,
			Fn: func(ctx context.Context) error {
				a.Queue.RemoveExpired()
				return nil
			},
		},
		{
			ID:           "collector_flush",
			Interval:     time.Duration(cfg.Collector.FlushIntervalMs) * time.Millisecond,
			Enabled:      cfg.Collector.Enabled,
			AllowOverlap: cfg.Scheduler.AllowOverlap,
			Fn: func(ctx context.Context) error {
				a.Collector.Flush()
				return nil
			},
		},
		{
			ID:           "store_retention",
			Interval:     time.Duration(cfg.Scheduler.RetentionSweepSec) * time.Second,
			Enabled:      true,
			AllowOverlap: cfg.Scheduler.AllowOverlap,
			Fn: func(ctx context.Context) error {
				cutoff := time.Now().AddDate(0, 0, -cfg.Store.RetentionDays)
				_, err := a.Store.PurgeBefore(cutoff)
				return err
			},
		},
	}
	for _, t := range tasks {
		if err := a.Scheduler.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Export tail bounds. A request may ask for fewer or more records; zero
// means the default and anything above the cap is clamped.
const (
	defaultExportTail = 20
	maxExportTail     = 200
)

// ExportData assembles the diagnostics snapshot served by the export
// command. limit caps both the pipeline event tail and the behavior
// records.
func (a *App) ExportData(limit int) export.Data {
	if limit <= 0 {
		limit = defaultExportTail
	}
	if limit > maxExportTail {
		limit = maxExportTail
	}

	d := export.Data{
		GeneratedAt:    time.Now().UTC(),
		Collection:     a.Collector.Status(),
		Queue:          a.Queue.Status(),
		AcceptanceRate: a.Queue.Stats().AcceptanceRate(),
		Tasks:          a.Scheduler.Status(),
	}

	logPath := a.EventLog.GetCurrentLogPath()
	if entries, err := events.ReadTail(logPath, limit); err == nil {
		d.Events = entries
	} else {
		a.log(model.LevelWarn, "export event tail failed: %v", err)
	}
	if total, valid, err := events.VerifyLogIntegrity(logPath); err == nil {
		d.LogValid = valid
		d.LogCorrupted = total - valid
	} else {
		a.log(model.LevelWarn, "export integrity check failed: %v", err)
	}
	d.BusDropped = a.Bus.Dropped()
	if recs, err := a.Store.RecentEvents(limit); err == nil {
		d.Behavior = recs
	} else {
		a.log(model.LevelWarn, "export behavior tail failed: %v", err)
	}
	return d
}

// Teardown stops periodic work and closes components in reverse dependency
// order. Safe on a partially constructed App; later components are nil.
func (a *App) Teardown() {
	if a.Scheduler != nil {
		a.Scheduler.StopAll()
		a.Scheduler.Wait()
	}
	if a.Collector != nil {
		a.Collector.Flush()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.log(model.LevelWarn, "store close failed: %v", err)
		}
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.EventLog != nil {
		if err := a.EventLog.Close(); err != nil {
			a.log(model.LevelWarn, "event log close failed: %v", err)
		}
	}
	a.log(model.LevelDebug, "teardown complete")
}

func (a *App) log(level model.Level, format string, args ...any) {
	if level < a.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	a.logger.Printf("%s %s app: %s", time.Now().Format(time.RFC3339), strings.ToUpper(level.String()), msg)
}
