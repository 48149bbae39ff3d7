package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lectorlab/sibyl/internal/collector"
	"github.com/lectorlab/sibyl/internal/events"
	"github.com/lectorlab/sibyl/internal/lock"
	"github.com/lectorlab/sibyl/internal/model"
	"github.com/lectorlab/sibyl/internal/notify"
	"github.com/lectorlab/sibyl/internal/uds"
)

// configReloadDebounce is how long the config watcher waits after the last
// write before reloading, so editors that save in multiple steps trigger
// one reload.
const configReloadDebounce = 500 * time.Millisecond

// Daemon is the main sibyl daemon process.
type Daemon struct {
	sibylDir string
	logger   *log.Logger
	logFile  io.Closer
	logLevel atomic.Int32

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	app      *App

	mu      sync.Mutex
	config  model.Config
	started time.Time

	unsubscribe func()

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}
}

// New creates a Daemon logging to logs/daemon.log.
func New(sibylDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(sibylDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(sibylDir, cfg, logFile, logFile)
}

// newDaemon lets tests swap the log destination.
func newDaemon(sibylDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		sibylDir: sibylDir,
		config:   cfg,
		logger:   log.New(w, "", 0),
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(sibylDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(sibylDir, uds.DefaultSocketName)),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
	d.logLevel.Store(int32(model.ParseLevel(cfg.Logging.Level)))

	return d, nil
}

// Run brings the daemon up and blocks until it has shut down. Startup order:
// lock, pipeline, config watcher, UDS surface, notifications, tasks.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.mu.Lock()
	d.started = time.Now()
	cfg := d.config
	d.mu.Unlock()
	d.log(model.LevelInfo, "daemon starting pid=%d", os.Getpid())

	app, err := NewApp(d.sibylDir, cfg, d.logger)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("wire app: %w", err)
	}
	d.app = app

	// Watch the sibyl dir rather than config.yaml itself: editors that
	// rename-on-save would otherwise detach the watch.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.app.Teardown()
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(d.sibylDir); err != nil {
		d.app.Teardown()
		d.cleanup()
		return fmt.Errorf("watch %s: %w", d.sibylDir, err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.app.Teardown()
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(model.LevelInfo, "UDS server listening on %s", filepath.Join(d.sibylDir, uds.DefaultSocketName))

	d.wg.Add(1)
	go d.configWatchLoop()

	// Forward qualifying suggestions to the desktop. The gate is checked
	// per event so a config reload can flip it without resubscribing.
	d.unsubscribe = d.app.Bus.Subscribe(events.EventSuggestionEnqueued, d.notifySuggestion)

	d.app.Scheduler.StartAll()
	for _, a := range d.app.Dispatcher.Catalog() {
		d.log(model.LevelDebug, "action registered type=%s controller=%s", a.Type, a.Controller)
	}
	d.log(model.LevelInfo, "daemon ready")

	d.waitSignals()
	return nil
}

// configWatchLoop debounces filesystem events on config.yaml into reloads.
func (d *Daemon) configWatchLoop() {
	defer d.wg.Done()

	configPath := filepath.Join(d.sibylDir, "config.yaml")
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	pending := false

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			d.log(model.LevelDebug, "config event=%s file=%s", event.Op, event.Name)
			debounce.Reset(configReloadDebounce)
			pending = true
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(model.LevelError, "fsnotify error=%v", err)
		case <-debounce.C:
			if !pending {
				continue
			}
			pending = false
			d.reloadConfig()
		}
	}
}

// reloadConfig re-reads config.yaml and applies what can change at runtime:
// collector settings, analysis thresholds, the daemon log level and the
// notification gate. Scheduler intervals pin at startup; restart to change
// them.
func (d *Daemon) reloadConfig() {
	data, err := os.ReadFile(filepath.Join(d.sibylDir, "config.yaml"))
	if err != nil {
		d.log(model.LevelWarn, "config reload read failed: %v", err)
		return
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		d.log(model.LevelWarn, "config reload parse failed: %v", err)
		return
	}
	cfg.Normalize()

	enabled := cfg.Collector.Enabled
	buffer := cfg.Collector.BufferSize
	flush := cfg.Collector.FlushIntervalMs
	threshold := model.ParseLevel(cfg.Collector.LogLevelThreshold)
	d.app.Collector.Configure(collector.Patch{
		Enabled:           &enabled,
		BufferSize:        &buffer,
		FlushIntervalMs:   &flush,
		LogLevelThreshold: &threshold,
	})
	d.app.Engine.Configure(cfg.Analysis)
	d.logLevel.Store(int32(model.ParseLevel(cfg.Logging.Level)))

	d.mu.Lock()
	d.config = cfg
	d.mu.Unlock()

	d.app.Emitter.Emit(events.EventConfigReloaded, map[string]interface{}{
		"log_level":         cfg.Logging.Level,
		"collector_enabled": cfg.Collector.Enabled,
		"notify_enabled":    cfg.Notify.Enabled,
	})
	d.log(model.LevelInfo, "config reloaded")
}

// notifySuggestion sends a desktop notification for enqueued suggestions at
// or above the configured priority floor.
func (d *Daemon) notifySuggestion(ev events.Event) {
	cfg := d.currentConfig()
	if !cfg.Notify.Enabled {
		return
	}
	floor, err := model.ParsePriority(cfg.Notify.MinPriority)
	if err != nil {
		floor = model.PriorityHigh
	}
	priority, _ := ev.Data["priority"].(string)
	p, err := model.ParsePriority(priority)
	if err != nil || p.Weight() < floor.Weight() {
		return
	}
	actionType, _ := ev.Data["action_type"].(string)
	if err := notify.Send("Sibyl", fmt.Sprintf("New suggestion: %s", actionType)); err != nil {
		d.log(model.LevelDebug, "notify failed: %v", err)
	}
}

func (d *Daemon) currentConfig() model.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// waitSignals blocks until a shutdown signal is received or a shutdown
// initiated over UDS has completed.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(model.LevelInfo, "received signal=%s, initiating graceful shutdown", sig)

		// A second signal skips the drain.
		go func() {
			<-sigCh
			d.log(model.LevelWarn, "received second signal, forcing exit")
			os.Exit(1)
		}()

		d.Shutdown()
	case <-d.stopped:
	}
}

// Shutdown stops the daemon: producers first, then a bounded drain of
// background goroutines, then pipeline teardown. Safe to call more than
// once; later calls are no-ops.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(model.LevelInfo, "shutdown started")

		d.cancel()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}
		if d.unsubscribe != nil {
			d.unsubscribe()
		}

		timeout := d.currentConfig().Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			d.log(model.LevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(model.LevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		if d.app != nil {
			d.app.Teardown()
		}
		d.cleanup()
		d.log(model.LevelInfo, "daemon stopped")
		close(d.stopped)
	})
}

// cleanup releases the process-level resources: socket file, instance lock,
// log handle.
func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.sibylDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level model.Level, format string, args ...any) {
	if level < model.Level(d.logLevel.Load()) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), strings.ToUpper(level.String()), msg)
}
