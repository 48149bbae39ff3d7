// Package collector turns raw observations into sanitized behavior records
// and forwards them to the sink. Sink failures never propagate to callers:
// failed records land in a bounded retry buffer that a periodic flush drains.
package collector

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lectorlab/sibyl/internal/behavior"
	"github.com/lectorlab/sibyl/internal/model"
	"github.com/lectorlab/sibyl/internal/sanitize"
)

// Options is the collector's effective configuration.
type Options struct {
	Enabled           bool
	BufferSize        int
	FlushIntervalMs   int
	LogLevelThreshold model.Level
}

// Patch is a partial Options update. nil fields keep their current value.
type Patch struct {
	Enabled           *bool
	BufferSize        *int
	FlushIntervalMs   *int
	LogLevelThreshold *model.Level
}

// CollectOptions carries per-event overrides. Zero values mean the defaults:
// level info, category "default".
type CollectOptions struct {
	Level    string
	Category string
}

// Collector validates, defaults and sanitizes events before forwarding.
type Collector struct {
	mu      sync.Mutex
	opts    Options
	buffer  []model.EventRecord
	dropped int64

	sink     behavior.Sink
	logger   *log.Logger
	logLevel model.Level
}

// New creates a Collector forwarding to sink.
func New(cfg model.CollectorConfig, sink behavior.Sink, logger *log.Logger, logLevel model.Level) *Collector {
	return &Collector{
		opts: Options{
			Enabled:           cfg.Enabled,
			BufferSize:        cfg.BufferSize,
			FlushIntervalMs:   cfg.FlushIntervalMs,
			LogLevelThreshold: model.ParseLevel(cfg.LogLevelThreshold),
		},
		sink:     sink,
		logger:   logger,
		logLevel: logLevel,
	}
}

// Configure merges a partial update into the current options. Non-positive
// buffer sizes and flush intervals are rejected field-wise with a warning.
func (c *Collector) Configure(p Patch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.Enabled != nil && *p.Enabled != c.opts.Enabled {
		c.opts.Enabled = *p.Enabled
		c.log(model.LevelInfo, "configured enabled=%t", c.opts.Enabled)
	}
	if p.BufferSize != nil {
		if *p.BufferSize <= 0 {
			c.log(model.LevelWarn, "configure_rejected field=buffer_size value=%d", *p.BufferSize)
		} else {
			c.opts.BufferSize = *p.BufferSize
			c.trimBufferLocked()
			c.log(model.LevelInfo, "configured buffer_size=%d", c.opts.BufferSize)
		}
	}
	if p.FlushIntervalMs != nil {
		if *p.FlushIntervalMs <= 0 {
			c.log(model.LevelWarn, "configure_rejected field=flush_interval_ms value=%d", *p.FlushIntervalMs)
		} else {
			c.opts.FlushIntervalMs = *p.FlushIntervalMs
			c.log(model.LevelInfo, "configured flush_interval_ms=%d", c.opts.FlushIntervalMs)
		}
	}
	if p.LogLevelThreshold != nil {
		c.opts.LogLevelThreshold = *p.LogLevelThreshold
		c.log(model.LevelInfo, "configured log_level_threshold=%s", c.opts.LogLevelThreshold)
	}
}

// Options returns a snapshot of the effective configuration.
func (c *Collector) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Collect builds a record and forwards it. It returns immediately when the
// collector is disabled or the event level is below the threshold. Data is
// sanitized before it leaves this package. Sink failures are contained here.
func (c *Collector) Collect(source, message string, data any, opts CollectOptions) {
	c.mu.Lock()
	enabled := c.opts.Enabled
	threshold := c.opts.LogLevelThreshold
	c.mu.Unlock()

	if !enabled {
		return
	}

	level := model.ParseLevel(opts.Level)
	if level < threshold {
		c.log(model.LevelDebug, "event_filtered source=%s level=%s threshold=%s", source, level, threshold)
		return
	}

	category := opts.Category
	if category == "" {
		category = "default"
	}

	rec := model.EventRecord{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    source,
		Category:  category,
		Message:   message,
	}
	if data != nil {
		rec.Data = sanitize.Sanitize(data)
	}

	c.forward(rec)
}

func (c *Collector) forward(rec model.EventRecord) {
	if err := c.sink.CollectEvent(rec); err != nil {
		c.log(model.LevelWarn, "sink_forward_failed source=%s error=%v", rec.Source, err)
		c.bufferRecord(rec)
	}
}

func (c *Collector) bufferRecord(rec model.EventRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(c.buffer, rec)
	c.trimBufferLocked()
}

func (c *Collector) trimBufferLocked() {
	if c.opts.BufferSize <= 0 || len(c.buffer) <= c.opts.BufferSize {
		return
	}
	overflow := len(c.buffer) - c.opts.BufferSize
	c.buffer = append([]model.EventRecord{}, c.buffer[overflow:]...)
	c.dropped += int64(overflow)
	c.log(model.LevelWarn, "buffer_overflow dropped=%d total_dropped=%d", overflow, c.dropped)
}

// Flush retries buffered records against the sink in arrival order. It stops
// at the first failure and requeues the remainder. Returns how many records
// reached the sink.
func (c *Collector) Flush() int {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return 0
	}
	pending := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	flushed := 0
	for i, rec := range pending {
		if err := c.sink.CollectEvent(rec); err != nil {
			c.log(model.LevelWarn, "flush_stalled flushed=%d remaining=%d error=%v", flushed, len(pending)-i, err)
			c.requeue(pending[i:])
			return flushed
		}
		flushed++
	}
	c.log(model.LevelInfo, "flushed events=%d", flushed)
	return flushed
}

func (c *Collector) requeue(remainder []model.EventRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(append([]model.EventRecord{}, remainder...), c.buffer...)
	c.trimBufferLocked()
}

// BufferLen reports how many records await retry.
func (c *Collector) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Dropped reports how many buffered records were lost to overflow.
func (c *Collector) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// StartCollecting opens a sink session for the subject. When the collector
// is disabled this is a no-op returning an empty session id. A successful
// start drains the retry buffer into the fresh session.
func (c *Collector) StartCollecting(subjectID string) (string, error) {
	c.mu.Lock()
	enabled := c.opts.Enabled
	c.mu.Unlock()
	if !enabled {
		c.log(model.LevelDebug, "track_start_skipped reason=disabled subject=%s", subjectID)
		return "", nil
	}

	sessionID, err := c.sink.StartCollecting(subjectID)
	if err != nil {
		return "", fmt.Errorf("start collecting: %w", err)
	}
	c.Flush()
	return sessionID, nil
}

// StopCollecting closes the sink session. No-op when disabled.
func (c *Collector) StopCollecting() error {
	c.mu.Lock()
	enabled := c.opts.Enabled
	c.mu.Unlock()
	if !enabled {
		return nil
	}

	c.Flush()
	if err := c.sink.StopCollecting(); err != nil {
		return fmt.Errorf("stop collecting: %w", err)
	}
	return nil
}

// Status reports the sink's collection snapshot.
func (c *Collector) Status() behavior.CollectionStatus {
	return c.sink.Status()
}

func (c *Collector) log(level model.Level, format string, args ...any) {
	if level < c.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s collector: %s", time.Now().Format(time.RFC3339), strings.ToUpper(level.String()), msg)
}
