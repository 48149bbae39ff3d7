// Package model defines the data structures for Sibyl's configuration, state, and suggestion entries.
package model

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Sibyl     SibylConfig     `yaml:"sibyl"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Collector CollectorConfig `yaml:"collector"`
	Queue     QueueConfig     `yaml:"queue"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Store     StoreConfig     `yaml:"store"`
	Notify    NotifyConfig    `yaml:"notify"`
	Limits    LimitsConfig    `yaml:"limits"`
	Events    EventsConfig    `yaml:"events"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type SibylConfig struct {
	Version     string `yaml:"version"`
	Created     string `yaml:"created"`
	ProjectRoot string `yaml:"project_root"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type SchedulerConfig struct {
	AnalysisIntervalSec int  `yaml:"analysis_interval_sec"`
	SweepIntervalSec    int  `yaml:"sweep_interval_sec"`
	RetentionSweepSec   int  `yaml:"retention_sweep_sec"`
	AllowOverlap        bool `yaml:"allow_overlap"` // permit a tick to fire while the prior callback is still running
}

type CollectorConfig struct {
	Enabled           bool   `yaml:"enabled"`
	BufferSize        int    `yaml:"buffer_size"`
	FlushIntervalMs   int    `yaml:"flush_interval_ms"`
	LogLevelThreshold string `yaml:"log_level_threshold"`
}

type QueueConfig struct {
	DedupWindowMs int64 `yaml:"dedup_window_ms"`
}

type AnalysisConfig struct {
	MinEvents          int   `yaml:"min_events"`
	IdleThresholdSec   int   `yaml:"idle_threshold_sec"`
	RereadThreshold    int   `yaml:"reread_threshold"`
	SelectionThreshold int   `yaml:"selection_threshold"`
	SuggestionTTLMs    int64 `yaml:"suggestion_ttl_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"` // empty means <dir>/data/behavior.db
	RetentionDays int    `yaml:"retention_days"`
}

type NotifyConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MinPriority string `yaml:"min_priority"`
}

type LimitsConfig struct {
	MaxPayloadBytes  int `yaml:"max_payload_bytes"`
	MaxContentChars  int `yaml:"max_content_chars"`
	MaxYAMLFileBytes int `yaml:"max_yaml_file_bytes"`
}

type EventsConfig struct {
	LogMaxBytes int64 `yaml:"log_max_bytes"`
	BusBuffer   int   `yaml:"bus_buffer"`
}

// Normalize fills unset numeric and enum fields with their defaults so a
// hand-edited config with missing sections still behaves. Booleans are left
// alone: absence means off.
func (c *Config) Normalize() {
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Scheduler.AnalysisIntervalSec <= 0 {
		c.Scheduler.AnalysisIntervalSec = 30
	}
	if c.Scheduler.SweepIntervalSec <= 0 {
		c.Scheduler.SweepIntervalSec = 15
	}
	if c.Scheduler.RetentionSweepSec <= 0 {
		c.Scheduler.RetentionSweepSec = 3600
	}
	if c.Collector.BufferSize <= 0 {
		c.Collector.BufferSize = 256
	}
	if c.Collector.FlushIntervalMs <= 0 {
		c.Collector.FlushIntervalMs = 5000
	}
	if c.Collector.LogLevelThreshold == "" {
		c.Collector.LogLevelThreshold = "info"
	}
	if c.Queue.DedupWindowMs <= 0 {
		c.Queue.DedupWindowMs = 60000
	}
	if c.Analysis.MinEvents <= 0 {
		c.Analysis.MinEvents = 5
	}
	if c.Analysis.IdleThresholdSec <= 0 {
		c.Analysis.IdleThresholdSec = 180
	}
	if c.Analysis.RereadThreshold <= 0 {
		c.Analysis.RereadThreshold = 3
	}
	if c.Analysis.SelectionThreshold <= 0 {
		c.Analysis.SelectionThreshold = 4
	}
	if c.Analysis.SuggestionTTLMs <= 0 {
		c.Analysis.SuggestionTTLMs = 300000
	}
	if c.Store.RetentionDays <= 0 {
		c.Store.RetentionDays = 14
	}
	if c.Notify.MinPriority == "" {
		c.Notify.MinPriority = "high"
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		c.Limits.MaxPayloadBytes = 65536
	}
	if c.Limits.MaxContentChars <= 0 {
		c.Limits.MaxContentChars = 4000
	}
	if c.Limits.MaxYAMLFileBytes <= 0 {
		c.Limits.MaxYAMLFileBytes = 1048576
	}
	if c.Events.LogMaxBytes <= 0 {
		c.Events.LogMaxBytes = 10 * 1024 * 1024
	}
	if c.Events.BusBuffer <= 0 {
		c.Events.BusBuffer = 100
	}
}
