// Package status renders the `sibyl status` projection: daemon liveness plus
// the collection, queue and task snapshots when the daemon answers.
package status

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/lectorlab/sibyl/internal/lock"
	"github.com/lectorlab/sibyl/internal/model"
	"github.com/lectorlab/sibyl/internal/uds"
	sibylyaml "github.com/lectorlab/sibyl/internal/yaml"
)

// Report is what `sibyl status` shows. With the daemon down only Daemon and
// the on-disk Stats are populated.
type Report struct {
	Daemon     DaemonState            `json:"daemon"`
	Collection *CollectionState       `json:"collection,omitempty"`
	Queue      *QueueState            `json:"queue,omitempty"`
	Stats      *model.SuggestionStats `json:"stats,omitempty"`
	Tasks      []TaskState            `json:"tasks,omitempty"`
}

type DaemonState struct {
	Running   bool   `json:"running"`
	PID       int    `json:"pid,omitempty"`
	UptimeSec int64  `json:"uptime_sec,omitempty"`
	LogLevel  string `json:"log_level,omitempty"`
}

type CollectionState struct {
	Collecting bool   `json:"collecting"`
	SubjectID  string `json:"subject_id,omitempty"`
	EventCount int64  `json:"event_count"`
}

type QueueState struct {
	Length        int    `json:"length"`
	IsShowing     bool   `json:"is_showing"`
	CurrentID     string `json:"current_id,omitempty"`
	CurrentAction string `json:"current_action,omitempty"`
}

type TaskState struct {
	ID         string `json:"id"`
	Enabled    bool   `json:"enabled"`
	IntervalMs int64  `json:"interval_ms"`
	Runs       int64  `json:"runs"`
	Failures   int64  `json:"failures"`
}

// Run gathers the status and prints it.
func Run(sibylDir string, jsonOutput bool) error {
	report := Gather(sibylDir)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(report)
	return nil
}

// Gather queries the daemon over UDS. When it does not answer, the lifetime
// counters still come from state/stats.yaml so a stopped pipeline keeps its
// history visible.
func Gather(sibylDir string) Report {
	var report Report

	ds := queryDaemon(filepath.Join(sibylDir, uds.DefaultSocketName))
	if ds == nil {
		report.Daemon = DaemonState{Running: false}
		// A surviving lock file means a daemon holds (or held) the lock
		// without answering. Surface its pid so the user can inspect it.
		if pid, err := lock.ReadPID(filepath.Join(sibylDir, "locks", "daemon.lock")); err == nil {
			report.Daemon.PID = pid
		}
		report.Stats = readStatsFromDisk(sibylDir)
		return report
	}

	report.Daemon = DaemonState{
		Running:   true,
		PID:       ds.PID,
		UptimeSec: ds.UptimeSec,
		LogLevel:  ds.LogLevel,
	}
	report.Collection = &CollectionState{
		Collecting: ds.Collection.IsCollecting,
		SubjectID:  ds.Collection.CurrentSubjectID,
		EventCount: ds.Collection.EventCount,
	}
	qs := &QueueState{
		Length:    ds.Queue.Length,
		IsShowing: ds.Queue.IsShowing,
	}
	if ds.Queue.Current != nil {
		qs.CurrentID = ds.Queue.Current.ID
		qs.CurrentAction = ds.Queue.Current.ActionType
	}
	report.Queue = qs
	stats := ds.Queue.Stats
	report.Stats = &stats
	report.Tasks = ds.Tasks

	return report
}

// daemonStatus mirrors the wire shape of the daemon's status response.
type daemonStatus struct {
	PID        int    `json:"pid"`
	UptimeSec  int64  `json:"uptime_sec"`
	LogLevel   string `json:"log_level"`
	Collection struct {
		IsCollecting     bool   `json:"is_collecting"`
		EventCount       int64  `json:"event_count"`
		CurrentSubjectID string `json:"current_subject_id"`
	} `json:"collection"`
	Queue struct {
		Length    int  `json:"length"`
		IsShowing bool `json:"is_showing"`
		Current   *struct {
			ID         string `json:"id"`
			ActionType string `json:"action_type"`
		} `json:"current"`
		Stats model.SuggestionStats `json:"stats"`
	} `json:"queue"`
	Tasks []TaskState `json:"tasks"`
}

func queryDaemon(sockPath string) *daemonStatus {
	client := uds.NewClient(sockPath)
	client.SetTimeout(3 * time.Second)

	resp, err := client.SendCommand("status", nil)
	if err != nil || !resp.Success {
		return nil
	}

	var ds daemonStatus
	if err := json.Unmarshal(resp.Data, &ds); err != nil {
		return nil
	}
	return &ds
}

func readStatsFromDisk(sibylDir string) *model.SuggestionStats {
	path := filepath.Join(sibylDir, "state", "stats.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	if err := sibylyaml.ValidateSchemaHeaderFromBytes(data, model.StatsFileType); err != nil {
		log.Printf("status: invalid schema in stats.yaml: %v", err)
		return nil
	}

	var sf model.StatsFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		log.Printf("status: failed to parse stats.yaml: %v", err)
		return nil
	}
	return &sf.Stats
}

func printReport(r Report) {
	// Daemon
	if r.Daemon.Running {
		uptime := time.Duration(r.Daemon.UptimeSec) * time.Second
		fmt.Printf("Daemon: running  pid=%d  uptime=%s  log=%s\n",
			r.Daemon.PID, uptime, r.Daemon.LogLevel)
	} else if r.Daemon.PID != 0 {
		fmt.Printf("Daemon: not answering (lock file names pid %d)\n", r.Daemon.PID)
	} else {
		fmt.Println("Daemon: stopped")
	}

	// Collection
	if r.Collection != nil {
		if r.Collection.Collecting {
			fmt.Printf("\nCollection: tracking %s (%d events)\n",
				r.Collection.SubjectID, r.Collection.EventCount)
		} else {
			fmt.Println("\nCollection: idle")
		}
	}

	// Queue
	if r.Queue != nil {
		if r.Queue.IsShowing {
			fmt.Printf("\nQueue: %d queued, showing %s (%s)\n",
				r.Queue.Length, r.Queue.CurrentID, r.Queue.CurrentAction)
		} else {
			fmt.Printf("\nQueue: %d queued\n", r.Queue.Length)
		}
	}

	// Lifetime counters
	if r.Stats != nil {
		fmt.Printf("\nSuggestions: generated=%d accepted=%d rejected=%d dismissed=%d\n",
			r.Stats.TotalGenerated, r.Stats.TotalAccepted,
			r.Stats.TotalRejected, r.Stats.TotalDismissed)
	}

	// Tasks
	if len(r.Tasks) > 0 {
		fmt.Println("\nTasks:")
		fmt.Printf("  %-18s  %-7s  %10s  %6s  %8s\n",
			"NAME", "ENABLED", "INTERVAL", "RUNS", "FAILURES")
		for _, t := range r.Tasks {
			fmt.Printf("  %-18s  %-7t  %8dms  %6d  %8d\n",
				t.ID, t.Enabled, t.IntervalMs, t.Runs, t.Failures)
		}
	}
}
