package daemon

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lectorlab/sibyl/internal/events"
	"github.com/lectorlab/sibyl/internal/export"
	"github.com/lectorlab/sibyl/internal/model"
	"github.com/lectorlab/sibyl/internal/queue"
	"github.com/lectorlab/sibyl/internal/uds"
)

// TestMain ensures the daemon shutdown path leaves no goroutines behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func daemonTestConfig() model.Config {
	var cfg model.Config
	cfg.Normalize()
	cfg.Daemon.ShutdownTimeoutSec = 5
	cfg.Collector.Enabled = true
	cfg.Collector.LogLevelThreshold = "debug"
	cfg.Analysis.MinEvents = 3
	cfg.Limits.MaxPayloadBytes = 512
	// Long intervals so periodic tasks stay quiet during tests.
	cfg.Scheduler.AnalysisIntervalSec = 3600
	cfg.Scheduler.SweepIntervalSec = 3600
	cfg.Scheduler.RetentionSweepSec = 3600
	cfg.Collector.FlushIntervalMs = 3600000
	return cfg
}

type daemonHarness struct {
	dir    string
	client *uds.Client
	daemon *Daemon
	runErr chan error
}

// startTestDaemon runs a full daemon against a temp directory and waits for
// its socket to answer. Sockets live under /tmp directly to stay inside the
// unix socket path length limit.
func startTestDaemon(t *testing.T, cfg model.Config) *daemonHarness {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "sibyl-daemon-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	d, err := newDaemon(dir, cfg, io.Discard, nil)
	require.NoError(t, err)

	h := &daemonHarness{
		dir:    dir,
		client: uds.NewClient(filepath.Join(dir, uds.DefaultSocketName)),
		daemon: d,
		runErr: make(chan error, 1),
	}
	h.client.SetTimeout(5 * time.Second)

	go func() { h.runErr <- d.Run() }()

	require.Eventually(t, func() bool {
		resp, err := h.client.SendCommand("ping", nil)
		return err == nil && resp.Success
	}, 5*time.Second, 50*time.Millisecond, "daemon did not come up")

	// Shutdown is idempotent, so tests that stop the daemon themselves are
	// fine too.
	t.Cleanup(d.Shutdown)
	return h
}

func (h *daemonHarness) send(t *testing.T, command string, params any) *uds.Response {
	t.Helper()
	resp, err := h.client.SendCommand(command, params)
	require.NoError(t, err)
	return resp
}

func (h *daemonHarness) sendOK(t *testing.T, command string, params any, out any) {
	t.Helper()
	resp := h.send(t, command, params)
	require.True(t, resp.Success, "command %s failed: %+v", command, resp.Error)
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Data, out))
	}
}

func TestNewDaemon(t *testing.T) {
	var buf bytes.Buffer
	cfg := daemonTestConfig()
	cfg.Logging.Level = "debug"

	d, err := newDaemon("/tmp/test-sibyl", cfg, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test-sibyl", d.sibylDir)
	assert.Equal(t, model.LevelDebug, model.Level(d.logLevel.Load()))
}

func TestDaemonLog_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := daemonTestConfig()
	cfg.Logging.Level = "warn"

	d, err := newDaemon("/tmp/test-sibyl-log", cfg, &buf, nil)
	require.NoError(t, err)

	d.log(model.LevelInfo, "should not appear")
	assert.Zero(t, buf.Len())

	d.log(model.LevelWarn, "disk almost full")
	assert.Contains(t, buf.String(), "WARN daemon: disk almost full")
}

func TestDaemon_ShutdownIdempotent(t *testing.T) {
	d, err := newDaemon(t.TempDir(), daemonTestConfig(), io.Discard, nil)
	require.NoError(t, err)

	d.Shutdown()
	d.Shutdown()

	select {
	case <-d.stopped:
	default:
		t.Fatal("stopped channel should be closed after Shutdown")
	}
}

func TestNew_CreatesLogDir(t *testing.T) {
	dir := t.TempDir()

	d, err := New(dir, daemonTestConfig())
	require.NoError(t, err)
	if d.logFile != nil {
		d.logFile.Close()
	}

	_, err = os.Stat(filepath.Join(dir, "logs", "daemon.log"))
	assert.NoError(t, err)
}

func TestDaemon_SecondInstanceRejected(t *testing.T) {
	h := startTestDaemon(t, daemonTestConfig())

	d2, err := newDaemon(h.dir, daemonTestConfig(), io.Discard, nil)
	require.NoError(t, err)
	err = d2.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")
}

func TestDaemon_ServesUDSCommands(t *testing.T) {
	h := startTestDaemon(t, daemonTestConfig())

	var status StatusInfo
	h.sendOK(t, "status", nil, &status)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Len(t, status.Actions, 12)
	assert.Len(t, status.Tasks, 4)
	assert.False(t, status.Collection.IsCollecting)

	var start map[string]string
	h.sendOK(t, "track_start", map[string]string{"subject_id": "book_7"}, &start)
	assert.Equal(t, "collecting", start["status"])
	assert.NotEmpty(t, start["session_id"])

	for i := 0; i < 3; i++ {
		h.sendOK(t, "collect", map[string]any{
			"source":   "reader",
			"message":  "page turn",
			"category": "reading",
		}, nil)
	}

	resp := h.send(t, "collect", map[string]any{"message": "no source"})
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeValidation, resp.Error.Code)

	var track map[string]any
	h.sendOK(t, "track_status", nil, &track)
	assert.Equal(t, true, track["is_collecting"])
	assert.EqualValues(t, 3, track["event_count"])

	var analyzed map[string]any
	h.sendOK(t, "analyze", nil, &analyzed)
	assert.Equal(t, "analyzed", analyzed["status"])
	assert.EqualValues(t, 1, analyzed["queue_length"])

	var peek struct {
		Status     string            `json:"status"`
		Suggestion *model.Suggestion `json:"suggestion"`
	}
	h.sendOK(t, "suggest_peek", nil, &peek)
	require.Equal(t, "queued", peek.Status)
	require.NotNil(t, peek.Suggestion)
	assert.Equal(t, string(model.ActionSummarize), peek.Suggestion.ActionType)

	var next struct {
		Status     string            `json:"status"`
		Suggestion *model.Suggestion `json:"suggestion"`
		Remaining  int               `json:"remaining"`
	}
	h.sendOK(t, "suggest_next", nil, &next)
	require.Equal(t, "presented", next.Status)
	require.NotNil(t, next.Suggestion)
	assert.Equal(t, peek.Suggestion.ID, next.Suggestion.ID)

	var outcome struct {
		Status string                `json:"status"`
		Stats  model.SuggestionStats `json:"stats"`
	}
	h.sendOK(t, "suggest_outcome", map[string]string{
		"suggestion_id": next.Suggestion.ID,
		"outcome":       "accepted",
	}, &outcome)
	assert.Equal(t, int64(1), outcome.Stats.TotalAccepted)

	var qs queue.QueueStatus
	h.sendOK(t, "queue_status", nil, &qs)
	assert.Equal(t, 0, qs.Length)
	assert.False(t, qs.IsShowing)
	assert.Equal(t, int64(1), qs.Stats.TotalGenerated)

	var debug queue.DebugInfo
	h.sendOK(t, "queue_debug", nil, &debug)
	assert.Equal(t, 1.0, debug.AcceptanceRate)

	resp = h.send(t, "suggest_outcome", map[string]string{
		"suggestion_id": next.Suggestion.ID,
		"outcome":       "shrugged",
	})
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeValidation, resp.Error.Code)

	// The accepted outcome above cleared the presentation slot, so a second
	// resolution has nothing to bind to.
	resp = h.send(t, "suggest_outcome", map[string]string{
		"suggestion_id": next.Suggestion.ID,
		"outcome":       "accepted",
	})
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeNotFound, resp.Error.Code)
}

func TestDaemon_ActionCommand(t *testing.T) {
	h := startTestDaemon(t, daemonTestConfig())

	// Unknown action types are acknowledged; the failure surfaces as an
	// action_error pipeline event, never as a command error.
	var dispatched map[string]string
	h.sendOK(t, "action", map[string]any{"action_type": "TOTALLY_UNKNOWN"}, &dispatched)
	assert.Equal(t, "dispatched", dispatched["status"])

	resp := h.send(t, "action", map[string]any{
		"action_type": "ADD_REPLY",
		"payload":     map[string]any{"content": string(bytes.Repeat([]byte("x"), 600))},
	})
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeValidation, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "params exceed max size")

	var data export.Data
	h.sendOK(t, "export", nil, &data)
	types := make([]string, 0, len(data.Events))
	for _, e := range data.Events {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, string(events.EventActionError))
}

func TestDaemon_ExportCommand(t *testing.T) {
	h := startTestDaemon(t, daemonTestConfig())

	h.sendOK(t, "track_start", map[string]string{"subject_id": "book_7"}, nil)
	for i := 0; i < 3; i++ {
		h.sendOK(t, "collect", map[string]any{
			"source":   "reader",
			"message":  "page turn",
			"category": "reading",
		}, nil)
	}
	h.sendOK(t, "analyze", nil, nil)

	var data export.Data
	h.sendOK(t, "export", map[string]int{"limit": 2}, &data)
	assert.Equal(t, int64(1), data.Queue.Stats.TotalGenerated)
	assert.Len(t, data.Behavior, 2)
	assert.NotEmpty(t, data.Events)
	assert.Zero(t, data.LogCorrupted)
}

func TestDaemon_UnknownCommand(t *testing.T) {
	h := startTestDaemon(t, daemonTestConfig())

	resp := h.send(t, "bogus", nil)
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeUnknownCommand, resp.Error.Code)
}

func TestDaemon_ShutdownViaUDS(t *testing.T) {
	h := startTestDaemon(t, daemonTestConfig())

	var accepted map[string]string
	h.sendOK(t, "shutdown", nil, &accepted)
	assert.Equal(t, "shutdown_accepted", accepted["status"])

	select {
	case err := <-h.runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after shutdown command")
	}

	_, err := os.Stat(filepath.Join(h.dir, uds.DefaultSocketName))
	assert.True(t, os.IsNotExist(err), "socket should be removed")
}

func TestDaemon_ReloadsConfigOnWrite(t *testing.T) {
	h := startTestDaemon(t, daemonTestConfig())

	configYAML := "logging:\n  level: debug\ncollector:\n  enabled: true\n"
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "config.yaml"), []byte(configYAML), 0644))

	logPath := filepath.Join(h.dir, "logs", "events.jsonl")
	require.Eventually(t, func() bool {
		entries, err := events.ReadTail(logPath, 20)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.EventType == string(events.EventConfigReloaded) {
				return true
			}
		}
		return false
	}, 5*time.Second, 100*time.Millisecond, "config reload was not observed")

	assert.Equal(t, model.LevelDebug, model.Level(h.daemon.logLevel.Load()))
}
