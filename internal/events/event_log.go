package events

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

const (
	// DefaultMaxLogSize caps the live log at 10MiB before rotation.
	DefaultMaxLogSize = 10 * 1024 * 1024
	// ArchiveDir is where rotated logs land, next to the live file.
	ArchiveDir = "archive"

	logExtension = ".jsonl"
)

// LogEntry is one pipeline event as persisted in the JSONL log. The
// well-known identifiers are lifted out of Details so the file greps
// cleanly; Checksum covers the rest of the entry.
type LogEntry struct {
	Timestamp    time.Time              `json:"timestamp"`
	EventType    string                 `json:"event_type"`
	EventID      string                 `json:"event_id,omitempty"`
	SuggestionID string                 `json:"suggestion_id,omitempty"`
	ActionType   string                 `json:"action_type,omitempty"`
	Controller   string                 `json:"controller,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Checksum     string                 `json:"checksum,omitempty"`
}

// EventLog is the append-only JSONL event log with size-based rotation.
// Every entry is checksummed and fsynced; the log is the record the export
// command leans on when something went wrong.
type EventLog struct {
	mu       sync.Mutex
	file     *os.File
	size     int64
	maxSize  int64
	path     string
	rotation int
}

func NewEventLog(logPath string, maxSize int64) (*EventLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	l := &EventLog{path: logPath, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *EventLog) open() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	l.file = file
	l.size = stat.Size()
	return nil
}

// Log appends one event, lifting well-known identifiers out of details
// into the indexed entry fields.
func (l *EventLog) Log(eventType string, details map[string]interface{}) error {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Details:   details,
	}
	if v, ok := details["event_id"].(string); ok {
		entry.EventID = v
	}
	if v, ok := details["suggestion_id"].(string); ok {
		entry.SuggestionID = v
	}
	if v, ok := details["action_type"].(string); ok {
		entry.ActionType = v
	}
	if v, ok := details["controller"].(string); ok {
		entry.Controller = v
	}
	return l.append(&entry)
}

func (l *EventLog) append(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Checksum = checksum(entry)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.size+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	l.size += int64(n)
	return nil
}

// rotate moves the live file into archive/ under a timestamped name and
// reopens a fresh one. Callers hold l.mu.
func (l *EventLog) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotation++
	base := strings.TrimSuffix(filepath.Base(l.path), logExtension)
	archived := fmt.Sprintf("%s.%s.%d%s",
		base, time.Now().Format("20060102_150405"), l.rotation, logExtension)
	if err := os.Rename(l.path, filepath.Join(archiveDir, archived)); err != nil {
		return fmt.Errorf("archive log file: %w", err)
	}

	return l.open()
}

// Close syncs and closes the live file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

// GetCurrentLogPath returns the live log file path.
func (l *EventLog) GetCurrentLogPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// checksum hashes the entry with its Checksum field blanked, a cheap
// tamper and torn-write detector for VerifyLogIntegrity.
func checksum(entry *LogEntry) string {
	clean := *entry
	clean.Checksum = ""
	data, err := json.Marshal(&clean)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum64())
}

// VerifyLogIntegrity counts the entries in a JSONL log and how many of
// them pass their checksum. Entries written without a checksum count as
// valid; malformed lines count as neither.
func VerifyLogIntegrity(logPath string) (total, valid int, err error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			break
		}
		total++

		if entry.Checksum == "" {
			valid++
			continue
		}
		want := entry.Checksum
		if checksum(&entry) == want {
			valid++
		}
	}
	return total, valid, nil
}

// ReadTail returns the last n entries of a JSONL event log. Malformed
// lines are skipped so a torn final write never blocks diagnostics. A
// missing file yields an empty slice.
func ReadTail(logPath string, n int) ([]LogEntry, error) {
	file, err := os.Open(logPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}

	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
