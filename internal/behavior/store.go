package behavior

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lectorlab/sibyl/internal/model"
	"github.com/lectorlab/sibyl/internal/sanitize"
)

// snapshotEventLimit caps how many recent events BehaviorData loads.
const snapshotEventLimit = 200

// Store is the SQLite-backed behavior sink. Events and sessions survive
// daemon restarts; an open session does not (Close finalizes it).
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string

	sessionID  string
	subjectID  string
	startedAt  time.Time
	eventCount int64

	logger   *log.Logger
	logLevel model.Level
}

// NewStore opens or creates the behavior database at path.
func NewStore(path string, logger *log.Logger, logLevel model.Level) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open behavior database: %w", err)
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:       db,
		path:     path,
		logger:   logger,
		logLevel: logLevel,
	}, nil
}

func createSchema(db *sql.DB) error {
	sessionsSQL := `
		CREATE TABLE IF NOT EXISTS collection_sessions (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			stopped_at_ms INTEGER,
			event_count INTEGER NOT NULL DEFAULT 0
		)
	`
	if _, err := db.Exec(sessionsSQL); err != nil {
		return fmt.Errorf("create collection_sessions table: %w", err)
	}

	eventsSQL := `
		CREATE TABLE IF NOT EXISTS behavior_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			category TEXT NOT NULL,
			message TEXT NOT NULL,
			data TEXT,
			FOREIGN KEY (session_id) REFERENCES collection_sessions(id)
		)
	`
	if _, err := db.Exec(eventsSQL); err != nil {
		return fmt.Errorf("create behavior_events table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_behavior_events_session ON behavior_events(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_behavior_events_timestamp ON behavior_events(timestamp_ms)`,
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// StartCollecting opens a session for the subject. An open session for a
// previous subject is finalized first, so at most one session is live.
func (s *Store) StartCollecting(subjectID string) (string, error) {
	if subjectID == "" {
		return "", fmt.Errorf("subject id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionID != "" {
		if err := s.finalizeSessionLocked(); err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO collection_sessions (id, subject_id, started_at_ms) VALUES (?, ?, ?)`,
		id, subjectID, now.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}

	s.sessionID = id
	s.subjectID = subjectID
	s.startedAt = now
	s.eventCount = 0
	s.log(model.LevelInfo, "collection_started session=%s subject=%s", id, subjectID)
	return id, nil
}

// StopCollecting finalizes the open session. No-op when none is open.
func (s *Store) StopCollecting() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" {
		return nil
	}
	return s.finalizeSessionLocked()
}

func (s *Store) finalizeSessionLocked() error {
	_, err := s.db.Exec(
		`UPDATE collection_sessions SET stopped_at_ms = ?, event_count = ? WHERE id = ?`,
		time.Now().UTC().UnixMilli(), s.eventCount, s.sessionID,
	)
	if err != nil {
		return fmt.Errorf("finalize session %s: %w", s.sessionID, err)
	}
	s.log(model.LevelInfo, "collection_stopped session=%s subject=%s events=%d", s.sessionID, s.subjectID, s.eventCount)
	s.sessionID = ""
	s.subjectID = ""
	s.startedAt = time.Time{}
	s.eventCount = 0
	return nil
}

// CollectEvent records one event against the open session.
func (s *Store) CollectEvent(rec model.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionID == "" {
		return fmt.Errorf("no active collection session")
	}

	data, _ := sanitize.MarshalData(rec.Data)
	_, err := s.db.Exec(
		`INSERT INTO behavior_events (session_id, timestamp_ms, level, source, category, message, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.sessionID, rec.Timestamp.UnixMilli(), rec.Level.String(), rec.Source, rec.Category, rec.Message, data,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	s.eventCount++
	return nil
}

// Status reports the active session from memory.
func (s *Store) Status() CollectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CollectionStatus{
		IsCollecting:     s.sessionID != "",
		EventCount:       s.eventCount,
		CurrentSubjectID: s.subjectID,
	}
}

// BehaviorData aggregates the open session: recent events in chronological
// order plus per-category counts.
func (s *Store) BehaviorData() (Snapshot, error) {
	s.mu.Lock()
	sessionID := s.sessionID
	snap := Snapshot{
		Status: CollectionStatus{
			IsCollecting:     s.sessionID != "",
			EventCount:       s.eventCount,
			CurrentSubjectID: s.subjectID,
		},
		SessionID: s.sessionID,
		StartedAt: s.startedAt,
	}
	s.mu.Unlock()

	if sessionID == "" {
		return snap, nil
	}

	events, err := s.sessionEvents(sessionID, snapshotEventLimit)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Events = events

	categories, err := s.sessionCategories(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Categories = categories
	return snap, nil
}

func (s *Store) sessionEvents(sessionID string, limit int) ([]model.EventRecord, error) {
	rows, err := s.db.Query(
		`SELECT timestamp_ms, level, source, category, message, data
		 FROM behavior_events WHERE session_id = ?
		 ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var events []model.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}

	// Newest-first from the query; serve chronological.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *Store) sessionCategories(sessionID string) (map[string]int64, error) {
	rows, err := s.db.Query(
		`SELECT category, COUNT(*) FROM behavior_events WHERE session_id = ? GROUP BY category`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	categories := make(map[string]int64)
	for rows.Next() {
		var category string
		var count int64
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return categories, nil
}

// RecentEvents returns the newest events across all sessions, chronological.
// Used by the export surface.
func (s *Store) RecentEvents(limit int) ([]model.EventRecord, error) {
	rows, err := s.db.Query(
		`SELECT timestamp_ms, level, source, category, message, data
		 FROM behavior_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var events []model.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent events: %w", err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (model.EventRecord, error) {
	var timestampMs int64
	var level, source, category, message string
	var data sql.NullString
	if err := rows.Scan(&timestampMs, &level, &source, &category, &message, &data); err != nil {
		return model.EventRecord{}, fmt.Errorf("scan event: %w", err)
	}
	rec := model.EventRecord{
		Timestamp: time.UnixMilli(timestampMs).UTC(),
		Level:     model.ParseLevel(level),
		Source:    source,
		Category:  category,
		Message:   message,
	}
	if data.Valid && data.String != "" {
		// Keep stored payloads as raw JSON so re-rendering does not
		// double-encode them.
		rec.Data = json.RawMessage(data.String)
	}
	return rec, nil
}

// PurgeBefore deletes events older than the cutoff and sessions that stopped
// before it. The open session is never purged. Returns deleted event count.
func (s *Store) PurgeBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoffMs := cutoff.UnixMilli()
	res, err := s.db.Exec(`DELETE FROM behavior_events WHERE timestamp_ms < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge events rows affected: %w", err)
	}

	_, err = s.db.Exec(
		`DELETE FROM collection_sessions WHERE stopped_at_ms IS NOT NULL AND stopped_at_ms < ?`,
		cutoffMs,
	)
	if err != nil {
		return deleted, fmt.Errorf("purge sessions: %w", err)
	}

	if deleted > 0 {
		s.log(model.LevelInfo, "retention_purged events=%d cutoff=%s", deleted, cutoff.UTC().Format(time.RFC3339))
	}
	return deleted, nil
}

// Close finalizes any open session and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != "" {
		if err := s.finalizeSessionLocked(); err != nil {
			s.log(model.LevelWarn, "close_finalize_failed error=%v", err)
		}
	}
	return s.db.Close()
}

func (s *Store) log(level model.Level, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s behavior: %s", time.Now().Format(time.RFC3339), strings.ToUpper(level.String()), msg)
}
