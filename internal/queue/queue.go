// Package queue implements the suggestion queue: a sorted, deduplicated
// sequence of pending suggestions plus the lifecycle counters that persist
// across restarts.
package queue

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lectorlab/sibyl/internal/events"
	"github.com/lectorlab/sibyl/internal/model"
)

// Persister stores the outcome counters. The live queue is never persisted.
type Persister interface {
	SaveStats(stats model.SuggestionStats) error
}

// Queue holds pending suggestions sorted by priority weight descending, then
// timestamp descending, then id ascending. All methods are safe for
// concurrent use.
type Queue struct {
	mu      sync.Mutex
	entries []model.Suggestion
	current *model.Suggestion
	showing bool
	stats   model.SuggestionStats

	dedupWindow time.Duration
	now         func() time.Time

	persist  Persister
	emit     events.Emitter
	logger   *log.Logger
	logLevel model.Level
}

// New creates a Queue seeded with previously persisted counters. persist and
// emit may be nil.
func New(cfg model.QueueConfig, initial model.SuggestionStats, persist Persister, emit events.Emitter, logger *log.Logger, logLevel model.Level) *Queue {
	return &Queue{
		stats:       initial,
		dedupWindow: time.Duration(cfg.DedupWindowMs) * time.Millisecond,
		now:         time.Now,
		persist:     persist,
		emit:        emit,
		logger:      logger,
		logLevel:    logLevel,
	}
}

// Enqueue inserts a suggestion and re-sorts the queue. When a queued entry
// with the same (action type, controller) key is younger than the dedup
// window the new suggestion is discarded: Enqueue returns false, no counter
// moves and no event is emitted. The drop is observable only in the log.
func (q *Queue) Enqueue(s model.Suggestion) (bool, error) {
	if s.ActionType == "" {
		return false, fmt.Errorf("suggestion action_type must not be empty")
	}
	if s.ControllerName == "" {
		return false, fmt.Errorf("suggestion controller_name must not be empty")
	}
	if !s.Priority.Valid() {
		return false, fmt.Errorf("invalid priority: %q (want low, medium or high)", s.Priority)
	}
	if s.ID == "" {
		id, err := model.GenerateID(model.IDTypeSuggestion)
		if err != nil {
			return false, fmt.Errorf("generate suggestion id: %w", err)
		}
		s.ID = id
	}

	q.mu.Lock()
	now := q.now()
	if s.Timestamp == 0 {
		s.Timestamp = now.UnixMilli()
	}

	nowMs := now.UnixMilli()
	windowMs := q.dedupWindow.Milliseconds()
	for _, e := range q.entries {
		if e.Key() == s.Key() && nowMs-e.Timestamp < windowMs {
			q.mu.Unlock()
			q.log(model.LevelInfo, "enqueue_deduped action=%s controller=%s against=%s window_ms=%d",
				s.ActionType, s.ControllerName, e.ID, windowMs)
			return false, nil
		}
	}

	q.entries = append(q.entries, s)
	q.sortLocked()
	q.stats.TotalGenerated++
	stats := q.stats
	length := len(q.entries)
	q.mu.Unlock()

	q.log(model.LevelInfo, "enqueued id=%s action=%s controller=%s priority=%s queue_len=%d",
		s.ID, s.ActionType, s.ControllerName, s.Priority, length)
	q.emitEvent(events.EventSuggestionEnqueued, map[string]interface{}{
		"suggestion_id": s.ID,
		"action_type":   s.ActionType,
		"controller":    s.ControllerName,
		"priority":      string(s.Priority),
	})
	q.persistStats(stats)
	return true, nil
}

// Dequeue sweeps expired entries, then removes and returns the head. An
// expired entry is never served; one already dequeued is not recalled.
func (q *Queue) Dequeue() (model.Suggestion, bool) {
	q.mu.Lock()
	swept := q.removeExpiredLocked(q.now())
	var head model.Suggestion
	var ok bool
	if len(q.entries) > 0 {
		head = q.entries[0]
		q.entries = q.entries[1:]
		ok = true
	}
	q.mu.Unlock()

	q.emitExpired(swept)
	if ok {
		q.log(model.LevelDebug, "dequeued id=%s action=%s priority=%s", head.ID, head.ActionType, head.Priority)
	}
	return head, ok
}

// Peek returns the first non-expired entry without mutating the queue.
func (q *Queue) Peek() (model.Suggestion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, e := range q.entries {
		if !e.Expired(now) {
			return e, true
		}
	}
	return model.Suggestion{}, false
}

// RemoveExpired drops every entry whose expiry is at or before now and
// returns the count removed.
func (q *Queue) RemoveExpired() int {
	q.mu.Lock()
	swept := q.removeExpiredLocked(q.now())
	q.mu.Unlock()

	q.emitExpired(swept)
	if len(swept) > 0 {
		q.log(model.LevelInfo, "expired_removed count=%d", len(swept))
	}
	return len(swept)
}

// RemoveDuplicates collapses entries sharing a key to their first occurrence
// in queue order, regardless of timestamps, and returns the count removed.
func (q *Queue) RemoveDuplicates() int {
	q.mu.Lock()
	seen := make(map[string]bool, len(q.entries))
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if seen[e.Key()] {
			removed++
			continue
		}
		seen[e.Key()] = true
		kept = append(kept, e)
	}
	q.entries = kept
	q.mu.Unlock()

	if removed > 0 {
		q.log(model.LevelInfo, "duplicates_removed count=%d", removed)
	}
	return removed
}

// ReorderByPriority re-applies the sort comparator. Useful after an
// out-of-band mutation of entry priorities.
func (q *Queue) ReorderByPriority() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sortLocked()
}

// SetCurrent tracks the suggestion currently being presented. nil clears it.
func (q *Queue) SetCurrent(s *model.Suggestion) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s == nil {
		q.current = nil
		return
	}
	cp := *s
	q.current = &cp
}

// Current returns a copy of the suggestion being presented, or nil.
func (q *Queue) Current() *model.Suggestion {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return nil
	}
	cp := *q.current
	return &cp
}

// SetShowing tracks whether a suggestion is on screen.
func (q *Queue) SetShowing(showing bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.showing = showing
}

// MarkAccepted increments the accepted counter.
func (q *Queue) MarkAccepted() {
	q.mu.Lock()
	q.stats.TotalAccepted++
	stats := q.stats
	q.mu.Unlock()

	q.log(model.LevelInfo, "outcome_recorded outcome=accepted total=%d", stats.TotalAccepted)
	q.persistStats(stats)
}

// MarkRejected increments the rejected counter.
func (q *Queue) MarkRejected() {
	q.mu.Lock()
	q.stats.TotalRejected++
	stats := q.stats
	q.mu.Unlock()

	q.log(model.LevelInfo, "outcome_recorded outcome=rejected total=%d", stats.TotalRejected)
	q.persistStats(stats)
}

// MarkDismissed increments the dismissed counter.
func (q *Queue) MarkDismissed() {
	q.mu.Lock()
	q.stats.TotalDismissed++
	stats := q.stats
	q.mu.Unlock()

	q.log(model.LevelInfo, "outcome_recorded outcome=dismissed total=%d", stats.TotalDismissed)
	q.persistStats(stats)
}

// Len reports the number of queued entries, expired ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns a copy of the lifecycle counters.
func (q *Queue) Stats() model.SuggestionStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// QueueStatus is the read-only projection served to observers.
type QueueStatus struct {
	Length    int                   `json:"length"`
	IsShowing bool                  `json:"is_showing"`
	Current   *model.Suggestion     `json:"current,omitempty"`
	Stats     model.SuggestionStats `json:"stats"`
}

// Status snapshots the queue without mutating it.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := QueueStatus{
		Length:    len(q.entries),
		IsShowing: q.showing,
		Stats:     q.stats,
	}
	if q.current != nil {
		cp := *q.current
		st.Current = &cp
	}
	return st
}

// DebugInfo extends Status with the full entry list and derived rates.
type DebugInfo struct {
	QueueStatus
	Entries        []model.Suggestion `json:"entries"`
	AcceptanceRate float64            `json:"acceptance_rate"`
	DedupWindowMs  int64              `json:"dedup_window_ms"`
}

// Debug snapshots everything, entries included.
func (q *Queue) Debug() DebugInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	info := DebugInfo{
		QueueStatus: QueueStatus{
			Length:    len(q.entries),
			IsShowing: q.showing,
			Stats:     q.stats,
		},
		Entries:        make([]model.Suggestion, len(q.entries)),
		AcceptanceRate: q.stats.AcceptanceRate(),
		DedupWindowMs:  q.dedupWindow.Milliseconds(),
	}
	copy(info.Entries, q.entries)
	if q.current != nil {
		cp := *q.current
		info.Current = &cp
	}
	return info
}

func (q *Queue) sortLocked() {
	sort.Slice(q.entries, func(i, j int) bool {
		a, b := q.entries[i], q.entries[j]
		if wa, wb := a.Priority.Weight(), b.Priority.Weight(); wa != wb {
			return wa > wb
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp > b.Timestamp
		}
		return a.ID < b.ID
	})
}

func (q *Queue) removeExpiredLocked(now time.Time) []model.Suggestion {
	var removed []model.Suggestion
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.Expired(now) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return removed
}

func (q *Queue) emitExpired(swept []model.Suggestion) {
	for _, e := range swept {
		q.emitEvent(events.EventSuggestionExpired, map[string]interface{}{
			"suggestion_id": e.ID,
			"action_type":   e.ActionType,
			"controller":    e.ControllerName,
			"expires_at":    *e.ExpiresAt,
		})
	}
}

func (q *Queue) emitEvent(eventType events.EventType, details map[string]interface{}) {
	if q.emit == nil {
		return
	}
	q.emit.Emit(eventType, details)
}

// persistStats writes a counters snapshot taken under the queue lock. Writes
// happen outside the lock; the store keeps the file monotonic if two
// snapshots race.
func (q *Queue) persistStats(stats model.SuggestionStats) {
	if q.persist == nil {
		return
	}
	if err := q.persist.SaveStats(stats); err != nil {
		q.log(model.LevelError, "stats_persist_failed error=%v", err)
	}
}

func (q *Queue) log(level model.Level, format string, args ...any) {
	if level < q.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	q.logger.Printf("%s %s queue: %s", time.Now().Format(time.RFC3339), strings.ToUpper(level.String()), msg)
}
