package queue

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/lectorlab/sibyl/internal/events"
	"github.com/lectorlab/sibyl/internal/model"
)

const baseMs = int64(1_700_000_000_000)

type capturePersister struct {
	mu    sync.Mutex
	saved []model.SuggestionStats
	err   error
}

func (p *capturePersister) SaveStats(s model.SuggestionStats) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.saved = append(p.saved, s)
	return nil
}

func (p *capturePersister) lastSaved() (model.SuggestionStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.saved) == 0 {
		return model.SuggestionStats{}, false
	}
	return p.saved[len(p.saved)-1], true
}

func newTestQueue(windowMs int64, persist Persister, emit events.Emitter) *Queue {
	return New(model.QueueConfig{DedupWindowMs: windowMs}, model.SuggestionStats{},
		persist, emit, log.New(io.Discard, "", 0), model.LevelDebug)
}

func fixedClock(q *Queue, ms *int64) {
	q.now = func() time.Time { return time.UnixMilli(*ms) }
}

func sug(id, action string, priority model.Priority, ts int64) model.Suggestion {
	return model.Suggestion{
		ID:             id,
		ActionType:     action,
		ControllerName: "AIAgent",
		Priority:       priority,
		Timestamp:      ts,
	}
}

func mustEnqueue(t *testing.T, q *Queue, s model.Suggestion) {
	t.Helper()
	ok, err := q.Enqueue(s)
	if err != nil {
		t.Fatalf("enqueue %s: %v", s.ID, err)
	}
	if !ok {
		t.Fatalf("enqueue %s was deduped unexpectedly", s.ID)
	}
}

func TestEnqueue_SortsByPriorityWeight(t *testing.T) {
	q := newTestQueue(60000, nil, nil)
	now := baseMs
	fixedClock(q, &now)

	mustEnqueue(t, q, sug("s1", "EXPLAIN_PASSAGE", model.PriorityLow, baseMs))
	mustEnqueue(t, q, sug("s2", "SUMMARIZE", model.PriorityHigh, baseMs))
	mustEnqueue(t, q, sug("s3", "ANALYZE_BEHAVIOR", model.PriorityMedium, baseMs))

	var got []string
	for {
		s, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, s.ID)
	}
	want := []string{"s2", "s3", "s1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dequeue order = %v, want %v", got, want)
		}
	}
}

func TestEnqueue_TimestampBreaksTies(t *testing.T) {
	q := newTestQueue(60000, nil, nil)
	now := baseMs
	fixedClock(q, &now)

	mustEnqueue(t, q, sug("s1", "SUMMARIZE", model.PriorityMedium, baseMs))
	mustEnqueue(t, q, sug("s2", "EXPLAIN_PASSAGE", model.PriorityMedium, baseMs+5000))

	first, ok := q.Dequeue()
	if !ok || first.ID != "s2" {
		t.Fatalf("first dequeue = %v (ok=%t), want s2 (newer timestamp wins)", first.ID, ok)
	}
}

func TestEnqueue_IDBreaksFullTies(t *testing.T) {
	q := newTestQueue(60000, nil, nil)
	now := baseMs
	fixedClock(q, &now)

	mustEnqueue(t, q, sug("s_b", "SUMMARIZE", model.PriorityMedium, baseMs))
	mustEnqueue(t, q, sug("s_a", "EXPLAIN_PASSAGE", model.PriorityMedium, baseMs))

	first, ok := q.Dequeue()
	if !ok || first.ID != "s_a" {
		t.Fatalf("first dequeue = %v (ok=%t), want s_a (id ascending)", first.ID, ok)
	}
}

// The documented walkthrough: a duplicate key inside the window is dropped
// silently, and a later high-priority entry overtakes an earlier medium one.
func TestEnqueue_DedupAndPriorityScenario(t *testing.T) {
	capture := &events.Capture{}
	q := newTestQueue(60000, nil, capture)
	now := baseMs
	fixedClock(q, &now)

	mustEnqueue(t, q, sug("s1", "ANALYZE_BEHAVIOR", model.PriorityMedium, baseMs))

	now = baseMs + 1000
	ok, err := q.Enqueue(sug("s2", "ANALYZE_BEHAVIOR", model.PriorityMedium, baseMs+1000))
	if err != nil {
		t.Fatalf("dedup enqueue returned error: %v", err)
	}
	if ok {
		t.Fatal("duplicate key inside window should be discarded")
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("queue length = %d after dedup, want 1", got)
	}
	if got := q.Stats().TotalGenerated; got != 1 {
		t.Fatalf("total_generated = %d after dedup, want 1", got)
	}

	now = baseMs + 2000
	mustEnqueue(t, q, sug("s3", "SUMMARIZE", model.PriorityHigh, baseMs+2000))

	first, ok := q.Dequeue()
	if !ok || first.ID != "s3" {
		t.Fatalf("first dequeue = %v (ok=%t), want the high-priority s3", first.ID, ok)
	}

	enqueued := capture.OfType(events.EventSuggestionEnqueued)
	if len(enqueued) != 2 {
		t.Fatalf("suggestion_enqueued events = %d, want 2 (dedup emits nothing)", len(enqueued))
	}
}

func TestEnqueue_SameKeyAfterWindow(t *testing.T) {
	q := newTestQueue(60000, nil, nil)
	now := baseMs
	fixedClock(q, &now)

	mustEnqueue(t, q, sug("s1", "ANALYZE_BEHAVIOR", model.PriorityMedium, baseMs))

	// One millisecond short of the window still dedups.
	now = baseMs + 59999
	ok, _ := q.Enqueue(sug("s2", "ANALYZE_BEHAVIOR", model.PriorityMedium, now))
	if ok {
		t.Fatal("enqueue at window-1ms should be discarded")
	}

	// At exactly the window boundary the entry is accepted again.
	now = baseMs + 60000
	ok, _ = q.Enqueue(sug("s3", "ANALYZE_BEHAVIOR", model.PriorityMedium, now))
	if !ok {
		t.Fatal("enqueue at window boundary should be accepted")
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("queue length = %d, want 2", got)
	}
	if got := q.Stats().TotalGenerated; got != 2 {
		t.Fatalf("total_generated = %d, want 2", got)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	q := newTestQueue(60000, nil, nil)

	cases := []struct {
		name string
		s    model.Suggestion
	}{
		{"empty action type", sug("s1", "", model.PriorityLow, baseMs)},
		{"empty controller", model.Suggestion{ID: "s2", ActionType: "SUMMARIZE", Priority: model.PriorityLow, Timestamp: baseMs}},
		{"invalid priority", model.Suggestion{ID: "s3", ActionType: "SUMMARIZE", ControllerName: "AIAgent", Priority: "urgent", Timestamp: baseMs}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := q.Enqueue(tc.s)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if ok {
				t.Fatal("invalid suggestion must not be queued")
			}
		})
	}
	if got := q.Stats().TotalGenerated; got != 0 {
		t.Fatalf("total_generated = %d after rejected enqueues, want 0", got)
	}
}

func TestEnqueue_FillsIDAndTimestamp(t *testing.T) {
	q := newTestQueue(60000, nil, nil)
	now := baseMs
	fixedClock(q, &now)

	ok, err := q.Enqueue(model.Suggestion{
		ActionType:     "SUMMARIZE",
		ControllerName: "AIAgent",
		Priority:       model.PriorityLow,
	})
	if err != nil || !ok {
		t.Fatalf("enqueue failed: ok=%t err=%v", ok, err)
	}

	s, ok := q.Dequeue()
	if !ok {
		t.Fatal("expected one entry")
	}
	if !model.ValidateID(s.ID) {
		t.Errorf("generated id %q does not match the id format", s.ID)
	}
	if s.Timestamp != baseMs {
		t.Errorf("timestamp = %d, want clock value %d", s.Timestamp, baseMs)
	}
}

func TestDequeue_EmptyQueue(t *testing.T) {
	q := newTestQueue(60000, nil, nil)
	if _, ok := q.Dequeue(); ok {
		t.Fatal("dequeue on empty queue should report no value")
	}
}

func TestDequeue_NeverServesExpired(t *testing.T) {
	capture := &events.Capture{}
	q := newTestQueue(60000, nil, capture)
	now := baseMs
	fixedClock(q, &now)

	expiresSoon := baseMs + 100
	expired := sug("s1", "SUMMARIZE", model.PriorityHigh, baseMs)
	expired.ExpiresAt = &expiresSoon
	mustEnqueue(t, q, expired)
	mustEnqueue(t, q, sug("s2", "EXPLAIN_PASSAGE", model.PriorityLow, baseMs))

	now = baseMs + 100
	s, ok := q.Dequeue()
	if !ok || s.ID != "s2" {
		t.Fatalf("dequeue = %v (ok=%t), want the live s2", s.ID, ok)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("queue length = %d after sweep, want 0", got)
	}

	expiredEvents := capture.OfType(events.EventSuggestionExpired)
	if len(expiredEvents) != 1 {
		t.Fatalf("suggestion_expired events = %d, want 1", len(expiredEvents))
	}
	if got := expiredEvents[0].Details["suggestion_id"]; got != "s1" {
		t.Errorf("expired event suggestion_id = %v, want s1", got)
	}
}

func TestPeek_SkipsExpiredWithoutMutating(t *testing.T) {
	q := newTestQueue(60000, nil, nil)
	now := baseMs
	fixedClock(q, &now)

	gone := baseMs + 1
	expired := sug("s1", "SUMMARIZE", model.PriorityHigh, baseMs)
	expired.ExpiresAt = &gone
	mustEnqueue(t, q, expired)
	mustEnqueue(t, q, sug("s2", "EXPLAIN_PASSAGE", model.PriorityLow, baseMs))

	now = baseMs + 5000
	s, ok := q.Peek()
	if !ok || s.ID != "s2" {
		t.Fatalf("peek = %v (ok=%t), want s2", s.ID, ok)
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("peek mutated the queue: length = %d, want 2", got)
	}
}

func TestRemoveExpired_AllAndOnlyExpired(t *testing.T) {
	q := newTestQueue(60000, nil, nil)
	now := baseMs
	fixedClock(q, &now)

	atDeadline := baseMs + 1000
	afterDeadline := baseMs + 2000

	e1 := sug("s1", "A1", model.PriorityLow, baseMs)
	e1.ExpiresAt = &atDeadline
	e2 := sug("s2", "A2", model.PriorityLow, baseMs)
	e2.ExpiresAt = &afterDeadline
	e3 := sug("s3", "A3", model.PriorityLow, baseMs) // never expires
	mustEnqueue(t, q, e1)
	mustEnqueue(t, q, e2)
	mustEnqueue(t, q, e3)

	now = baseMs + 1000
	if got := q.RemoveExpired(); got != 1 {
		t.Fatalf("removed = %d at deadline, want 1 (expiry is inclusive)", got)
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("queue length = %d, want 2", got)
	}

	now = baseMs + 10_000
	if got := q.RemoveExpired(); got != 1 {
		t.Fatalf("removed = %d, want 1", got)
	}
	if got := q.RemoveExpired(); got != 0 {
		t.Fatalf("second sweep removed = %d, want 0", got)
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("queue length = %d, want 1 (entry without expiry stays)", got)
	}
}

func TestRemoveDuplicates_KeepsFirstOccurrence(t *testing.T) {
	q := newTestQueue(60000, nil, nil)
	now := baseMs
	fixedClock(q, &now)

	mustEnqueue(t, q, sug("s1", "SUMMARIZE", model.PriorityLow, baseMs))
	now = baseMs + 70_000
	mustEnqueue(t, q, sug("s2", "SUMMARIZE", model.PriorityHigh, now))
	mustEnqueue(t, q, sug("s3", "EXPLAIN_PASSAGE", model.PriorityMedium, now))

	// Sorted order is s2 (high), s3 (medium), s1 (low); the sweep keeps the
	// first occurrence of each key in queue order.
	if got := q.RemoveDuplicates(); got != 1 {
		t.Fatalf("removed = %d, want 1", got)
	}
	debug := q.Debug()
	if len(debug.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(debug.Entries))
	}
	if debug.Entries[0].ID != "s2" || debug.Entries[1].ID != "s3" {
		t.Fatalf("entries after sweep = [%s %s], want [s2 s3]", debug.Entries[0].ID, debug.Entries[1].ID)
	}
}

func TestCounters_PersistedThroughStore(t *testing.T) {
	persist := &capturePersister{}
	q := newTestQueue(60000, persist, nil)
	now := baseMs
	fixedClock(q, &now)

	mustEnqueue(t, q, sug("s1", "SUMMARIZE", model.PriorityLow, baseMs))
	q.MarkAccepted()
	q.MarkRejected()
	q.MarkDismissed()
	q.MarkAccepted()

	stats := q.Stats()
	want := model.SuggestionStats{TotalGenerated: 1, TotalAccepted: 2, TotalRejected: 1, TotalDismissed: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}

	last, ok := persist.lastSaved()
	if !ok {
		t.Fatal("no snapshots were persisted")
	}
	if last != want {
		t.Fatalf("last persisted snapshot = %+v, want %+v", last, want)
	}
}

func TestCounters_PersistFailureIsContained(t *testing.T) {
	persist := &capturePersister{err: errors.New("disk full")}
	q := newTestQueue(60000, persist, nil)

	mustEnqueue(t, q, sug("s1", "SUMMARIZE", model.PriorityLow, baseMs))
	q.MarkAccepted()

	if got := q.Stats().TotalAccepted; got != 1 {
		t.Fatalf("in-memory counter = %d despite persist failure, want 1", got)
	}
}

func TestDebug_AcceptanceRate(t *testing.T) {
	q := newTestQueue(60000, nil, nil)
	if got := q.Debug().AcceptanceRate; got != 0 {
		t.Fatalf("acceptance rate with no generations = %v, want 0", got)
	}

	now := baseMs
	fixedClock(q, &now)
	mustEnqueue(t, q, sug("s1", "A1", model.PriorityLow, baseMs))
	mustEnqueue(t, q, sug("s2", "A2", model.PriorityLow, baseMs))
	q.MarkAccepted()

	if got := q.Debug().AcceptanceRate; got != 0.5 {
		t.Fatalf("acceptance rate = %v, want 0.5", got)
	}
}

func TestStatus_SnapshotsPresentationState(t *testing.T) {
	q := newTestQueue(60000, nil, nil)
	now := baseMs
	fixedClock(q, &now)

	mustEnqueue(t, q, sug("s1", "SUMMARIZE", model.PriorityLow, baseMs))
	head, _ := q.Dequeue()
	q.SetCurrent(&head)
	q.SetShowing(true)

	st := q.Status()
	if st.Length != 0 || !st.IsShowing || st.Current == nil || st.Current.ID != "s1" {
		t.Fatalf("status = %+v, want empty queue showing s1", st)
	}

	// The snapshot must be detached from queue state.
	st.Current.ID = "mutated"
	if cur := q.Current(); cur == nil || cur.ID != "s1" {
		t.Fatal("mutating a status snapshot leaked into the queue")
	}

	q.SetCurrent(nil)
	if q.Current() != nil {
		t.Fatal("clearing current suggestion failed")
	}
}

func TestOrdering_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q := newTestQueue(0, nil, nil) // window 0 disables dedup
		now := baseMs
		fixedClock(q, &now)

		n := rapid.IntRange(0, 30).Draw(rt, "n")
		priorities := []model.Priority{model.PriorityLow, model.PriorityMedium, model.PriorityHigh}
		for i := 0; i < n; i++ {
			s := model.Suggestion{
				ID:             fmt.Sprintf("s%04d", i),
				ActionType:     fmt.Sprintf("ACTION_%d", i),
				ControllerName: "AIAgent",
				Priority:       rapid.SampledFrom(priorities).Draw(rt, "priority"),
				Timestamp:      baseMs + rapid.Int64Range(0, 10_000).Draw(rt, "ts"),
			}
			ok, err := q.Enqueue(s)
			if err != nil || !ok {
				rt.Fatalf("enqueue %d failed: ok=%t err=%v", i, ok, err)
			}
		}

		drained := 0
		var prev model.Suggestion
		for {
			cur, ok := q.Dequeue()
			if !ok {
				break
			}
			if drained > 0 {
				pw, cw := prev.Priority.Weight(), cur.Priority.Weight()
				if pw < cw {
					rt.Fatalf("priority order violated: %s(w=%d) before %s(w=%d)", prev.ID, pw, cur.ID, cw)
				}
				if pw == cw && prev.Timestamp < cur.Timestamp {
					rt.Fatalf("timestamp order violated within weight %d: %d before %d", pw, prev.Timestamp, cur.Timestamp)
				}
				if pw == cw && prev.Timestamp == cur.Timestamp && prev.ID > cur.ID {
					rt.Fatalf("id tiebreak violated: %s before %s", prev.ID, cur.ID)
				}
			}
			prev = cur
			drained++
		}
		if drained != n {
			rt.Fatalf("drained %d entries, enqueued %d", drained, n)
		}
	})
}

func TestDedupWindow_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q := newTestQueue(60000, nil, nil)
		now := baseMs
		fixedClock(q, &now)

		attempts := rapid.IntRange(2, 8).Draw(rt, "attempts")
		accepted := 0
		for i := 0; i < attempts; i++ {
			now = baseMs + rapid.Int64Range(0, 59_999).Draw(rt, "offset")
			ok, err := q.Enqueue(sug(fmt.Sprintf("s%d", i), "ANALYZE_BEHAVIOR", model.PriorityMedium, now))
			if err != nil {
				rt.Fatalf("enqueue error: %v", err)
			}
			if ok {
				accepted++
			}
		}
		if accepted != 1 {
			rt.Fatalf("accepted %d entries of one key inside the window, want 1", accepted)
		}
		if got := q.Stats().TotalGenerated; got != 1 {
			rt.Fatalf("total_generated = %d, want 1", got)
		}
	})
}
