package dispatch

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectorlab/sibyl/internal/analysis"
	"github.com/lectorlab/sibyl/internal/behavior"
	"github.com/lectorlab/sibyl/internal/events"
	"github.com/lectorlab/sibyl/internal/model"
	"github.com/lectorlab/sibyl/internal/queue"
)

type harness struct {
	sink    *behavior.MemorySink
	queue   *queue.Queue
	capture *events.Capture
	d       *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sink := behavior.NewMemorySink()
	capture := &events.Capture{}
	logger := log.New(io.Discard, "", 0)

	cfg := model.AnalysisConfig{
		MinEvents:          3,
		IdleThresholdSec:   180,
		RereadThreshold:    3,
		SelectionThreshold: 4,
		SuggestionTTLMs:    300000,
	}
	engine := analysis.NewEngine(cfg, sink, logger, model.LevelDebug)
	q := queue.New(model.QueueConfig{DedupWindowMs: 60000}, model.SuggestionStats{}, nil, capture, logger, model.LevelDebug)
	limits := model.LimitsConfig{MaxPayloadBytes: 65536, MaxContentChars: 40, MaxYAMLFileBytes: 1 << 20}

	d, err := New(capture, logger, model.LevelDebug,
		NewAIAgentController(engine, q, capture, limits, logger, model.LevelDebug),
		NewInteractionController(capture, limits, logger, model.LevelDebug),
		NewSuggestionsController(q, capture, logger, model.LevelDebug),
	)
	require.NoError(t, err)
	return &harness{sink: sink, queue: q, capture: capture, d: d}
}

func (h *harness) enqueue(t *testing.T, id, actionType string, priority model.Priority) {
	t.Helper()
	ok, err := h.queue.Enqueue(model.Suggestion{
		ID:             id,
		ActionType:     actionType,
		ControllerName: model.ControllerAIAgent,
		Priority:       priority,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) requireNoActionErrors(t *testing.T) {
	t.Helper()
	errs := h.capture.OfType(events.EventActionError)
	if len(errs) > 0 {
		t.Fatalf("unexpected action errors: %+v", errs)
	}
}

func TestSupportedActions_FullSurface(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{
		"ACCEPT_SUGGESTION",
		"ADD_HIGHLIGHT",
		"ADD_REPLY",
		"ANALYZE_BEHAVIOR",
		"DISMISS_SUGGESTION",
		"EXPLAIN_PASSAGE",
		"REJECT_SUGGESTION",
		"REMOVE_HIGHLIGHT",
		"REMOVE_REPLY",
		"SHOW_NEXT_SUGGESTION",
		"SUMMARIZE",
		"UPDATE_REPLY",
	}, h.d.SupportedActions())
}

func TestAnalyzeBehavior_EnqueuesDerivedSuggestions(t *testing.T) {
	h := newHarness(t)
	_, err := h.sink.StartCollecting("article-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.sink.CollectEvent(model.EventRecord{
			Timestamp: time.Now().UTC(),
			Level:     model.LevelInfo,
			Source:    "reader",
			Category:  analysis.CategoryReading,
			Message:   "scrolled",
		}))
	}

	h.d.Execute(context.Background(), "ANALYZE_BEHAVIOR", nil)

	h.requireNoActionErrors(t)
	require.Equal(t, 1, h.queue.Len())
	enqueued := h.capture.OfType(events.EventSuggestionEnqueued)
	require.Len(t, enqueued, 1)
	assert.Equal(t, string(model.ActionSummarize), enqueued[0].Details["action_type"])

	s, ok := h.queue.Peek()
	require.True(t, ok)
	assert.True(t, model.ValidateID(s.ID))
	assert.NotNil(t, s.ExpiresAt)
}

func TestAnalyzeBehavior_NoSessionIsSilent(t *testing.T) {
	h := newHarness(t)
	h.d.Execute(context.Background(), "ANALYZE_BEHAVIOR", nil)
	h.requireNoActionErrors(t)
	assert.Equal(t, 0, h.queue.Len())
}

func TestSummarize_RequiresSubject(t *testing.T) {
	h := newHarness(t)

	h.d.Execute(context.Background(), "SUMMARIZE", nil)
	errs := h.capture.OfType(events.EventActionError)
	require.Len(t, errs, 1)
	assert.Equal(t, "validation", errs[0].Details["error_kind"])
	assert.Contains(t, errs[0].Details["error"], "subject_id")

	h.d.Execute(context.Background(), "SUMMARIZE", map[string]any{"subject_id": "article-9"})
	reqs := h.capture.OfType(events.EventAgentRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, "summarize", reqs[0].Details["request"])
	assert.Equal(t, "article-9", reqs[0].Details["subject_id"])
}

func TestExplainPassage_ContentCeiling(t *testing.T) {
	h := newHarness(t)

	h.d.Execute(context.Background(), "EXPLAIN_PASSAGE", map[string]any{
		"passage": strings.Repeat("x", 41),
	})
	errs := h.capture.OfType(events.EventActionError)
	require.Len(t, errs, 1)
	assert.Equal(t, "validation", errs[0].Details["error_kind"])
	assert.Contains(t, errs[0].Details["error"], "exceeds 40 characters")

	h.d.Execute(context.Background(), "EXPLAIN_PASSAGE", map[string]any{
		"passage":    strings.Repeat("x", 40),
		"subject_id": "article-1",
	})
	reqs := h.capture.OfType(events.EventAgentRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, "explain_passage", reqs[0].Details["request"])
	assert.Equal(t, "article-1", reqs[0].Details["subject_id"])
}

func TestAddReply_EmitsEntityAdded(t *testing.T) {
	h := newHarness(t)

	h.d.Execute(context.Background(), "ADD_REPLY", map[string]any{
		"subject_id": "article-1",
		"content":    "sharp observation",
		"parent_id":  "rep_1771722000_a3f2b7c1",
	})

	h.requireNoActionErrors(t)
	added := h.capture.OfType(events.EventEntityAdded)
	require.Len(t, added, 1)
	details := added[0].Details
	assert.Equal(t, "reply", details["entity"])
	assert.Equal(t, "article-1", details["subject_id"])
	assert.Equal(t, "sharp observation", details["content"])
	assert.Equal(t, "rep_1771722000_a3f2b7c1", details["parent_id"])

	id, _ := details["id"].(string)
	require.True(t, model.ValidateID(id))
	idType, err := model.ParseIDType(id)
	require.NoError(t, err)
	assert.Equal(t, model.IDTypeReply, idType)
}

func TestUpdateReply_RequiresReplyID(t *testing.T) {
	h := newHarness(t)

	h.d.Execute(context.Background(), "UPDATE_REPLY", map[string]any{
		"id":      "sug_1771722000_a3f2b7c1",
		"content": "fixed",
	})
	errs := h.capture.OfType(events.EventActionError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Details["error"], "not a reply id")

	h.d.Execute(context.Background(), "UPDATE_REPLY", map[string]any{
		"id":      "rep_1771722000_a3f2b7c1",
		"content": "fixed",
	})
	updated := h.capture.OfType(events.EventEntityUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, "reply", updated[0].Details["entity"])
	assert.Equal(t, "fixed", updated[0].Details["content"])
}

func TestAddHighlight_Validates(t *testing.T) {
	h := newHarness(t)

	h.d.Execute(context.Background(), "ADD_HIGHLIGHT", map[string]any{"subject_id": "article-1"})
	errs := h.capture.OfType(events.EventActionError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Details["error"], "content")

	h.d.Execute(context.Background(), "ADD_HIGHLIGHT", map[string]any{
		"subject_id": "article-1",
		"content":    "the key passage",
		"color":      "amber",
	})
	added := h.capture.OfType(events.EventEntityAdded)
	require.Len(t, added, 1)
	assert.Equal(t, "highlight", added[0].Details["entity"])
	assert.Equal(t, "amber", added[0].Details["color"])
}

func TestRemoveHighlight_MalformedID(t *testing.T) {
	h := newHarness(t)

	h.d.Execute(context.Background(), "REMOVE_HIGHLIGHT", map[string]any{"id": "not-an-id"})
	errs := h.capture.OfType(events.EventActionError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Details["error"], "malformed id")

	h.d.Execute(context.Background(), "REMOVE_HIGHLIGHT", map[string]any{"id": "hlt_1771722000_a3f2b7c1"})
	removed := h.capture.OfType(events.EventEntityRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, "highlight", removed[0].Details["entity"])
}

func TestShowNext_PresentsHighestPriority(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "sug_1771722000_00000001", "SUMMARIZE", model.PriorityLow)
	h.enqueue(t, "sug_1771722000_00000002", "EXPLAIN_PASSAGE", model.PriorityHigh)

	h.d.Execute(context.Background(), "SHOW_NEXT_SUGGESTION", nil)

	h.requireNoActionErrors(t)
	presented := h.capture.OfType(events.EventSuggestionPresented)
	require.Len(t, presented, 1)
	assert.Equal(t, "sug_1771722000_00000002", presented[0].Details["suggestion_id"])

	status := h.queue.Status()
	assert.True(t, status.IsShowing)
	require.NotNil(t, status.Current)
	assert.Equal(t, "sug_1771722000_00000002", status.Current.ID)
	assert.Equal(t, 1, h.queue.Len())
}

func TestShowNext_EmptyQueueIsSilent(t *testing.T) {
	h := newHarness(t)

	h.d.Execute(context.Background(), "SHOW_NEXT_SUGGESTION", nil)

	h.requireNoActionErrors(t)
	assert.Empty(t, h.capture.OfType(events.EventSuggestionPresented))
	assert.False(t, h.queue.Status().IsShowing)
}

func TestAcceptSuggestion_ResolvesCurrent(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "sug_1771722000_00000001", "SUMMARIZE", model.PriorityMedium)
	h.d.Execute(context.Background(), "SHOW_NEXT_SUGGESTION", nil)

	h.d.Execute(context.Background(), "ACCEPT_SUGGESTION", map[string]any{
		"suggestion_id": "sug_1771722000_00000001",
	})

	h.requireNoActionErrors(t)
	resolved := h.capture.OfType(events.EventSuggestionResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "accepted", resolved[0].Details["outcome"])
	assert.Equal(t, "sug_1771722000_00000001", resolved[0].Details["suggestion_id"])

	stats := h.queue.Stats()
	assert.Equal(t, int64(1), stats.TotalAccepted)
	assert.Nil(t, h.queue.Current())
	assert.False(t, h.queue.Status().IsShowing)
}

func TestOutcome_WrongIDIsNotFound(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "sug_1771722000_00000001", "SUMMARIZE", model.PriorityMedium)
	h.d.Execute(context.Background(), "SHOW_NEXT_SUGGESTION", nil)

	h.d.Execute(context.Background(), "ACCEPT_SUGGESTION", map[string]any{
		"suggestion_id": "sug_1771722000_ffffffff",
	})

	errs := h.capture.OfType(events.EventActionError)
	require.Len(t, errs, 1)
	assert.Equal(t, "not_found", errs[0].Details["error_kind"])

	stats := h.queue.Stats()
	assert.Equal(t, int64(0), stats.TotalAccepted)
	require.NotNil(t, h.queue.Current(), "mismatched outcome must not clear the presentation")
}

func TestRejectAndDismiss_BumpTheirCounters(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "sug_1771722000_00000001", "SUMMARIZE", model.PriorityMedium)
	h.enqueue(t, "sug_1771722000_00000002", "EXPLAIN_PASSAGE", model.PriorityLow)

	h.d.Execute(context.Background(), "SHOW_NEXT_SUGGESTION", nil)
	h.d.Execute(context.Background(), "REJECT_SUGGESTION", map[string]any{
		"suggestion_id": "sug_1771722000_00000001",
	})
	h.d.Execute(context.Background(), "SHOW_NEXT_SUGGESTION", nil)
	h.d.Execute(context.Background(), "DISMISS_SUGGESTION", map[string]any{
		"suggestion_id": "sug_1771722000_00000002",
	})

	h.requireNoActionErrors(t)
	stats := h.queue.Stats()
	assert.Equal(t, int64(1), stats.TotalRejected)
	assert.Equal(t, int64(1), stats.TotalDismissed)

	resolved := h.capture.OfType(events.EventSuggestionResolved)
	require.Len(t, resolved, 2)
	assert.Equal(t, "rejected", resolved[0].Details["outcome"])
	assert.Equal(t, "dismissed", resolved[1].Details["outcome"])
}
