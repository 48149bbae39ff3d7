package daemon

import (
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/lectorlab/sibyl/internal/behavior"
	"github.com/lectorlab/sibyl/internal/collector"
	"github.com/lectorlab/sibyl/internal/model"
	"github.com/lectorlab/sibyl/internal/queue"
	"github.com/lectorlab/sibyl/internal/scheduler"
	"github.com/lectorlab/sibyl/internal/uds"
)

// StatusInfo is the response payload of the status UDS command.
type StatusInfo struct {
	PID        int                       `json:"pid"`
	Started    time.Time                 `json:"started"`
	UptimeSec  int64                     `json:"uptime_sec"`
	LogLevel   string                    `json:"log_level"`
	Collection behavior.CollectionStatus `json:"collection"`
	Queue      queue.QueueStatus         `json:"queue"`
	Tasks      []scheduler.TaskStatus    `json:"tasks"`
	Actions    []string                  `json:"actions"`
}

// CollectParams is the request payload for the collect UDS command.
type CollectParams struct {
	Source   string         `json:"source"`
	Message  string         `json:"message"`
	Level    string         `json:"level,omitempty"`    // debug|info|warn|error, default info
	Category string         `json:"category,omitempty"` // default "default"
	Data     map[string]any `json:"data,omitempty"`
}

// TrackStartParams is the request payload for the track_start UDS command.
type TrackStartParams struct {
	SubjectID string `json:"subject_id"`
}

// ActionParams is the request payload for the action UDS command.
type ActionParams struct {
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// SuggestOutcomeParams is the request payload for the suggest_outcome UDS
// command.
type SuggestOutcomeParams struct {
	SuggestionID string `json:"suggestion_id"`
	Outcome      string `json:"outcome"` // accepted|rejected|dismissed
}

// ExportParams is the request payload for the export UDS command.
type ExportParams struct {
	Limit int `json:"limit,omitempty"`
}

var outcomeActions = map[string]model.ActionType{
	"accepted":  model.ActionAcceptSuggestion,
	"rejected":  model.ActionRejectSuggestion,
	"dismissed": model.ActionDismissSuggestion,
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log(model.LevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("status", d.handleStatus)
	d.server.Handle("analyze", d.handleAnalyze)
	d.server.Handle("collect", d.handleCollect)
	d.server.Handle("track_start", d.handleTrackStart)
	d.server.Handle("track_stop", d.handleTrackStop)
	d.server.Handle("track_status", d.handleTrackStatus)
	d.server.Handle("action", d.handleAction)
	d.server.Handle("suggest_next", d.handleSuggestNext)
	d.server.Handle("suggest_peek", d.handleSuggestPeek)
	d.server.Handle("suggest_outcome", d.handleSuggestOutcome)
	d.server.Handle("queue_status", d.handleQueueStatus)
	d.server.Handle("queue_debug", d.handleQueueDebug)
	d.server.Handle("export", d.handleExport)
}

// checkPayloadSize rejects oversized request params before they reach the
// pipeline.
func (d *Daemon) checkPayloadSize(req *uds.Request) *uds.Response {
	limit := d.currentConfig().Limits.MaxPayloadBytes
	if limit > 0 && len(req.Params) > limit {
		return uds.ErrorResponse(uds.ErrCodeValidation,
			fmt.Sprintf("params exceed max size: %d > %d bytes", len(req.Params), limit))
	}
	return nil
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()

	info := StatusInfo{
		PID:        os.Getpid(),
		Started:    started,
		UptimeSec:  int64(time.Since(started).Seconds()),
		LogLevel:   model.Level(d.logLevel.Load()).String(),
		Collection: d.app.Collector.Status(),
		Queue:      d.app.Queue.Status(),
		Tasks:      d.app.Scheduler.Status(),
		Actions:    d.app.Dispatcher.SupportedActions(),
	}
	return uds.SuccessResponse(info)
}

func (d *Daemon) handleAnalyze(req *uds.Request) *uds.Response {
	d.app.Dispatcher.Execute(d.ctx, string(model.ActionAnalyzeBehavior), nil)
	return uds.SuccessResponse(map[string]any{
		"status":       "analyzed",
		"queue_length": d.app.Queue.Len(),
	})
}

func (d *Daemon) handleCollect(req *uds.Request) *uds.Response {
	if resp := d.checkPayloadSize(req); resp != nil {
		return resp
	}
	var params CollectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.Source == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "source is required")
	}
	if params.Message == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "message is required")
	}

	var data any
	if params.Data != nil {
		data = params.Data
	}
	d.app.Collector.Collect(params.Source, params.Message, data, collector.CollectOptions{
		Level:    params.Level,
		Category: params.Category,
	})
	return uds.SuccessResponse(map[string]string{"status": "collected"})
}

func (d *Daemon) handleTrackStart(req *uds.Request) *uds.Response {
	var params TrackStartParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.SubjectID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "subject_id is required")
	}

	sessionID, err := d.app.Collector.StartCollecting(params.SubjectID)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("start collecting: %v", err))
	}
	if sessionID == "" {
		return uds.SuccessResponse(map[string]string{"status": "collection_disabled"})
	}
	return uds.SuccessResponse(map[string]string{
		"status":     "collecting",
		"session_id": sessionID,
		"subject_id": params.SubjectID,
	})
}

func (d *Daemon) handleTrackStop(req *uds.Request) *uds.Response {
	if err := d.app.Collector.StopCollecting(); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("stop collecting: %v", err))
	}
	return uds.SuccessResponse(map[string]string{"status": "stopped"})
}

func (d *Daemon) handleTrackStatus(req *uds.Request) *uds.Response {
	st := d.app.Collector.Status()
	return uds.SuccessResponse(map[string]any{
		"is_collecting":      st.IsCollecting,
		"event_count":        st.EventCount,
		"current_subject_id": st.CurrentSubjectID,
		"buffered":           d.app.Collector.BufferLen(),
		"dropped":            d.app.Collector.Dropped(),
	})
}

func (d *Daemon) handleAction(req *uds.Request) *uds.Response {
	if resp := d.checkPayloadSize(req); resp != nil {
		return resp
	}
	var params ActionParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.ActionType == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "action_type is required")
	}

	// Dispatch outcomes surface as pipeline events, never as command errors.
	d.app.Dispatcher.Execute(d.ctx, params.ActionType, params.Payload)
	return uds.SuccessResponse(map[string]string{
		"status":      "dispatched",
		"action_type": params.ActionType,
	})
}

func (d *Daemon) handleSuggestNext(req *uds.Request) *uds.Response {
	d.app.Dispatcher.Execute(d.ctx, string(model.ActionShowNextSuggestion), nil)
	st := d.app.Queue.Status()
	if st.Current == nil {
		return uds.SuccessResponse(map[string]any{"status": "empty"})
	}
	return uds.SuccessResponse(map[string]any{
		"status":     "presented",
		"suggestion": st.Current,
		"remaining":  st.Length,
	})
}

func (d *Daemon) handleSuggestPeek(req *uds.Request) *uds.Response {
	s, ok := d.app.Queue.Peek()
	if !ok {
		return uds.SuccessResponse(map[string]any{"status": "empty"})
	}
	return uds.SuccessResponse(map[string]any{
		"status":     "queued",
		"suggestion": s,
		"length":     d.app.Queue.Len(),
	})
}

func (d *Daemon) handleSuggestOutcome(req *uds.Request) *uds.Response {
	var params SuggestOutcomeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.SuggestionID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "suggestion_id is required")
	}
	action, ok := outcomeActions[params.Outcome]
	if !ok {
		return uds.ErrorResponse(uds.ErrCodeValidation,
			fmt.Sprintf("invalid outcome: %q, must be accepted|rejected|dismissed", params.Outcome))
	}
	if d.app.Queue.Current() == nil {
		return uds.ErrorResponse(uds.ErrCodeNotFound, "no suggestion is currently presented")
	}

	// An id that does not match the presented suggestion is the pipeline's
	// call, not the boundary's: the dispatcher emits the error event.
	d.app.Dispatcher.Execute(d.ctx, string(action), map[string]any{"suggestion_id": params.SuggestionID})
	return uds.SuccessResponse(map[string]any{
		"status": "dispatched",
		"stats":  d.app.Queue.Stats(),
	})
}

func (d *Daemon) handleQueueStatus(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.app.Queue.Status())
}

func (d *Daemon) handleQueueDebug(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.app.Queue.Debug())
}

func (d *Daemon) handleExport(req *uds.Request) *uds.Response {
	var params ExportParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
		}
	}
	return uds.SuccessResponse(d.app.ExportData(params.Limit))
}
