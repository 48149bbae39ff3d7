// Package export renders a diagnostics snapshot of the suggestion pipeline:
// lifetime counters, the queue and collection projections, scheduled task
// health, the pipeline event tail and the most recent behavior records.
package export

import (
	"bytes"
	"fmt"
	"io"
	"text/template"
	"time"

	"github.com/lectorlab/sibyl/internal/behavior"
	"github.com/lectorlab/sibyl/internal/events"
	"github.com/lectorlab/sibyl/internal/model"
	"github.com/lectorlab/sibyl/internal/queue"
	"github.com/lectorlab/sibyl/internal/scheduler"
)

// Data is everything the export carries. It crosses the UDS boundary as
// JSON; Render turns it into the human-readable report.
type Data struct {
	GeneratedAt    time.Time                 `json:"generated_at"`
	Collection     behavior.CollectionStatus `json:"collection"`
	Queue          queue.QueueStatus         `json:"queue"`
	AcceptanceRate float64                   `json:"acceptance_rate"`
	Tasks          []scheduler.TaskStatus    `json:"tasks,omitempty"`
	Events         []events.LogEntry         `json:"events,omitempty"`
	Behavior       []model.EventRecord       `json:"behavior,omitempty"`
	LogValid       int                       `json:"log_valid"`
	LogCorrupted   int                       `json:"log_corrupted"`
	BusDropped     uint64                    `json:"bus_dropped_events"`
}

// Render writes the report for d to w.
func Render(w io.Writer, d Data) error {
	tmpl, err := reportTemplate()
	if err != nil {
		return fmt.Errorf("parse export template: %w", err)
	}

	// Render to a buffer first so a template error never leaves a partial
	// report on w.
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, d); err != nil {
		return fmt.Errorf("render export: %w", err)
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func reportTemplate() (*template.Template, error) {
	const tmplText = `# Sibyl Diagnostics Export

## Suggestion Counters

| Counter | Value |
|---------|-------|
| Generated | {{ .Queue.Stats.TotalGenerated }} |
| Accepted | {{ .Queue.Stats.TotalAccepted }} |
| Rejected | {{ .Queue.Stats.TotalRejected }} |
| Dismissed | {{ .Queue.Stats.TotalDismissed }} |
| Acceptance rate | {{ printf "%.1f%%" (percent .AcceptanceRate) }} |

## Queue

Length: {{ .Queue.Length }}, showing: {{ .Queue.IsShowing }}{{ if .Queue.Current }}, current: {{ .Queue.Current.ID }} ({{ .Queue.Current.ActionType }}, {{ .Queue.Current.Priority }}){{ end }}

## Collection

{{ if .Collection.IsCollecting -}}
Collecting subject {{ .Collection.CurrentSubjectID }}, {{ .Collection.EventCount }} events this session.
{{ else -}}
Not collecting.
{{ end }}
## Scheduled Tasks

| Task | Enabled | Running | Interval | Runs | Failures | Skipped |
|------|---------|---------|----------|------|----------|---------|
{{ range .Tasks -}}
| {{ .ID }} | {{ .Enabled }} | {{ .Running }} | {{ .IntervalMs }}ms | {{ .Runs }} | {{ .Failures }} | {{ .SkippedTicks }} |
{{ else -}}
| _No tasks_ | - | - | - | - | - | - |
{{ end }}
## Recent Pipeline Events (Last {{ len .Events }})

{{ if .Events -}}
| Time | Event | Suggestion | Action | Controller |
|------|-------|------------|--------|------------|
{{ range .Events -}}
| {{ .Timestamp.Format "15:04:05" }} | {{ .EventType }} | {{ if .SuggestionID }}{{ .SuggestionID }}{{ else }}-{{ end }} | {{ if .ActionType }}{{ .ActionType }}{{ else }}-{{ end }} | {{ if .Controller }}{{ .Controller }}{{ else }}-{{ end }} |
{{ end -}}
{{ else -}}
_No pipeline events._
{{ end }}
Event log integrity: {{ .LogValid }} valid, {{ .LogCorrupted }} corrupted. Bus drops: {{ .BusDropped }}.

## Recent Behavior Records (Last {{ len .Behavior }})

{{ if .Behavior -}}
` + "```" + `
{{ range .Behavior -}}
{{ .Delimited }}
{{ end -}}
` + "```" + `
{{ else -}}
_No behavior records._
{{ end }}
---
_Generated: {{ .GeneratedAt.Format "2006-01-02 15:04:05 MST" }}_
`

	return template.New("export").Funcs(template.FuncMap{
		"percent": func(rate float64) float64 { return rate * 100 },
	}).Parse(tmplText)
}
