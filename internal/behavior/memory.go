package behavior

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lectorlab/sibyl/internal/model"
)

// MemorySink is an in-memory Sink with the same session semantics as Store.
// It backs tests and ad-hoc runs that have no database.
type MemorySink struct {
	mu        sync.Mutex
	sessionID string
	subjectID string
	startedAt time.Time
	events    []model.EventRecord
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) StartCollecting(subjectID string) (string, error) {
	if subjectID == "" {
		return "", fmt.Errorf("subject id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = uuid.NewString()
	m.subjectID = subjectID
	m.startedAt = time.Now().UTC()
	m.events = nil
	return m.sessionID, nil
}

func (m *MemorySink) StopCollecting() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = ""
	m.subjectID = ""
	m.startedAt = time.Time{}
	m.events = nil
	return nil
}

func (m *MemorySink) CollectEvent(rec model.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID == "" {
		return fmt.Errorf("no active collection session")
	}
	m.events = append(m.events, rec)
	return nil
}

func (m *MemorySink) Status() CollectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CollectionStatus{
		IsCollecting:     m.sessionID != "",
		EventCount:       int64(len(m.events)),
		CurrentSubjectID: m.subjectID,
	}
}

func (m *MemorySink) BehaviorData() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Status: CollectionStatus{
			IsCollecting:     m.sessionID != "",
			EventCount:       int64(len(m.events)),
			CurrentSubjectID: m.subjectID,
		},
		SessionID: m.sessionID,
		StartedAt: m.startedAt,
	}
	if m.sessionID == "" {
		return snap, nil
	}

	snap.Events = make([]model.EventRecord, len(m.events))
	copy(snap.Events, m.events)
	snap.Categories = make(map[string]int64)
	for _, e := range m.events {
		snap.Categories[e.Category]++
	}
	return snap, nil
}
