package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/lectorlab/sibyl/internal/lock"
	"github.com/lectorlab/sibyl/internal/model"
	yamlutil "github.com/lectorlab/sibyl/internal/yaml"
)

const statsRelPath = "state/stats.yaml"

// StatsStore persists the suggestion counters to state/stats.yaml with the
// same atomic-write and quarantine discipline as every other state file.
type StatsStore struct {
	sibylDir     string
	path         string
	maxFileBytes int
	locks        *lock.MutexMap
	last         model.SuggestionStats
}

// NewStatsStore creates a store rooted at the .sibyl directory. maxFileBytes
// caps how large a stats file Load will accept; zero disables the cap.
func NewStatsStore(sibylDir string, locks *lock.MutexMap, maxFileBytes int) *StatsStore {
	return &StatsStore{
		sibylDir:     sibylDir,
		path:         filepath.Join(sibylDir, "state", "stats.yaml"),
		maxFileBytes: maxFileBytes,
		locks:        locks,
	}
}

// Load reads the persisted counters. A missing file yields zero counters. A
// corrupt or oversized file is quarantined and replaced from backup or
// skeleton before rereading.
func (s *StatsStore) Load() (model.SuggestionStats, error) {
	s.locks.Lock(statsRelPath)
	defer s.locks.Unlock(statsRelPath)

	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.SuggestionStats{}, nil
		}
		return model.SuggestionStats{}, fmt.Errorf("read stats: %w", err)
	}

	var valErr error
	if s.maxFileBytes > 0 && len(content) > s.maxFileBytes {
		valErr = fmt.Errorf("stats file is %d bytes, cap is %d", len(content), s.maxFileBytes)
	} else {
		valErr = yamlutil.ValidateSchemaHeaderFromBytes(content, model.StatsFileType)
	}
	if valErr != nil {
		if recErr := yamlutil.RecoverCorruptedFile(s.sibylDir, s.path, model.StatsFileType); recErr != nil {
			return model.SuggestionStats{}, fmt.Errorf("recover stats (%v): %w", valErr, recErr)
		}
		content, err = os.ReadFile(s.path)
		if err != nil {
			return model.SuggestionStats{}, fmt.Errorf("read recovered stats: %w", err)
		}
	}

	var sf model.StatsFile
	if err := yamlv3.Unmarshal(content, &sf); err != nil {
		return model.SuggestionStats{}, fmt.Errorf("parse stats: %w", err)
	}
	s.last = sf.Stats
	return sf.Stats, nil
}

// SaveStats writes a counters snapshot atomically. Snapshots may arrive out
// of order when increments race; each field only ever grows, so the merge
// keeps the file monotonic.
func (s *StatsStore) SaveStats(stats model.SuggestionStats) error {
	s.locks.Lock(statsRelPath)
	defer s.locks.Unlock(statsRelPath)

	merged := model.SuggestionStats{
		TotalGenerated: max(stats.TotalGenerated, s.last.TotalGenerated),
		TotalAccepted:  max(stats.TotalAccepted, s.last.TotalAccepted),
		TotalRejected:  max(stats.TotalRejected, s.last.TotalRejected),
		TotalDismissed: max(stats.TotalDismissed, s.last.TotalDismissed),
	}
	if merged == s.last {
		if _, err := os.Stat(s.path); err == nil {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := yamlutil.AtomicWrite(s.path, model.NewStatsFile(merged, time.Now())); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	s.last = merged
	return nil
}
