// Package setup scaffolds the .sibyl directory for a project.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/lectorlab/sibyl/internal/model"
	sibylyaml "github.com/lectorlab/sibyl/internal/yaml"
	"github.com/lectorlab/sibyl/templates"
)

const sibylDir = ".sibyl"

// Subdirectories created at setup. The daemon assumes they exist.
var skeleton = []string{"logs", "locks", "state", "data", "quarantine"}

// Run scaffolds .sibyl under projectDir: the directory tree, a config.yaml
// seeded from the embedded template, a zero-counter stats file and an empty
// daemon.lock. A non-empty name overrides the directory basename.
func Run(projectDir, name string) error {
	root, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(root, sibylDir)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, sub := range skeleton {
		if err := os.MkdirAll(filepath.Join(base, sub), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", sub, err)
		}
	}

	cfg, err := seedConfig(root, name)
	if err != nil {
		return err
	}
	if err := sibylyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	// Zero counters up front so the first daemon run loads cleanly instead
	// of taking the recovery path.
	stats := model.NewStatsFile(model.SuggestionStats{}, time.Now())
	if err := sibylyaml.AtomicWrite(filepath.Join(base, "state", "stats.yaml"), stats); err != nil {
		return fmt.Errorf("write stats.yaml: %w", err)
	}

	// The lock file carries no state until a daemon flocks it.
	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}
	return nil
}

// seedConfig loads the embedded template and fills the per-project fields.
func seedConfig(root, name string) (*model.Config, error) {
	raw, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if name == "" {
		name = filepath.Base(root)
	}
	cfg.Project.Name = name
	cfg.Sibyl.ProjectRoot = root
	cfg.Sibyl.Created = time.Now().Format(time.RFC3339)
	return &cfg, nil
}
