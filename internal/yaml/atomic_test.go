package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func readYAML(t *testing.T, path string) map[string]any {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var v map[string]any
	if err := yamlv3.Unmarshal(content, &v); err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return v
}

func TestAtomicWrite_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.yaml")

	err := AtomicWrite(path, map[string]any{
		"file_type":       "state_stats",
		"total_generated": 42,
	})
	if err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	got := readYAML(t, path)
	if got["file_type"] != "state_stats" {
		t.Errorf("file_type = %v", got["file_type"])
	}
	if got["total_generated"] != 42 {
		t.Errorf("total_generated = %v", got["total_generated"])
	}
}

func TestAtomicWrite_ReplacesAndKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.yaml")

	if err := AtomicWrite(path, map[string]int{"generation": 1}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := AtomicWrite(path, map[string]int{"generation": 2}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	if got := readYAML(t, path); got["generation"] != 2 {
		t.Errorf("live file generation = %v, want 2", got["generation"])
	}
	if got := readYAML(t, path+".bak"); got["generation"] != 1 {
		t.Errorf("backup generation = %v, want 1", got["generation"])
	}
}

func TestAtomicWriteRaw_RefusesUnparseableContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.yaml")

	original := []byte("file_type: state_stats\n")
	if err := AtomicWriteRaw(path, original); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	err := AtomicWriteRaw(path, []byte("broken: [unclosed\n"))
	if err == nil {
		t.Fatal("expected error for unparseable content")
	}
	if !strings.Contains(err.Error(), "yaml validation failed") {
		t.Errorf("unexpected error: %v", err)
	}

	// The live file must be untouched by the failed write.
	content, readErr := os.ReadFile(path)
	if readErr != nil {
		t.Fatalf("read after failed write: %v", readErr)
	}
	if string(content) != string(original) {
		t.Errorf("live file changed: %q", content)
	}
}

func TestAtomicWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.yaml")

	if err := AtomicWrite(path, map[string]string{"file_type": "state_stats"}); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}
	// A failed write cleans up too.
	AtomicWriteRaw(path, []byte("broken: [unclosed\n"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".sibyl-tmp-") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}
