package yaml

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// RecoverCorruptedFile moves a file that failed validation out of the way
// and puts a usable replacement in its place: the .bak copy when that one
// still validates, a typed skeleton otherwise. Counters may roll back to
// the backup's values; they never disappear entirely.
func RecoverCorruptedFile(sibylDir, filePath, fileType string) error {
	if err := Quarantine(sibylDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	err := RestoreFromBackup(filePath, fileType)
	if err == nil {
		return nil
	}
	log.Printf("yaml: backup restore failed for %s: %v, generating skeleton", filePath, err)

	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}
	return nil
}

// Quarantine renames filePath into .sibyl/quarantine/ under a timestamped
// name, keeping the corrupt bytes around for inspection.
func Quarantine(sibylDir, filePath string) error {
	quarantineDir := filepath.Join(sibylDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	stamp := time.Now().Format("20060102T150405")
	target := filepath.Join(quarantineDir,
		fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), stamp))

	if err := os.Rename(filePath, target); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}
	log.Printf("yaml: quarantined %s as %s", filePath, target)
	return nil
}

// RestoreFromBackup copies filePath.bak back over filePath. The backup
// must parse and carry the expected schema header; restoring a backup that
// would immediately fail validation again is pointless.
func RestoreFromBackup(filePath, fileType string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup file: %s", bakPath)
		}
		return fmt.Errorf("read backup: %w", err)
	}

	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return fmt.Errorf("backup is also unusable: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	log.Printf("yaml: restored %s from %s", filePath, bakPath)
	return nil
}

// GenerateSkeleton writes a minimal valid file of the given type. For the
// stats file that means zero counters, which is the honest value after the
// real ones were lost.
func GenerateSkeleton(filePath, fileType string) error {
	content, err := yamlv3.Marshal(skeletonFor(fileType))
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}
	log.Printf("yaml: generated %s skeleton at %s", fileType, filePath)
	return nil
}

func skeletonFor(fileType string) any {
	switch fileType {
	case "state_stats":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      "state_stats",
			"stats": map[string]any{
				"total_generated": 0,
				"total_accepted":  0,
				"total_rejected":  0,
				"total_dismissed": 0,
			},
			"updated_at": nil,
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}
