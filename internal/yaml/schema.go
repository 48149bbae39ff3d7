package yaml

import (
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"
)

// CurrentSchemaVersion is stamped into every state file this build writes.
// Readers refuse anything newer.
const CurrentSchemaVersion = 1

// knownFileTypes lists the state files the daemon owns. Validation rejects
// anything else so a stray YAML dropped into state/ is never trusted.
var knownFileTypes = map[string]bool{
	"state_stats": true,
}

// SchemaHeader is the common prefix of every state file.
type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

// ValidateSchemaHeaderFromBytes checks that content carries a parseable
// header with a supported version and a known file type. A non-empty
// expectedFileType additionally pins the file's identity.
func ValidateSchemaHeaderFromBytes(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	switch {
	case header.SchemaVersion < 1:
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", header.SchemaVersion)
	case header.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)",
			header.SchemaVersion, CurrentSchemaVersion)
	case header.FileType == "":
		return fmt.Errorf("missing file_type")
	case !knownFileTypes[header.FileType]:
		return fmt.Errorf("unknown file_type: %q", header.FileType)
	case expectedFileType != "" && header.FileType != expectedFileType:
		return fmt.Errorf("file_type mismatch: got %q, expected %q",
			header.FileType, expectedFileType)
	}
	return nil
}
