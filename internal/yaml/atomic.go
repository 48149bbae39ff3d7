// Package yaml owns the on-disk discipline for .sibyl state files: atomic
// replace-on-write with a .bak trail, schema headers, and quarantine
// recovery for files that fail validation.
package yaml

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// AtomicWrite marshals v and replaces the file at path in one rename.
func AtomicWrite(path string, v any) error {
	content, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw replaces path with content via a fsynced temp file in the
// same directory, so the swap is a same-volume rename. The previous file
// survives as path.bak, which is what quarantine recovery restores from.
func AtomicWriteRaw(path string, content []byte) error {
	tmpName, err := writeTemp(filepath.Dir(path), content)
	if err != nil {
		return err
	}
	defer os.Remove(tmpName)

	// Reread what actually landed on disk before the rename makes it live.
	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("reread temp file: %w", err)
	}
	if err := checkParses(written); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	if err := keepBackup(path); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func writeTemp(dir string, content []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".sibyl-tmp-*.yaml")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()

	fail := func(op string, err error) (string, error) {
		tmp.Close()
		os.Remove(name)
		return "", fmt.Errorf("%s temp file: %w", op, err)
	}
	if _, err := tmp.Write(content); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return name, nil
}

// keepBackup copies the current file to path.bak when one exists.
func keepBackup(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat existing file: %w", err)
	}
	if err := copyFile(path, path+".bak"); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

func checkParses(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

// copyFile is whole-file; state files are capped well under a megabyte.
func copyFile(src, dst string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := out.Write(content); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
