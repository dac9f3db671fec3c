// Package fsatomic implements crash-atomic filesystem writes: a write lands
// on a sibling temp file which is then renamed over the target, so a reader
// never observes a partially written file. Rename atomicity is relied on;
// cross-device renames are treated as a hard error (spec.md §4.2).
package fsatomic

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Write writes bytes to path via a temp-file-then-rename sequence. The temp
// file is created alongside path (same directory, same device) so the
// rename is guaranteed atomic on POSIX filesystems. On any failure the temp
// file is removed before the error is returned.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsatomic: mkdir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(path), uuid.NewString()))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("fsatomic: create temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("fsatomic: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("fsatomic: sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("fsatomic: close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("fsatomic: rename into place: %w", err)
	}
	return nil
}

// AppendLine ensures path's parent directory exists and appends data
// followed by a newline. Unlike Write, this is not atomic with respect to
// concurrent readers mid-append, but JSONL/log consumers tolerate a torn
// final line and retry.
func AppendLine(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsatomic: mkdir %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("fsatomic: open for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("fsatomic: append: %w", err)
	}
	return nil
}

// SweepOrphans removes leftover ".{name}.tmp-*" temp files in dir. Crashes
// between temp-file creation and rename leave orphans; they are harmless
// but accumulate. Write itself does not sweep; the status writer calls
// SweepOrphans on the job directory before each status-document commit
// (spec.md §4.3).
func SweepOrphans(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if len(name) > 0 && name[0] == '.' && containsTmpMarker(name) {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
	return nil
}

func containsTmpMarker(name string) bool {
	for i := 0; i+5 <= len(name); i++ {
		if name[i:i+5] == ".tmp-" {
			return true
		}
	}
	return false
}
