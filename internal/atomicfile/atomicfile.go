// Package atomicfile centralizes the write-temp-then-rename pattern
// used everywhere snapvault persists sensitive or crash-sensitive
// state: the rehydrated index, the secrets store, the config file, and
// the vault key file.
package atomicfile

import (
	"os"
	"path/filepath"

	"github.com/nerdalize/snapvault/internal/errs"
)

// Write atomically replaces path with data. It creates a temp file in
// the same directory (so the final rename is same-filesystem), fsyncs
// it, sets perm, and renames it into place. A crash at any point before
// the rename leaves the original file (or no file) untouched.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "atomicfile: create temp file in %s", dir)
	}
	tmpPath := tmp.Name()

	defer func() {
		// Best-effort cleanup; if the rename below succeeded this is a no-op.
		os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindIO, err, "atomicfile: write temp file %s", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindIO, err, "atomicfile: fsync temp file %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindIO, err, "atomicfile: close temp file %s", tmpPath)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return errs.Wrap(errs.KindIO, err, "atomicfile: chmod temp file %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.KindIO, err, "atomicfile: rename %s to %s", tmpPath, path)
	}
	return nil
}

// EnsureDir creates dir (and parents) with perm if it does not already
// exist.
func EnsureDir(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return errs.Wrap(errs.KindIO, err, "atomicfile: ensure dir %s", dir)
	}
	return nil
}
