package backupengine

import (
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"github.com/nerdalize/snapvault/internal/errs"
	"github.com/nerdalize/snapvault/internal/indexdb"
)

// walkEntry is one filesystem entry discovered under a source
// directory, before chunking.
type walkEntry struct {
	RelPath   string
	AbsPath   string
	Kind      indexdb.FileKind
	Size      int64
	ModTimeMS int64
	Perm      uint32
}

// walkSource walks root without following symlinks (os.Lstat-based, so
// a symlink is recorded as its own entry and never descended into),
// returning entries in path order. A relative path that is not valid
// UTF-8 fails the whole walk.
func walkSource(root string) ([]walkEntry, error) {
	var entries []walkEntry

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errs.Wrap(errs.KindIO, err, "backup: walk %s", path)
		}
		if path == root {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return errs.Wrap(errs.KindIO, relErr, "backup: relativize %s", path)
		}
		if !utf8.ValidString(rel) {
			return errs.New(errs.KindIntegrity, "backup: path %q is not valid UTF-8", rel)
		}

		kind := classify(info)
		entries = append(entries, walkEntry{
			RelPath:   rel,
			AbsPath:   path,
			Kind:      kind,
			Size:      info.Size(),
			ModTimeMS: info.ModTime().UnixMilli(),
			Perm:      uint32(info.Mode().Perm()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, nil
}

func classify(info os.FileInfo) indexdb.FileKind {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return indexdb.KindSymlink
	case info.IsDir():
		return indexdb.KindDir
	default:
		return indexdb.KindFile
	}
}
