package atomicfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nerdalize/snapvault/internal/atomicfile"
)

func TestWriteCreatesFileWithPerm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.enc")

	if err := atomicfile.Write(path, []byte("payload"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("unexpected contents: %q", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("unexpected perm: %v", info.Mode().Perm())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file left behind, got %d", len(entries))
	}
}

func TestWriteReplacesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := atomicfile.Write(path, []byte("v1"), 0644); err != nil {
		t.Fatalf("write v1: %v", err)
	}
	if err := atomicfile.Write(path, []byte("v2"), 0644); err != nil {
		t.Fatalf("write v2: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("expected replaced contents, got %q", got)
	}
}

func TestEnsureDirCreatesParents(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	if err := atomicfile.EnsureDir(dir, 0700); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory")
	}
}
