package restoreengine_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nerdalize/snapvault/internal/backupengine"
	"github.com/nerdalize/snapvault/internal/chunker"
	"github.com/nerdalize/snapvault/internal/cryptoframe"
	"github.com/nerdalize/snapvault/internal/indexdb"
	"github.com/nerdalize/snapvault/internal/restoreengine"
	"github.com/nerdalize/snapvault/internal/transport/memstorage"
)

func testKey() cryptoframe.Key {
	var k cryptoframe.Key
	k[0] = 0x7a
	return k
}

func TestRunRestoresFileContentByteForByte(t *testing.T) {
	src := t.TempDir()
	mustWrite(t, src, "docs/readme.txt", []byte("hello from the archive, more than one chunk worth of bytes to be safe here"))
	mustWrite(t, src, "docs/nested/deep.bin", bytes.Repeat([]byte{0xAB, 0xCD}, 300))
	mustWrite(t, src, "top.txt", []byte("top level file"))

	store := memstorage.New("telegram-test", "")
	dbPath := filepath.Join(t.TempDir(), "index.db")

	cfg := backupengine.Config{
		Storage:              store,
		MasterKey:            testKey(),
		SourcePath:           src,
		IndexDBPath:          dbPath,
		Chunking:             chunker.Params{Min: 64, Avg: 256, Max: 1024},
		MaxConcurrentUploads: 4,
	}
	sum, err := backupengine.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("backup run: %v", err)
	}

	db, err := indexdb.OpenExisting(dbPath)
	if err != nil {
		t.Fatalf("reopen index: %v", err)
	}
	ri, ok, err := db.GetRemoteIndex(sum.SnapshotID)
	if err != nil {
		t.Fatalf("get remote index: %v", err)
	}
	if !ok {
		t.Fatalf("expected a remote_indexes row for %s", sum.SnapshotID)
	}
	db.Close()

	target := filepath.Join(t.TempDir(), "restored")
	rcfg := restoreengine.Config{
		Storage:               store,
		MasterKey:             testKey(),
		SnapshotID:            sum.SnapshotID,
		ManifestObjectID:      ri.ManifestObjectID,
		TargetDir:             target,
		RehydratedIndexDBPath: filepath.Join(t.TempDir(), "rehydrated.db"),
	}
	rsum, err := restoreengine.Run(context.Background(), rcfg)
	if err != nil {
		t.Fatalf("restore run: %v", err)
	}
	if rsum.FilesWritten != 3 {
		t.Fatalf("expected 3 files written, got %d", rsum.FilesWritten)
	}

	assertFileEquals(t, src, target, "docs/readme.txt")
	assertFileEquals(t, src, target, "docs/nested/deep.bin")
	assertFileEquals(t, src, target, "top.txt")
}

func TestRunRejectsNonEmptyTargetDir(t *testing.T) {
	src := t.TempDir()
	mustWrite(t, src, "a.txt", []byte("content"))

	store := memstorage.New("telegram-test", "")
	dbPath := filepath.Join(t.TempDir(), "index.db")
	cfg := backupengine.Config{
		Storage:              store,
		MasterKey:            testKey(),
		SourcePath:           src,
		IndexDBPath:          dbPath,
		Chunking:             chunker.Params{Min: 64, Avg: 256, Max: 1024},
		MaxConcurrentUploads: 4,
	}
	sum, err := backupengine.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("backup run: %v", err)
	}

	db, err := indexdb.OpenExisting(dbPath)
	if err != nil {
		t.Fatalf("reopen index: %v", err)
	}
	ri, _, err := db.GetRemoteIndex(sum.SnapshotID)
	if err != nil {
		t.Fatalf("get remote index: %v", err)
	}
	db.Close()

	target := t.TempDir()
	mustWrite(t, target, "preexisting.txt", []byte("do not merge into me"))

	rcfg := restoreengine.Config{
		Storage:               store,
		MasterKey:             testKey(),
		SnapshotID:            sum.SnapshotID,
		ManifestObjectID:      ri.ManifestObjectID,
		TargetDir:             target,
		RehydratedIndexDBPath: filepath.Join(t.TempDir(), "rehydrated.db"),
	}
	if _, err := restoreengine.Run(context.Background(), rcfg); err == nil {
		t.Fatal("expected rejection of a non-empty target directory")
	}
}

func mustWrite(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func assertFileEquals(t *testing.T, srcRoot, dstRoot, rel string) {
	t.Helper()
	want, err := os.ReadFile(filepath.Join(srcRoot, rel))
	if err != nil {
		t.Fatalf("read source %s: %v", rel, err)
	}
	got, err := os.ReadFile(filepath.Join(dstRoot, rel))
	if err != nil {
		t.Fatalf("read restored %s: %v", rel, err)
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("restored %s does not match source", rel)
	}
}
