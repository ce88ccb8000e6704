package manifest_test

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/nerdalize/snapvault/internal/cryptoframe"
	"github.com/nerdalize/snapvault/internal/manifest"
	"github.com/nerdalize/snapvault/internal/transport/memstorage"
)

func TestBuildAndRehydrateRoundTrip(t *testing.T) {
	var key cryptoframe.Key
	copy(key[:], bytes.Repeat([]byte{0x07}, len(key)))

	dbBytes := make([]byte, 5*1024*1024)
	rand.New(rand.NewSource(42)).Read(dbBytes)

	store := memstorage.New("mtproto", "")
	ctx := context.Background()

	manifestID, err := manifest.Build(ctx, store, key, "snp_1", dbBytes, 1024*1024)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	outPath := filepath.Join(t.TempDir(), "rehydrated.db")
	if err := manifest.Rehydrate(ctx, store, key, "snp_1", manifestID, outPath); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}

	got := readFile(t, outPath)
	if !bytes.Equal(got, dbBytes) {
		t.Fatal("rehydrated bytes do not match original")
	}
}

func TestRehydrateRejectsSnapshotIDMismatch(t *testing.T) {
	var key cryptoframe.Key
	store := memstorage.New("mtproto", "")
	ctx := context.Background()

	manifestID, err := manifest.Build(ctx, store, key, "snp_1", []byte("hello world"), 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	outPath := filepath.Join(t.TempDir(), "out.db")
	if err := manifest.Rehydrate(ctx, store, key, "snp_other", manifestID, outPath); err == nil {
		t.Fatal("expected error for snapshot id mismatch")
	}
}

func TestBuildSplitsIntoMultipleParts(t *testing.T) {
	var key cryptoframe.Key
	store := memstorage.New("mtproto", "")
	ctx := context.Background()

	dbBytes := bytes.Repeat([]byte{0x09}, 1000)
	manifestID, err := manifest.Build(ctx, store, key, "snp_1", dbBytes, 200)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	outPath := filepath.Join(t.TempDir(), "out.db")
	if err := manifest.Rehydrate(ctx, store, key, "snp_1", manifestID, outPath); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if !bytes.Equal(readFile(t, outPath), dbBytes) {
		t.Fatal("rehydrated bytes do not match original across multiple parts")
	}
}

func TestRehydrateFailsWhenPartMissing(t *testing.T) {
	var key cryptoframe.Key
	store := memstorage.New("mtproto", "")
	ctx := context.Background()

	manifestID, err := manifest.Build(ctx, store, key, "snp_1", bytes.Repeat([]byte{0x09}, 1000), 200)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// simulate the part object having expired/been garbage collected by
	// downloading through a store with nothing uploaded to it.
	emptyStore := memstorage.New("mtproto", "")
	outPath := filepath.Join(t.TempDir(), "out.db")
	if err := manifest.Rehydrate(ctx, emptyStore, key, "snp_1", manifestID, outPath); err == nil {
		t.Fatal("expected error when manifest object is unavailable on the target store")
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	return data
}
