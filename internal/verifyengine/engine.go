// Package verifyengine checks that every chunk a snapshot references
// can still be resolved, downloaded, decrypted and hash-verified,
// without writing any file output — a read-only audit of a snapshot's
// remote durability.
package verifyengine

import (
	"context"
	"encoding/hex"
	"sort"

	"github.com/nerdalize/snapvault/internal/chunker"
	"github.com/nerdalize/snapvault/internal/cryptoframe"
	"github.com/nerdalize/snapvault/internal/errs"
	"github.com/nerdalize/snapvault/internal/indexdb"
	"github.com/nerdalize/snapvault/internal/manifest"
	"github.com/nerdalize/snapvault/internal/objectid"
	"github.com/nerdalize/snapvault/internal/pack"
	"github.com/nerdalize/snapvault/internal/progress"
	"github.com/nerdalize/snapvault/internal/storage"
)

// Config is one verify run's complete input.
type Config struct {
	Storage          storage.Capability
	MasterKey        cryptoframe.Key
	SnapshotID       string
	ManifestObjectID string

	RehydratedIndexDBPath string

	Progress *progress.Reporter
}

// ChunkFailure records one chunk that failed to resolve, download,
// decrypt, or re-hash cleanly.
type ChunkFailure struct {
	ChunkHash string
	Kind      errs.Kind
	Message   string
}

// Summary reports the outcome of one verify run.
type Summary struct {
	ChunksChecked int
	ChunksOK      int
	Failures      []ChunkFailure
}

// Run rehydrates the index for cfg.SnapshotID and resolves, downloads,
// decrypts and re-hashes every distinct chunk it references. It never
// writes file output; a chunk-level failure is recorded and checking
// continues so one missing object doesn't hide others.
func Run(ctx context.Context, cfg Config) (*Summary, error) {
	if err := manifest.Rehydrate(ctx, cfg.Storage, cfg.MasterKey, cfg.SnapshotID, cfg.ManifestObjectID, cfg.RehydratedIndexDBPath); err != nil {
		return nil, err
	}

	db, err := indexdb.OpenExisting(cfg.RehydratedIndexDBPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	files, err := db.ListFiles(cfg.SnapshotID)
	if err != nil {
		return nil, err
	}

	distinct := map[string]bool{}
	var ordered []string
	for _, f := range files {
		if f.Kind != indexdb.KindFile {
			continue
		}
		fileChunks, err := db.ListFileChunks(f.FileID)
		if err != nil {
			return nil, err
		}
		for _, fc := range fileChunks {
			if !distinct[fc.ChunkHash] {
				distinct[fc.ChunkHash] = true
				ordered = append(ordered, fc.ChunkHash)
			}
		}
	}
	sort.Strings(ordered)

	provider := cfg.Storage.Provider()
	cache := map[string][]byte{}
	summary := &Summary{}

	for _, chunkHash := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.KindCancelled, err, "verify: cancelled")
		}

		summary.ChunksChecked++
		if failure := verifyOne(ctx, cfg, db, cache, provider, chunkHash); failure != nil {
			summary.Failures = append(summary.Failures, *failure)
			continue
		}
		summary.ChunksOK++
		cfg.Progress.Report(progress.ChunkEvent{ChunkHash: chunkHash, Op: progress.OpDownload})
	}

	return summary, nil
}

// kindOf extracts the Kind tagged on err, falling back to a default for
// errors that never passed through errs.New/errs.Wrap.
func kindOf(err error, fallback errs.Kind) errs.Kind {
	if k, ok := errs.KindOf(err); ok {
		return k
	}
	return fallback
}

func verifyOne(ctx context.Context, cfg Config, db *indexdb.DB, cache map[string][]byte, provider, chunkHash string) *ChunkFailure {
	co, ok, err := db.GetChunkObject(provider, chunkHash)
	if err != nil {
		return &ChunkFailure{ChunkHash: chunkHash, Kind: kindOf(err, errs.KindDB), Message: err.Error()}
	}
	if !ok {
		return &ChunkFailure{ChunkHash: chunkHash, Kind: errs.KindChunkMissing, Message: "no chunk_objects row for this (provider, chunk_hash)"}
	}

	ref, err := objectid.Parse(co.ObjectID)
	if err != nil {
		return &ChunkFailure{ChunkHash: chunkHash, Kind: kindOf(err, errs.KindIntegrity), Message: err.Error()}
	}

	var sealed []byte
	switch ref.Kind {
	case objectid.PackSlice:
		packed, cached := cache[ref.Opaque]
		if !cached {
			packed, err = cfg.Storage.Download(ctx, ref.Opaque)
			if err != nil {
				return &ChunkFailure{ChunkHash: chunkHash, Kind: kindOf(err, errs.KindTransportUnavail), Message: err.Error()}
			}
			cache[ref.Opaque] = packed
		}
		sealed, err = pack.ExtractBlob(packed, pack.Entry{ChunkHash: chunkHash, Offset: ref.Offset, Len: ref.Len})
		if err != nil {
			return &ChunkFailure{ChunkHash: chunkHash, Kind: kindOf(err, errs.KindIntegrity), Message: err.Error()}
		}
	default:
		sealed, err = cfg.Storage.Download(ctx, ref.Opaque)
		if err != nil {
			return &ChunkFailure{ChunkHash: chunkHash, Kind: kindOf(err, errs.KindTransportUnavail), Message: err.Error()}
		}
	}

	plain, err := cryptoframe.Open(cfg.MasterKey, []byte(chunkHash), sealed)
	if err != nil {
		return &ChunkFailure{ChunkHash: chunkHash, Kind: errs.KindCrypto, Message: err.Error()}
	}

	got := chunker.Hash(plain)
	if hex.EncodeToString(got[:]) != chunkHash {
		return &ChunkFailure{ChunkHash: chunkHash, Kind: errs.KindIntegrity, Message: "content hash mismatch"}
	}

	return nil
}
