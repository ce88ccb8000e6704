// Package backupengine implements the backup algorithm: walk a source
// directory, content-define-chunk every regular file, deduplicate
// against the local index, AEAD-encrypt and upload new chunks (direct
// or packed), then serialize the index itself to the remote.
package backupengine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerdalize/snapvault/internal/bootstrap"
	"github.com/nerdalize/snapvault/internal/chunker"
	"github.com/nerdalize/snapvault/internal/cryptoframe"
	"github.com/nerdalize/snapvault/internal/errs"
	"github.com/nerdalize/snapvault/internal/indexdb"
	"github.com/nerdalize/snapvault/internal/manifest"
	"github.com/nerdalize/snapvault/internal/objectid"
	"github.com/nerdalize/snapvault/internal/pack"
	"github.com/nerdalize/snapvault/internal/progress"
	"github.com/nerdalize/snapvault/internal/ratelimit"
	"github.com/nerdalize/snapvault/internal/storage"
)

// Defaults matching the policy knobs named in spec.
const (
	DefaultPackThreshold   = 10
	DefaultPackTargetBytes = 4 * 1024 * 1024
	DefaultPackMaxBytes    = 8 * 1024 * 1024
)

// BootstrapUpdate optionally wires a backup run into the bootstrap
// catalog, recording the new snapshot as the latest for TargetID. Pin
// is the transport's pinned-object capability; a nil BootstrapUpdate
// skips catalog maintenance entirely.
type BootstrapUpdate struct {
	TargetID  string
	Label     string
	Pin       bootstrap.Pinner
	UpdatedAt string
}

// Config is one backup run's complete input.
type Config struct {
	Storage     storage.Capability
	MasterKey   cryptoframe.Key
	SourcePath  string
	IndexDBPath string

	// SnapshotID is generated (prefix "snp_") when empty.
	SnapshotID string
	Label      string

	Chunking chunker.Params

	RetentionKeepLast int

	MaxConcurrentUploads int
	MinUploadDelay       time.Duration

	PackThreshold   int
	PackTargetBytes int64
	PackMaxBytes    int64

	IndexPartMaxBytes int

	Progress  *progress.Reporter
	Bootstrap *BootstrapUpdate
}

// Summary reports the outcome of one backup run.
type Summary struct {
	SnapshotID     string
	FilesIndexed   int
	ChunksUploaded int
	ChunksDeduped  int
	BytesRead      int64
	BytesUploaded  int64
	BytesDeduped   int64
	IndexParts     int
}

func (c *Config) fillDefaults() {
	if c.PackThreshold == 0 {
		c.PackThreshold = DefaultPackThreshold
	}
	if c.PackTargetBytes == 0 {
		c.PackTargetBytes = DefaultPackTargetBytes
	}
	if c.PackMaxBytes == 0 {
		c.PackMaxBytes = DefaultPackMaxBytes
	}
	if c.IndexPartMaxBytes == 0 {
		c.IndexPartMaxBytes = manifest.DefaultMaxPartSize
	}
}

// Run executes one full backup: validate, open/migrate the index,
// insert a snapshot row, walk and chunk the source, upload new chunks,
// serialize the index to the remote, apply retention, and return a
// summary.
func Run(ctx context.Context, cfg Config) (*Summary, error) {
	cfg.fillDefaults()

	if err := validateChunkingBounds(cfg.Chunking); err != nil {
		return nil, err
	}

	db, err := indexdb.Open(cfg.IndexDBPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	base, hasBase, err := db.LatestSnapshotForSource(cfg.SourcePath)
	if err != nil {
		return nil, err
	}

	snapshotID := cfg.SnapshotID
	if snapshotID == "" {
		snapshotID = "snp_" + uuid.NewString()
	}

	snap := indexdb.Snapshot{
		SnapshotID:  snapshotID,
		CreatedAtMS: time.Now().UnixMilli(),
		SourcePath:  cfg.SourcePath,
		Label:       cfg.Label,
	}
	if hasBase {
		snap.BaseSnapshotID = base.SnapshotID
	}
	if err := db.InsertSnapshot(snap); err != nil {
		return nil, err
	}

	entries, err := walkSource(cfg.SourcePath)
	if err != nil {
		return nil, err
	}

	plan, err := buildPlan(ctx, db, cfg.Storage.Provider(), entries, cfg.Chunking)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.MaxConcurrentUploads, cfg.MinUploadDelay)

	summary := &Summary{SnapshotID: snapshotID, BytesDeduped: plan.bytesDeduped, ChunksDeduped: plan.chunksDeduped}

	fileIDs := make(map[string]string, len(entries))
	for _, fe := range entries {
		fileID := "f_" + uuid.NewString()
		fileIDs[fe.RelPath] = fileID
		if err := db.InsertFile(indexdb.File{
			FileID:     fileID,
			SnapshotID: snapshotID,
			RelPath:    fe.RelPath,
			Size:       fe.Size,
			ModTimeMS:  fe.ModTimeMS,
			Perm:       fe.Perm,
			Kind:       fe.Kind,
		}); err != nil {
			return nil, err
		}
		summary.FilesIndexed++
		summary.BytesRead += fe.Size
	}

	uploaded, uploadedBytes, err := uploadNewChunks(ctx, cfg, db, limiter, plan)
	if err != nil {
		return nil, err
	}
	summary.ChunksUploaded = uploaded
	summary.BytesUploaded = uploadedBytes

	for _, fe := range entries {
		if fe.Kind != indexdb.KindFile {
			continue
		}
		chunks := plan.fileChunks[fe.RelPath]
		for seq, fc := range chunks {
			if err := db.InsertFileChunk(indexdb.FileChunk{
				FileID:    fileIDs[fe.RelPath],
				Seq:       uint32(seq),
				ChunkHash: fc.hash,
				Offset:    fc.offset,
				Length:    fc.length,
			}); err != nil {
				return nil, err
			}
		}
	}

	dbBytes, err := db.Dump()
	if err != nil {
		return nil, err
	}

	indexParts, manifestObjectID, err := uploadIndex(ctx, cfg, db, snapshotID, dbBytes)
	if err != nil {
		return nil, err
	}
	summary.IndexParts = indexParts

	if err := db.PutRemoteIndex(indexdb.RemoteIndex{
		SnapshotID:       snapshotID,
		Provider:         cfg.Storage.Provider(),
		ManifestObjectID: manifestObjectID,
		CreatedAtMS:      time.Now().UnixMilli(),
	}); err != nil {
		return nil, err
	}

	if cfg.Bootstrap != nil {
		entry := bootstrap.TargetEntry{
			TargetID:   cfg.Bootstrap.TargetID,
			SourcePath: cfg.SourcePath,
			Label:      cfg.Bootstrap.Label,
			Latest:     bootstrap.Latest{SnapshotID: snapshotID, ManifestObjectID: manifestObjectID},
		}
		if err := bootstrap.UpdateRemoteLatest(ctx, cfg.Storage, cfg.Bootstrap.Pin, cfg.MasterKey, entry, cfg.Bootstrap.UpdatedAt); err != nil {
			return nil, err
		}
	}

	if cfg.RetentionKeepLast > 0 {
		if err := applyRetention(db, cfg.SourcePath, cfg.RetentionKeepLast); err != nil {
			return nil, err
		}
	}

	return summary, nil
}

func validateChunkingBounds(p chunker.Params) error {
	if p.Min == 0 || p.Avg == 0 || p.Max == 0 {
		return errs.New(errs.KindConfigInvalid, "chunking sizes must all be > 0, got min=%d avg=%d max=%d", p.Min, p.Avg, p.Max)
	}
	if !(p.Min <= p.Avg && p.Avg <= p.Max) {
		return errs.New(errs.KindConfigInvalid, "chunking sizes must satisfy min<=avg<=max, got min=%d avg=%d max=%d", p.Min, p.Avg, p.Max)
	}
	// Checked ahead of the chunker's own algorithmic bounds: those bounds
	// are far tighter (8 MiB) than the engineered transport cap (~2000
	// MiB), so without this ordering a max that only violates the
	// transport cap would be misreported as an algorithmic-bounds error.
	if int64(p.Max)+cryptoframe.Overhead > storage.EngineeredUploadMaxBytes {
		return errs.New(errs.KindConfigInvalid, "chunking max %d plus framing overhead %d exceeds engineered_upload_max %d", p.Max, cryptoframe.Overhead, storage.EngineeredUploadMaxBytes)
	}
	if p.Min < chunker.AbsoluteMinBytes || p.Max > chunker.AbsoluteMaxBytes {
		return errs.New(errs.KindConfigInvalid, "chunking sizes must be within the chunker's algorithmic bounds [%d,%d]", chunker.AbsoluteMinBytes, chunker.AbsoluteMaxBytes)
	}
	return nil
}

// fileChunkRef is the planned placement of one chunk inside a file,
// independent of whether the chunk itself turns out to be new or
// deduplicated.
type fileChunkRef struct {
	hash   string
	offset int64
	length int64
}

// plan is the output of walking and chunking the whole source tree
// before any upload decision is made, so the engine can count how many
// distinct new chunks this run produced and decide pack-vs-direct
// mode up front.
type plan struct {
	fileChunks    map[string][]fileChunkRef
	newOrder      []chunker.Key
	newData       map[chunker.Key][]byte
	bytesDeduped  int64
	chunksDeduped int
}

func buildPlan(ctx context.Context, db *indexdb.DB, provider string, entries []walkEntry, params chunker.Params) (*plan, error) {
	p := &plan{
		fileChunks: map[string][]fileChunkRef{},
		newData:    map[chunker.Key][]byte{},
	}
	seenThisRun := map[chunker.Key]bool{}

	for _, fe := range entries {
		if fe.Kind != indexdb.KindFile {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.KindCancelled, err, "backup: cancelled during walk")
		}

		f, err := os.Open(fe.AbsPath)
		if err != nil {
			return nil, errs.Wrap(errs.KindIO, err, "backup: open %s", fe.AbsPath)
		}
		chunks, err := chunker.Split(f, params)
		f.Close()
		if err != nil {
			return nil, err
		}

		var offset int64
		for _, c := range chunks {
			hashHex := hex.EncodeToString(c.Key[:])
			p.fileChunks[fe.RelPath] = append(p.fileChunks[fe.RelPath], fileChunkRef{
				hash:   hashHex,
				offset: offset,
				length: int64(len(c.Data)),
			})
			offset += int64(len(c.Data))

			if seenThisRun[c.Key] {
				p.bytesDeduped += int64(len(c.Data))
				p.chunksDeduped++
				continue
			}

			_, known, err := db.GetChunkObject(provider, hashHex)
			if err != nil {
				return nil, err
			}
			if known {
				seenThisRun[c.Key] = true
				p.bytesDeduped += int64(len(c.Data))
				p.chunksDeduped++
				continue
			}

			seenThisRun[c.Key] = true
			p.newOrder = append(p.newOrder, c.Key)
			p.newData[c.Key] = c.Data
		}
	}

	return p, nil
}

// uploadNewChunks uploads every chunk plan.newOrder names, choosing
// pack or direct mode for the whole batch based on its size, and
// records chunk_objects/chunks rows for each as it durably lands.
func uploadNewChunks(ctx context.Context, cfg Config, db *indexdb.DB, limiter *ratelimit.Limiter, p *plan) (count int, totalBytes int64, err error) {
	if len(p.newOrder) == 0 {
		return 0, 0, nil
	}

	packMode := len(p.newOrder) > cfg.PackThreshold
	provider := cfg.Storage.Provider()

	if !packMode {
		return uploadDirect(ctx, cfg, db, limiter, provider, p)
	}
	return uploadPacked(ctx, cfg, db, provider, p)
}

func uploadDirect(ctx context.Context, cfg Config, db *indexdb.DB, limiter *ratelimit.Limiter, provider string, p *plan) (count int, totalBytes int64, err error) {
	type outcome struct {
		bytes int64
		err   error
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]outcome, len(p.newOrder))
	var wg sync.WaitGroup
	for i, key := range p.newOrder {
		i, key := i, key
		wg.Add(1)
		go func() {
			defer wg.Done()

			if aerr := limiter.Acquire(runCtx); aerr != nil {
				results[i] = outcome{err: aerr}
				return
			}
			defer limiter.Release()

			hashHex := hex.EncodeToString(key[:])
			plain := p.newData[key]

			sealed, sealErr := cryptoframe.Seal(cfg.MasterKey, []byte(hashHex), plain)
			if sealErr != nil {
				results[i] = outcome{err: sealErr}
				cancel()
				return
			}

			remoteID, upErr := cfg.Storage.Upload(runCtx, hashHex, sealed)
			if upErr != nil {
				results[i] = outcome{err: errs.Wrap(errs.KindTransportUnavail, upErr, "backup: upload chunk %s failed", hashHex)}
				cancel()
				return
			}

			ref := objectid.NewDirect(remoteID).String()
			if dbErr := recordNewChunk(db, provider, hashHex, int64(len(plain)), ref); dbErr != nil {
				results[i] = outcome{err: dbErr}
				cancel()
				return
			}

			cfg.Progress.Report(progress.ChunkEvent{ChunkHash: hashHex, Op: progress.OpUpload, Bytes: int64(len(sealed))})
			results[i] = outcome{bytes: int64(len(plain))}
		}()
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil && err == nil {
			err = r.err
		}
		if r.err == nil {
			count++
			totalBytes += r.bytes
		}
	}
	return count, totalBytes, err
}

func uploadPacked(ctx context.Context, cfg Config, db *indexdb.DB, provider string, p *plan) (count int, totalBytes int64, err error) {
	builder := pack.NewBuilder(cfg.MasterKey)
	plainSizes := map[string]int64{}
	var accumulated int64
	var carryOver []pack.Carry

	flush := func() error {
		if builder.Len() == 0 {
			return nil
		}
		packed, carry, fErr := builder.Finalize(cfg.PackMaxBytes)
		if fErr != nil {
			return fErr
		}
		if err := limitedUploadPack(ctx, cfg, db, provider, packed, plainSizes); err != nil {
			return err
		}
		carryOver = carry
		builder = pack.NewBuilder(cfg.MasterKey)
		accumulated = 0
		for _, c := range carryOver {
			builder.Append(c.ChunkHash, c.Blob)
			accumulated += int64(len(c.Blob))
		}
		return nil
	}

	for _, key := range p.newOrder {
		if err := ctx.Err(); err != nil {
			return count, totalBytes, errs.Wrap(errs.KindCancelled, err, "backup: cancelled during pack build")
		}

		hashHex := hex.EncodeToString(key[:])
		plain := p.newData[key]

		sealed, sealErr := cryptoframe.Seal(cfg.MasterKey, []byte(hashHex), plain)
		if sealErr != nil {
			return count, totalBytes, sealErr
		}

		builder.Append(hashHex, sealed)
		plainSizes[hashHex] = int64(len(plain))
		accumulated += int64(len(sealed))
		count++
		totalBytes += int64(len(plain))

		if accumulated >= cfg.PackTargetBytes {
			if err := flush(); err != nil {
				return count, totalBytes, err
			}
		}
	}

	if err := flush(); err != nil {
		return count, totalBytes, err
	}
	return count, totalBytes, nil
}

func limitedUploadPack(ctx context.Context, cfg Config, db *indexdb.DB, provider string, packed []byte, plainSizes map[string]int64) error {
	header, err := pack.OpenTrailer(cfg.MasterKey, packed)
	if err != nil {
		return err
	}

	objectID, err := cfg.Storage.Upload(ctx, fmt.Sprintf("pack-%x", packed[:8]), packed)
	if err != nil {
		return errs.Wrap(errs.KindTransportUnavail, err, "backup: upload pack failed")
	}

	for _, entry := range header.Entries {
		ref := objectid.NewPackSlice(objectID, entry.Offset, entry.Len).String()
		plainSize := plainSizes[entry.ChunkHash]
		if err := recordNewChunk(db, provider, entry.ChunkHash, plainSize, ref); err != nil {
			return err
		}
		cfg.Progress.Report(progress.ChunkEvent{ChunkHash: entry.ChunkHash, Op: progress.OpUpload, Bytes: entry.Len})
	}
	return nil
}

func recordNewChunk(db *indexdb.DB, provider, chunkHash string, plainSize int64, ref string) error {
	if _, err := db.UpsertChunk(indexdb.Chunk{
		ChunkHash:   chunkHash,
		PlainSize:   plainSize,
		HashAlgo:    "blake3",
		EncAlgo:     "xchacha20poly1305",
		CreatedAtMS: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}
	return db.PutChunkObject(indexdb.ChunkObject{
		Provider:    provider,
		ChunkHash:   chunkHash,
		ObjectID:    ref,
		CreatedAtMS: time.Now().UnixMilli(),
	})
}

func uploadIndex(ctx context.Context, cfg Config, db *indexdb.DB, snapshotID string, dbBytes []byte) (parts int, manifestObjectID string, err error) {
	manifestObjectID, err = manifest.Build(ctx, cfg.Storage, cfg.MasterKey, snapshotID, dbBytes, cfg.IndexPartMaxBytes)
	if err != nil {
		return 0, "", err
	}

	partCount, err := recordIndexParts(ctx, cfg, db, snapshotID, manifestObjectID)
	if err != nil {
		return 0, "", err
	}
	return partCount, manifestObjectID, nil
}

// recordIndexParts downloads and opens the manifest manifest.Build just
// uploaded to recover its authoritative part list, then writes the
// local remote_index_parts shadow rows from it. This is a second
// round-trip, but keeps this package from duplicating the manifest's
// compression and splitting logic just to predict part boundaries.
func recordIndexParts(ctx context.Context, cfg Config, db *indexdb.DB, snapshotID, manifestObjectID string) (int, error) {
	sealed, err := cfg.Storage.Download(ctx, manifestObjectID)
	if err != nil {
		return 0, errs.Wrap(errs.KindTransportUnavail, err, "backup: download manifest for shadow parts")
	}

	plain, err := cryptoframe.Open(cfg.MasterKey, []byte(snapshotID), sealed)
	if err != nil {
		return 0, errs.Wrap(errs.KindCrypto, err, "backup: decrypt manifest for shadow parts")
	}

	var m manifest.Manifest
	if err := json.Unmarshal(plain, &m); err != nil {
		return 0, errs.Wrap(errs.KindIntegrity, err, "backup: unmarshal manifest for shadow parts")
	}

	provider := cfg.Storage.Provider()
	for _, part := range m.Parts {
		if err := db.PutRemoteIndexPart(indexdb.RemoteIndexPart{
			SnapshotID: snapshotID,
			PartNo:     part.No,
			Provider:   provider,
			ObjectID:   part.ObjectID,
			Size:       int64(part.Size),
			Hash:       part.Hash,
		}); err != nil {
			return 0, err
		}
	}
	return len(m.Parts), nil
}
