// Package indexdb is the local index database: a single embedded,
// single-writer key-value store holding everything the backup, restore
// and verify engines need to know about a repository's snapshots,
// files, chunks, and the remote objects they live in. It is built on
// go.etcd.io/bbolt, the maintained successor of the teacher repo's
// boltdb/bolt, using the same one-file-one-writer B+Tree model with
// composite keys standing in for secondary indexes.
package indexdb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/nerdalize/snapvault/internal/errs"
)

// SchemaVersion is the schema version this build writes and expects.
const SchemaVersion uint32 = 1

var (
	bucketSnapshots        = []byte("snapshots")
	bucketFiles            = []byte("files")
	bucketFilesBySnapshot  = []byte("files_by_snapshot")
	bucketChunks           = []byte("chunks")
	bucketFileChunks       = []byte("file_chunks")
	bucketChunkObjects     = []byte("chunk_objects")
	bucketRemoteIndexParts = []byte("remote_index_parts")
	bucketRemoteIndexes    = []byte("remote_indexes")
	bucketMeta             = []byte("meta")

	metaKeySchemaVersion = []byte("schema_version")

	allBuckets = [][]byte{
		bucketSnapshots, bucketFiles, bucketFilesBySnapshot, bucketChunks,
		bucketFileChunks, bucketChunkObjects, bucketRemoteIndexParts,
		bucketRemoteIndexes, bucketMeta,
	}
)

// FileKind enumerates the three filesystem entry kinds a snapshot
// tracks.
type FileKind string

const (
	KindDir     FileKind = "dir"
	KindFile    FileKind = "file"
	KindSymlink FileKind = "symlink"
)

// Snapshot is a logical point-in-time capture of one source directory.
type Snapshot struct {
	SnapshotID     string `json:"snapshot_id"`
	CreatedAtMS    int64  `json:"created_at_ms"`
	SourcePath     string `json:"source_path"`
	Label          string `json:"label"`
	BaseSnapshotID string `json:"base_snapshot_id,omitempty"`
}

// File is one filesystem entry under a snapshot.
type File struct {
	FileID     string   `json:"file_id"`
	SnapshotID string   `json:"snapshot_id"`
	RelPath    string   `json:"rel_path"`
	Size       int64    `json:"size"`
	ModTimeMS  int64    `json:"mod_time_ms"`
	Perm       uint32   `json:"perm"`
	Kind       FileKind `json:"kind"`
}

// Chunk is a content-addressed byte range, globally unique across the
// repository by ChunkHash.
type Chunk struct {
	ChunkHash   string `json:"chunk_hash"`
	PlainSize   int64  `json:"plain_size"`
	HashAlgo    string `json:"hash_algo"`
	EncAlgo     string `json:"enc_algo"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

// FileChunk is one entry in the ordered sequence of chunks composing a
// file.
type FileChunk struct {
	FileID    string `json:"file_id"`
	Seq       uint32 `json:"seq"`
	ChunkHash string `json:"chunk_hash"`
	Offset    int64  `json:"offset"`
	Length    int64  `json:"length"`
}

// ChunkObject maps a chunk hash to the remote object it lives in, for
// one provider.
type ChunkObject struct {
	Provider    string `json:"provider"`
	ChunkHash   string `json:"chunk_hash"`
	ObjectID    string `json:"object_id"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

// RemoteIndexPart is the local shadow record of one uploaded index
// part.
type RemoteIndexPart struct {
	SnapshotID string `json:"snapshot_id"`
	PartNo     uint32 `json:"part_no"`
	Provider   string `json:"provider"`
	ObjectID   string `json:"object_id"`
	Size       int64  `json:"size"`
	Hash       string `json:"hash"`
}

// RemoteIndex is the local shadow record of one uploaded manifest.
type RemoteIndex struct {
	SnapshotID       string `json:"snapshot_id"`
	Provider         string `json:"provider"`
	ManifestObjectID string `json:"manifest_object_id"`
	CreatedAtMS      int64  `json:"created_at_ms"`
}

// DB is a handle on one repository's local index database.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating and migrating if absent) the index database at
// path. Use this for the live, writable index a backup run owns.
func Open(path string) (*DB, error) {
	return open(path, true)
}

// OpenExisting opens path without creating it, failing if it does not
// already exist. Restore and verify use this on a rehydrated, ephemeral
// copy of the index, never the live one.
func OpenExisting(path string) (*DB, error) {
	return open(path, false)
}

func open(path string, create bool) (*DB, error) {
	opts := &bolt.Options{}
	bdb, err := bolt.Open(path, 0600, opts)
	if err != nil {
		return nil, errs.Wrap(errs.KindDB, err, "indexdb: failed to open %s", path)
	}
	db := &DB{bolt: bdb}

	err = bdb.Update(func(tx *bolt.Tx) error {
		existing := tx.Bucket(bucketMeta) != nil
		if !existing && !create {
			return errs.New(errs.KindDB, "indexdb: %s does not exist", path)
		}
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return migrate(tx)
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return db, nil
}

// Close releases the underlying file handle.
func (db *DB) Close() error {
	if err := db.bolt.Close(); err != nil {
		return errs.Wrap(errs.KindDB, err, "indexdb: close failed")
	}
	return nil
}

// Path reports the filesystem path of the open database.
func (db *DB) Path() string {
	return db.bolt.Path()
}

func migrate(tx *bolt.Tx) error {
	meta := tx.Bucket(bucketMeta)
	raw := meta.Get(metaKeySchemaVersion)
	if raw == nil {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, SchemaVersion)
		return meta.Put(metaKeySchemaVersion, buf)
	}

	version := binary.BigEndian.Uint32(raw)
	if version != SchemaVersion {
		return errs.New(errs.KindDB, "indexdb: unsupported schema version %d (expected %d)", version, SchemaVersion)
	}
	return nil
}

func encode(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindDB, err, "indexdb: encode failed")
	}
	return raw, nil
}

func decode(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Wrap(errs.KindDB, err, "indexdb: decode failed")
	}
	return nil
}

func fileChunkKey(fileID string, seq uint32) []byte {
	key := make([]byte, 0, len(fileID)+1+4)
	key = append(key, fileID...)
	key = append(key, 0)
	seqBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(seqBuf, seq)
	return append(key, seqBuf...)
}

func fileBySnapshotKey(snapshotID, fileID string) []byte {
	key := make([]byte, 0, len(snapshotID)+1+len(fileID))
	key = append(key, snapshotID...)
	key = append(key, 0)
	return append(key, fileID...)
}

func chunkObjectKey(provider, chunkHash string) []byte {
	key := make([]byte, 0, len(provider)+1+len(chunkHash))
	key = append(key, provider...)
	key = append(key, 0)
	return append(key, chunkHash...)
}

func remoteIndexPartKey(snapshotID string, partNo uint32) []byte {
	key := make([]byte, 0, len(snapshotID)+1+4)
	key = append(key, snapshotID...)
	key = append(key, 0)
	partBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(partBuf, partNo)
	return append(key, partBuf...)
}

// hasPrefix reports whether key starts with prefix, used when scanning
// composite-key buckets for one logical parent.
func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// InsertSnapshot records a new snapshot row. Snapshots are immutable
// once inserted; only retention ever removes one.
func (db *DB) InsertSnapshot(s Snapshot) error {
	raw, err := encode(s)
	if err != nil {
		return err
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(s.SnapshotID), raw)
	})
}

// LatestSnapshotForSource returns the most recently created snapshot
// for sourcePath, or ok=false if none exists yet.
func (db *DB) LatestSnapshotForSource(sourcePath string) (snap Snapshot, ok bool, err error) {
	err = db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		var best Snapshot
		found := false
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var s Snapshot
			if decErr := decode(v, &s); decErr != nil {
				return decErr
			}
			if s.SourcePath != sourcePath {
				continue
			}
			if !found || s.CreatedAtMS > best.CreatedAtMS {
				best = s
				found = true
			}
		}
		snap, ok = best, found
		return nil
	})
	return snap, ok, err
}

// ListSnapshotsForSource returns every snapshot for sourcePath, ordered
// oldest-first.
func (db *DB) ListSnapshotsForSource(sourcePath string) ([]Snapshot, error) {
	var out []Snapshot
	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var s Snapshot
			if err := decode(v, &s); err != nil {
				return err
			}
			if s.SourcePath == sourcePath {
				out = append(out, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSnapshotsByCreatedAt(out)
	return out, nil
}

func sortSnapshotsByCreatedAt(snaps []Snapshot) {
	for i := 1; i < len(snaps); i++ {
		for j := i; j > 0 && snaps[j-1].CreatedAtMS > snaps[j].CreatedAtMS; j-- {
			snaps[j-1], snaps[j] = snaps[j], snaps[j-1]
		}
	}
}

// DeleteSnapshot removes a snapshot row and every file/file-chunk row
// that belongs to it. It does not touch chunks or chunk_objects: a
// chunk left unreachable by this deletion is not this call's concern,
// matching the rest of the retention design.
func (db *DB) DeleteSnapshot(snapshotID string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).Delete([]byte(snapshotID)); err != nil {
			return err
		}

		filesBkt := tx.Bucket(bucketFiles)
		bySnapBkt := tx.Bucket(bucketFilesBySnapshot)
		fcBkt := tx.Bucket(bucketFileChunks)

		prefix := append([]byte(snapshotID), 0)
		var fileIDs []string
		c := bySnapBkt.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			fileIDs = append(fileIDs, string(v))
		}

		for _, fileID := range fileIDs {
			if err := filesBkt.Delete([]byte(fileID)); err != nil {
				return err
			}
			if err := bySnapBkt.Delete(fileBySnapshotKey(snapshotID, fileID)); err != nil {
				return err
			}

			fcPrefix := append([]byte(fileID), 0)
			fcCur := fcBkt.Cursor()
			var fcKeys [][]byte
			for k, _ := fcCur.Seek(fcPrefix); k != nil && hasPrefix(k, fcPrefix); k, _ = fcCur.Next() {
				fcKeys = append(fcKeys, append([]byte(nil), k...))
			}
			for _, k := range fcKeys {
				if err := fcBkt.Delete(k); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// InsertFile records a filesystem entry under a snapshot.
func (db *DB) InsertFile(f File) error {
	raw, err := encode(f)
	if err != nil {
		return err
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFiles).Put([]byte(f.FileID), raw); err != nil {
			return err
		}
		return tx.Bucket(bucketFilesBySnapshot).Put(fileBySnapshotKey(f.SnapshotID, f.FileID), []byte(f.FileID))
	})
}

// ListFiles returns every file row belonging to snapshotID, in
// insertion order.
func (db *DB) ListFiles(snapshotID string) ([]File, error) {
	var out []File
	err := db.bolt.View(func(tx *bolt.Tx) error {
		filesBkt := tx.Bucket(bucketFiles)
		bySnapBkt := tx.Bucket(bucketFilesBySnapshot)
		prefix := append([]byte(snapshotID), 0)
		c := bySnapBkt.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			raw := filesBkt.Get(v)
			if raw == nil {
				return errs.New(errs.KindDB, "indexdb: dangling files_by_snapshot entry for %q", string(v))
			}
			var f File
			if err := decode(raw, &f); err != nil {
				return err
			}
			out = append(out, f)
		}
		return nil
	})
	return out, err
}

// UpsertChunk records a chunk row, deduplicating on ChunkHash: if the
// hash is already known the existing row is left untouched.
func (db *DB) UpsertChunk(c Chunk) (inserted bool, err error) {
	err = db.bolt.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketChunks)
		if bkt.Get([]byte(c.ChunkHash)) != nil {
			return nil
		}
		raw, encErr := encode(c)
		if encErr != nil {
			return encErr
		}
		inserted = true
		return bkt.Put([]byte(c.ChunkHash), raw)
	})
	return inserted, err
}

// HasChunk reports whether chunkHash is already known to this
// repository, the core dedup lookup.
func (db *DB) HasChunk(chunkHash string) (bool, error) {
	var found bool
	err := db.bolt.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketChunks).Get([]byte(chunkHash)) != nil
		return nil
	})
	return found, err
}

// InsertFileChunk records one entry in a file's chunk sequence.
func (db *DB) InsertFileChunk(fc FileChunk) error {
	raw, err := encode(fc)
	if err != nil {
		return err
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFileChunks).Put(fileChunkKey(fc.FileID, fc.Seq), raw)
	})
}

// ListFileChunks returns the ordered chunk sequence for fileID.
func (db *DB) ListFileChunks(fileID string) ([]FileChunk, error) {
	var out []FileChunk
	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFileChunks).Cursor()
		prefix := append([]byte(fileID), 0)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var fc FileChunk
			if err := decode(v, &fc); err != nil {
				return err
			}
			out = append(out, fc)
		}
		return nil
	})
	return out, err
}

// PutChunkObject records where chunkHash lives for provider. The pair
// (provider, chunk_hash) is the dedup primary key.
func (db *DB) PutChunkObject(co ChunkObject) error {
	raw, err := encode(co)
	if err != nil {
		return err
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunkObjects).Put(chunkObjectKey(co.Provider, co.ChunkHash), raw)
	})
}

// GetChunkObject looks up where chunkHash lives for provider. A
// missing row for a chunk referenced by file_chunks is a hard error at
// restore/verify time, but this call itself just reports ok=false.
func (db *DB) GetChunkObject(provider, chunkHash string) (co ChunkObject, ok bool, err error) {
	err = db.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChunkObjects).Get(chunkObjectKey(provider, chunkHash))
		if raw == nil {
			return nil
		}
		ok = true
		return decode(raw, &co)
	})
	return co, ok, err
}

// PutRemoteIndexPart records the local shadow of one uploaded index
// part.
func (db *DB) PutRemoteIndexPart(p RemoteIndexPart) error {
	raw, err := encode(p)
	if err != nil {
		return err
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRemoteIndexParts).Put(remoteIndexPartKey(p.SnapshotID, p.PartNo), raw)
	})
}

// ListRemoteIndexParts returns the shadow rows for snapshotID, ordered
// by part number.
func (db *DB) ListRemoteIndexParts(snapshotID string) ([]RemoteIndexPart, error) {
	var out []RemoteIndexPart
	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRemoteIndexParts).Cursor()
		prefix := append([]byte(snapshotID), 0)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var p RemoteIndexPart
			if err := decode(v, &p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// PutRemoteIndex records the local shadow of an uploaded manifest.
func (db *DB) PutRemoteIndex(ri RemoteIndex) error {
	raw, err := encode(ri)
	if err != nil {
		return err
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRemoteIndexes).Put([]byte(ri.SnapshotID), raw)
	})
}

// GetRemoteIndex looks up the shadow row for snapshotID.
func (db *DB) GetRemoteIndex(snapshotID string) (ri RemoteIndex, ok bool, err error) {
	err = db.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRemoteIndexes).Get([]byte(snapshotID))
		if raw == nil {
			return nil
		}
		ok = true
		return decode(raw, &ri)
	})
	return ri, ok, err
}

// Dump returns a consistent snapshot of the entire database file's
// bytes, suitable for compressing and splitting into remote index
// parts. It is a read-only operation and does not block concurrent
// readers.
func (db *DB) Dump() ([]byte, error) {
	var buf bytes.Buffer
	err := db.bolt.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(&buf)
		return err
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindDB, err, "indexdb: dump failed")
	}
	return buf.Bytes(), nil
}

// Snapshot formatting helper used by engines for user-facing ids.
func FormatSnapshotID(seq uint64) string {
	return fmt.Sprintf("snp_%016x", seq)
}
