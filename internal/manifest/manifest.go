// Package manifest serializes the local index database to the remote
// as a sequence of encrypted, hashed parts plus a manifest pointing at
// them, and reverses the process to rehydrate an ephemeral local copy
// for restore and verify.
package manifest

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"github.com/nerdalize/snapvault/internal/atomicfile"
	"github.com/nerdalize/snapvault/internal/cryptoframe"
	"github.com/nerdalize/snapvault/internal/errs"
	"github.com/nerdalize/snapvault/internal/storage"
)

const (
	// Version is the only manifest format version this build writes or
	// accepts.
	Version = 1

	// DefaultMaxPartSize is the hard ceiling on a part's plaintext size
	// before the engineered transport cap is taken into account.
	DefaultMaxPartSize = 32 * 1024 * 1024
)

// engineeredMaxPartSize is the transport's engineered per-object ceiling
// minus the AEAD frame overhead one sealed part pays on top of its
// plaintext.
func engineeredMaxPartSize() int {
	max := storage.EngineeredUploadMaxBytes - cryptoframe.Overhead
	if max <= 0 {
		return DefaultMaxPartSize
	}
	return max
}

// Part describes one uploaded, encrypted slice of the compressed index
// database.
type Part struct {
	No       uint32 `json:"no"`
	Size     int    `json:"size"`
	Hash     string `json:"hash"`
	ObjectID string `json:"object_id"`
}

// Manifest is the JSON document, itself AEAD-sealed under the snapshot
// id, that points at every part composing one snapshot's index.
type Manifest struct {
	Version     int    `json:"version"`
	SnapshotID  string `json:"snapshot_id"`
	HashAlg     string `json:"hash_alg"`
	EncAlg      string `json:"enc_alg"`
	Compression string `json:"compression"`
	Parts       []Part `json:"parts"`
}

// PartAAD is the associated data an index part is sealed and opened
// with.
func PartAAD(snapshotID string, partNo uint32) []byte {
	return []byte(fmt.Sprintf("%s:%d", snapshotID, partNo))
}

// Build compresses dbBytes, splits it into maxPartSize plaintext
// chunks, seals and uploads each part, then seals and uploads the
// manifest itself. It returns the manifest's object id, to be recorded
// as the snapshot's remote_indexes row.
func Build(ctx context.Context, cap storage.Capability, key cryptoframe.Key, snapshotID string, dbBytes []byte, maxPartSize int) (manifestObjectID string, err error) {
	ceiling := DefaultMaxPartSize
	if em := engineeredMaxPartSize(); em < ceiling {
		ceiling = em
	}
	if maxPartSize <= 0 || maxPartSize > ceiling {
		maxPartSize = ceiling
	}

	compressed, err := compress(dbBytes)
	if err != nil {
		return "", err
	}

	var parts []Part
	for no := uint32(0); ; no++ {
		if err := ctx.Err(); err != nil {
			return "", errs.Wrap(errs.KindCancelled, err, "manifest: build cancelled")
		}

		start := int(no) * maxPartSize
		end := start + maxPartSize
		if end > len(compressed) {
			end = len(compressed)
		}
		plain := compressed[start:end]

		sealed, err := cryptoframe.Seal(key, PartAAD(snapshotID, no), plain)
		if err != nil {
			return "", err
		}

		objectID, err := cap.Upload(ctx, fmt.Sprintf("%s.part%d", snapshotID, no), sealed)
		if err != nil {
			return "", errs.Wrap(errs.KindTransportUnavail, err, "manifest: upload part %d failed", no)
		}

		parts = append(parts, Part{
			No:       no,
			Size:     len(sealed),
			Hash:     hashHex(sealed),
			ObjectID: objectID,
		})

		if end == len(compressed) {
			break
		}
	}

	m := Manifest{
		Version:     Version,
		SnapshotID:  snapshotID,
		HashAlg:     "blake3",
		EncAlg:      "xchacha20poly1305",
		Compression: "zstd",
		Parts:       parts,
	}
	rawManifest, err := json.Marshal(m)
	if err != nil {
		return "", errs.Wrap(errs.KindIntegrity, err, "manifest: marshal failed")
	}

	sealedManifest, err := cryptoframe.Seal(key, []byte(snapshotID), rawManifest)
	if err != nil {
		return "", err
	}

	manifestObjectID, err = cap.Upload(ctx, snapshotID+".manifest", sealedManifest)
	if err != nil {
		return "", errs.Wrap(errs.KindTransportUnavail, err, "manifest: upload manifest failed")
	}
	return manifestObjectID, nil
}

// Rehydrate fetches a manifest and its parts, validates every size and
// hash, decrypts and decompresses them, and writes the reconstructed
// index database bytes atomically to dbPath.
func Rehydrate(ctx context.Context, cap storage.Capability, key cryptoframe.Key, snapshotID, manifestObjectID, dbPath string) error {
	sealedManifest, err := cap.Download(ctx, manifestObjectID)
	if err != nil {
		return errs.Wrap(errs.KindTransportUnavail, err, "manifest: download manifest failed")
	}

	rawManifest, err := cryptoframe.Open(key, []byte(snapshotID), sealedManifest)
	if err != nil {
		return errs.Wrap(errs.KindCrypto, err, "manifest: decrypt failed")
	}

	var m Manifest
	if err := json.Unmarshal(rawManifest, &m); err != nil {
		return errs.Wrap(errs.KindIntegrity, err, "manifest: unmarshal failed")
	}
	if m.Version != Version {
		return errs.New(errs.KindIntegrity, "manifest: unsupported version %d", m.Version)
	}
	if m.SnapshotID != snapshotID {
		return errs.New(errs.KindIntegrity, "manifest: snapshot_id mismatch: manifest=%s requested=%s", m.SnapshotID, snapshotID)
	}
	if m.EncAlg != "xchacha20poly1305" {
		return errs.New(errs.KindIntegrity, "manifest: unsupported enc_alg %q", m.EncAlg)
	}
	if m.Compression != "zstd" {
		return errs.New(errs.KindIntegrity, "manifest: unsupported compression %q", m.Compression)
	}

	parts := append([]Part(nil), m.Parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].No < parts[j].No })

	var compressed bytes.Buffer
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.KindCancelled, err, "manifest: rehydrate cancelled")
		}

		sealed, err := cap.Download(ctx, p.ObjectID)
		if err != nil {
			return errs.Wrap(errs.KindIndexPartMissing, err, "manifest: download part %d failed", p.No)
		}
		if len(sealed) != p.Size {
			return errs.New(errs.KindIntegrity, "manifest: part %d size mismatch: expected %d got %d", p.No, p.Size, len(sealed))
		}
		if hashHex(sealed) != p.Hash {
			return errs.New(errs.KindIntegrity, "manifest: part %d hash mismatch", p.No)
		}

		plain, err := cryptoframe.Open(key, PartAAD(snapshotID, p.No), sealed)
		if err != nil {
			return errs.Wrap(errs.KindCrypto, err, "manifest: decrypt part %d failed", p.No)
		}
		compressed.Write(plain)
	}

	dbBytes, err := decompress(compressed.Bytes())
	if err != nil {
		return err
	}

	if err := atomicfile.EnsureDir(dirOf(dbPath), 0700); err != nil {
		return err
	}
	return atomicfile.Write(dbPath, dbBytes, 0600)
}

func hashHex(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func compress(plain []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, err, "manifest: zstd writer init failed")
	}
	defer enc.Close()
	return enc.EncodeAll(plain, nil), nil
}

func decompress(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, err, "manifest: zstd reader init failed")
	}
	defer dec.Close()
	out, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, err, "manifest: zstd decode failed")
	}
	return out, nil
}

func dirOf(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	return path[:i]
}
