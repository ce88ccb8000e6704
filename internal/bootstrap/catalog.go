// Package bootstrap implements the pinned-object catalog that lets a
// fresh host, holding only the master key and transport credentials,
// discover what snapshots exist and where their manifests live without
// any local state.
//
// This package imports only internal/storage, never a concrete
// transport package, so that a transport built on top of the bootstrap
// catalog (resolving a pin before opening its session) cannot import
// this package and close a dependency cycle.
package bootstrap

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/nerdalize/snapvault/internal/cryptoframe"
	"github.com/nerdalize/snapvault/internal/errs"
	"github.com/nerdalize/snapvault/internal/storage"
)

const catalogAAD = "snapvault.bootstrap.catalog.v1"

const catalogFilename = "bootstrap-catalog"

// Latest is the most recent known snapshot for a target.
type Latest struct {
	SnapshotID       string `json:"snapshot_id"`
	ManifestObjectID string `json:"manifest_object_id"`
}

// TargetEntry records the latest known snapshot for one backup target.
type TargetEntry struct {
	TargetID   string `json:"target_id"`
	SourcePath string `json:"source_path"`
	Label      string `json:"label,omitempty"`
	Latest     Latest `json:"latest"`
}

// Catalog is the bootstrap document: the full set of targets known to
// this repository and each one's most recent snapshot.
type Catalog struct {
	Version   int           `json:"version"`
	UpdatedAt string        `json:"updated_at"`
	Targets   []TargetEntry `json:"targets"`
}

// Pinner is the subset of storage.PinnedObjectCapability the catalog
// needs, isolated for easy substitution in tests.
type Pinner interface {
	GetPinnedObjectID(ctx context.Context) (string, bool, error)
	SetPinnedObjectID(ctx context.Context, objectID string) error
}

// LoadRemoteCatalog resolves the transport's pinned object and decrypts
// it under masterKey. A missing pin, or a pin whose content cannot be
// decrypted (wrong repository, stale foreign pin), is reported as "no
// catalog" rather than an error — the caller starts from an empty
// catalog and SaveRemoteCatalog will overwrite the pin on next save.
func LoadRemoteCatalog(ctx context.Context, cap storage.Capability, pin Pinner, masterKey cryptoframe.Key) (*Catalog, bool, error) {
	objectID, ok, err := pin.GetPinnedObjectID(ctx)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindTransportUnavail, err, "bootstrap: read pinned object id")
	}
	if !ok || objectID == "" {
		return nil, false, nil
	}

	raw, err := cap.Download(ctx, objectID)
	if err != nil {
		return nil, false, nil
	}

	plain, err := cryptoframe.Open(masterKey, []byte(catalogAAD), raw)
	if err != nil {
		return nil, false, nil
	}

	var catalog Catalog
	if err := json.Unmarshal(plain, &catalog); err != nil {
		return nil, false, nil
	}
	if catalog.Version != 1 {
		return nil, false, nil
	}

	return &catalog, true, nil
}

// SaveRemoteCatalog seals catalog under masterKey, uploads it, and
// re-pins the transport to the new object.
func SaveRemoteCatalog(ctx context.Context, cap storage.Capability, pin Pinner, masterKey cryptoframe.Key, catalog *Catalog) error {
	catalog.Version = 1

	plain, err := json.Marshal(catalog)
	if err != nil {
		return errs.Wrap(errs.KindIntegrity, err, "bootstrap: encode catalog")
	}

	sealed, err := cryptoframe.Seal(masterKey, []byte(catalogAAD), plain)
	if err != nil {
		return err
	}

	objectID, err := cap.Upload(ctx, catalogFilename, sealed)
	if err != nil {
		return errs.Wrap(errs.KindTransportUnavail, err, "bootstrap: upload catalog")
	}

	if err := pin.SetPinnedObjectID(ctx, objectID); err != nil {
		return errs.Wrap(errs.KindTransportUnavail, err, "bootstrap: pin catalog object")
	}
	return nil
}

// UpdateRemoteLatest fetches the current catalog (or starts a fresh
// one if none resolves), sets or replaces the entry for targetID, and
// saves the result back, re-pinning it. updatedAt is an RFC3339
// timestamp supplied by the caller, since this package does not read
// the clock itself.
func UpdateRemoteLatest(ctx context.Context, cap storage.Capability, pin Pinner, masterKey cryptoframe.Key, entry TargetEntry, updatedAt string) error {
	catalog, _, err := LoadRemoteCatalog(ctx, cap, pin, masterKey)
	if err != nil {
		return err
	}
	if catalog == nil {
		catalog = &Catalog{Version: 1}
	}

	replaced := false
	for i := range catalog.Targets {
		if catalog.Targets[i].TargetID == entry.TargetID {
			catalog.Targets[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		catalog.Targets = append(catalog.Targets, entry)
	}
	sort.Slice(catalog.Targets, func(i, j int) bool {
		return catalog.Targets[i].TargetID < catalog.Targets[j].TargetID
	})

	catalog.UpdatedAt = updatedAt
	return SaveRemoteCatalog(ctx, cap, pin, masterKey, catalog)
}

// ResolveRemoteLatest looks up the latest known snapshot for targetID
// within a loaded catalog.
func ResolveRemoteLatest(catalog *Catalog, targetID string) (Latest, bool) {
	if catalog == nil {
		return Latest{}, false
	}
	for _, t := range catalog.Targets {
		if t.TargetID == targetID {
			return t.Latest, true
		}
	}
	return Latest{}, false
}
