// Package storage defines the capability every remote transport must
// implement for the core to upload, download, and pin objects. The
// concrete transport (an MTProto helper subprocess, or an in-memory
// fake for tests) is a black box beyond this interface.
package storage

import "context"

// EngineeredUploadMaxBytes is the per-object size ceiling the concrete
// Telegram transport is engineered against (matching a bot-API local
// server's per-file upload limit). Chunking and pack-size validation
// are expressed against this constant minus framing overhead.
const EngineeredUploadMaxBytes = 2000 * 1024 * 1024

// ProgressFunc receives monotonically increasing byte counts as an
// upload proceeds.
type ProgressFunc func(bytesSent int64)

// Capability is the set of operations the core needs from a remote
// object store. Implementations are free to batch, retry, or cache
// below this interface; the core only sees upload/download/pin.
type Capability interface {
	// Provider is a stable identifier used to partition chunk_objects
	// rows by the remote they were uploaded to.
	Provider() string

	// ObjectIDScope is an opaque scope — a destination identity, for
	// example — embedded in object references so a changed destination
	// can be detected as stale. Empty means "no scope."
	ObjectIDScope() string

	// Upload stores bytes under filename and returns an opaque object
	// id the core can later pass to Download.
	Upload(ctx context.Context, filename string, data []byte) (objectID string, err error)

	// Download fetches the bytes previously stored under objectID.
	Download(ctx context.Context, objectID string) (data []byte, err error)
}

// ProgressCapability is implemented by transports that can report
// upload progress. The core checks for it with a type assertion and
// falls back to Upload when absent.
type ProgressCapability interface {
	UploadWithProgress(ctx context.Context, filename string, data []byte, progress ProgressFunc) (objectID string, err error)
}

// PinnedObjectCapability is implemented by transports that support a
// single distinguished "pinned" object slot, used by the bootstrap
// catalog so a fresh host can discover it without any local state.
type PinnedObjectCapability interface {
	GetPinnedObjectID(ctx context.Context) (objectID string, ok bool, err error)
	SetPinnedObjectID(ctx context.Context, objectID string) error
}
