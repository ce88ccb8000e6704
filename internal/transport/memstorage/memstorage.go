// Package memstorage is an in-memory storage.Capability used by tests
// across the engine, manifest and bootstrap packages, standing in for
// the real MTProto helper subprocess.
package memstorage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerdalize/snapvault/internal/errs"
	"github.com/nerdalize/snapvault/internal/storage"
)

// Store is a trivial in-process object store. Safe for concurrent use.
type Store struct {
	provider string
	scope    string

	mu      sync.RWMutex
	objects map[string][]byte
	pinned  string
	hasPin  bool

	seq     int64
	failNth int64 // if >0, the (failNth)th Upload/Download call fails with a transport error
	calls   int64
}

// New creates an empty store under the given provider identity and
// object-id scope.
func New(provider, scope string) *Store {
	return &Store{provider: provider, scope: scope, objects: map[string][]byte{}}
}

// DeleteObject removes an object from the store, simulating remote
// data loss for tests that exercise verify's failure path. It is not
// part of storage.Capability — no real transport exposes deletion to
// the core.
func (s *Store) DeleteObject(objectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectID)
}

// FailNthCall arranges for the n-th Upload or Download call to fail
// with a retryable transport error, to exercise engine retry paths in
// tests.
func (s *Store) FailNthCall(n int64) {
	s.failNth = n
}

func (s *Store) Provider() string      { return s.provider }
func (s *Store) ObjectIDScope() string { return s.scope }

func (s *Store) maybeFail() error {
	n := atomic.AddInt64(&s.calls, 1)
	if s.failNth > 0 && n == s.failNth {
		return errs.New(errs.KindTransportUnavail, "memstorage: simulated transient failure on call %d", n)
	}
	return nil
}

// Upload stores data under a freshly minted object id.
func (s *Store) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.Wrap(errs.KindCancelled, err, "memstorage: upload cancelled")
	}
	if err := s.maybeFail(); err != nil {
		return "", err
	}

	id := atomic.AddInt64(&s.seq, 1)
	objectID := fmt.Sprintf("mem:%s:%d:%s", s.provider, id, filename)

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[objectID] = cp
	return objectID, nil
}

// Download returns a copy of the bytes stored under objectID.
func (s *Store) Download(ctx context.Context, objectID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindCancelled, err, "memstorage: download cancelled")
	}
	if err := s.maybeFail(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[objectID]
	if !ok {
		return nil, errs.New(errs.KindChunkMissing, "memstorage: no object %q", objectID)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// GetPinnedObjectID reports the currently pinned object, if any.
func (s *Store) GetPinnedObjectID(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, errs.Wrap(errs.KindCancelled, err, "memstorage: get pin cancelled")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinned, s.hasPin, nil
}

// SetPinnedObjectID replaces the pinned object.
func (s *Store) SetPinnedObjectID(ctx context.Context, objectID string) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindCancelled, err, "memstorage: set pin cancelled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned = objectID
	s.hasPin = true
	return nil
}

var (
	_ storage.Capability             = (*Store)(nil)
	_ storage.PinnedObjectCapability = (*Store)(nil)
)
