// Package vault implements the two-level key hierarchy protecting
// long-lived secrets: an opaque outer vault key held by the platform
// (keychain, file, or environment variable) and an inner SecretsStore
// sealed under it with a fixed AAD, in the crypto frame format every
// other ciphertext in this system uses.
package vault

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/nerdalize/snapvault/internal/atomicfile"
	"github.com/nerdalize/snapvault/internal/cryptoframe"
	"github.com/nerdalize/snapvault/internal/errs"
)

// ReservedMasterKeyName is the well-known secrets-store key under
// which the repository's master key lives, base64-encoded. Callers
// must never write to this key through the general Set/bundle import
// path.
const ReservedMasterKeyName = "snapvault.master_key"

const secretsAAD = "snapvault.secrets.v1"

// Store is an ordered key-value mapping of secrets. Keys() always
// returns keys in sorted order, matching the deterministic iteration a
// BTreeMap would give.
type Store struct {
	entries map[string]string
}

// NewStore returns an empty secrets store.
func NewStore() *Store {
	return &Store{entries: map[string]string{}}
}

// Get returns the value for key, if present.
func (s *Store) Get(key string) (string, bool) {
	v, ok := s.entries[key]
	return v, ok
}

// Set writes key to value, overwriting any existing entry.
func (s *Store) Set(key, value string) {
	s.entries[key] = value
}

// Remove deletes key, reporting whether it was present.
func (s *Store) Remove(key string) bool {
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// Keys returns every key currently stored, sorted.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type storePayload struct {
	Version int               `json:"version"`
	Entries map[string]string `json:"entries"`
}

// Load reads and decrypts the secrets store at path under outerKey. A
// missing file loads as an empty store.
func Load(path string, outerKey cryptoframe.Key) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStore(), nil
		}
		return nil, errs.Wrap(errs.KindSecrets, err, "vault: read %s", path)
	}

	plain, err := cryptoframe.Open(outerKey, []byte(secretsAAD), raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindSecrets, err, "vault: decrypt secrets store")
	}

	var payload storePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, errs.Wrap(errs.KindSecrets, err, "vault: decode secrets store")
	}
	if payload.Version != 1 {
		return nil, errs.New(errs.KindSecrets, "vault: unsupported secrets store version %d", payload.Version)
	}

	store := NewStore()
	for k, v := range payload.Entries {
		store.entries[k] = v
	}
	return store, nil
}

// Save atomically writes the sealed secrets store to path.
func Save(path string, outerKey cryptoframe.Key, store *Store) error {
	payload := storePayload{Version: 1, Entries: store.entries}
	plain, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindSecrets, err, "vault: encode secrets store")
	}

	sealed, err := cryptoframe.Seal(outerKey, []byte(secretsAAD), plain)
	if err != nil {
		return errs.Wrap(errs.KindSecrets, err, "vault: encrypt secrets store")
	}

	if err := atomicfile.EnsureDir(dirOf(path), 0700); err != nil {
		return err
	}
	return atomicfile.Write(path, sealed, 0600)
}

// ReadKeyFile reads and base64-decodes the outer vault key from an
// owner-only file, tolerating surrounding whitespace.
func ReadKeyFile(path string) (cryptoframe.Key, error) {
	var key cryptoframe.Key
	raw, err := os.ReadFile(path)
	if err != nil {
		return key, errs.Wrap(errs.KindSecrets, err, "vault: read key file %s", path)
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return key, errs.Wrap(errs.KindSecrets, err, "vault: decode key file %s", path)
	}
	if len(decoded) != len(key) {
		return key, errs.New(errs.KindSecrets, "vault: key file %s must decode to %d bytes, got %d", path, len(key), len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// WriteKeyFilePrivate base64-encodes key and writes it atomically to
// an owner-only file.
func WriteKeyFilePrivate(path string, key cryptoframe.Key) error {
	if err := atomicfile.EnsureDir(dirOf(path), 0700); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(key[:]) + "\n"
	return atomicfile.Write(path, []byte(encoded), 0600)
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
