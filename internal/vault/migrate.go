package vault

import (
	"github.com/nerdalize/snapvault/internal/errs"
)

// LegacyKeychain is the minimal surface MigrateLegacy needs from an OS
// secret store. The concrete keychain (macOS Keychain, Secret Service,
// Windows Credential Manager, ...) stays out of this package's scope;
// callers supply an adapter.
type LegacyKeychain interface {
	Get(key string) (string, bool, error)
	Delete(key string) error
}

// MigrationResult reports, per key, what MigrateLegacy did.
type MigrationResult struct {
	Migrated []string // moved into store and deleted from the keychain
	Skipped  []string // already present in store with the same value; keychain entry deleted
	Conflict []string // already present in store with a *different* value; keychain entry left alone
}

// MigrateLegacy copies each named key from legacy into store, deleting
// the legacy copy once it is safely persisted. If store already holds
// a value for a key, the legacy value is deleted only when it matches;
// a mismatch is reported as a conflict and the legacy value is left in
// place so no data is silently lost.
//
// store is mutated in place; callers are responsible for persisting it
// with Save after a successful migration.
func MigrateLegacy(legacy LegacyKeychain, store *Store, keys []string) (MigrationResult, error) {
	var result MigrationResult

	for _, key := range keys {
		if key == ReservedMasterKeyName {
			return result, errs.New(errs.KindSecrets, "vault: refusing to migrate reserved master key entry %q", key)
		}

		legacyValue, ok, err := legacy.Get(key)
		if err != nil {
			return result, errs.Wrap(errs.KindSecrets, err, "vault: read legacy keychain entry %q", key)
		}
		if !ok {
			continue
		}

		if existing, present := store.Get(key); present {
			if existing != legacyValue {
				result.Conflict = append(result.Conflict, key)
				continue
			}
			if err := legacy.Delete(key); err != nil {
				return result, errs.Wrap(errs.KindSecrets, err, "vault: delete legacy keychain entry %q", key)
			}
			result.Skipped = append(result.Skipped, key)
			continue
		}

		store.Set(key, legacyValue)
		if err := legacy.Delete(key); err != nil {
			return result, errs.Wrap(errs.KindSecrets, err, "vault: delete legacy keychain entry %q", key)
		}
		result.Migrated = append(result.Migrated, key)
	}

	return result, nil
}
