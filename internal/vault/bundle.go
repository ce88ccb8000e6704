package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"

	"github.com/nerdalize/snapvault/internal/cryptoframe"
	"github.com/nerdalize/snapvault/internal/errs"
)

const (
	bundlePrefix  = "TBC2:"
	bundleFormat  = "snapvault-bundle-v2"
	bundleVersion = 2
	bundleKDFName = "pbkdf2_hmac_sha256"

	minBundleIterations = 10_000
	maxBundleIterations = 1_000_000
	minBundleSaltLen    = 16

	masterKeyAAD = "snapvault.bundle.v2.master_key"
	payloadAAD   = "snapvault.bundle.v2.payload"
)

type bundleOuter struct {
	Version      int    `json:"version"`
	Format       string `json:"format"`
	Hint         string `json:"hint"`
	KDFName      string `json:"kdf_name"`
	KDFIters     uint32 `json:"kdf_iterations"`
	KDFSalt      string `json:"kdf_salt"`
	MasterKeyEnc string `json:"master_key_enc"`
	PayloadEnc   string `json:"payload_enc"`
}

type bundlePayload struct {
	Version int               `json:"version"`
	Entries map[string]string `json:"entries"`
}

// Export seals masterKey and the contents of store behind a
// passphrase-derived key, producing a self-contained, portable bundle
// string prefixed "TBC2:". iterations must be in [10_000, 1_000_000].
func Export(masterKey cryptoframe.Key, store *Store, passphrase string, hint string, iterations uint32) (string, error) {
	if passphrase == "" {
		return "", errs.New(errs.KindSecrets, "bundle: passphrase must not be empty")
	}
	if iterations < minBundleIterations || iterations > maxBundleIterations {
		return "", errs.New(errs.KindSecrets, "bundle: iterations %d out of range [%d,%d]", iterations, minBundleIterations, maxBundleIterations)
	}
	if _, reserved := store.Get(ReservedMasterKeyName); reserved {
		return "", errs.New(errs.KindSecrets, "bundle: store must not contain the reserved master key entry")
	}

	salt := make([]byte, minBundleSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", errs.Wrap(errs.KindSecrets, err, "bundle: draw salt")
	}
	passKey := derivePassphraseKey(passphrase, salt, iterations)

	masterKeyFramed, err := cryptoframe.Seal(passKey, []byte(masterKeyAAD), masterKey[:])
	if err != nil {
		return "", err
	}

	payload := bundlePayload{Version: bundleVersion, Entries: copyEntries(store)}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Wrap(errs.KindSecrets, err, "bundle: encode payload")
	}
	payloadFramed, err := cryptoframe.Seal(masterKey, []byte(payloadAAD), payloadJSON)
	if err != nil {
		return "", err
	}

	outer := bundleOuter{
		Version:      bundleVersion,
		Format:       bundleFormat,
		Hint:         hint,
		KDFName:      bundleKDFName,
		KDFIters:     iterations,
		KDFSalt:      base64.URLEncoding.EncodeToString(salt),
		MasterKeyEnc: base64.URLEncoding.EncodeToString(masterKeyFramed),
		PayloadEnc:   base64.URLEncoding.EncodeToString(payloadFramed),
	}
	outerJSON, err := json.Marshal(outer)
	if err != nil {
		return "", errs.Wrap(errs.KindSecrets, err, "bundle: encode outer shell")
	}

	return bundlePrefix + base64.URLEncoding.EncodeToString(outerJSON), nil
}

// Import reverses Export, failing closed on any version/format
// mismatch, wrong passphrase, or a payload that tries to smuggle the
// reserved master-key entry back in through the general store.
func Import(bundle, passphrase string) (masterKey cryptoframe.Key, store *Store, err error) {
	const prefixLen = len(bundlePrefix)
	if len(bundle) < prefixLen || bundle[:prefixLen] != bundlePrefix {
		return masterKey, nil, errs.New(errs.KindSecrets, "bundle: missing %q prefix", bundlePrefix)
	}

	outerJSON, err := base64.URLEncoding.DecodeString(bundle[prefixLen:])
	if err != nil {
		return masterKey, nil, errs.Wrap(errs.KindSecrets, err, "bundle: decode outer shell")
	}

	var outer bundleOuter
	if err := json.Unmarshal(outerJSON, &outer); err != nil {
		return masterKey, nil, errs.Wrap(errs.KindSecrets, err, "bundle: decode outer json")
	}
	if outer.Version != bundleVersion || outer.Format != bundleFormat {
		return masterKey, nil, errs.New(errs.KindSecrets, "bundle: unsupported version/format")
	}
	if outer.KDFName != bundleKDFName {
		return masterKey, nil, errs.New(errs.KindSecrets, "bundle: unsupported kdf %q", outer.KDFName)
	}
	if outer.KDFIters < minBundleIterations || outer.KDFIters > maxBundleIterations {
		return masterKey, nil, errs.New(errs.KindSecrets, "bundle: kdf iterations out of range")
	}

	salt, err := base64.URLEncoding.DecodeString(outer.KDFSalt)
	if err != nil || len(salt) < minBundleSaltLen {
		return masterKey, nil, errs.New(errs.KindSecrets, "bundle: invalid salt")
	}
	passKey := derivePassphraseKey(passphrase, salt, outer.KDFIters)

	masterKeyFramed, err := base64.URLEncoding.DecodeString(outer.MasterKeyEnc)
	if err != nil {
		return masterKey, nil, errs.Wrap(errs.KindSecrets, err, "bundle: decode master key ciphertext")
	}
	masterKeyBytes, err := cryptoframe.Open(passKey, []byte(masterKeyAAD), masterKeyFramed)
	if err != nil {
		return masterKey, nil, errs.Wrap(errs.KindSecrets, err, "bundle: wrong passphrase or corrupt bundle")
	}
	if len(masterKeyBytes) != len(masterKey) {
		return masterKey, nil, errs.New(errs.KindSecrets, "bundle: master key has wrong length")
	}
	copy(masterKey[:], masterKeyBytes)

	payloadFramed, err := base64.URLEncoding.DecodeString(outer.PayloadEnc)
	if err != nil {
		return masterKey, nil, errs.Wrap(errs.KindSecrets, err, "bundle: decode payload ciphertext")
	}
	payloadJSON, err := cryptoframe.Open(masterKey, []byte(payloadAAD), payloadFramed)
	if err != nil {
		return masterKey, nil, errs.Wrap(errs.KindSecrets, err, "bundle: payload decrypt failed")
	}

	var payload bundlePayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return masterKey, nil, errs.Wrap(errs.KindSecrets, err, "bundle: decode payload json")
	}
	if payload.Version != bundleVersion {
		return masterKey, nil, errs.New(errs.KindSecrets, "bundle: unsupported payload version %d", payload.Version)
	}
	if _, reserved := payload.Entries[ReservedMasterKeyName]; reserved {
		return masterKey, nil, errs.New(errs.KindSecrets, "bundle: payload references reserved master key entry")
	}

	store = NewStore()
	for k, v := range payload.Entries {
		store.entries[k] = v
	}
	return masterKey, store, nil
}

func derivePassphraseKey(passphrase string, salt []byte, iterations uint32) cryptoframe.Key {
	var key cryptoframe.Key
	derived := pbkdf2.Key([]byte(passphrase), salt, int(iterations), len(key), sha3.New256)
	copy(key[:], derived)
	return key
}

func copyEntries(s *Store) map[string]string {
	out := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}
