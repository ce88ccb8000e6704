package vault_test

import (
	"testing"

	"github.com/nerdalize/snapvault/internal/vault"
)

func TestExportImportRoundTrip(t *testing.T) {
	masterKey := testKey(9)
	s := vault.NewStore()
	s.Set("telegram.api_hash", "deadbeef")
	s.Set("telegram.session", "opaque-bytes")

	bundle, err := vault.Export(masterKey, s, "correct horse battery staple", "laptop", 100_000)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	gotKey, gotStore, err := vault.Import(bundle, "correct horse battery staple")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if gotKey != masterKey {
		t.Fatal("expected master key to round-trip")
	}
	if v, ok := gotStore.Get("telegram.api_hash"); !ok || v != "deadbeef" {
		t.Fatalf("unexpected telegram.api_hash: %q ok=%v", v, ok)
	}
	if v, ok := gotStore.Get("telegram.session"); !ok || v != "opaque-bytes" {
		t.Fatalf("unexpected telegram.session: %q ok=%v", v, ok)
	}
}

func TestExportRejectsReservedMasterKeyEntry(t *testing.T) {
	s := vault.NewStore()
	s.Set(vault.ReservedMasterKeyName, "should-not-be-here")

	if _, err := vault.Export(testKey(1), s, "pw", "", 100_000); err == nil {
		t.Fatal("expected export to reject a store containing the reserved master key entry")
	}
}

func TestExportRejectsIterationsOutOfRange(t *testing.T) {
	s := vault.NewStore()
	if _, err := vault.Export(testKey(1), s, "pw", "", 1); err == nil {
		t.Fatal("expected export to reject too few iterations")
	}
	if _, err := vault.Export(testKey(1), s, "pw", "", 10_000_000); err == nil {
		t.Fatal("expected export to reject too many iterations")
	}
}

func TestImportRejectsWrongPassphrase(t *testing.T) {
	s := vault.NewStore()
	s.Set("k", "v")

	bundle, err := vault.Export(testKey(3), s, "correct horse battery staple", "", 100_000)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	if _, _, err := vault.Import(bundle, "wrong passphrase"); err == nil {
		t.Fatal("expected import with wrong passphrase to fail")
	}
}

func TestImportRejectsMissingPrefix(t *testing.T) {
	if _, _, err := vault.Import("not-a-bundle", "pw"); err == nil {
		t.Fatal("expected import to reject input missing the TBC2 prefix")
	}
}

func TestImportRejectsGarbageAfterPrefix(t *testing.T) {
	if _, _, err := vault.Import("TBC2:not-valid-base64-json!!", "pw"); err == nil {
		t.Fatal("expected import to reject undecodable payload")
	}
}
