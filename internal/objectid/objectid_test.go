package objectid_test

import (
	"testing"

	"github.com/nerdalize/snapvault/internal/objectid"
)

func TestDirectRoundTrip(t *testing.T) {
	ref := objectid.NewDirect("abc123")
	s := ref.String()
	if s != "tgfile:abc123" {
		t.Fatalf("unexpected encoding: %s", s)
	}

	got, err := objectid.Parse(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != ref {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, ref)
	}
}

func TestPackSliceRoundTrip(t *testing.T) {
	ref := objectid.NewPackSlice("packobj", 128, 64)
	s := ref.String()
	if s != "tgpack:packobj@128+64" {
		t.Fatalf("unexpected encoding: %s", s)
	}

	got, err := objectid.Parse(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != ref {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, ref)
	}
}

func TestParseUnknownPrefixFallsBackToDirect(t *testing.T) {
	got, err := objectid.Parse("some-opaque-legacy-id")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Kind != objectid.Direct || got.Opaque != "some-opaque-legacy-id" {
		t.Fatalf("expected direct fallback, got %+v", got)
	}
}

func TestParseRejectsEmptyOpaque(t *testing.T) {
	if _, err := objectid.Parse("tgfile:"); err == nil {
		t.Fatal("expected error for empty direct opaque")
	}
	if _, err := objectid.Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestParseRejectsMalformedPackSlice(t *testing.T) {
	cases := []string{
		"tgpack:noat128+64",
		"tgpack:@128+64",
		"tgpack:packobj@notanumber+64",
		"tgpack:packobj@128+notanumber",
		"tgpack:packobj@128",
	}
	for _, c := range cases {
		if _, err := objectid.Parse(c); err == nil {
			t.Fatalf("expected error parsing %q", c)
		}
	}
}

func TestTransportRefRoundTrip(t *testing.T) {
	want := objectid.TransportRef{
		Peer:       "channel:123",
		MessageID:  456,
		DocumentID: 789,
		AccessHash: -42,
	}

	encoded, err := objectid.Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := objectid.Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}

	// The core treats the encoded string as an opaque Direct reference.
	ref, err := objectid.Parse(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ref.Kind != objectid.Direct || ref.Opaque != encoded {
		t.Fatalf("expected transport ref to parse as opaque direct, got %+v", ref)
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	if _, err := objectid.Decode("not-the-right-prefix"); err == nil {
		t.Fatal("expected error for missing prefix")
	}
	if _, err := objectid.Decode("tgmtproto:v1:not-base64!!!"); err == nil {
		t.Fatal("expected error for bad base64")
	}
}
