package pack_test

import (
	"bytes"
	"testing"

	"github.com/nerdalize/snapvault/internal/cryptoframe"
	"github.com/nerdalize/snapvault/internal/pack"
)

func sealChunk(t *testing.T, key cryptoframe.Key, hash string, plain []byte) []byte {
	t.Helper()
	blob, err := cryptoframe.Seal(key, []byte(hash), plain)
	if err != nil {
		t.Fatalf("seal chunk: %v", err)
	}
	return blob
}

func TestBuildAndExtractRoundTrip(t *testing.T) {
	var key cryptoframe.Key
	b := pack.NewBuilder(key)

	blobA := sealChunk(t, key, "hash-a", []byte("alpha payload"))
	blobB := sealChunk(t, key, "hash-b", []byte("beta payload, a bit longer"))
	b.Append("hash-a", blobA)
	b.Append("hash-b", blobB)

	packed, carry, err := b.Finalize(1 << 20)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(carry) != 0 {
		t.Fatalf("expected no carry, got %d", len(carry))
	}

	header, err := pack.OpenTrailer(key, packed)
	if err != nil {
		t.Fatalf("open trailer: %v", err)
	}
	if len(header.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(header.Entries))
	}

	for i, entry := range header.Entries {
		extracted, err := pack.ExtractBlob(packed, entry)
		if err != nil {
			t.Fatalf("extract entry %d: %v", i, err)
		}
		want := blobA
		if i == 1 {
			want = blobB
		}
		if !bytes.Equal(extracted, want) {
			t.Fatalf("entry %d mismatch", i)
		}

		plain, err := cryptoframe.Open(key, []byte(entry.ChunkHash), extracted)
		if err != nil {
			t.Fatalf("open extracted chunk %d: %v", i, err)
		}
		_ = plain
	}
}

func TestFinalizeCarriesOverflowBlobs(t *testing.T) {
	var key cryptoframe.Key
	b := pack.NewBuilder(key)

	blobA := sealChunk(t, key, "a", bytes.Repeat([]byte{0xAA}, 100))
	blobB := sealChunk(t, key, "b", bytes.Repeat([]byte{0xBB}, 100))
	blobC := sealChunk(t, key, "c", bytes.Repeat([]byte{0xCC}, 100))
	b.Append("a", blobA)
	b.Append("b", blobB)
	b.Append("c", blobC)

	// budget only fits a header plus one blob comfortably; force carry.
	packed, carry, err := b.Finalize(300)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(carry) == 0 {
		t.Fatal("expected carried blobs under tight budget")
	}

	header, err := pack.OpenTrailer(key, packed)
	if err != nil {
		t.Fatalf("open trailer: %v", err)
	}
	if len(header.Entries)+len(carry) != 3 {
		t.Fatalf("expected entries+carry to total 3, got %d+%d", len(header.Entries), len(carry))
	}
}

func TestFinalizeFailsWhenSingleBlobExceedsMax(t *testing.T) {
	var key cryptoframe.Key
	b := pack.NewBuilder(key)
	blob := sealChunk(t, key, "big", bytes.Repeat([]byte{0x01}, 10000))
	b.Append("big", blob)

	if _, _, err := b.Finalize(100); err == nil {
		t.Fatal("expected finalize to fail when single blob exceeds max")
	}
}

func TestOpenTrailerRejectsTruncatedObject(t *testing.T) {
	var key cryptoframe.Key
	if _, err := pack.OpenTrailer(key, []byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for truncated pack object")
	}
}

func TestExtractBlobRejectsOutOfBounds(t *testing.T) {
	_, err := pack.ExtractBlob([]byte("short"), pack.Entry{Offset: 0, Len: 100})
	if err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}
