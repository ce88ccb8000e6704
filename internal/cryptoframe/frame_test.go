package cryptoframe_test

import (
	"bytes"
	"testing"

	"github.com/nerdalize/snapvault/internal/cryptoframe"
)

func TestSealOpenRoundTrip(t *testing.T) {
	var key cryptoframe.Key
	copy(key[:], bytes.Repeat([]byte{0x42}, len(key)))

	plain := []byte("hello world")
	aad := []byte("chunk-hash-abc")

	frame, err := cryptoframe.Seal(key, aad, plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if len(frame) != cryptoframe.Overhead+len(plain) {
		t.Fatalf("expected frame len %d, got %d", cryptoframe.Overhead+len(plain), len(frame))
	}

	got, err := cryptoframe.Open(key, aad, frame)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plain)
	}
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	var key cryptoframe.Key
	frame, err := cryptoframe.Seal(key, []byte("aad-a"), []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := cryptoframe.Open(key, []byte("aad-b"), frame); err == nil {
		t.Fatal("expected open with wrong aad to fail")
	}
}

func TestOpenRejectsWrongVersion(t *testing.T) {
	var key cryptoframe.Key
	frame, err := cryptoframe.Seal(key, []byte("aad"), []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	frame[0] = 0xFF
	if _, err := cryptoframe.Open(key, []byte("aad"), frame); err == nil {
		t.Fatal("expected open with bad version to fail")
	}
}

func TestOpenRejectsShortFrame(t *testing.T) {
	var key cryptoframe.Key
	if _, err := cryptoframe.Open(key, []byte("aad"), []byte{0x01, 0x02}); err == nil {
		t.Fatal("expected open of truncated frame to fail")
	}
}
