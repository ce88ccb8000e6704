// Package chunker wraps the content-defined chunking algorithm used to
// split a file into deduplicatable pieces, and the hash used to name
// them.
package chunker

import (
	"bytes"
	"io"

	resticchunker "github.com/restic/chunker"
	"lukechampine.com/blake3"

	"github.com/nerdalize/snapvault/internal/errs"
)

// Pol is the irreducible polynomial the rolling hash is built from.
// This is the same constant the reference chunker implementation
// ships as its default; reusing it means chunk boundaries are stable
// across runs of this program, which is all that matters for
// deduplication (it does not need to match any other implementation's
// boundaries).
const Pol = resticchunker.Pol(0x3DA3358B4DC173)

// AbsoluteMinBytes and AbsoluteMaxBytes are the algorithmic bounds the
// underlying rolling-hash chunker enforces regardless of configured
// Params; callers validating user-supplied chunking parameters must
// stay within this range.
const (
	AbsoluteMinBytes = 64
	AbsoluteMaxBytes = 8 * 1024 * 1024
)

// Params bounds the sizes the chunker is allowed to produce. Avg is
// informational: the underlying rolling hash's bit width fixes the
// expected chunk size, so Avg is validated against it rather than fed
// to the chunker directly.
type Params struct {
	Min uint
	Avg uint
	Max uint
}

// KeySize is the length in bytes of a chunk content hash.
const KeySize = 32

// Key is the content hash of a chunk's plaintext, used both to name
// the chunk for deduplication and as AEAD associated data when the
// chunk is sealed.
type Key [KeySize]byte

// Chunk is one content-defined slice of a file, along with its content
// hash.
type Chunk struct {
	Key  Key
	Data []byte
}

// Hash returns the content hash of data.
func Hash(data []byte) Key {
	var k Key
	sum := blake3.Sum256(data)
	copy(k[:], sum[:])
	return k
}

// Split reads r to completion and returns its content-defined chunks.
// It does not follow symlinks or inspect the source at all; that is
// the caller's concern.
func Split(r io.Reader, p Params) ([]Chunk, error) {
	c := resticchunker.New(r, Pol)
	c.MinSize = p.Min
	c.MaxSize = p.Max

	var chunks []Chunk
	buf := make([]byte, p.Max)
	for {
		ck, err := c.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.KindIO, err, "chunker: split failed")
		}

		data := make([]byte, len(ck.Data))
		copy(data, ck.Data)
		chunks = append(chunks, Chunk{Key: Hash(data), Data: data})
	}
	return chunks, nil
}

// SplitBytes is a convenience wrapper around Split for in-memory data.
func SplitBytes(data []byte, p Params) ([]Chunk, error) {
	return Split(bytes.NewReader(data), p)
}
