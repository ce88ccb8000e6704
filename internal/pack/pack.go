// Package pack implements the pack object format: many encrypted chunk
// frames concatenated together with a trailing, AEAD-sealed index, so a
// backup run with many small chunks can amortize upload overhead into
// one remote object instead of one-object-per-chunk.
package pack

import (
	"encoding/binary"
	"encoding/json"

	"github.com/nerdalize/snapvault/internal/cryptoframe"
	"github.com/nerdalize/snapvault/internal/errs"
)

// HeaderAAD is the fixed associated data every pack trailer header is
// sealed and opened with.
const HeaderAAD = "snapvault-pack-header-v1"

// HeaderVersion is the only pack header version this build writes or
// accepts.
const HeaderVersion = 1

// lengthSuffixSize is the width of the trailing header-length field.
const lengthSuffixSize = 4

// Entry records where one encrypted chunk frame lives inside a pack.
type Entry struct {
	ChunkHash string `json:"chunk_hash"`
	Offset    int64  `json:"offset"`
	Len       int64  `json:"len"`
}

// Header is the JSON document sealed at the tail of every pack object.
type Header struct {
	Version  int     `json:"version"`
	HashAlgo string  `json:"hash_algo"`
	EncAlgo  string  `json:"enc_algo"`
	Entries  []Entry `json:"entries"`
}

// Carry is a blob that didn't fit in a pack being finalized and must
// seed the next one.
type Carry struct {
	ChunkHash string
	Blob      []byte
}

// Builder accumulates encrypted chunk frames and produces pack objects
// bounded by a byte budget.
type Builder struct {
	key   cryptoframe.Key
	blobs []pendingBlob
}

type pendingBlob struct {
	chunkHash string
	blob      []byte
}

// NewBuilder starts an empty pack, whose trailer header will be sealed
// with key.
func NewBuilder(key cryptoframe.Key) *Builder {
	return &Builder{key: key}
}

// Append adds an already-encrypted chunk frame to the tail of the pack
// being built, recorded under chunkHash for the trailer index.
func (b *Builder) Append(chunkHash string, blob []byte) {
	b.blobs = append(b.blobs, pendingBlob{chunkHash: chunkHash, blob: blob})
}

// Len reports how many blobs are currently queued.
func (b *Builder) Len() int {
	return len(b.blobs)
}

// Finalize serializes the trailer header, seals it, and concatenates
// it onto the queued blobs. If the result exceeds maxBytes, the tail
// blob is popped off and retried until the pack fits or only one blob
// remains; popped blobs are returned as a carry set for the caller to
// seed the next pack with. If even the single remaining blob does not
// fit, Finalize fails.
func (b *Builder) Finalize(maxBytes int64) (packed []byte, carry []Carry, err error) {
	for {
		data, buildErr := b.build()
		if buildErr != nil {
			return nil, nil, buildErr
		}

		if int64(len(data)) <= maxBytes || len(b.blobs) <= 1 {
			if int64(len(data)) > maxBytes {
				return nil, nil, errs.New(errs.KindIntegrity, "pack: single blob of %d bytes exceeds max pack size %d", len(data), maxBytes)
			}
			return data, carry, nil
		}

		tail := b.blobs[len(b.blobs)-1]
		b.blobs = b.blobs[:len(b.blobs)-1]
		carry = append([]Carry{{ChunkHash: tail.chunkHash, Blob: tail.blob}}, carry...)
	}
}

func (b *Builder) build() ([]byte, error) {
	header := Header{
		Version:  HeaderVersion,
		HashAlgo: "blake3",
		EncAlgo:  "xchacha20poly1305",
	}

	total := 0
	for _, p := range b.blobs {
		header.Entries = append(header.Entries, Entry{
			ChunkHash: p.chunkHash,
			Offset:    int64(total),
			Len:       int64(len(p.blob)),
		})
		total += len(p.blob)
	}

	rawHeader, err := json.Marshal(header)
	if err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, err, "pack: header marshal failed")
	}

	sealedHeader, err := cryptoframe.Seal(b.key, []byte(HeaderAAD), rawHeader)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, total+len(sealedHeader)+lengthSuffixSize)
	for _, p := range b.blobs {
		out = append(out, p.blob...)
	}
	out = append(out, sealedHeader...)

	suffix := make([]byte, lengthSuffixSize)
	binary.LittleEndian.PutUint32(suffix, uint32(len(sealedHeader)))
	out = append(out, suffix...)

	return out, nil
}

// OpenTrailer locates and decrypts the trailer header of a pack object,
// validating the length suffix and header bounds.
func OpenTrailer(key cryptoframe.Key, pack []byte) (Header, error) {
	if len(pack) < lengthSuffixSize {
		return Header{}, errs.New(errs.KindIntegrity, "pack: object too short for trailer length suffix")
	}

	suffix := pack[len(pack)-lengthSuffixSize:]
	headerLen := int(binary.LittleEndian.Uint32(suffix))
	if headerLen < 0 || headerLen > len(pack)-lengthSuffixSize {
		return Header{}, errs.New(errs.KindIntegrity, "pack: trailer header length %d out of bounds", headerLen)
	}

	headerStart := len(pack) - lengthSuffixSize - headerLen
	sealedHeader := pack[headerStart : headerStart+headerLen]

	rawHeader, err := cryptoframe.Open(key, []byte(HeaderAAD), sealedHeader)
	if err != nil {
		return Header{}, err
	}

	var header Header
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return Header{}, errs.Wrap(errs.KindIntegrity, err, "pack: header unmarshal failed")
	}
	if header.Version != HeaderVersion {
		return Header{}, errs.New(errs.KindIntegrity, "pack: unsupported header version %d", header.Version)
	}

	return header, nil
}

// ExtractBlob slices the encrypted chunk frame described by entry out
// of a pack object, validating bounds against the object size.
func ExtractBlob(pack []byte, entry Entry) ([]byte, error) {
	if entry.Offset < 0 || entry.Len < 0 || entry.Offset+entry.Len > int64(len(pack)) {
		return nil, errs.New(errs.KindIntegrity, "pack: entry range [%d,%d) out of bounds for pack of %d bytes", entry.Offset, entry.Offset+entry.Len, len(pack))
	}
	blob := make([]byte, entry.Len)
	copy(blob, pack[entry.Offset:entry.Offset+entry.Len])
	return blob, nil
}
