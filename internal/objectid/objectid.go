// Package objectid implements the string grammar snapvault uses to
// reference encrypted chunk data wherever it lives: a whole remote
// object (direct), a byte range inside a pack object (pack slice), or
// an opaque transport-native reference that the core never parses.
package objectid

import (
	"strconv"
	"strings"

	"github.com/nerdalize/snapvault/internal/errs"
)

const (
	directPrefix = "tgfile:"
	packPrefix   = "tgpack:"
)

// Kind distinguishes the two shapes a Ref can take.
type Kind int

const (
	// Direct means the whole referenced object is one encrypted chunk
	// frame.
	Direct Kind = iota
	// PackSlice means the encrypted chunk frame occupies a byte range
	// inside the referenced pack object.
	PackSlice
)

// Ref is a parsed chunk object reference. Opaque is the remote object
// identifier understood by the storage Capability; Offset and Len are
// only meaningful when Kind is PackSlice.
type Ref struct {
	Kind   Kind
	Opaque string
	Offset int64
	Len    int64
}

// NewDirect builds a Ref that addresses an entire object.
func NewDirect(opaque string) Ref {
	return Ref{Kind: Direct, Opaque: opaque}
}

// NewPackSlice builds a Ref that addresses a byte range inside a pack
// object.
func NewPackSlice(opaque string, offset, length int64) Ref {
	return Ref{Kind: PackSlice, Opaque: opaque, Offset: offset, Len: length}
}

// String renders the Ref back into its canonical grammar.
func (r Ref) String() string {
	switch r.Kind {
	case PackSlice:
		return packPrefix + r.Opaque + "@" + strconv.FormatInt(r.Offset, 10) + "+" + strconv.FormatInt(r.Len, 10)
	default:
		return directPrefix + r.Opaque
	}
}

// Parse decodes a chunk reference string. Unknown prefixes fall back to
// Direct for backward compatibility with references minted before a new
// prefix existed. Malformed pack-slice references (missing delimiters,
// non-numeric offset/len, empty opaque) are an integrity error.
func Parse(s string) (Ref, error) {
	switch {
	case strings.HasPrefix(s, packPrefix):
		return parsePackSlice(strings.TrimPrefix(s, packPrefix))
	case strings.HasPrefix(s, directPrefix):
		opaque := strings.TrimPrefix(s, directPrefix)
		if opaque == "" {
			return Ref{}, errs.New(errs.KindIntegrity, "object id: empty opaque in %q", s)
		}
		return NewDirect(opaque), nil
	default:
		if s == "" {
			return Ref{}, errs.New(errs.KindIntegrity, "object id: empty opaque in %q", s)
		}
		return NewDirect(s), nil
	}
}

func parsePackSlice(rest string) (Ref, error) {
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return Ref{}, errs.New(errs.KindIntegrity, "object id: missing '@' in pack slice %q", rest)
	}
	opaque, tail := rest[:at], rest[at+1:]
	if opaque == "" {
		return Ref{}, errs.New(errs.KindIntegrity, "object id: empty opaque in pack slice %q", rest)
	}

	plus := strings.Index(tail, "+")
	if plus < 0 {
		return Ref{}, errs.New(errs.KindIntegrity, "object id: missing '+' in pack slice %q", rest)
	}

	offsetStr, lenStr := tail[:plus], tail[plus+1:]
	offset, err := strconv.ParseInt(offsetStr, 10, 64)
	if err != nil {
		return Ref{}, errs.Wrap(errs.KindIntegrity, err, "object id: non-numeric offset in %q", rest)
	}
	length, err := strconv.ParseInt(lenStr, 10, 64)
	if err != nil {
		return Ref{}, errs.Wrap(errs.KindIntegrity, err, "object id: non-numeric len in %q", rest)
	}
	if offset < 0 || length < 0 {
		return Ref{}, errs.New(errs.KindIntegrity, "object id: negative offset/len in %q", rest)
	}

	return NewPackSlice(opaque, offset, length), nil
}
