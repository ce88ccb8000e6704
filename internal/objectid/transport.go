package objectid

import (
	"encoding/base64"
	"encoding/json"

	"github.com/nerdalize/snapvault/internal/errs"
)

const transportPrefix = "tgmtproto:v1:"

// TransportRef is the concrete shape of the MTProto helper's own
// object-id encoding. The core never inspects these fields; it only
// round-trips the opaque string produced by Encode. The type lives here
// (rather than in a transport package) purely so tests can construct
// and assert on a concrete, swappable object-id shape without importing
// an actual transport implementation.
type TransportRef struct {
	Peer       string `json:"peer"`
	MessageID  int64  `json:"message_id"`
	DocumentID int64  `json:"document_id"`
	AccessHash int64  `json:"access_hash"`
}

// Encode renders a TransportRef as the opaque string a Ref.Opaque field
// carries for transport-native references.
func Encode(t TransportRef) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", errs.Wrap(errs.KindIntegrity, err, "transport ref: marshal failed")
	}
	return transportPrefix + base64.URLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode. It fails with an integrity error on malformed
// input rather than returning a partially populated TransportRef.
func Decode(opaque string) (TransportRef, error) {
	const prefixLen = len(transportPrefix)
	if len(opaque) < prefixLen || opaque[:prefixLen] != transportPrefix {
		return TransportRef{}, errs.New(errs.KindIntegrity, "transport ref: missing %q prefix", transportPrefix)
	}
	raw, err := base64.URLEncoding.DecodeString(opaque[prefixLen:])
	if err != nil {
		return TransportRef{}, errs.Wrap(errs.KindIntegrity, err, "transport ref: base64 decode failed")
	}
	var t TransportRef
	if err := json.Unmarshal(raw, &t); err != nil {
		return TransportRef{}, errs.Wrap(errs.KindIntegrity, err, "transport ref: json decode failed")
	}
	return t, nil
}
