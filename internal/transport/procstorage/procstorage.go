// Package procstorage implements storage.Capability on top of a
// long-lived helper subprocess (the MTProto client that speaks the
// Telegram wire protocol) over a length-prefixed JSON-lines protocol on
// its stdin/stdout. The core never imports an MTProto library directly;
// it only sees this process boundary.
package procstorage

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/nerdalize/snapvault/internal/errs"
	"github.com/nerdalize/snapvault/internal/storage"
)

// request is one line this package writes to the subprocess's stdin.
// PayloadLen bytes follow the line itself when Method is "upload" or
// "set_pin" with a non-empty payload.
type request struct {
	ID         uint64 `json:"id"`
	Method     string `json:"method"`
	Filename   string `json:"filename,omitempty"`
	ObjectID   string `json:"object_id,omitempty"`
	PayloadLen int64  `json:"payload_len,omitempty"`
}

// response is one line the subprocess writes back on stdout. A line
// carrying a non-empty Event is an asynchronous progress notification,
// not a reply to any specific request, and is delivered to the
// matching in-flight upload's ProgressFunc instead of being matched
// against ID.
type response struct {
	ID         uint64 `json:"id"`
	Event      string `json:"event,omitempty"`
	BytesSent  int64  `json:"bytes_sent,omitempty"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	NotFound   bool   `json:"not_found,omitempty"`
	ObjectID   string `json:"object_id,omitempty"`
	PayloadLen int64  `json:"payload_len,omitempty"`
	Pinned     string `json:"pinned,omitempty"`
	HasPin     bool   `json:"has_pin,omitempty"`
}

// Transport is a storage.Capability backed by a running helper
// subprocess. Safe for concurrent use: requests are serialized onto the
// subprocess's stdin one at a time, since the protocol is a single
// request/response stream rather than a multiplexed one.
type Transport struct {
	provider string
	scope    string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	mu     sync.Mutex
	nextID uint64
}

// Start launches name with args as the helper subprocess and returns a
// Transport bound to its stdin/stdout. provider and scope are reported
// as-is by Provider/ObjectIDScope; the subprocess itself decides what
// remote account or chat they correspond to.
func Start(ctx context.Context, provider, scope, name string, args ...string) (*Transport, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "procstorage: open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "procstorage: open stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.KindTransportUnavail, err, "procstorage: start helper %s", name)
	}

	return &Transport{
		provider: provider,
		scope:    scope,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   bufio.NewReaderSize(stdout, 64*1024),
	}, nil
}

// Close signals the helper subprocess to exit by closing its stdin and
// waits for it to finish.
func (t *Transport) Close() error {
	t.stdin.Close()
	if err := t.cmd.Wait(); err != nil {
		return errs.Wrap(errs.KindTransportUnavail, err, "procstorage: helper exited with error")
	}
	return nil
}

func (t *Transport) Provider() string      { return t.provider }
func (t *Transport) ObjectIDScope() string { return t.scope }

// roundTrip writes req (plus outPayload, if non-nil) to the
// subprocess's stdin and reads lines from stdout until a response
// carrying a matching ID arrives, skipping progress events along the
// way. When the matched response declares a payload, that many raw
// bytes are read immediately after its header line.
func (t *Transport) roundTrip(req request, outPayload []byte, onProgress storage.ProgressFunc) (response, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	line, err := json.Marshal(req)
	if err != nil {
		return response{}, nil, errs.Wrap(errs.KindIntegrity, err, "procstorage: encode request")
	}
	if _, err := t.stdin.Write(append(line, '\n')); err != nil {
		return response{}, nil, errs.Wrap(errs.KindTransportUnavail, err, "procstorage: write request header")
	}
	if outPayload != nil {
		if _, err := t.stdin.Write(outPayload); err != nil {
			return response{}, nil, errs.Wrap(errs.KindTransportUnavail, err, "procstorage: write request payload")
		}
	}

	for {
		respLine, err := t.stdout.ReadBytes('\n')
		if err != nil {
			return response{}, nil, errs.Wrap(errs.KindTransportUnavail, err, "procstorage: read response header")
		}

		var resp response
		if err := json.Unmarshal(respLine, &resp); err != nil {
			return response{}, nil, errs.Wrap(errs.KindIntegrity, err, "procstorage: decode response %q", respLine)
		}

		if resp.Event != "" {
			if resp.ID == req.ID && onProgress != nil {
				onProgress(resp.BytesSent)
			}
			continue
		}
		if resp.ID != req.ID {
			return response{}, nil, errs.New(errs.KindIntegrity, "procstorage: response id %d does not match request id %d", resp.ID, req.ID)
		}

		if !resp.OK {
			if resp.NotFound {
				return resp, nil, errs.New(errs.KindChunkMissing, "procstorage: object not found: %s", resp.Error)
			}
			return resp, nil, errs.New(errs.KindTransportUnavail, "procstorage: helper reported error: %s", resp.Error)
		}

		var inPayload []byte
		if resp.PayloadLen > 0 {
			inPayload = make([]byte, resp.PayloadLen)
			if _, err := io.ReadFull(t.stdout, inPayload); err != nil {
				return response{}, nil, errs.Wrap(errs.KindTransportUnavail, err, "procstorage: read response payload")
			}
		}
		return resp, inPayload, nil
	}
}

// Upload stores data under filename via the helper and returns its
// object id.
func (t *Transport) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.Wrap(errs.KindCancelled, err, "procstorage: upload cancelled")
	}
	req := request{ID: atomic.AddUint64(&t.nextID, 1), Method: "upload", Filename: filename, PayloadLen: int64(len(data))}
	resp, _, err := t.roundTrip(req, data, nil)
	if err != nil {
		return "", err
	}
	return resp.ObjectID, nil
}

// UploadWithProgress is the same as Upload, but delivers the helper's
// interleaved progress events to progress as they arrive.
func (t *Transport) UploadWithProgress(ctx context.Context, filename string, data []byte, progress storage.ProgressFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.Wrap(errs.KindCancelled, err, "procstorage: upload cancelled")
	}
	req := request{ID: atomic.AddUint64(&t.nextID, 1), Method: "upload", Filename: filename, PayloadLen: int64(len(data))}
	resp, _, err := t.roundTrip(req, data, progress)
	if err != nil {
		return "", err
	}
	return resp.ObjectID, nil
}

// Download fetches the bytes stored under objectID.
func (t *Transport) Download(ctx context.Context, objectID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindCancelled, err, "procstorage: download cancelled")
	}
	req := request{ID: atomic.AddUint64(&t.nextID, 1), Method: "download", ObjectID: objectID}
	_, payload, err := t.roundTrip(req, nil, nil)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// GetPinnedObjectID asks the helper for the currently pinned object.
func (t *Transport) GetPinnedObjectID(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, errs.Wrap(errs.KindCancelled, err, "procstorage: get pin cancelled")
	}
	req := request{ID: atomic.AddUint64(&t.nextID, 1), Method: "get_pin"}
	resp, _, err := t.roundTrip(req, nil, nil)
	if err != nil {
		return "", false, err
	}
	return resp.Pinned, resp.HasPin, nil
}

// SetPinnedObjectID asks the helper to replace the pinned object.
func (t *Transport) SetPinnedObjectID(ctx context.Context, objectID string) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindCancelled, err, "procstorage: set pin cancelled")
	}
	req := request{ID: atomic.AddUint64(&t.nextID, 1), Method: "set_pin", ObjectID: objectID}
	_, _, err := t.roundTrip(req, nil, nil)
	return err
}

var (
	_ storage.Capability             = (*Transport)(nil)
	_ storage.ProgressCapability     = (*Transport)(nil)
	_ storage.PinnedObjectCapability = (*Transport)(nil)
)
