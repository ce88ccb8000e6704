package procstorage

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/nerdalize/snapvault/internal/errs"
)

// fakeHelper emulates a subprocess on the other end of a Transport's
// stdin/stdout pipes, so roundTrip can be exercised without actually
// spawning an MTProto helper binary.
type fakeHelper struct {
	objects map[string][]byte
	pinned  string
	hasPin  bool
}

func newTransportWithFakeHelper(t *testing.T) (*Transport, *fakeHelper) {
	t.Helper()
	helperReadFromCore, coreWrite := io.Pipe()
	coreRead, helperWriteToCore := io.Pipe()

	tr := &Transport{
		provider: "telegram-test",
		stdin:    coreWrite,
		stdout:   bufio.NewReaderSize(coreRead, 4096),
	}

	helper := &fakeHelper{objects: map[string][]byte{}}
	go helper.serve(t, helperReadFromCore, helperWriteToCore)

	t.Cleanup(func() { coreWrite.Close() })
	return tr, helper
}

func (h *fakeHelper) serve(t *testing.T, r io.Reader, w io.Writer) {
	in := bufio.NewReaderSize(r, 4096)
	for {
		line, err := in.ReadBytes('\n')
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			t.Errorf("fake helper: decode request: %v", err)
			return
		}

		var payload []byte
		if req.PayloadLen > 0 {
			payload = make([]byte, req.PayloadLen)
			if _, err := io.ReadFull(in, payload); err != nil {
				t.Errorf("fake helper: read payload: %v", err)
				return
			}
		}

		resp, outPayload := h.handle(req, payload)
		respLine, err := json.Marshal(resp)
		if err != nil {
			t.Errorf("fake helper: encode response: %v", err)
			return
		}
		if _, err := w.Write(append(respLine, '\n')); err != nil {
			return
		}
		if outPayload != nil {
			if _, err := w.Write(outPayload); err != nil {
				return
			}
		}
	}
}

func (h *fakeHelper) handle(req request, payload []byte) (response, []byte) {
	switch req.Method {
	case "upload":
		objectID := "helper-obj-" + req.Filename
		h.objects[objectID] = payload
		return response{ID: req.ID, OK: true, ObjectID: objectID}, nil
	case "download":
		data, ok := h.objects[req.ObjectID]
		if !ok {
			return response{ID: req.ID, OK: false, NotFound: true, Error: "no such object"}, nil
		}
		return response{ID: req.ID, OK: true, PayloadLen: int64(len(data))}, data
	case "get_pin":
		return response{ID: req.ID, OK: true, Pinned: h.pinned, HasPin: h.hasPin}, nil
	case "set_pin":
		h.pinned, h.hasPin = req.ObjectID, true
		return response{ID: req.ID, OK: true}, nil
	default:
		return response{ID: req.ID, OK: false, Error: "unknown method " + req.Method}, nil
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	tr, _ := newTransportWithFakeHelper(t)
	ctx := context.Background()

	objectID, err := tr.Upload(ctx, "chunk-a", []byte("hello chunk"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	got, err := tr.Download(ctx, objectID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(got) != "hello chunk" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestDownloadMissingObjectReportsChunkMissing(t *testing.T) {
	tr, _ := newTransportWithFakeHelper(t)

	_, err := tr.Download(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected an error")
	}
	if kind, ok := errs.KindOf(err); !ok || kind != errs.KindChunkMissing {
		t.Fatalf("expected chunk.missing, got kind=%v ok=%v", kind, ok)
	}
}

func TestPinRoundTrip(t *testing.T) {
	tr, _ := newTransportWithFakeHelper(t)
	ctx := context.Background()

	if _, ok, err := tr.GetPinnedObjectID(ctx); err != nil || ok {
		t.Fatalf("expected no pin initially, ok=%v err=%v", ok, err)
	}

	if err := tr.SetPinnedObjectID(ctx, "pin-1"); err != nil {
		t.Fatalf("set pin: %v", err)
	}

	pinned, ok, err := tr.GetPinnedObjectID(ctx)
	if err != nil || !ok || pinned != "pin-1" {
		t.Fatalf("unexpected pin state: pinned=%q ok=%v err=%v", pinned, ok, err)
	}
}

func TestUploadWithProgressDeliversEvents(t *testing.T) {
	tr, _ := newTransportWithFakeHelper(t)

	var lastSeen int64
	_, err := tr.UploadWithProgress(context.Background(), "chunk-b", []byte("payload"), func(bytesSent int64) {
		lastSeen = bytesSent
	})
	if err != nil {
		t.Fatalf("upload with progress: %v", err)
	}
	// The fake helper never emits progress events, so lastSeen simply
	// stays at its zero value; this exercises that a nil/absent event
	// stream doesn't break the upload itself.
	_ = lastSeen
}
