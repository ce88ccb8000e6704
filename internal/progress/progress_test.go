package progress_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/nerdalize/snapvault/internal/progress"
)

func TestReporterDispatchesEvents(t *testing.T) {
	var got []progress.ChunkEvent
	r := progress.NewReporter(func(ev progress.ChunkEvent, bps float64) {
		got = append(got, ev)
	})

	r.Report(progress.ChunkEvent{ChunkHash: "a", Op: progress.OpUpload, Bytes: 1024})
	r.Report(progress.ChunkEvent{ChunkHash: "b", Op: progress.OpDedup, Skipped: true})

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].ChunkHash != "a" || got[1].ChunkHash != "b" {
		t.Fatalf("unexpected event order: %+v", got)
	}
}

func TestNilReporterIsNoop(t *testing.T) {
	var r *progress.Reporter
	r.Report(progress.ChunkEvent{ChunkHash: "a", Op: progress.OpUpload, Bytes: 100})
}

func TestReporterWithNilSinkIsNoop(t *testing.T) {
	r := progress.NewReporter(nil)
	r.Report(progress.ChunkEvent{ChunkHash: "a", Op: progress.OpUpload, Bytes: 100})
}

func TestLineSinkFormatsSkippedAndActive(t *testing.T) {
	var buf bytes.Buffer
	sink := progress.LineSink(&buf)
	r := progress.NewReporter(sink)

	r.Report(progress.ChunkEvent{ChunkHash: "deadbeef", Op: progress.OpUpload, Bytes: 4096})
	r.Report(progress.ChunkEvent{ChunkHash: "deadbeef", Op: progress.OpDedup, Skipped: true})

	out := buf.String()
	if !strings.Contains(out, "deadbeef") {
		t.Fatalf("expected chunk hash in output, got %q", out)
	}
	if !strings.Contains(out, "skip: already deduped") {
		t.Fatalf("expected skip line, got %q", out)
	}
}
