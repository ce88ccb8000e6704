// Package progress reports chunk-level throughput during a backup or
// restore run, the way the teacher repo's key progress channel fed a
// moving average into a human-readable throughput line.
package progress

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/dustin/go-humanize"
)

// Op identifies what kind of operation a ChunkEvent reports on.
type Op string

const (
	OpUpload   Op = "upload"
	OpDownload Op = "download"
	OpDedup    Op = "dedup"
)

// ChunkEvent is emitted once per chunk handled during a run.
type ChunkEvent struct {
	ChunkHash string
	Op        Op
	Skipped   bool
	Bytes     int64
}

// Sink receives ChunkEvents and a trailing throughput estimate.
type Sink func(ev ChunkEvent, bytesPerSecond float64)

// Reporter turns a stream of ChunkEvents into a moving-average
// throughput estimate, dispatched to a Sink. Callers push events with
// Report; the average and dispatch happen synchronously so the caller
// controls backpressure.
type Reporter struct {
	sink  Sink
	avg   ewma.MovingAverage
	lastT time.Time
}

// NewReporter builds a Reporter dispatching to sink. A nil sink is a
// no-op reporter, so callers can skip progress unconditionally.
func NewReporter(sink Sink) *Reporter {
	return &Reporter{sink: sink, avg: ewma.NewMovingAverage(), lastT: time.Now()}
}

// Report records one chunk event and dispatches it to the sink along
// with the current moving-average throughput.
func (r *Reporter) Report(ev ChunkEvent) {
	if r == nil || r.sink == nil {
		return
	}

	now := time.Now()
	diff := now.Sub(r.lastT)
	if ev.Bytes > 0 && diff > 0 {
		r.avg.Add(float64(ev.Bytes) / diff.Seconds())
	}
	r.lastT = now

	r.sink(ev, r.avg.Value())
}

// LineSink returns a Sink that writes one human-readable progress line
// per event to w, in the style of the teacher's default key-progress
// logger.
func LineSink(w io.Writer) Sink {
	return func(ev ChunkEvent, bytesPerSecond float64) {
		if ev.Skipped {
			verb := strings.TrimSuffix(string(ev.Op), "e") + "ed"
			fmt.Fprintf(w, "%s (skip: already %s)\n", ev.ChunkHash, verb)
			return
		}
		fmt.Fprintf(w, "%s (%s) %s/s\n", ev.ChunkHash, ev.Op, humanize.Bytes(uint64(bytesPerSecond)))
	}
}
