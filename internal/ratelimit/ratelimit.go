// Package ratelimit bounds how many uploads a backup run has in
// flight at once and how often new ones may start, so a run never
// saturates the transport or a rate-limited remote API.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerdalize/snapvault/internal/errs"
)

// Limiter caps concurrent uploads with a semaphore and enforces a
// minimum delay between upload starts with a token bucket.
type Limiter struct {
	sem   chan struct{}
	pacer *rate.Limiter
}

// New builds a Limiter allowing at most maxConcurrent uploads in
// flight, with at least minDelay between any two upload starts. A
// maxConcurrent of 0 means unbounded concurrency; a minDelay of 0
// means no pacing.
func New(maxConcurrent int, minDelay time.Duration) *Limiter {
	l := &Limiter{}
	if maxConcurrent > 0 {
		l.sem = make(chan struct{}, maxConcurrent)
	}
	if minDelay > 0 {
		l.pacer = rate.NewLimiter(rate.Every(minDelay), 1)
	}
	return l
}

// Acquire blocks until an upload slot is available and the pacing
// delay has elapsed, or ctx is done. Release must be called exactly
// once for every successful Acquire.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.pacer != nil {
		if err := l.pacer.Wait(ctx); err != nil {
			return errs.Wrap(errs.KindCancelled, err, "ratelimit: wait for pacer")
		}
	}
	if l.sem != nil {
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, ctx.Err(), "ratelimit: wait for upload slot")
		}
	}
	return nil
}

// Release returns an upload slot acquired by Acquire.
func (l *Limiter) Release() {
	if l.sem != nil {
		<-l.sem
	}
}
