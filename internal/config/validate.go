package config

import (
	"fmt"

	"github.com/nerdalize/snapvault/internal/chunker"
	"github.com/nerdalize/snapvault/internal/cryptoframe"
	"github.com/nerdalize/snapvault/internal/errs"
	"github.com/nerdalize/snapvault/internal/storage"
)

// MaxChunkCapBytes is the largest max_bytes a chunking configuration
// may declare: the transport's engineered per-upload maximum minus one
// frame's worth of AEAD overhead.
const MaxChunkCapBytes = storage.EngineeredUploadMaxBytes - cryptoframe.Overhead

// Validate checks every invariant named for the v2 configuration
// shape, returning a config.invalid error naming the offending field
// on the first violation found.
func Validate(c *RepositoryConfig) error {
	if err := validateSchedule(c.Schedule); err != nil {
		return err
	}
	if c.Retention.KeepLast < 1 {
		return errs.New(errs.KindConfigInvalid, "retention.keep_last must be >= 1, got %d", c.Retention.KeepLast)
	}
	if err := validateChunking(c.Chunking); err != nil {
		return err
	}
	if err := validateEndpoints(c.TelegramEndpoints); err != nil {
		return err
	}
	if err := validateTargets(c.Targets, c.TelegramEndpoints); err != nil {
		return err
	}
	return nil
}

func validateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleHourly:
		if s.HourlyMinute < 0 || s.HourlyMinute > 59 {
			return errs.New(errs.KindConfigInvalid, "schedule.hourly_minute must be in 0..59, got %d", s.HourlyMinute)
		}
	case ScheduleDaily:
		hh, mm, ok := parseHHMM(s.DailyTime)
		if !ok || hh < 0 || hh >= 24 || mm < 0 || mm >= 60 {
			return errs.New(errs.KindConfigInvalid, "schedule.daily_time must be HH:MM with 0<=hh<24 and 0<=mm<60, got %q", s.DailyTime)
		}
	default:
		return errs.New(errs.KindConfigInvalid, "schedule.kind must be %q or %q, got %q", ScheduleHourly, ScheduleDaily, s.Kind)
	}
	return nil
}

func parseHHMM(s string) (hh, mm int, ok bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(s, "%02d:%02d", &hh, &mm); err != nil {
		return 0, 0, false
	}
	return hh, mm, true
}

func validateChunking(c Chunking) error {
	if c.MinBytes == 0 || c.AvgBytes == 0 || c.MaxBytes == 0 {
		return errs.New(errs.KindConfigInvalid, "chunking sizes must all be > 0, got min=%d avg=%d max=%d", c.MinBytes, c.AvgBytes, c.MaxBytes)
	}
	if !(c.MinBytes <= c.AvgBytes && c.AvgBytes <= c.MaxBytes) {
		return errs.New(errs.KindConfigInvalid, "chunking sizes must satisfy min<=avg<=max, got min=%d avg=%d max=%d", c.MinBytes, c.AvgBytes, c.MaxBytes)
	}
	// Checked ahead of the chunker's own algorithmic bounds: those bounds
	// are far tighter (8 MiB) than the engineered transport cap (~2000
	// MiB), so without this ordering a max_bytes that only violates the
	// transport cap would be misreported as an algorithmic-bounds error.
	if int64(c.MaxBytes)+cryptoframe.Overhead > storage.EngineeredUploadMaxBytes {
		return errs.New(errs.KindConfigInvalid, "chunking.max_bytes %d plus framing overhead %d exceeds engineered_upload_max %d", c.MaxBytes, cryptoframe.Overhead, storage.EngineeredUploadMaxBytes)
	}
	if c.MinBytes < chunker.AbsoluteMinBytes || c.MaxBytes > chunker.AbsoluteMaxBytes {
		return errs.New(errs.KindConfigInvalid, "chunking sizes must be within the chunker's algorithmic bounds [%d,%d], got min=%d max=%d", chunker.AbsoluteMinBytes, chunker.AbsoluteMaxBytes, c.MinBytes, c.MaxBytes)
	}
	return nil
}

func validateEndpoints(endpoints []TelegramEndpoint) error {
	seen := map[string]bool{}
	for _, e := range endpoints {
		if e.ID == "" {
			return errs.New(errs.KindConfigInvalid, "telegram_endpoints entries must have a non-empty id")
		}
		if seen[e.ID] {
			return errs.New(errs.KindConfigInvalid, "telegram_endpoints id %q is not unique", e.ID)
		}
		seen[e.ID] = true
	}
	return nil
}

func validateTargets(targets []Target, endpoints []TelegramEndpoint) error {
	knownEndpoints := map[string]bool{}
	for _, e := range endpoints {
		knownEndpoints[e.ID] = true
	}

	seen := map[string]bool{}
	for _, t := range targets {
		if t.ID == "" {
			return errs.New(errs.KindConfigInvalid, "targets entries must have a non-empty id")
		}
		if seen[t.ID] {
			return errs.New(errs.KindConfigInvalid, "targets id %q is not unique", t.ID)
		}
		seen[t.ID] = true

		if !knownEndpoints[t.EndpointID] {
			return errs.New(errs.KindConfigInvalid, "target %q references unknown endpoint_id %q", t.ID, t.EndpointID)
		}
	}
	return nil
}
