// Package config implements the repository's versioned, typed
// configuration: on-disk YAML documents in either a legacy
// single-endpoint v1 shape or the current v2 shape, a migration
// between them, and the validation that both the backup engine and the
// command layer depend on before a run starts.
package config

// ScheduleKind selects how a backup schedule's trigger is interpreted.
type ScheduleKind string

const (
	ScheduleHourly ScheduleKind = "hourly"
	ScheduleDaily  ScheduleKind = "daily"
)

// Schedule describes when backups run automatically. Timezone is
// carried as an opaque string and never interpreted by this package;
// the out-of-scope scheduler decides what to do with it.
type Schedule struct {
	Kind         ScheduleKind `yaml:"kind"`
	HourlyMinute int          `yaml:"hourly_minute,omitempty"`
	DailyTime    string       `yaml:"daily_time,omitempty"` // "HH:MM"
	Timezone     string       `yaml:"timezone,omitempty"`
}

// Retention is the number of most recent snapshots kept per target.
type Retention struct {
	KeepLast int `yaml:"keep_last"`
}

// Chunking holds the content-defined chunker's size parameters, in
// bytes.
type Chunking struct {
	MinBytes uint `yaml:"min_bytes"`
	AvgBytes uint `yaml:"avg_bytes"`
	MaxBytes uint `yaml:"max_bytes"`
}

// TelegramEndpoint names one set of transport credentials a target can
// back up through.
type TelegramEndpoint struct {
	ID             string `yaml:"id"`
	APIID          int    `yaml:"api_id"`
	APIHash        string `yaml:"api_hash"`
	BotToken       string `yaml:"bot_token,omitempty"`
	SessionKeyName string `yaml:"session_key_name,omitempty"`
}

// Target is one source directory to back up, bound to an endpoint by
// id.
type Target struct {
	ID         string `yaml:"id"`
	SourcePath string `yaml:"source_path"`
	EndpointID string `yaml:"endpoint_id"`
	Label      string `yaml:"label,omitempty"`
}

// RepositoryConfig is the current (v2) typed, validated configuration
// shape. LoadFile always returns this shape, migrating v1 documents
// forward first.
type RepositoryConfig struct {
	Version           int                `yaml:"version"`
	Schedule          Schedule           `yaml:"schedule"`
	Retention         Retention          `yaml:"retention"`
	Chunking          Chunking           `yaml:"chunking"`
	TelegramEndpoints []TelegramEndpoint `yaml:"telegram_endpoints"`
	Targets           []Target           `yaml:"targets"`
}

const CurrentVersion = 2

// legacyConfig is the v1 flat, single-endpoint shape. A document with
// no "version" field, or "version: 1", is parsed as this shape and
// migrated.
type legacyConfig struct {
	Version        int    `yaml:"version"`
	SourcePath     string `yaml:"source_path"`
	APIID          int    `yaml:"api_id"`
	APIHash        string `yaml:"api_hash"`
	BotToken       string `yaml:"bot_token,omitempty"`
	SessionKeyName string `yaml:"session_key_name,omitempty"`
	ScheduleKind   string `yaml:"schedule_kind,omitempty"`
	HourlyMinute   int    `yaml:"hourly_minute,omitempty"`
	DailyTime      string `yaml:"daily_time,omitempty"`
	Timezone       string `yaml:"timezone,omitempty"`
	KeepLast       int    `yaml:"keep_last,omitempty"`
	MinBytes       uint   `yaml:"min_bytes,omitempty"`
	AvgBytes       uint   `yaml:"avg_bytes,omitempty"`
	MaxBytes       uint   `yaml:"max_bytes,omitempty"`
}
