package config

const (
	defaultEndpointID     = "default"
	defaultTargetID       = "default"
	defaultSessionKeyBase = "session/default"

	legacyDefaultKeepLast = 7
	legacyDefaultMinBytes = 512 * 1024
	legacyDefaultAvgBytes = 1024 * 1024
	legacyDefaultMaxBytes = 8 * 1024 * 1024
)

// migrateV1 maps a legacy flat single-endpoint document onto the
// current v2 shape: one endpoint, one target, global schedule /
// retention / chunking pulled out of the flat fields (defaulted where
// the legacy document left them unset).
func migrateV1(legacy *legacyConfig) *RepositoryConfig {
	scheduleKind := ScheduleKind(legacy.ScheduleKind)
	if scheduleKind == "" {
		scheduleKind = ScheduleDaily
	}

	dailyTime := legacy.DailyTime
	if dailyTime == "" && scheduleKind == ScheduleDaily {
		dailyTime = "00:00"
	}

	keepLast := legacy.KeepLast
	if keepLast == 0 {
		keepLast = legacyDefaultKeepLast
	}

	chunking := Chunking{
		MinBytes: orDefault(legacy.MinBytes, legacyDefaultMinBytes),
		AvgBytes: orDefault(legacy.AvgBytes, legacyDefaultAvgBytes),
		MaxBytes: orDefault(legacy.MaxBytes, legacyDefaultMaxBytes),
	}

	sessionKeyName := legacy.SessionKeyName
	if sessionKeyName == "" {
		sessionKeyName = defaultSessionKeyBase
	}

	return &RepositoryConfig{
		Version: CurrentVersion,
		Schedule: Schedule{
			Kind:         scheduleKind,
			HourlyMinute: legacy.HourlyMinute,
			DailyTime:    dailyTime,
			Timezone:     legacy.Timezone,
		},
		Retention: Retention{KeepLast: keepLast},
		Chunking:  chunking,
		TelegramEndpoints: []TelegramEndpoint{
			{
				ID:             defaultEndpointID,
				APIID:          legacy.APIID,
				APIHash:        legacy.APIHash,
				BotToken:       legacy.BotToken,
				SessionKeyName: sessionKeyName,
			},
		},
		Targets: []Target{
			{
				ID:         defaultTargetID,
				SourcePath: legacy.SourcePath,
				EndpointID: defaultEndpointID,
			},
		},
	}
}

// applyEndpointSessionKeyDefaults fills in the default session-key
// base for any endpoint that left session_key_name unset, ahead of
// disambiguateSessionKeys running its collision check.
func applyEndpointSessionKeyDefaults(endpoints []TelegramEndpoint) {
	for i := range endpoints {
		if endpoints[i].SessionKeyName == "" {
			endpoints[i].SessionKeyName = defaultSessionKeyBase
		}
	}
}

func orDefault(v, fallback uint) uint {
	if v == 0 {
		return fallback
	}
	return v
}

// disambiguateSessionKeys appends each endpoint's id to its
// session-key name wherever two or more endpoints share the same
// default base, so that no two endpoints persist their session under
// the same name. An endpoint with an explicit, non-default name is
// left untouched.
func disambiguateSessionKeys(endpoints []TelegramEndpoint) {
	counts := map[string]int{}
	for _, e := range endpoints {
		counts[e.SessionKeyName]++
	}
	for i := range endpoints {
		if endpoints[i].SessionKeyName == defaultSessionKeyBase && counts[defaultSessionKeyBase] > 1 {
			endpoints[i].SessionKeyName = "session/" + endpoints[i].ID
		}
	}
}
