package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nerdalize/snapvault/internal/errs"
)

// versionProbe reads just enough of a YAML document to decide whether
// it is a v1 or v2 shape.
type versionProbe struct {
	Version int `yaml:"version"`
}

// LoadFile reads path, migrating a v1 document forward if necessary,
// and returns a fully validated v2 RepositoryConfig. An absent
// "version" field is treated as v1, matching the legacy flat shape
// that predates the field's introduction.
func LoadFile(path string) (*RepositoryConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "config: read %s", path)
	}
	return Load(raw)
}

// Load parses raw YAML bytes the same way LoadFile does, without
// touching the filesystem.
func Load(raw []byte) (*RepositoryConfig, error) {
	var probe versionProbe
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return nil, errs.Wrap(errs.KindConfigInvalid, err, "config: parse yaml")
	}

	var cfg *RepositoryConfig
	switch probe.Version {
	case 0, 1:
		var legacy legacyConfig
		if err := yaml.Unmarshal(raw, &legacy); err != nil {
			return nil, errs.Wrap(errs.KindConfigInvalid, err, "config: parse v1 document")
		}
		cfg = migrateV1(&legacy)
	case CurrentVersion:
		cfg = &RepositoryConfig{}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errs.Wrap(errs.KindConfigInvalid, err, "config: parse v2 document")
		}
	default:
		return nil, errs.New(errs.KindConfigInvalid, "config: unsupported version %d", probe.Version)
	}

	applyEndpointSessionKeyDefaults(cfg.TelegramEndpoints)
	disambiguateSessionKeys(cfg.TelegramEndpoints)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
