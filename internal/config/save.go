package config

import (
	"gopkg.in/yaml.v3"

	"github.com/nerdalize/snapvault/internal/atomicfile"
	"github.com/nerdalize/snapvault/internal/errs"
)

// SaveFile validates cfg and writes it to path as YAML, atomically.
func SaveFile(path string, cfg *RepositoryConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return errs.Wrap(errs.KindConfigInvalid, err, "config: encode yaml")
	}

	if err := atomicfile.EnsureDir(dirOfPath(path), 0755); err != nil {
		return err
	}
	return atomicfile.Write(path, raw, 0644)
}

func dirOfPath(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	return path[:i]
}
