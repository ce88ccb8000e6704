// Package command implements the snapvault CLI's subcommands on top of
// github.com/mitchellh/cli, in the same shape the teacher repo's own
// command package used: one exported NewXxx() (cli.Command, error)
// factory per subcommand, flags parsed with github.com/jessevdk/go-flags.
package command

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nerdalize/snapvault/internal/config"
	"github.com/nerdalize/snapvault/internal/cryptoframe"
	"github.com/nerdalize/snapvault/internal/errs"
	"github.com/nerdalize/snapvault/internal/storage"
	"github.com/nerdalize/snapvault/internal/transport/procstorage"
	"github.com/nerdalize/snapvault/internal/vault"
)

// zerologDebugLevel is a thin indirection so subcommands don't each
// import zerolog just to wire up --verbose.
func zerologDebugLevel() zerolog.Level { return zerolog.DebugLevel }

// nowRFC3339 stamps a bootstrap catalog update with the current time,
// in the format the catalog's UpdatedAt field expects.
func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

// RepoOpts are the flags every subcommand needs to locate the
// repository's config, vault, and local index state. Embedded by each
// subcommand's own Opts struct.
type RepoOpts struct {
	ConfigPath     string `long:"config" description:"path to the repository config YAML" default:"snapvault.yaml"`
	VaultKeyPath   string `long:"vault-key" description:"path to the outer vault key file" default:"vault.key"`
	VaultStorePath string `long:"vault-store" description:"path to the sealed secrets store" default:"vault.store"`
	IndexDBPath    string `long:"index-db" description:"path to the local index database" default:"index.db"`
	HelperPath     string `long:"helper" description:"path to the transport helper subprocess binary"`
	TargetID       string `long:"target" description:"target id from the config's targets list" default:"default"`
}

// loadRepo resolves everything a subcommand needs from RepoOpts: the
// validated config, the target and endpoint it names, and the
// repository's master key unsealed from the vault.
func loadRepo(opts RepoOpts) (*config.RepositoryConfig, config.Target, config.TelegramEndpoint, cryptoframe.Key, error) {
	var zero cryptoframe.Key

	cfg, err := config.LoadFile(opts.ConfigPath)
	if err != nil {
		return nil, config.Target{}, config.TelegramEndpoint{}, zero, err
	}

	target, ok := findTarget(cfg.Targets, opts.TargetID)
	if !ok {
		return nil, config.Target{}, config.TelegramEndpoint{}, zero, errs.New(errs.KindConfigInvalid, "no target %q in %s", opts.TargetID, opts.ConfigPath)
	}

	endpoint, ok := findEndpoint(cfg.TelegramEndpoints, target.EndpointID)
	if !ok {
		return nil, config.Target{}, config.TelegramEndpoint{}, zero, errs.New(errs.KindConfigInvalid, "target %q references unknown endpoint_id %q", target.ID, target.EndpointID)
	}

	masterKey, err := loadMasterKey(opts.VaultKeyPath, opts.VaultStorePath)
	if err != nil {
		return nil, config.Target{}, config.TelegramEndpoint{}, zero, err
	}

	return cfg, target, endpoint, masterKey, nil
}

func findTarget(targets []config.Target, id string) (config.Target, bool) {
	for _, t := range targets {
		if t.ID == id {
			return t, true
		}
	}
	return config.Target{}, false
}

func findEndpoint(endpoints []config.TelegramEndpoint, id string) (config.TelegramEndpoint, bool) {
	for _, e := range endpoints {
		if e.ID == id {
			return e, true
		}
	}
	return config.TelegramEndpoint{}, false
}

// loadMasterKey unseals the repository's master key: the outer vault
// key decrypts the secrets store, and the master key itself lives
// inside that store under vault.ReservedMasterKeyName, base64-encoded.
func loadMasterKey(vaultKeyPath, vaultStorePath string) (cryptoframe.Key, error) {
	var zero cryptoframe.Key

	outerKey, err := vault.ReadKeyFile(vaultKeyPath)
	if err != nil {
		return zero, err
	}

	store, err := vault.Load(vaultStorePath, outerKey)
	if err != nil {
		return zero, err
	}

	encoded, ok := store.Get(vault.ReservedMasterKeyName)
	if !ok {
		return zero, errs.New(errs.KindSecrets, "secrets store has no %s entry; has this repository been initialized?", vault.ReservedMasterKeyName)
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return zero, errs.Wrap(errs.KindSecrets, err, "decode master key entry")
	}
	if len(decoded) != len(zero) {
		return zero, errs.New(errs.KindSecrets, "master key entry must decode to %d bytes, got %d", len(zero), len(decoded))
	}
	var key cryptoframe.Key
	copy(key[:], decoded)
	return key, nil
}

// openTransport starts the helper subprocess for endpoint and returns
// it as a storage.Capability. The session blob, if any has been
// persisted under the endpoint's SessionKeyName, is registered with
// errs so it never reaches a log line, and handed to the helper as its
// last argument; the helper is responsible for everything MTProto.
func openTransport(ctx context.Context, opts RepoOpts, endpoint config.TelegramEndpoint, vaultKeyPath, vaultStorePath string) (*procstorage.Transport, error) {
	if opts.HelperPath == "" {
		return nil, errs.New(errs.KindConfigInvalid, "no --helper path configured; the MTProto client lives out of process")
	}

	args := []string{
		"--api-id", fmt.Sprintf("%d", endpoint.APIID),
		"--api-hash", endpoint.APIHash,
	}
	if endpoint.BotToken != "" {
		errs.RegisterSecret(endpoint.BotToken)
		args = append(args, "--bot-token", endpoint.BotToken)
	}
	if endpoint.SessionKeyName != "" {
		if session, ok := loadSessionBlob(vaultKeyPath, vaultStorePath, endpoint.SessionKeyName); ok {
			errs.RegisterSecret(session)
			args = append(args, "--session", session)
		}
	}

	return procstorage.Start(ctx, endpoint.ID, endpoint.SessionKeyName, opts.HelperPath, args...)
}

func loadSessionBlob(vaultKeyPath, vaultStorePath, sessionKeyName string) (string, bool) {
	outerKey, err := vault.ReadKeyFile(vaultKeyPath)
	if err != nil {
		return "", false
	}
	store, err := vault.Load(vaultStorePath, outerKey)
	if err != nil {
		return "", false
	}
	return store.Get(sessionKeyName)
}

var _ storage.Capability = (*procstorage.Transport)(nil)
