package command

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/mitchellh/cli"

	"github.com/nerdalize/snapvault/internal/config"
	"github.com/nerdalize/snapvault/internal/cryptoframe"
	"github.com/nerdalize/snapvault/internal/errs"
	"github.com/nerdalize/snapvault/internal/vault"
)

// InitOpts holds the flags the init subcommand accepts.
var InitOpts struct {
	RepoOpts
	SourcePath string `long:"source" description:"source directory the default target backs up" required:"true"`
	APIID      int    `long:"api-id" description:"Telegram api_id for the default endpoint"`
	APIHash    string `long:"api-hash" description:"Telegram api_hash for the default endpoint"`
}

// Init creates a new repository: a vault key and sealed secrets store
// holding a freshly generated master key, and a default v2 config.
type Init struct {
	ui cli.Ui
}

// NewInit is the cli.CommandFactory for the init subcommand.
func NewInit() (cmd cli.Command, err error) {
	return &Init{
		ui: &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		},
	}, nil
}

func (cmd *Init) Help() string {
	parser := flags.NewNamedParser(cmd.Usage(), flags.PassDoubleDash)
	if _, err := parser.AddGroup("default", "", &InitOpts); err != nil {
		panic(err)
	}

	buf := bytes.NewBuffer(nil)
	parser.WriteHelp(buf)

	return fmt.Sprintf(`
  %s

%s
`, cmd.Synopsis(), buf.String())
}

func (cmd *Init) Synopsis() string {
	return "create a new repository: vault, master key, and default config"
}

func (cmd *Init) Usage() string {
	return "snapvault init --source DIR --api-id ID --api-hash HASH [options]"
}

func (cmd *Init) Run(args []string) int {
	if _, err := flags.ParseArgs(&InitOpts, args); err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to parse flags: %v", err))
		return 1
	}

	if _, err := os.Stat(InitOpts.VaultKeyPath); err == nil {
		cmd.ui.Error(fmt.Sprintf("%s already exists; refusing to overwrite an existing repository", InitOpts.VaultKeyPath))
		return 2
	}

	outerKey, err := randomKey()
	if err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to generate vault key: %v", err))
		return 3
	}
	if err := vault.WriteKeyFilePrivate(InitOpts.VaultKeyPath, outerKey); err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to write vault key: %v", err))
		return 3
	}

	masterKey, err := randomKey()
	if err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to generate master key: %v", err))
		return 4
	}

	store := vault.NewStore()
	store.Set(vault.ReservedMasterKeyName, base64.StdEncoding.EncodeToString(masterKey[:]))
	if err := vault.Save(InitOpts.VaultStorePath, outerKey, store); err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to save secrets store: %v", err))
		return 4
	}

	cfg := defaultConfig(InitOpts.SourcePath, InitOpts.APIID, InitOpts.APIHash)
	if err := config.SaveFile(InitOpts.ConfigPath, cfg); err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to write config: %v", err))
		return 5
	}

	cmd.ui.Output(fmt.Sprintf("initialized repository: vault=%s store=%s config=%s", InitOpts.VaultKeyPath, InitOpts.VaultStorePath, InitOpts.ConfigPath))
	return 0
}

func randomKey() (cryptoframe.Key, error) {
	var k cryptoframe.Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, errs.Wrap(errs.KindCrypto, err, "generate random key")
	}
	return k, nil
}

func defaultConfig(sourcePath string, apiID int, apiHash string) *config.RepositoryConfig {
	return &config.RepositoryConfig{
		Version: config.CurrentVersion,
		Schedule: config.Schedule{
			Kind:      config.ScheduleDaily,
			DailyTime: "00:00",
		},
		Retention: config.Retention{KeepLast: 7},
		Chunking: config.Chunking{
			MinBytes: 512 * 1024,
			AvgBytes: 1024 * 1024,
			MaxBytes: 8 * 1024 * 1024,
		},
		TelegramEndpoints: []config.TelegramEndpoint{
			{ID: "default", APIID: apiID, APIHash: apiHash, SessionKeyName: "session/default"},
		},
		Targets: []config.Target{
			{ID: "default", SourcePath: sourcePath, EndpointID: "default"},
		},
	}
}
