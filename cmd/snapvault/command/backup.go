package command

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/mitchellh/cli"

	"github.com/nerdalize/snapvault/internal/backupengine"
	"github.com/nerdalize/snapvault/internal/chunker"
	"github.com/nerdalize/snapvault/internal/logging"
	"github.com/nerdalize/snapvault/internal/progress"
)

// BackupOpts holds the flags the backup subcommand accepts.
var BackupOpts struct {
	RepoOpts
	Label   string `long:"label" description:"label recorded on the new snapshot"`
	NoBoot  bool   `long:"no-bootstrap" description:"skip updating the remote bootstrap catalog"`
	Verbose bool   `short:"v" long:"verbose" description:"log at debug level"`
}

// Backup runs one backup of a configured target.
type Backup struct {
	ui cli.Ui
}

// NewBackup is the cli.CommandFactory for the backup subcommand.
func NewBackup() (cmd cli.Command, err error) {
	return &Backup{
		ui: &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		},
	}, nil
}

func (cmd *Backup) Help() string {
	parser := flags.NewNamedParser(cmd.Usage(), flags.PassDoubleDash)
	if _, err := parser.AddGroup("default", "", &BackupOpts); err != nil {
		panic(err)
	}

	buf := bytes.NewBuffer(nil)
	parser.WriteHelp(buf)

	return fmt.Sprintf(`
  %s

%s
`, cmd.Synopsis(), buf.String())
}

func (cmd *Backup) Synopsis() string {
	return "chunk, dedup, encrypt and upload one target's source tree"
}

func (cmd *Backup) Usage() string {
	return "snapvault backup [options]"
}

func (cmd *Backup) Run(args []string) int {
	if _, err := flags.ParseArgs(&BackupOpts, args); err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to parse flags: %v", err))
		return 1
	}

	if BackupOpts.Verbose {
		logging.SetLevel(zerologDebugLevel())
	}

	cfg, target, endpoint, masterKey, err := loadRepo(BackupOpts.RepoOpts)
	if err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to load repository: %v", err))
		return 2
	}

	ctx := context.Background()
	transport, err := openTransport(ctx, BackupOpts.RepoOpts, endpoint, BackupOpts.VaultKeyPath, BackupOpts.VaultStorePath)
	if err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to start transport: %v", err))
		return 3
	}
	defer transport.Close()

	reporter := progress.NewReporter(progress.LineSink(os.Stdout))

	var boot *backupengine.BootstrapUpdate
	if !BackupOpts.NoBoot {
		boot = &backupengine.BootstrapUpdate{
			TargetID:  target.ID,
			Label:     target.Label,
			Pin:       transport,
			UpdatedAt: nowRFC3339(),
		}
	}

	label := BackupOpts.Label
	if label == "" {
		label = target.Label
	}

	summary, err := backupengine.Run(ctx, backupengine.Config{
		Storage:     transport,
		MasterKey:   masterKey,
		SourcePath:  target.SourcePath,
		IndexDBPath: BackupOpts.IndexDBPath,
		Label:       label,
		Chunking: chunker.Params{
			Min: cfg.Chunking.MinBytes,
			Avg: cfg.Chunking.AvgBytes,
			Max: cfg.Chunking.MaxBytes,
		},
		RetentionKeepLast: cfg.Retention.KeepLast,
		Progress:          reporter,
		Bootstrap:         boot,
	})
	if err != nil {
		cmd.ui.Error(fmt.Sprintf("backup failed: %v", err))
		return 4
	}

	cmd.ui.Output(fmt.Sprintf(
		"snapshot %s: %d files indexed, %d chunks uploaded (%d bytes), %d chunks deduped (%d bytes), %d index parts",
		summary.SnapshotID, summary.FilesIndexed, summary.ChunksUploaded, summary.BytesUploaded,
		summary.ChunksDeduped, summary.BytesDeduped, summary.IndexParts,
	))
	return 0
}
