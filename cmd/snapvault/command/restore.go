package command

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/mitchellh/cli"

	"github.com/nerdalize/snapvault/internal/progress"
	"github.com/nerdalize/snapvault/internal/restoreengine"
)

// RestoreOpts holds the flags the restore subcommand accepts.
var RestoreOpts struct {
	RepoOpts
	SnapshotID       string `long:"snapshot" description:"snapshot id to restore" required:"true"`
	ManifestObjectID string `long:"manifest" description:"manifest object id recorded for the snapshot" required:"true"`
	TargetDir        string `long:"out" description:"directory the snapshot is materialized into" required:"true"`
	RehydrateDBPath  string `long:"rehydrate-db" description:"where to write the ephemeral rehydrated index" default:"restore-index.db"`
}

// Restore rehydrates a snapshot's index and writes its files to disk.
type Restore struct {
	ui cli.Ui
}

// NewRestore is the cli.CommandFactory for the restore subcommand.
func NewRestore() (cmd cli.Command, err error) {
	return &Restore{
		ui: &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		},
	}, nil
}

func (cmd *Restore) Help() string {
	parser := flags.NewNamedParser(cmd.Usage(), flags.PassDoubleDash)
	if _, err := parser.AddGroup("default", "", &RestoreOpts); err != nil {
		panic(err)
	}

	buf := bytes.NewBuffer(nil)
	parser.WriteHelp(buf)

	return fmt.Sprintf(`
  %s

%s
`, cmd.Synopsis(), buf.String())
}

func (cmd *Restore) Synopsis() string {
	return "rehydrate a snapshot's index and write its files to disk"
}

func (cmd *Restore) Usage() string {
	return "snapvault restore --snapshot SNP --manifest OBJ --out DIR [options]"
}

func (cmd *Restore) Run(args []string) int {
	if _, err := flags.ParseArgs(&RestoreOpts, args); err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to parse flags: %v", err))
		return 1
	}

	_, _, endpoint, masterKey, err := loadRepo(RestoreOpts.RepoOpts)
	if err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to load repository: %v", err))
		return 2
	}

	ctx := context.Background()
	transport, err := openTransport(ctx, RestoreOpts.RepoOpts, endpoint, RestoreOpts.VaultKeyPath, RestoreOpts.VaultStorePath)
	if err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to start transport: %v", err))
		return 3
	}
	defer transport.Close()

	reporter := progress.NewReporter(progress.LineSink(os.Stdout))

	summary, err := restoreengine.Run(ctx, restoreengine.Config{
		Storage:               transport,
		MasterKey:             masterKey,
		SnapshotID:            RestoreOpts.SnapshotID,
		ManifestObjectID:      RestoreOpts.ManifestObjectID,
		TargetDir:             RestoreOpts.TargetDir,
		RehydratedIndexDBPath: RestoreOpts.RehydrateDBPath,
		Progress:              reporter,
	})
	if err != nil {
		cmd.ui.Error(fmt.Sprintf("restore failed: %v", err))
		return 4
	}

	cmd.ui.Output(fmt.Sprintf(
		"restored %d files (%d bytes) into %d directories under %s",
		summary.FilesWritten, summary.BytesWritten, summary.DirsCreated, RestoreOpts.TargetDir,
	))
	return 0
}
