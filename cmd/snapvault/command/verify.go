package command

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/mitchellh/cli"

	"github.com/nerdalize/snapvault/internal/progress"
	"github.com/nerdalize/snapvault/internal/verifyengine"
)

// VerifyOpts holds the flags the verify subcommand accepts.
var VerifyOpts struct {
	RepoOpts
	SnapshotID       string `long:"snapshot" description:"snapshot id to verify" required:"true"`
	ManifestObjectID string `long:"manifest" description:"manifest object id recorded for the snapshot" required:"true"`
	RehydrateDBPath  string `long:"rehydrate-db" description:"where to write the ephemeral rehydrated index" default:"verify-index.db"`
}

// Verify checks that every chunk a snapshot references is still
// downloadable and intact, without writing any file output.
type Verify struct {
	ui cli.Ui
}

// NewVerify is the cli.CommandFactory for the verify subcommand.
func NewVerify() (cmd cli.Command, err error) {
	return &Verify{
		ui: &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		},
	}, nil
}

func (cmd *Verify) Help() string {
	parser := flags.NewNamedParser(cmd.Usage(), flags.PassDoubleDash)
	if _, err := parser.AddGroup("default", "", &VerifyOpts); err != nil {
		panic(err)
	}

	buf := bytes.NewBuffer(nil)
	parser.WriteHelp(buf)

	return fmt.Sprintf(`
  %s

%s
`, cmd.Synopsis(), buf.String())
}

func (cmd *Verify) Synopsis() string {
	return "audit a snapshot's remote durability without restoring it"
}

func (cmd *Verify) Usage() string {
	return "snapvault verify --snapshot SNP --manifest OBJ [options]"
}

func (cmd *Verify) Run(args []string) int {
	if _, err := flags.ParseArgs(&VerifyOpts, args); err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to parse flags: %v", err))
		return 1
	}

	_, _, endpoint, masterKey, err := loadRepo(VerifyOpts.RepoOpts)
	if err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to load repository: %v", err))
		return 2
	}

	ctx := context.Background()
	transport, err := openTransport(ctx, VerifyOpts.RepoOpts, endpoint, VerifyOpts.VaultKeyPath, VerifyOpts.VaultStorePath)
	if err != nil {
		cmd.ui.Error(fmt.Sprintf("failed to start transport: %v", err))
		return 3
	}
	defer transport.Close()

	reporter := progress.NewReporter(progress.LineSink(os.Stdout))

	summary, err := verifyengine.Run(ctx, verifyengine.Config{
		Storage:               transport,
		MasterKey:             masterKey,
		SnapshotID:            VerifyOpts.SnapshotID,
		ManifestObjectID:      VerifyOpts.ManifestObjectID,
		RehydratedIndexDBPath: VerifyOpts.RehydrateDBPath,
		Progress:              reporter,
	})
	if err != nil {
		cmd.ui.Error(fmt.Sprintf("verify failed: %v", err))
		return 4
	}

	cmd.ui.Output(fmt.Sprintf("checked %d chunks: %d ok, %d failed", summary.ChunksChecked, summary.ChunksOK, len(summary.Failures)))
	for _, f := range summary.Failures {
		cmd.ui.Error(fmt.Sprintf("  %s: %s: %s", f.ChunkHash, f.Kind, f.Message))
	}
	if len(summary.Failures) > 0 {
		return 5
	}
	return 0
}
