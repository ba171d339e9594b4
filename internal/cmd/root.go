// Package cmd implements the kpipe command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kpipe/kpipe/internal/config"
	"github.com/kpipe/kpipe/internal/observability"
	"github.com/kpipe/kpipe/pkg/statefile"
)

var rootCmd = &cobra.Command{
	Use:   "kpipe",
	Short: "Kernel CI pipeline: merge, build, publish and test kernels",
	Long: `kpipe prepares a kernel source tree from a base repository plus
patches, builds it, publishes the resulting package, submits test jobs to
the lab scheduler and tracks them to a verdict.

Each stage records its results in a state file so stages can run as
separate invocations (e.g. on different pipeline workers) or together via
"kpipe all".`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	rcPath    string
	statePath string
	workdir   string
	verbose   bool

	// cfg and state are loaded in the persistent pre-run and shared by
	// all subcommands.
	cfg   *config.Config
	state *statefile.File
)

// versionInfo is injected from main via SetVersionInfo (ldflags).
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version output.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)",
		version, commit, buildDate)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rcPath, "rc", "kpipe.rc", "Path to the rc configuration file")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "Override the state file path")
	rootCmd.PersistentFlags().StringVar(&workdir, "workdir", "", "Override the working directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.PersistentPreRunE = setup
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)",
		versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
}

func setup(cmd *cobra.Command, args []string) error {
	observability.Init(verbose)

	loaded, err := config.Load(rcPath)
	if err != nil {
		return err
	}
	if workdir != "" {
		loaded.Workdir = workdir
	}
	if statePath != "" {
		loaded.State = statePath
	}

	cfg = loaded
	state = statefile.New(cfg.State)
	return nil
}

// sourceDir is where the kernel tree lives under the working directory.
func sourceDir() string {
	return filepath.Join(cfg.Workdir, "source")
}

// codedError carries a process exit code through cobra.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// exitError logs the failure and wraps it with the exit code the process
// should finish with.
func exitError(code int, msg string, err error) error {
	observability.CLILogger.Error(msg, zap.Error(err))
	return &codedError{code: code, err: fmt.Errorf("%s: %w", msg, err)}
}

// Execute runs the command tree and returns the process exit code. Signals
// cancel the command context so in-flight lab jobs can be cancelled.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	observability.Sync()
	if err == nil {
		return 0
	}

	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}
