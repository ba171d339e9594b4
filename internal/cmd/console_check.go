package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kpipe/kpipe/internal/observability"
	"github.com/kpipe/kpipe/pkg/beaker"
	"github.com/kpipe/kpipe/pkg/console"
)

var consoleCheckCmd = &cobra.Command{
	Use:   "console-check <kernel-release> <url-or-path>",
	Short: "Scan a console log for oops and call traces",
	Long: `Fetch a console log (URL or local file, optionally gzipped), cut it
to the tested kernel's boot and print every oops or call trace block found.
Exit code 3 means the kernel never booted, 1 means traces were found.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doConsoleCheck(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(consoleCheckCmd)
}

func doConsoleCheck(ctx context.Context, kver, source string) error {
	logger := observability.CLILogger

	log, err := console.Fetch(ctx, kver, source)
	if err != nil {
		return exitError(int(beaker.ResultError), "Fetching console log failed", err)
	}
	if !log.Booted() {
		return exitError(int(beaker.ResultBoot), "Kernel did not boot",
			fmt.Errorf("no boot message for %s in %s", kver, source))
	}

	traces := log.Traces()
	for i, trace := range traces {
		fmt.Fprintf(os.Stdout, "---- trace %d ----\n%s\n", i+1, trace)
	}
	if len(traces) > 0 {
		return exitError(int(beaker.ResultFail), "Console log contains traces",
			fmt.Errorf("%d trace(s) found", len(traces)))
	}

	logger.Info("console log clean", zap.String("kver", kver))
	return nil
}
