package cmd

import (
	"github.com/spf13/cobra"
)

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the whole pipeline: merge, build, publish, run, report",
	Long: `Run every pipeline stage in order. The run stage always waits for a
verdict. Stages after a failure are skipped, except the report, which is
delivered for failed runs too.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stages := []func() error{
			func() error { return doMerge(ctx) },
			func() error { return doBuild(ctx) },
			func() error { return doPublish(ctx, "") },
			func() error {
				runWait = true
				return doRun(ctx)
			},
		}

		var failure error
		for _, stage := range stages {
			if failure = stage(); failure != nil {
				break
			}
		}

		if err := doReport(ctx); err != nil && failure == nil {
			return err
		}
		return failure
	},
}

func init() {
	rootCmd.AddCommand(allCmd)
}
