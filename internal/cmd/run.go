package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kpipe/kpipe/internal/observability"
	"github.com/kpipe/kpipe/pkg/beaker"
)

var (
	runWait       bool
	runMaxAborted int
	runArtifact   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit the test job to the lab and track it to a verdict",
	Long: `Render the job template against the published kernel, submit it to
the lab scheduler and, with --wait, poll the recipe sets until they reach a
verdict, rescheduling failures according to policy. The process exit code
is the verdict: 0 success, 1 test failure, 2 infrastructure error.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runWait, "wait", false, "Wait for the jobs to finish and report their verdict")
	runCmd.Flags().IntVar(&runMaxAborted, "max-aborted-count", 0, "Maximum tolerated aborted runs per recipe set (default from rc, 3)")
	runCmd.Flags().StringVar(&runArtifact, "artifact-url", "", "Kernel package URL (default: buildurl from state)")
}

func doRun(ctx context.Context) error {
	logger := observability.CLILogger

	artifactURL := runArtifact
	if artifactURL == "" {
		var err error
		if artifactURL, err = state.GetString("buildurl"); err != nil {
			return err
		}
	}
	if artifactURL == "" {
		return exitError(int(beaker.ResultError), "No kernel package to test",
			errors.New("no build URL recorded; run publish first or pass --artifact-url"))
	}

	release, err := state.GetString("krelease")
	if err != nil {
		return err
	}

	var blacklist []string
	if cfg.Runner.Blacklist != "" {
		if blacklist, err = beaker.LoadBlacklist(cfg.Runner.Blacklist); err != nil {
			return exitError(int(beaker.ResultError), "Loading host blacklist failed", err)
		}
	}

	maxAborted := runMaxAborted
	if maxAborted <= 0 {
		maxAborted = cfg.Runner.MaxAbortedCount
	}

	client := beaker.NewClient(beaker.ClientConfig{
		JobOwner:         cfg.Runner.JobOwner,
		QueriesPerSecond: cfg.Runner.QueriesPerSec,
	}, nil, logger)

	tracker := beaker.NewTracker(beaker.TrackerConfig{
		TemplatePath:     cfg.Runner.JobTemplate,
		WatchDelay:       cfg.Runner.WatchDelay,
		Blacklist:        blacklist,
		Waiving:          cfg.Runner.Waiving,
		Reschedule:       cfg.Runner.Reschedule,
		Arch:             cfg.Runner.Arch,
		PinHost:          cfg.Runner.PinHost,
		MaxFetchFailures: cfg.Runner.MaxFetchFailures,
		MaxWatchTime:     cfg.Runner.MaxWatchTime,
	}, client, logger)

	result, runErr := tracker.Run(ctx, artifactURL, maxAborted, release, runWait)

	updates := map[string]any{"retcode": int(result)}
	rsIndex := 0
	for i, jobID := range tracker.Jobs() {
		updates[fmt.Sprintf("jobid_%d", i)] = jobID
		for _, rsID := range tracker.JobRecipeSets(jobID) {
			updates[fmt.Sprintf("recipesetid_%d", rsIndex)] = rsID
			rsIndex++
		}
	}
	if err := state.Update(updates); err != nil {
		logger.Warn("saving run state failed", zap.Error(err))
	}

	if runErr != nil {
		return exitError(int(result), "Test run failed", runErr)
	}
	if result != beaker.ResultSuccess {
		for origin, failure := range tracker.Failures() {
			logger.Warn("recipe set failed",
				zap.String("origin", origin),
				zap.Strings("hosts", failure.Hosts),
				zap.Strings("results", failure.Results),
				zap.Int("attempts", failure.TotalAttempts),
				zap.Bool("recovered", failure.Recovered))
		}
		return exitError(int(result), "Testing did not pass",
			fmt.Errorf("verdict %d", int(result)))
	}

	logger.Info("test run passed", zap.Strings("jobs", tracker.Jobs()))
	return nil
}
