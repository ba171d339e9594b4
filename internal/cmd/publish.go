package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kpipe/kpipe/internal/observability"
	"github.com/kpipe/kpipe/pkg/publish"
)

var publishGlob string

var publishCmd = &cobra.Command{
	Use:   "publish [file]",
	Short: "Copy the built kernel package to its download location",
	Long: `Publish the kernel tarball (or an explicitly named file) with the
configured publisher and record the download URL in the state file. With
--glob, auxiliary artifacts under the working directory matching the
pattern are published as well.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := ""
		if len(args) > 0 {
			source = args[0]
		}
		return doPublish(cmd.Context(), source)
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVar(&publishGlob, "glob", "", "Publish additional artifacts matching this pattern")
}

func doPublish(ctx context.Context, source string) error {
	logger := observability.CLILogger

	if source == "" {
		tarball, err := state.GetString("tarpkg")
		if err != nil {
			return err
		}
		if tarball == "" {
			return exitError(1, "Nothing to publish",
				errors.New("no tarball recorded; run build first or name a file"))
		}
		source = tarball
	}

	p, err := publish.New(ctx, cfg.Publisher.Type, cfg.Publisher.Destination,
		cfg.Publisher.BaseURL, logger)
	if err != nil {
		return exitError(1, "Publisher setup failed", err)
	}

	url, err := p.Publish(ctx, source)
	if err != nil {
		return exitError(1, "Publishing failed", err)
	}
	if err := state.Update(map[string]any{"buildurl": url}); err != nil {
		return err
	}
	logger.Info("published", zap.String("url", url))

	if publishGlob != "" {
		urls, err := publish.PublishGlob(ctx, p, cfg.Workdir, publishGlob, logger)
		if err != nil {
			return exitError(1, "Publishing artifacts failed", err)
		}
		logger.Info("published artifacts", zap.Int("count", len(urls)))
	}
	return nil
}
