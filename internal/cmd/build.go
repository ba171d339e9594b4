package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kpipe/kpipe/internal/observability"
	"github.com/kpipe/kpipe/pkg/kernelbuild"
)

var buildNoClean bool

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the kernel and pack it into a tarball",
	RunE: func(cmd *cobra.Command, args []string) error {
		return doBuild(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().BoolVar(&buildNoClean, "no-clean", false, "Skip the mrproper wipe before building")
}

func doBuild(ctx context.Context) error {
	logger := observability.CLILogger

	builder := kernelbuild.NewBuilder(kernelbuild.Config{
		TreePath:        sourceDir(),
		BaseConfigPath:  cfg.Build.BaseConfig,
		ConfigType:      cfg.Build.ConfigType,
		MakeOpts:        strings.Fields(cfg.Build.MakeOpts),
		EnableDebugInfo: cfg.Build.EnableDebugInfo,
		BuildTimeout:    cfg.Build.Timeout,
	}, nil, logger)

	tarball, err := builder.BuildTarball(ctx, !buildNoClean)
	if err != nil {
		if uerr := state.Update(map[string]any{
			"buildlog": builder.BuildLogPath(),
			"retcode":  1,
		}); uerr != nil {
			logger.Warn("saving build failure state failed", zap.Error(uerr))
		}
		return exitError(1, "Build failed", err)
	}

	release, err := builder.Release(ctx)
	if err != nil {
		return exitError(1, "Kernel release lookup failed", err)
	}

	if err := state.Update(map[string]any{
		"krelease": release,
		"tarpkg":   tarball,
	}); err != nil {
		return err
	}

	logger.Info("kernel built",
		zap.String("release", release), zap.String("tarball", tarball))
	return nil
}
