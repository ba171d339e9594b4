package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kpipe/kpipe/internal/observability"
	"github.com/kpipe/kpipe/pkg/kerneltree"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Prepare the kernel source tree",
	Long: `Check out the base repository and apply the configured merge refs,
local patches and Patchwork patches on top. The resulting heads are
recorded in the state file; a failed merge or patch stops the pipeline
and stores the git output as the merge log.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doMerge(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}

func doMerge(ctx context.Context) error {
	logger := observability.CLILogger

	tree := kerneltree.NewTree(kerneltree.TreeConfig{
		URI:        cfg.Merge.BaseRepo,
		Ref:        cfg.Merge.BaseRef,
		WorkDir:    sourceDir(),
		FetchDepth: cfg.Merge.FetchDepth,
	}, nil, logger)

	head, err := tree.Checkout(ctx)
	if err != nil {
		return exitError(1, "Base checkout failed", err)
	}
	if err := state.Update(map[string]any{
		"baserepo": cfg.Merge.BaseRepo,
		"basehead": head,
		"workdir":  cfg.Workdir,
	}); err != nil {
		return err
	}

	for i, entry := range cfg.Merge.MergeRefs {
		uri, ref := splitMergeRef(entry)
		mergedHead, err := tree.MergeGitRef(ctx, uri, ref)
		if err != nil {
			return failMerge(tree, err)
		}
		if err := state.Update(map[string]any{
			fmt.Sprintf("mergerepo_%d", i): uri,
			fmt.Sprintf("mergehead_%d", i): mergedHead,
		}); err != nil {
			return err
		}
	}

	for i, patch := range cfg.Merge.Patches {
		if err := tree.ApplyPatchFile(ctx, patch); err != nil {
			return failMerge(tree, err)
		}
		if err := state.Update(map[string]any{
			fmt.Sprintf("localpatch_%d", i): patch,
		}); err != nil {
			return err
		}
	}

	for i, url := range cfg.Merge.PatchworkPatches {
		if err := tree.ApplyPatchworkPatch(ctx, url); err != nil {
			return failMerge(tree, err)
		}
		if err := state.Update(map[string]any{
			fmt.Sprintf("patchwork_%d", i): url,
		}); err != nil {
			return err
		}
	}

	if _, err := tree.DumpInfo(""); err != nil {
		logger.Warn("writing buildinfo failed", zap.Error(err))
	}

	mergedHead, err := tree.HeadCommit(ctx, "")
	if err != nil {
		return err
	}
	if err := state.Update(map[string]any{"buildhead": mergedHead}); err != nil {
		return err
	}

	logger.Info("source tree ready", zap.String("head", mergedHead))
	return nil
}

// failMerge records the merge log so the report can show what went wrong,
// then maps the failure to exit code 1.
func failMerge(tree *kerneltree.Tree, err error) error {
	updates := map[string]any{"retcode": 1}

	var patchErr *kerneltree.PatchApplicationError
	var mergeErr *kerneltree.MergeConflictError
	if errors.As(err, &patchErr) || errors.As(err, &mergeErr) {
		if _, statErr := os.Stat(tree.MergeLogPath()); statErr == nil {
			updates["mergelog"] = tree.MergeLogPath()
		}
	}
	if uerr := state.Update(updates); uerr != nil {
		observability.CLILogger.Warn("saving merge failure state failed",
			zap.Error(uerr))
	}
	return exitError(1, "Merge failed", err)
}

// splitMergeRef parses a "uri [ref]" rc entry.
func splitMergeRef(entry string) (uri, ref string) {
	fields := strings.Fields(entry)
	if len(fields) > 1 {
		return fields[0], fields[1]
	}
	return fields[0], ""
}
