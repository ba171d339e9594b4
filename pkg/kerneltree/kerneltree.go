// Package kerneltree manages a kernel git checkout: fetching a base
// repository, merging extra refs and applying patches on top, while
// collecting build provenance for later reporting.
package kerneltree

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TreeConfig describes the checkout to prepare.
type TreeConfig struct {
	// URI is the git URL of the base repository.
	URI string
	// Ref is the remote reference to check out, "master" when empty.
	Ref string
	// WorkDir houses the clone and the working tree.
	WorkDir string
	// FetchDepth limits the history fetched; 0 fetches everything.
	FetchDepth int
	// PatchFetchAttempts bounds Patchwork mbox download retries; defaults
	// to 3 attempts with a 5s delay increment.
	PatchFetchAttempts int
	PatchFetchDelay    time.Duration
}

// Tree is a kernel git working tree. Every merged source is recorded and can
// be dumped as a buildinfo CSV.
type Tree struct {
	cfg    TreeConfig
	runner CommandRunner
	logger *zap.Logger

	// info rows: ("base", uri, head), ("git", uri, head),
	// ("patchwork", url, subject), ("patch", path).
	info [][]string
}

func NewTree(cfg TreeConfig, runner CommandRunner, logger *zap.Logger) *Tree {
	if cfg.Ref == "" {
		cfg.Ref = "master"
	}
	if cfg.PatchFetchAttempts < 1 {
		cfg.PatchFetchAttempts = 3
	}
	if cfg.PatchFetchDelay <= 0 {
		cfg.PatchFetchDelay = 5 * time.Second
	}
	if runner == nil {
		runner = NewExecRunner()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tree{cfg: cfg, runner: runner, logger: logger}
}

func (t *Tree) Path() string { return t.cfg.WorkDir }

// MergeLogPath is where failed patch output lands.
func (t *Tree) MergeLogPath() string {
	return filepath.Join(t.cfg.WorkDir, "merge.log")
}

func (t *Tree) gitCmd(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{
		"--work-tree", t.cfg.WorkDir,
		"--git-dir", filepath.Join(t.cfg.WorkDir, ".git"),
	}, args...)
	t.logger.Debug("running git", zap.Strings("args", args))
	return t.runner.Run(ctx, t.cfg.WorkDir, nil, "git", full...)
}

// Checkout initializes the working directory, fetches the configured ref
// from origin and checks it out detached. Returns the head commit hash.
func (t *Tree) Checkout(ctx context.Context) (string, error) {
	if err := os.MkdirAll(t.cfg.WorkDir, 0755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	// A stale merge log from a previous run must not leak into this one.
	if err := os.Remove(t.MergeLogPath()); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove merge log: %w", err)
	}

	if _, err := t.gitCmd(ctx, "init"); err != nil {
		return "", fmt.Errorf("init repository: %w", err)
	}
	if _, err := t.gitCmd(ctx, "remote", "set-url", "origin", t.cfg.URI); err != nil {
		if _, err := t.gitCmd(ctx, "remote", "add", "origin", t.cfg.URI); err != nil {
			return "", fmt.Errorf("add origin remote: %w", err)
		}
	}

	dstRef := "refs/remotes/origin/" + lastRefComponent(t.cfg.Ref)
	fetchArgs := []string{"fetch", "-n", "origin", t.cfg.Ref + ":" + dstRef}
	if t.cfg.FetchDepth > 0 {
		fetchArgs = append(fetchArgs, "--depth", strconv.Itoa(t.cfg.FetchDepth))
	}
	t.logger.Info("fetching base repo",
		zap.String("uri", t.cfg.URI), zap.String("ref", t.cfg.Ref))
	if _, err := t.gitCmd(ctx, fetchArgs...); err != nil {
		return "", fmt.Errorf("fetch %s: %w", t.cfg.Ref, err)
	}

	t.logger.Info("checking out", zap.String("ref", t.cfg.Ref))
	if _, err := t.gitCmd(ctx, "checkout", "-q", "--detach", dstRef); err != nil {
		return "", fmt.Errorf("checkout %s: %w", dstRef, err)
	}
	if _, err := t.gitCmd(ctx, "reset", "--hard", dstRef); err != nil {
		return "", fmt.Errorf("reset to %s: %w", dstRef, err)
	}

	head, err := t.HeadCommit(ctx, "")
	if err != nil {
		return "", err
	}
	t.info = append(t.info, []string{"base", t.cfg.URI, head})
	t.logger.Info("base checked out",
		zap.String("ref", t.cfg.Ref), zap.String("head", head))
	return head, nil
}

// HeadCommit returns the full hash of ref, or of HEAD when ref is empty.
func (t *Tree) HeadCommit(ctx context.Context, ref string) (string, error) {
	args := []string{"show", "--format=%H", "-s"}
	if ref != "" {
		args = append(args, ref)
	}
	out, err := t.gitCmd(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("resolve commit: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CommitDate returns the committer date of ref, or of HEAD when ref is
// empty.
func (t *Tree) CommitDate(ctx context.Context, ref string) (time.Time, error) {
	args := []string{"show", "--format=%ct", "-s"}
	if ref != "" {
		args = append(args, ref)
	}
	out, err := t.gitCmd(ctx, args...)
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve commit date: %w", err)
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit date: %w", err)
	}
	return time.Unix(epoch, 0), nil
}

// MergeGitRef fetches ref from uri under a derived remote name and merges it
// into the current head. A conflicting merge resets the tree and returns
// MergeConflictError.
func (t *Tree) MergeGitRef(ctx context.Context, uri, ref string) (string, error) {
	if ref == "" {
		ref = "master"
	}
	rname, err := t.remoteName(ctx, uri)
	if err != nil {
		return "", err
	}
	// The remote may already exist from a previous run.
	_, _ = t.gitCmd(ctx, "remote", "add", rname, uri)

	dstRef := fmt.Sprintf("refs/remotes/%s/%s", rname, lastRefComponent(ref))
	t.logger.Info("fetching merge ref",
		zap.String("remote", rname), zap.String("ref", ref))
	if _, err := t.gitCmd(ctx, "fetch", "-n", rname, ref+":"+dstRef); err != nil {
		return "", fmt.Errorf("fetch %s from %s: %w", ref, rname, err)
	}

	t.logger.Info("merging", zap.String("remote", rname), zap.String("ref", ref))
	if _, err := t.gitCmd(ctx, "merge", "--no-edit", dstRef); err != nil {
		t.logger.Warn("merge failed, resetting",
			zap.String("remote", rname), zap.String("ref", ref), zap.Error(err))
		if _, rerr := t.gitCmd(ctx, "reset", "--hard"); rerr != nil {
			return "", fmt.Errorf("reset after failed merge: %w", rerr)
		}
		return "", &MergeConflictError{URI: uri, Ref: ref}
	}

	head, err := t.HeadCommit(ctx, dstRef)
	if err != nil {
		return "", err
	}
	t.info = append(t.info, []string{"git", uri, head})
	t.logger.Info("merged",
		zap.String("remote", rname), zap.String("ref", ref), zap.String("head", head))
	return head, nil
}

var fetchURLRe = regexp.MustCompile(`Fetch URL: (.*)`)

func (t *Tree) remoteURL(ctx context.Context, remote string) string {
	out, err := t.gitCmd(ctx, "remote", "show", "-n", remote)
	if err != nil {
		return ""
	}
	if m := fetchURLRe.FindSubmatch(out); m != nil {
		return strings.TrimSpace(string(m[1]))
	}
	return ""
}

// remoteName derives a remote name from the URI basename, disambiguating
// with underscores when the name is taken by a different URL.
func (t *Tree) remoteName(ctx context.Context, uri string) (string, error) {
	parts := strings.Split(strings.TrimRight(uri, "/"), "/")
	rname := strings.TrimSuffix(parts[len(parts)-1], ".git")
	if rname == "" {
		return "", fmt.Errorf("cannot derive remote name from %q", uri)
	}
	for {
		existing := t.remoteURL(ctx, rname)
		if existing == "" || existing == uri {
			return rname, nil
		}
		t.logger.Warn("remote name taken by a different uri, adding underscore",
			zap.String("remote", rname))
		rname += "_"
	}
}

// DumpInfo writes the accumulated provenance rows as CSV into the work
// directory and returns the file path.
func (t *Tree) DumpInfo(fname string) (string, error) {
	if fname == "" {
		fname = "buildinfo.csv"
	}
	fpath := filepath.Join(t.cfg.WorkDir, fname)
	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create buildinfo: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(t.info); err != nil {
		return "", fmt.Errorf("write buildinfo: %w", err)
	}
	return fpath, nil
}

// Cleanup removes the whole working directory.
func (t *Tree) Cleanup() error {
	t.logger.Info("cleaning up work dir", zap.String("dir", t.cfg.WorkDir))
	return os.RemoveAll(t.cfg.WorkDir)
}

func lastRefComponent(ref string) string {
	parts := strings.Split(ref, "/")
	return parts[len(parts)-1]
}
