// Package kernelbuild compiles a prepared kernel tree with make and packs
// the result into a tarball suitable for publishing.
package kernelbuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CommandRunner executes one external command in a working directory and
// returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir string, stdin []byte, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

// NewExecRunner returns a CommandRunner backed by os/exec. Commands run
// with LC_ALL=C so make output stays parseable.
func NewExecRunner() CommandRunner { return execRunner{} }

func (execRunner) Run(ctx context.Context, dir string, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Config describes one kernel build.
type Config struct {
	// TreePath is the kernel source tree to build.
	TreePath string
	// BaseConfigPath is the kernel config copied to .config before the
	// config target runs.
	BaseConfigPath string
	// ConfigType is the make config target, "olddefconfig" when empty.
	ConfigType string
	// MakeOpts are extra arguments appended to every make invocation.
	MakeOpts []string
	// EnableDebugInfo keeps debug symbols in the build. They inflate the
	// tarball several times over, so they stay off unless asked for.
	EnableDebugInfo bool
	// BuildTimeout bounds the targz-pkg make run; defaults to 12h.
	BuildTimeout time.Duration
}

// Builder drives make against a kernel tree.
type Builder struct {
	cfg      Config
	runner   CommandRunner
	logger   *zap.Logger
	prepared bool
}

func NewBuilder(cfg Config, runner CommandRunner, logger *zap.Logger) *Builder {
	if cfg.ConfigType == "" {
		cfg.ConfigType = "olddefconfig"
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 12 * time.Hour
	}
	if runner == nil {
		runner = NewExecRunner()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{cfg: cfg, runner: runner, logger: logger}
}

// ConfigPath is the location of the build's kernel config.
func (b *Builder) ConfigPath() string {
	return filepath.Join(b.cfg.TreePath, ".config")
}

// BuildLogPath is where the full make output of BuildTarball lands.
func (b *Builder) BuildLogPath() string {
	return filepath.Join(b.cfg.TreePath, "build.log")
}

func (b *Builder) makeArgs(target ...string) []string {
	args := append([]string{"-C", b.cfg.TreePath}, b.cfg.MakeOpts...)
	return append(args, target...)
}

// Prepare installs the base config and runs the config target. With clean
// set, the tree is wiped with mrproper first.
func (b *Builder) Prepare(ctx context.Context, clean bool) error {
	if clean {
		b.logger.Info("cleaning up tree", zap.String("tree", b.cfg.TreePath))
		if out, err := b.runner.Run(ctx, b.cfg.TreePath, nil, "make",
			b.makeArgs("mrproper")...); err != nil {
			return fmt.Errorf("mrproper: %w (%s)", err, lastLine(out))
		}
	}

	cfg, err := os.ReadFile(b.cfg.BaseConfigPath)
	if err != nil {
		return fmt.Errorf("read base config: %w", err)
	}
	if err := os.WriteFile(b.ConfigPath(), cfg, 0644); err != nil {
		return fmt.Errorf("install base config: %w", err)
	}

	if !b.cfg.EnableDebugInfo {
		b.logger.Info("disabling debuginfo")
		script := filepath.Join(b.cfg.TreePath, "scripts", "config")
		if out, err := b.runner.Run(ctx, b.cfg.TreePath, nil, script,
			"--file", b.ConfigPath(), "--disable", "debug_info"); err != nil {
			return fmt.Errorf("disable debuginfo: %w (%s)", err, lastLine(out))
		}
	}

	b.logger.Info("preparing config", zap.String("target", b.cfg.ConfigType))
	if out, err := b.runner.Run(ctx, b.cfg.TreePath, nil, "make",
		b.makeArgs(b.cfg.ConfigType)...); err != nil {
		return fmt.Errorf("%s: %w (%s)", b.cfg.ConfigType, err, lastLine(out))
	}

	b.prepared = true
	return nil
}

var releaseRe = regexp.MustCompile(`(?m)^\d+\.\d+\.\d+.*$`)

// Release returns the kernel release string the tree will build, preparing
// the config first if that has not happened yet.
func (b *Builder) Release(ctx context.Context) (string, error) {
	if !b.prepared {
		if err := b.Prepare(ctx, false); err != nil {
			return "", err
		}
	}

	out, err := b.runner.Run(ctx, b.cfg.TreePath, nil, "make",
		b.makeArgs("kernelrelease")...)
	if err != nil {
		return "", fmt.Errorf("kernelrelease: %w", err)
	}
	release := releaseRe.FindString(string(out))
	if release == "" {
		return "", &ParsingError{What: "kernel release in make output"}
	}
	return release, nil
}

var tarballRe = regexp.MustCompile(`(?m)^Tarball successfully created in (.*)$`)

// BuildTarball compiles the kernel and modules into a tar.gz package and
// returns its path. The make output is saved next to the tree as build.log.
func (b *Builder) BuildTarball(ctx context.Context, clean bool) (string, error) {
	if err := b.Prepare(ctx, clean); err != nil {
		return "", err
	}

	args := b.makeArgs("INSTALL_MOD_STRIP=1",
		fmt.Sprintf("-j%d", runtime.NumCPU()), "targz-pkg")
	b.logger.Info("building kernel", zap.Strings("args", args))

	buildCtx, cancel := context.WithTimeout(ctx, b.cfg.BuildTimeout)
	defer cancel()

	out, err := b.runner.Run(buildCtx, b.cfg.TreePath, nil, "make", args...)
	if werr := os.WriteFile(b.BuildLogPath(), out, 0644); werr != nil {
		b.logger.Warn("writing build log failed", zap.Error(werr))
	}
	if err != nil {
		if errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			return "", &CommandTimeoutError{Command: "make " + strings.Join(args, " ")}
		}
		return "", fmt.Errorf("targz-pkg: %w (%s)", err, lastLine(out))
	}

	m := tarballRe.FindStringSubmatch(string(out))
	if m == nil {
		return "", &ParsingError{What: "tarball path in make output"}
	}
	fpath := strings.TrimSpace(m[1])
	if !filepath.IsAbs(fpath) {
		fpath = filepath.Join(b.cfg.TreePath, fpath)
	}
	if _, err := os.Stat(fpath); err != nil {
		return "", fmt.Errorf("built tarball %s: %w", fpath, err)
	}
	return fpath, nil
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return lines[len(lines)-1]
}
