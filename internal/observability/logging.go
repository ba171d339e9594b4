// Package observability owns logger construction for the CLI.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger. It discards everything until Init
// runs, so library code invoked from tests stays quiet.
var CLILogger = zap.NewNop()

// Init builds the CLI logger. Verbose enables debug-level output.
func Init(verbose bool) {
	CLILogger = NewCLILogger(verbose)
}

// NewCLILogger returns a console-encoded logger writing to stderr, keeping
// stdout free for report output.
func NewCLILogger(verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}

// Sync flushes buffered log entries; called on process exit.
func Sync() {
	_ = CLILogger.Sync()
}
