// Package config loads the pipeline's rc file into an explicit Config
// struct. Settings come from the YAML rc file, KPIPE_* environment variables
// and command-line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Merge configures the source tree preparation stage.
type Merge struct {
	BaseRepo   string `mapstructure:"baserepo"`
	BaseRef    string `mapstructure:"baseref"`
	FetchDepth int    `mapstructure:"fetch_depth"`

	// MergeRefs are "uri[ ref]" entries merged on top of the base.
	MergeRefs []string `mapstructure:"merge_ref"`
	// Patches are local patch files applied with git am.
	Patches []string `mapstructure:"patch"`
	// PatchworkPatches are Patchwork patch URLs.
	PatchworkPatches []string `mapstructure:"pw"`
}

// Build configures the kernel build stage.
type Build struct {
	BaseConfig      string        `mapstructure:"baseconfig"`
	ConfigType      string        `mapstructure:"cfgtype"`
	MakeOpts        string        `mapstructure:"makeopts"`
	EnableDebugInfo bool          `mapstructure:"enable_debuginfo"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// Publisher configures where build artifacts are copied.
type Publisher struct {
	Type        string `mapstructure:"type"`
	Destination string `mapstructure:"destination"`
	BaseURL     string `mapstructure:"baseurl"`
}

// Runner configures job submission and tracking.
type Runner struct {
	JobTemplate      string        `mapstructure:"jobtemplate"`
	JobOwner         string        `mapstructure:"jobowner"`
	Blacklist        string        `mapstructure:"blacklist"`
	WatchDelay       time.Duration `mapstructure:"watch_delay"`
	MaxAbortedCount  int           `mapstructure:"max_aborted_count"`
	MaxFetchFailures int           `mapstructure:"max_fetch_failures"`
	MaxWatchTime     time.Duration `mapstructure:"max_watch_time"`
	Waiving          bool          `mapstructure:"waiving"`
	Reschedule       bool          `mapstructure:"reschedule"`
	Arch             string        `mapstructure:"arch"`
	PinHost          string        `mapstructure:"pin_host"`
	QueriesPerSec    float64       `mapstructure:"queries_per_second"`
}

// Reporter configures result delivery.
type Reporter struct {
	Type          string   `mapstructure:"type"`
	MailFrom      string   `mapstructure:"mail_from"`
	MailTo        []string `mapstructure:"mail_to"`
	MailCc        []string `mapstructure:"mail_cc"`
	MailBcc       []string `mapstructure:"mail_bcc"`
	MailHeaders   []string `mapstructure:"mail_header"`
	SubjectPrefix string   `mapstructure:"mail_subject_pfx"`
	Subject       string   `mapstructure:"mail_subject"`
	SMTPAddr      string   `mapstructure:"smtp_url"`
}

// Config is the full pipeline configuration.
type Config struct {
	// Workdir houses the kernel tree, build output and logs.
	Workdir string `mapstructure:"workdir"`
	// State is the path of the YAML state document shared by stages.
	State string `mapstructure:"state"`

	Merge     Merge     `mapstructure:"merge"`
	Build     Build     `mapstructure:"build"`
	Publisher Publisher `mapstructure:"publisher"`
	Runner    Runner    `mapstructure:"runner"`
	Reporter  Reporter  `mapstructure:"reporter"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workdir", "workdir")
	v.SetDefault("state", "kpipe-state.yaml")

	v.SetDefault("merge.baseref", "master")

	v.SetDefault("build.cfgtype", "olddefconfig")
	v.SetDefault("build.timeout", "12h")

	v.SetDefault("publisher.type", "cp")

	v.SetDefault("runner.watch_delay", "60s")
	v.SetDefault("runner.max_aborted_count", 3)
	v.SetDefault("runner.max_fetch_failures", 10)
	v.SetDefault("runner.reschedule", true)
	v.SetDefault("runner.waiving", true)

	v.SetDefault("reporter.type", "stdio")
	v.SetDefault("reporter.smtp_url", "localhost:25")
}

// Load reads the rc file at path. A missing file is fine when the path is
// the default; explicitly requested files must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("read rc file %s: %w", path, err)
			}
			// Missing rc file: run on defaults, env and flags.
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	return &cfg, nil
}
