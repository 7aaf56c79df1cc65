// Package config loads orchestrator configuration. The loader shape
// (viper, env-prefix override, file defaults, then validate) is kept from
// the teacher's internal/config/config.go; the option set is expanded to
// the full surface of spec §6.5.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// CloudTrigger selects how CloudBridge.Submit kicks off a remote execution.
type CloudTrigger string

const (
	CloudTriggerAPI     CloudTrigger = "api"
	CloudTriggerCommand CloudTrigger = "command"
	CloudTriggerManual  CloudTrigger = "manual"
)

// Config holds all static configuration required by the orchestrator
// (spec §6.5).
type Config struct {
	// Filesystem layout (spec §6.2).
	DataRoot string `mapstructure:"data_root"`

	// InboxWatcher (spec §4.2, §6.1).
	InboxPollInterval time.Duration `mapstructure:"inbox_poll_interval"`
	StabilityProbes   int           `mapstructure:"stability_probes"`
	StabilityDelay    time.Duration `mapstructure:"stability_delay"`
	MinFileAge        time.Duration `mapstructure:"min_file_age"`
	AllowedExtensions []string      `mapstructure:"allowed_extensions"`

	// Cloud pipeline (spec §6.5).
	CloudPipeline   bool         `mapstructure:"cloud_pipeline"`
	CloudTrigger    CloudTrigger `mapstructure:"cloud_trigger"`
	CloudTriggerURL string       `mapstructure:"cloud_trigger_url"`
	CloudTriggerCmd string       `mapstructure:"cloud_trigger_command"`
	JobsBucket      string       `mapstructure:"jobs_bucket"`
	JobsPrefix      string       `mapstructure:"jobs_prefix"`
	CloudHTTPTimeout time.Duration `mapstructure:"cloud_http_timeout"`

	// LocalRunner (spec §4.3, §9 idle-timeout rule).
	FFmpegPath         string        `mapstructure:"ffmpeg_path"`
	ASRCommand         string        `mapstructure:"asr_command"`
	FinalizerCommand   string        `mapstructure:"finalizer_command"`
	BurnerCommand      string        `mapstructure:"burner_command"`
	ASRIdleTimeout     time.Duration `mapstructure:"asr_idle_timeout"`
	KillGracePeriod    time.Duration `mapstructure:"kill_grace_period"`
	MaxConcurrentProcs int           `mapstructure:"max_concurrent_procs"`

	// StageEngine (spec §4.5, §6.5).
	TickInterval        time.Duration  `mapstructure:"tick_interval"`
	PollInterval        time.Duration  `mapstructure:"poll_interval"`
	StageConcurrency    map[string]int `mapstructure:"stage_concurrency"`
	StageRetryBudget     map[string]int `mapstructure:"stage_retry_budget"`
	ReviewRequiredDefault bool         `mapstructure:"review_required_default"`

	// StallDetector (spec §4.6).
	StallScanInterval time.Duration            `mapstructure:"stall_scan_interval"`
	StallThresholds   map[string]time.Duration `mapstructure:"stall_thresholds"`
	MaxStallCount     int                      `mapstructure:"max_stall_count"`

	// ControlAPI (spec §4.8, §6.3).
	BindAddr   string `mapstructure:"bind_addr"`
	AdminToken string `mapstructure:"admin_token"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration from orchestrator.yml and environment variables.
// Priority: Env Vars > Config File > Defaults (teacher's internal/config
// pattern, kept verbatim).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("orchestrator")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_root", "./data")
	v.SetDefault("inbox_poll_interval", "3s")
	v.SetDefault("stability_probes", 3)
	v.SetDefault("stability_delay", "1s")
	v.SetDefault("min_file_age", "3s")
	v.SetDefault("allowed_extensions", []string{
		".mp4", ".mov", ".mkv", ".mpg", ".mpeg", ".mxf", ".mp3", ".wav", ".m4a",
	})

	v.SetDefault("cloud_pipeline", true)
	v.SetDefault("cloud_trigger", "manual")
	v.SetDefault("jobs_bucket", "localization-jobs")
	v.SetDefault("jobs_prefix", "jobs")
	v.SetDefault("cloud_http_timeout", "30s")

	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("asr_command", "asr-cli")
	v.SetDefault("finalizer_command", "subtitle-finalizer")
	v.SetDefault("burner_command", "subtitle-burner")
	v.SetDefault("kill_grace_period", "10s")
	v.SetDefault("max_concurrent_procs", 2)

	v.SetDefault("tick_interval", "1s")
	v.SetDefault("poll_interval", "5s")
	v.SetDefault("review_required_default", false)
	v.SetDefault("stage_concurrency", map[string]int{
		"TRANSCRIBING": 1,
		"BURNING":      1,
		"FINALIZING":   2,
		"default":      4,
	})
	v.SetDefault("stage_retry_budget", map[string]int{"default": 2})

	v.SetDefault("stall_scan_interval", "30s")
	v.SetDefault("stall_thresholds", map[string]string{
		"INGEST":                       "30m",
		"TRANSCRIBING":                 "90m",
		"TRANSLATING_CLOUD_SUBMITTED":  "90m",
		"CLOUD_TRANSLATING":            "90m",
		"CLOUD_REVIEWING":              "90m",
		"CLOUD_POLISHING":              "90m",
		"REVIEWING":                    "3h",
		"FINALIZING":                   "3h",
		"BURNING":                      "6h",
	})
	v.SetDefault("max_stall_count", 3)

	v.SetDefault("bind_addr", "127.0.0.1:8088")
	v.SetDefault("log_level", "info")
}

func validate(cfg *Config) error {
	if cfg.DataRoot == "" {
		return fmt.Errorf("configuration 'data_root' is required")
	}
	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return fmt.Errorf("unable to create data_root at %s: %w", cfg.DataRoot, err)
	}
	switch cfg.CloudTrigger {
	case CloudTriggerAPI, CloudTriggerCommand, CloudTriggerManual:
	default:
		return fmt.Errorf("configuration 'cloud_trigger' must be one of api|command|manual, got %q", cfg.CloudTrigger)
	}
	if cfg.CloudTrigger == CloudTriggerAPI && cfg.CloudTriggerURL == "" {
		return fmt.Errorf("configuration 'cloud_trigger_url' is required when cloud_trigger=api")
	}
	if cfg.CloudTrigger == CloudTriggerCommand && cfg.CloudTriggerCmd == "" {
		return fmt.Errorf("configuration 'cloud_trigger_command' is required when cloud_trigger=command")
	}
	return nil
}

// StageConcurrencyFor returns the configured concurrency cap for stage,
// falling back to the "default" entry (spec §6.5 stage_concurrency.{stage}).
func (c *Config) StageConcurrencyFor(stage string) int {
	if n, ok := c.StageConcurrency[stage]; ok {
		return n
	}
	if n, ok := c.StageConcurrency["default"]; ok {
		return n
	}
	return 1
}

// RetryBudgetFor returns the configured retry budget for stage (spec §7).
func (c *Config) RetryBudgetFor(stage string) int {
	if n, ok := c.StageRetryBudget[stage]; ok {
		return n
	}
	if n, ok := c.StageRetryBudget["default"]; ok {
		return n
	}
	return 2
}

// StallThresholdFor returns the configured stall threshold for stage, or a
// generous 1h default for any stage not explicitly listed.
func (c *Config) StallThresholdFor(stage string) time.Duration {
	if d, ok := c.StallThresholds[stage]; ok {
		return d
	}
	return time.Hour
}
