package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/devicerun/internal/batcher"
	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/executor"
	"github.com/hochfrequenz/devicerun/internal/filter"
	"github.com/hochfrequenz/devicerun/internal/logging"
	"github.com/hochfrequenz/devicerun/internal/policy"
	"github.com/hochfrequenz/devicerun/internal/retry"
	"github.com/hochfrequenz/devicerun/internal/setup"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Run           RunConfig           `toml:"run"`
	Batching      BatchingConfig      `toml:"batching"`
	Retry         RetryConfig         `toml:"retry"`
	Filter        filter.Spec         `toml:"filter"`
	Executor      ExecutorConfig      `toml:"executor"`
	Setup         SetupConfig         `toml:"setup"`
	Hub           HubConfig           `toml:"hub"`
	Web           WebConfig           `toml:"web"`
	Devices       DevicesConfig       `toml:"devices"`
	Attachments   AttachmentsConfig   `toml:"attachments"`
	Notifications NotificationsConfig `toml:"notifications"`
	Schedules     []ScheduleEntry     `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	ReportDir    string `toml:"report_dir"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
}

// RunConfig holds run-wide timeouts and the pooling strategy
type RunConfig struct {
	Manifest         string   `toml:"manifest"`
	Timeout          Duration `toml:"timeout"`
	CancelGrace      Duration `toml:"cancel_grace"`
	NoDevicesTimeout Duration `toml:"no_devices_timeout"`
	ProbeTimeout     Duration `toml:"probe_timeout"`
	TestTimeout      Duration `toml:"test_timeout"`
	// Pooling is "omni" or a capability key such as "model"
	Pooling        string   `toml:"pooling"`
	StuckThreshold Duration `toml:"stuck_threshold"`
}

// BatchingConfig selects the batching strategy
type BatchingConfig struct {
	Strategy string `toml:"strategy"`
	Size     int    `toml:"size"`
	GroupBy  string `toml:"group_by"`
}

// RetryConfig holds the flakiness policy
type RetryConfig struct {
	MaxAttempts       int  `toml:"max_attempts"`
	ReportFlaky       bool `toml:"report_flaky"`
	KeepAllTraces     bool `toml:"keep_all_traces"`
	MaxInfraRetries   int  `toml:"max_infra_retries"`
	PrioritizeRetries bool `toml:"prioritize_retries"`
}

// ExecutorConfig configures the local command executor
type ExecutorConfig struct {
	Command            string            `toml:"command"`
	Shell              string            `toml:"shell"`
	ProbeCommand       string            `toml:"probe_command"`
	Env                map[string]string `toml:"env"`
	InfraExitCodes     []int             `toml:"infra_exit_codes"`
	AssumptionExitCode int               `toml:"assumption_exit_code"`
	IgnoredExitCode    int               `toml:"ignored_exit_code"`
}

// SetupConfig holds device preparation steps
type SetupConfig struct {
	Attempts int          `toml:"attempts"`
	Delay    Duration     `toml:"delay"`
	Steps    []setup.Step `toml:"steps"`
}

// HubConfig configures the remote device hub
type HubConfig struct {
	Enabled           bool     `toml:"enabled"`
	Listen            string   `toml:"listen"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`
}

// WebConfig configures the history API and live event stream
type WebConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// DevicesConfig lists local devices
type DevicesConfig struct {
	// Dir is watched for device descriptor files
	Dir    string         `toml:"dir"`
	Static []StaticDevice `toml:"static"`
}

// StaticDevice is a device known before the run starts
type StaticDevice struct {
	ID           string            `toml:"id"`
	Pool         string            `toml:"pool"`
	Capabilities map[string]string `toml:"capabilities"`
}

// AttachmentsConfig configures per-test diagnostics capture
type AttachmentsConfig struct {
	Policy  string `toml:"policy"`
	Command string `toml:"command"`
	Dir     string `toml:"dir"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// ScheduleEntry is a recurring run
type ScheduleEntry struct {
	Name             string   `toml:"name"`
	Cron             string   `toml:"cron"`
	Manifest         string   `toml:"manifest"`
	MaxDuration      Duration `toml:"max_duration"`
	NotifyOnComplete bool     `toml:"notify_on_complete"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".devicerun", "history.db"),
			ReportDir:    filepath.Join(home, ".devicerun", "reports"),
			LogLevel:     "info",
			LogFormat:    logging.FormatText,
		},
		Run: RunConfig{
			Manifest:         "tests.yaml",
			Timeout:          Duration(2 * time.Hour),
			CancelGrace:      Duration(30 * time.Second),
			NoDevicesTimeout: Duration(5 * time.Minute),
			ProbeTimeout:     Duration(2 * time.Minute),
			TestTimeout:      Duration(15 * time.Minute),
			Pooling:          "omni",
			StuckThreshold:   Duration(10 * time.Minute),
		},
		Batching: BatchingConfig{
			Strategy: string(batcher.FixedSize),
			Size:     10,
			GroupBy:  string(batcher.ByClass),
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			ReportFlaky:       true,
			MaxInfraRetries:   3,
			PrioritizeRetries: true,
		},
		Executor: ExecutorConfig{
			Shell:          "sh",
			InfraExitCodes: []int{255},
		},
		Setup: SetupConfig{
			Attempts: 3,
			Delay:    Duration(time.Second),
		},
		Hub: HubConfig{
			Listen:            "127.0.0.1:8765",
			HeartbeatInterval: Duration(15 * time.Second),
			HeartbeatTimeout:  Duration(45 * time.Second),
		},
		Web: WebConfig{
			Listen: "127.0.0.1:8766",
		},
		Attachments: AttachmentsConfig{
			Policy: "off",
			Dir:    filepath.Join(home, ".devicerun", "attachments"),
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, &domain.ConfigError{Field: path, Message: "invalid TOML", Err: err}
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.ReportDir = ExpandPath(cfg.General.ReportDir)
	cfg.Run.Manifest = ExpandPath(cfg.Run.Manifest)
	cfg.Devices.Dir = ExpandPath(cfg.Devices.Dir)
	cfg.Attachments.Dir = ExpandPath(cfg.Attachments.Dir)
	for i := range cfg.Schedules {
		cfg.Schedules[i].Manifest = ExpandPath(cfg.Schedules[i].Manifest)
	}

	return cfg, nil
}

// Validate checks every section. The first problem is returned as a
// *domain.ConfigError.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.General.LogLevel); err != nil {
		return &domain.ConfigError{Field: "general.log_level", Message: err.Error()}
	}
	if !logging.ValidFormat(c.General.LogFormat) {
		return &domain.ConfigError{Field: "general.log_format", Message: fmt.Sprintf("unknown format %q", c.General.LogFormat)}
	}

	durations := map[string]Duration{
		"run.timeout":            c.Run.Timeout,
		"run.cancel_grace":       c.Run.CancelGrace,
		"run.no_devices_timeout": c.Run.NoDevicesTimeout,
		"run.probe_timeout":      c.Run.ProbeTimeout,
		"run.test_timeout":       c.Run.TestTimeout,
		"run.stuck_threshold":    c.Run.StuckThreshold,
		"setup.delay":            c.Setup.Delay,
	}
	for field, d := range durations {
		if d < 0 {
			return &domain.ConfigError{Field: field, Message: "must not be negative"}
		}
	}
	if strings.TrimSpace(c.Run.Pooling) == "" {
		return &domain.ConfigError{Field: "run.pooling", Message: `must be "omni" or a capability key`}
	}

	if err := c.Strategy().Validate(); err != nil {
		return err
	}
	if _, err := policy.New(c.PolicyConfig()); err != nil {
		return err
	}
	if _, err := filter.CompileSpec(c.Filter); err != nil {
		return err
	}

	if !c.Hub.Enabled && strings.TrimSpace(c.Executor.Command) == "" {
		return &domain.ConfigError{Field: "executor.command", Message: "required unless the hub is enabled"}
	}
	if c.Hub.Enabled && c.Hub.HeartbeatTimeout <= c.Hub.HeartbeatInterval {
		return &domain.ConfigError{Field: "hub.heartbeat_timeout", Message: "must exceed hub.heartbeat_interval"}
	}
	if c.Web.Enabled && strings.TrimSpace(c.Web.Listen) == "" {
		return &domain.ConfigError{Field: "web.listen", Message: "required when the web API is enabled"}
	}
	if c.Setup.Attempts < 1 {
		return &domain.ConfigError{Field: "setup.attempts", Message: fmt.Sprintf("must be >= 1, got %d", c.Setup.Attempts)}
	}
	for i, s := range c.Setup.Steps {
		if strings.TrimSpace(s.Command) == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("setup.steps[%d].command", i), Message: "must not be empty"}
		}
	}

	for i, d := range c.Devices.Static {
		if d.ID == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("devices.static[%d].id", i), Message: "must not be empty"}
		}
	}

	switch c.Attachments.Policy {
	case "", "off", "on-failure", "on-any":
	default:
		return &domain.ConfigError{Field: "attachments.policy", Message: fmt.Sprintf("unknown policy %q", c.Attachments.Policy)}
	}
	if c.Attachments.Policy != "" && c.Attachments.Policy != "off" && c.Attachments.Command == "" {
		return &domain.ConfigError{Field: "attachments.command", Message: "required when attachments are enabled"}
	}

	seen := make(map[string]bool)
	for i, s := range c.Schedules {
		field := fmt.Sprintf("schedule[%d]", i)
		if s.Name == "" {
			return &domain.ConfigError{Field: field + ".name", Message: "is required"}
		}
		if seen[s.Name] {
			return &domain.ConfigError{Field: field + ".name", Message: fmt.Sprintf("duplicate schedule %q", s.Name)}
		}
		seen[s.Name] = true
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return &domain.ConfigError{Field: field + ".cron", Message: "invalid cron expression", Err: err}
		}
	}
	return nil
}

// Strategy returns the batching strategy
func (c *Config) Strategy() batcher.Strategy {
	return batcher.Strategy{
		Kind:    batcher.Kind(c.Batching.Strategy),
		Size:    c.Batching.Size,
		GroupBy: batcher.GroupKey(c.Batching.GroupBy),
	}
}

// PolicyConfig returns the retry policy settings
func (c *Config) PolicyConfig() policy.Config {
	return policy.Config{
		MaxAttempts:     c.Retry.MaxAttempts,
		ReportFlaky:     c.Retry.ReportFlaky,
		KeepAllTraces:   c.Retry.KeepAllTraces,
		MaxInfraRetries: c.Retry.MaxInfraRetries,
	}
}

// CommandConfig returns the local executor settings
func (c *Config) CommandConfig() executor.CommandConfig {
	return executor.CommandConfig{
		Command:            c.Executor.Command,
		Shell:              c.Executor.Shell,
		Env:                c.Executor.Env,
		InfraExitCodes:     c.Executor.InfraExitCodes,
		AssumptionExitCode: c.Executor.AssumptionExitCode,
		IgnoredExitCode:    c.Executor.IgnoredExitCode,
		TestTimeout:        c.Run.TestTimeout.Std(),
	}
}

// SetupConfig returns the device preparation settings
func (c *Config) SetupConfig() setup.Config {
	opts := retry.DefaultOptions()
	opts.Attempts = c.Setup.Attempts
	opts.InitialDelay = c.Setup.Delay.Std()
	return setup.Config{
		ProbeCommand: c.Executor.ProbeCommand,
		Steps:        c.Setup.Steps,
		Retry:        opts,
	}
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "devicerun", "config.toml")
}
