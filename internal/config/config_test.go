package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/devicerun/internal/batcher"
	"github.com/hochfrequenz/devicerun/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Run.Pooling != "omni" {
		t.Errorf("Pooling = %q, want omni", cfg.Run.Pooling)
	}
	if cfg.Run.CancelGrace.Std() != 30*time.Second {
		t.Errorf("CancelGrace = %v, want 30s", cfg.Run.CancelGrace)
	}
	if got := cfg.Strategy(); got.Kind != batcher.FixedSize || got.Size != 10 {
		t.Errorf("Strategy() = %+v, want fixed-size 10", got)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
[general]
log_level = "debug"

[run]
timeout = "45m"
pooling = "model"

[batching]
strategy = "grouped"
group_by = "package"

[retry]
max_attempts = 5
keep_all_traces = true

[executor]
command = "adb -s {serial} shell am instrument -w -e class {class}#{method} com.example.test/androidx.test.runner.AndroidJUnitRunner"
infra_exit_codes = [255, 137]

[filter]
type = "composition"
op = "SUBTRACT"

[[filter.filters]]
type = "package"
regex = "com\\.example\\..*"

[[filter.filters]]
type = "annotation"
values = ["com.example.Flaky"]

[[setup.steps]]
name = "install-app"
command = "adb -s {serial} install -r app.apk"
success_marker = "Success"

[[devices.static]]
id = "emulator-5554"
capabilities = { model = "sdk_gphone64", os_version = "34" }

[web]
enabled = true
listen = ":9000"

[[schedule]]
name = "nightly"
cron = "0 2 * * *"
max_duration = "3h"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Run.Timeout.Std() != 45*time.Minute {
		t.Errorf("Timeout = %v, want 45m", cfg.Run.Timeout)
	}
	if cfg.Run.Pooling != "model" {
		t.Errorf("Pooling = %q, want model", cfg.Run.Pooling)
	}
	if got := cfg.Strategy(); got.Kind != batcher.Grouped || got.GroupBy != batcher.ByPackage {
		t.Errorf("Strategy() = %+v", got)
	}
	if got := cfg.PolicyConfig(); got.MaxAttempts != 5 || !got.KeepAllTraces || !got.ReportFlaky {
		t.Errorf("PolicyConfig() = %+v", got)
	}
	if len(cfg.Executor.InfraExitCodes) != 2 {
		t.Errorf("InfraExitCodes = %v", cfg.Executor.InfraExitCodes)
	}
	if len(cfg.Filter.Filters) != 2 || cfg.Filter.Filters[1].Values[0] != "com.example.Flaky" {
		t.Errorf("Filter = %+v", cfg.Filter)
	}
	sc := cfg.SetupConfig()
	if len(sc.Steps) != 1 || sc.Steps[0].SuccessMarker != "Success" || sc.Retry.Attempts != 3 {
		t.Errorf("SetupConfig() = %+v", sc)
	}
	if cfg.Devices.Static[0].Capabilities["os_version"] != "34" {
		t.Errorf("static device = %+v", cfg.Devices.Static[0])
	}
	if !cfg.Web.Enabled || cfg.Web.Listen != ":9000" {
		t.Errorf("Web = %+v", cfg.Web)
	}
	if cfg.Schedules[0].MaxDuration.Std() != 3*time.Hour {
		t.Errorf("schedule = %+v", cfg.Schedules[0])
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "[run]\ntimeout = \"soon\"\n")
	_, err := Load(path)
	if !domain.IsConfigError(err) {
		t.Errorf("Load() error = %v, want ConfigError", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Executor.Command = "run-test {test}"
		return cfg
	}

	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"missing command", func(c *Config) { c.Executor.Command = "" }, "executor.command"},
		{"bad log level", func(c *Config) { c.General.LogLevel = "loud" }, "general.log_level"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"unknown strategy", func(c *Config) { c.Batching.Strategy = "random" }, "batching.strategy"},
		{"negative grace", func(c *Config) { c.Run.CancelGrace = Duration(-time.Second) }, "run.cancel_grace"},
		{"bad filter", func(c *Config) { c.Filter.Type = "package"; c.Filter.Regex = "(" }, "filter"},
		{"bad cron", func(c *Config) {
			c.Schedules = []ScheduleEntry{{Name: "x", Cron: "every day"}}
		}, "schedule[0].cron"},
		{"attachments without command", func(c *Config) { c.Attachments.Policy = "on-failure" }, "attachments.command"},
		{"heartbeat", func(c *Config) {
			c.Hub.Enabled = true
			c.Hub.HeartbeatTimeout = c.Hub.HeartbeatInterval
		}, "hub.heartbeat_timeout"},
		{"web without listen", func(c *Config) {
			c.Web.Enabled = true
			c.Web.Listen = " "
		}, "web.listen"},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config: Validate() error = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			var ce *domain.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate() error = %v, want ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

func TestValidate_HubWithoutCommand(t *testing.T) {
	cfg := Default()
	cfg.Hub.Enabled = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/devices", filepath.Join(home, "devices")},
		{"/abs/path", "/abs/path"},
		{"relative", "relative"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandPath(tt.input); got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
