package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

func TestLoadAgentConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	content := `
[server]
url = "ws://ci-host:8765/ws"

[agent]
id = "rack-3"
reconnect_delay = "2s"

[executor]
command = "adb -s {serial} shell am instrument -w -e class {class}#{method} com.example.test/androidx.test.runner.AndroidJUnitRunner"
infra_exit_codes = [255]

[[devices.static]]
id = "emulator-5554"
capabilities = { model = "sdk_gphone64" }
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadAgentConfig(path)
	if err != nil {
		t.Fatalf("loadAgentConfig() error = %v", err)
	}
	if cfg.Server.URL != "ws://ci-host:8765/ws" || cfg.Agent.ID != "rack-3" {
		t.Errorf("server/agent = %q %q", cfg.Server.URL, cfg.Agent.ID)
	}
	if cfg.Agent.ReconnectDelay.Std() != 2*time.Second {
		t.Errorf("ReconnectDelay = %v", cfg.Agent.ReconnectDelay)
	}
	if len(cfg.Devices.Static) != 1 || cfg.Devices.Static[0].Capabilities["model"] != "sdk_gphone64" {
		t.Errorf("Static = %+v", cfg.Devices.Static)
	}
}

func TestLoadAgentConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	os.WriteFile(path, []byte("[server\nurl ="), 0644)

	_, err := loadAgentConfig(path)
	if !domain.IsConfigError(err) {
		t.Errorf("loadAgentConfig() error = %v, want ConfigError", err)
	}
}

func TestRenderUnit(t *testing.T) {
	unit, err := renderUnit("/usr/local/bin/device-agent", unitConfig{User: "ci", Group: "plugdev", DeviceDir: "/var/lib/device-agent/devices"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"ExecStart=/usr/local/bin/device-agent",
		"User=ci",
		"Group=plugdev",
		"ReadWritePaths=/var/lib/device-agent/devices",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}
}
