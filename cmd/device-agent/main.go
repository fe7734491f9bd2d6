// cmd/device-agent/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/devicerun/internal/config"
	"github.com/hochfrequenz/devicerun/internal/deviceagent"
	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/executor"
	"github.com/hochfrequenz/devicerun/internal/inventory"
	"github.com/hochfrequenz/devicerun/internal/logging"
	"github.com/hochfrequenz/devicerun/internal/retry"
)

var (
	configPath string
	serverURL  string
	agentID    string
	deviceDir  string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "device-agent",
		Short:        "Serve locally attached devices to a devicerun hub",
		RunE:         run,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "Hub WebSocket URL, e.g. ws://ci-host:8765/ws")
	rootCmd.Flags().StringVar(&agentID, "id", "", "Agent ID (defaults to the hostname)")
	rootCmd.Flags().StringVar(&deviceDir, "devices", "", "Directory of device descriptor files")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	// Add service management subcommand
	rootCmd.AddCommand(newServiceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Config defines the device-agent configuration file format
type Config struct {
	Server struct {
		URL string `toml:"url"`
	} `toml:"server"`
	Agent struct {
		ID                string          `toml:"id"`
		ReconnectDelay    config.Duration `toml:"reconnect_delay"`
		MaxReconnectDelay config.Duration `toml:"max_reconnect_delay"`
	} `toml:"agent"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Executor config.ExecutorConfig `toml:"executor"`
	Devices  config.DevicesConfig  `toml:"devices"`
}

// Default config file locations (checked in order)
var defaultConfigPaths = []string{
	"/etc/device-agent/config.toml",
	"/etc/device-agent.toml",
}

func loadAgentConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, &domain.ConfigError{Field: path, Message: err.Error()}
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadAgentConfig(configPath)
	if err != nil {
		return err
	}

	// CLI flags override config (only if explicitly set)
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}
	if agentID != "" {
		cfg.Agent.ID = agentID
	}
	if deviceDir != "" {
		cfg.Devices.Dir = deviceDir
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	// Defaults
	if cfg.Agent.ID == "" {
		hostname, _ := os.Hostname()
		cfg.Agent.ID = hostname
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(level, cfg.Log.Format)

	backend, err := executor.NewCommand(executor.CommandConfig{
		Command:            cfg.Executor.Command,
		Shell:              cfg.Executor.Shell,
		Env:                cfg.Executor.Env,
		InfraExitCodes:     cfg.Executor.InfraExitCodes,
		AssumptionExitCode: cfg.Executor.AssumptionExitCode,
		IgnoredExitCode:    cfg.Executor.IgnoredExitCode,
	}, logger)
	if err != nil {
		return err
	}

	reconnect := retry.DefaultOptions()
	if d := cfg.Agent.ReconnectDelay.Std(); d > 0 {
		reconnect.InitialDelay = d
	}
	if d := cfg.Agent.MaxReconnectDelay.Std(); d > 0 {
		reconnect.MaxDelay = d
	}

	agent, err := deviceagent.New(deviceagent.Config{
		ServerURL: cfg.Server.URL,
		AgentID:   cfg.Agent.ID,
		Reconnect: reconnect,
	}, backend, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	for _, s := range cfg.Devices.Static {
		agent.DeviceAdded(domain.Device{ID: s.ID, Pool: s.Pool, Capabilities: s.Capabilities})
	}

	// Handle shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Devices.Dir != "" {
		watcher, err := inventory.NewDeviceWatcher(config.ExpandPath(cfg.Devices.Dir), agent, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("watch device dir: %w", err)
		}
		defer watcher.Stop()
	}

	logger.Info("agent starting", "agent", cfg.Agent.ID, "server", cfg.Server.URL, "devices", len(agent.Devices()))

	// Run with automatic reconnection (blocks until stopped)
	if err := agent.RunWithReconnect(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("agent stopped")
	return nil
}
