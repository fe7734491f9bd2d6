package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/devicerun/internal/attachment"
	"github.com/hochfrequenz/devicerun/internal/config"
	"github.com/hochfrequenz/devicerun/internal/devicehub"
	"github.com/hochfrequenz/devicerun/internal/events"
	"github.com/hochfrequenz/devicerun/internal/executor"
	"github.com/hochfrequenz/devicerun/internal/inventory"
	"github.com/hochfrequenz/devicerun/internal/logging"
	"github.com/hochfrequenz/devicerun/internal/notify"
	"github.com/hochfrequenz/devicerun/internal/resultstore"
	"github.com/hochfrequenz/devicerun/internal/runner"
	"github.com/hochfrequenz/devicerun/web/api"
)

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.General.LogFormat = logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.General.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(level, cfg.General.LogFormat)
	slog.SetDefault(logger)
	return logger, nil
}

func openStore(cfg *config.Config) (*resultstore.Store, error) {
	path := config.ExpandPath(cfg.General.DatabasePath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	return resultstore.New(path)
}

// env holds everything a run needs for the lifetime of one command
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *resultstore.Store
	hub     *devicehub.Hub
	watcher *inventory.DeviceWatcher
	web     *api.Server
	runner  *runner.Runner
	stop    context.CancelFunc
}

// newEnv opens the history, starts the hub, the web API and the descriptor
// watcher when configured, and creates the runner. Close releases all of it.
func newEnv(ctx context.Context, cfg *config.Config) (*env, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, stop := context.WithCancel(ctx)
	e := &env{cfg: cfg, logger: logger, stop: stop}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	e.store, err = openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	var local executor.Backend
	if cfg.Executor.Command != "" {
		local, err = executor.NewCommand(cfg.CommandConfig(), logger)
		if err != nil {
			return nil, err
		}
	}
	backend := local
	if cfg.Hub.Enabled {
		e.hub = devicehub.New(devicehub.Config{
			HeartbeatInterval: cfg.Hub.HeartbeatInterval.Std(),
			HeartbeatTimeout:  cfg.Hub.HeartbeatTimeout.Std(),
		}, nil, logger)
		backend = executor.Router{Remote: e.hub, Owns: e.hub.Serves, Local: local}
	}

	deps := runner.Deps{
		Backend: backend,
		Store:   e.store,
		Notifier: notify.NewMultiNotifier(
			notify.NewDesktopNotifier(cfg.Notifications.Desktop),
			notify.NewSlackNotifier(cfg.Notifications.SlackWebhook),
		),
	}
	if cfg.Attachments.Command != "" {
		deps.Capturer = attachment.ShellCapturer{
			Shell:   backend,
			Command: cfg.Attachments.Command,
			Dir:     config.ExpandPath(cfg.Attachments.Dir),
			Ext:     ".mp4",
		}
	}

	if cfg.Web.Enabled {
		e.web = api.NewServer(e.store, cfg.Web.Listen, logger)
		deps.Listeners = map[string]events.Listener{"web": e.web.Events()}
		go func() {
			if err := e.web.Start(ctx); err != nil {
				logger.Error("web api stopped", "error", err)
			}
		}()
	}

	e.runner, err = runner.New(cfg, deps, logger)
	if err != nil {
		return nil, err
	}

	if e.hub != nil {
		e.hub.SetHandler(e.runner)
		go func() {
			if err := e.hub.Start(ctx, cfg.Hub.Listen); err != nil {
				logger.Error("hub stopped", "error", err)
			}
		}()
	}

	if cfg.Devices.Dir != "" {
		dir := config.ExpandPath(cfg.Devices.Dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create device dir: %w", err)
		}
		e.watcher, err = inventory.NewDeviceWatcher(dir, e.runner, logger)
		if err != nil {
			return nil, err
		}
		if err := e.watcher.Start(ctx); err != nil {
			return nil, fmt.Errorf("watch device dir: %w", err)
		}
	}

	ok = true
	return e, nil
}

func (e *env) Close() {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	e.stop()
	if e.store != nil {
		e.store.Close()
	}
}
