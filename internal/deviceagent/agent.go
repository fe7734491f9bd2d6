// Package deviceagent connects locally attached devices to a remote hub. It
// registers the devices, runs the hub's execute and shell requests through a
// local executor.Backend and reconnects with backoff when the link drops.
package deviceagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/executor"
	"github.com/hochfrequenz/devicerun/internal/protocol"
	"github.com/hochfrequenz/devicerun/internal/retry"
)

// pingWait is how long we wait for a ping from the hub before timing out
const pingWait = 90 * time.Second

// writeWait is time allowed to write a message
const writeWait = 10 * time.Second

// Config configures the agent
type Config struct {
	ServerURL string
	AgentID   string
	// Reconnect bounds the delay between connection attempts; Attempts is
	// ignored since the agent retries until stopped
	Reconnect retry.Options
}

// Validate checks the config is valid
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return &domain.ConfigError{Field: "server_url", Message: "is required"}
	}
	if c.AgentID == "" {
		return &domain.ConfigError{Field: "agent_id", Message: "is required"}
	}
	return nil
}

// Agent serves devices to a hub
type Agent struct {
	cfg     Config
	backend executor.Backend
	logger  *slog.Logger

	conn *websocket.Conn
	mu   sync.Mutex // protects conn and writes

	devicesMu sync.Mutex
	devices   map[string]domain.Device
	order     []string

	// Request tracking for cancellation
	jobsMu sync.Mutex
	jobs   map[string]context.CancelFunc
}

// New creates an agent
func New(cfg Config, backend executor.Backend, logger *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Reconnect.InitialDelay == 0 {
		cfg.Reconnect = retry.DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:     cfg,
		backend: backend,
		logger:  logger.With("component", "deviceagent", "agent", cfg.AgentID),
		devices: make(map[string]domain.Device),
		jobs:    make(map[string]context.CancelFunc),
	}, nil
}

// DeviceAdded adds a device and announces it if connected
func (a *Agent) DeviceAdded(d domain.Device) {
	a.devicesMu.Lock()
	if _, ok := a.devices[d.ID]; !ok {
		a.order = append(a.order, d.ID)
	}
	a.devices[d.ID] = d
	a.devicesMu.Unlock()

	if err := a.send(protocol.TypeDeviceAdded, protocol.DeviceAddedMessage{Device: d}); err != nil && !errors.Is(err, errNotConnected) {
		a.logger.Warn("device announcement failed", "device", d.ID, "error", err)
	}
}

// DeviceRemoved removes a device and announces it if connected
func (a *Agent) DeviceRemoved(id string) {
	a.devicesMu.Lock()
	if _, ok := a.devices[id]; !ok {
		a.devicesMu.Unlock()
		return
	}
	delete(a.devices, id)
	for i, v := range a.order {
		if v == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	a.devicesMu.Unlock()

	if err := a.send(protocol.TypeDeviceRemoved, protocol.DeviceRemovedMessage{DeviceID: id, Reason: "removed on agent"}); err != nil && !errors.Is(err, errNotConnected) {
		a.logger.Warn("device removal announcement failed", "device", id, "error", err)
	}
}

// Devices returns the served devices in the order they were added
func (a *Agent) Devices() []domain.Device {
	a.devicesMu.Lock()
	defer a.devicesMu.Unlock()
	out := make([]domain.Device, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.devices[id])
	}
	return out
}

func (a *Agent) device(id string) (domain.Device, bool) {
	a.devicesMu.Lock()
	defer a.devicesMu.Unlock()
	d, ok := a.devices[id]
	return d, ok
}

// Connect dials the hub and registers the current devices
func (a *Agent) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		// Overriding the default handler means answering ourselves
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	return a.send(protocol.TypeRegister, protocol.RegisterMessage{
		AgentID: a.cfg.AgentID,
		Devices: a.Devices(),
	})
}

// Run reads hub requests until the connection fails or ctx is done
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pingWait))

		var env protocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			a.logger.Warn("invalid message", "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeExecute:
			var msg protocol.ExecuteMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				a.logger.Warn("invalid execute message", "error", err)
				continue
			}
			go a.handleExecute(ctx, msg)

		case protocol.TypeShell:
			var msg protocol.ShellMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				a.logger.Warn("invalid shell message", "error", err)
				continue
			}
			go a.handleShell(ctx, msg)

		case protocol.TypeCancel:
			var msg protocol.CancelMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				a.logger.Warn("invalid cancel message", "error", err)
				continue
			}
			a.logger.Debug("cancelling request", "request", msg.RequestID)
			a.CancelJob(msg.RequestID)
		}
	}
}

func (a *Agent) handleExecute(ctx context.Context, msg protocol.ExecuteMessage) {
	d, ok := a.device(msg.DeviceID)
	if !ok {
		a.reply(protocol.TypeError, protocol.ErrorMessage{RequestID: msg.RequestID, Message: "unknown device " + msg.DeviceID})
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.TrackJob(msg.RequestID, cancel)
	defer a.UntrackJob(msg.RequestID)

	res, err := a.backend.Execute(ctx, d, msg.Test)
	if err != nil {
		a.reply(protocol.TypeError, protocol.ErrorMessage{RequestID: msg.RequestID, Message: err.Error()})
		return
	}
	a.reply(protocol.TypeResult, protocol.NewResultMessage(msg.RequestID, res))
}

func (a *Agent) handleShell(ctx context.Context, msg protocol.ShellMessage) {
	d, ok := a.device(msg.DeviceID)
	if !ok {
		a.reply(protocol.TypeError, protocol.ErrorMessage{RequestID: msg.RequestID, Message: "unknown device " + msg.DeviceID})
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.TrackJob(msg.RequestID, cancel)
	defer a.UntrackJob(msg.RequestID)

	res, err := a.backend.Shell(ctx, d, msg.Command)
	if err != nil {
		a.reply(protocol.TypeError, protocol.ErrorMessage{RequestID: msg.RequestID, Message: err.Error()})
		return
	}
	a.reply(protocol.TypeShellResult, protocol.NewShellResultMessage(msg.RequestID, res))
}

func (a *Agent) reply(msgType string, payload any) {
	if err := a.send(msgType, payload); err != nil {
		a.logger.Warn("reply failed", "type", msgType, "error", err)
	}
}

var errNotConnected = errors.New("not connected")

func (a *Agent) send(msgType string, payload any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return errNotConnected
	}

	data, err := protocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	defer a.conn.SetWriteDeadline(time.Time{})
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *Agent) closeConn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}

// RunWithReconnect runs the agent until ctx is done, reconnecting with
// exponential backoff
func (a *Agent) RunWithReconnect(ctx context.Context) error {
	attempt := 0

	for ctx.Err() == nil {
		if err := a.Connect(ctx); err != nil {
			a.closeConn()
			delay := a.cfg.Reconnect.Backoff(attempt)
			a.logger.Warn("connection failed", "error", err, "retry_in", delay)
			attempt++

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		a.logger.Info("connected to hub", "url", a.cfg.ServerURL, "devices", len(a.Devices()))

		err := a.Run(ctx)
		// Close before reconnecting so descriptors do not leak
		a.closeConn()
		a.cancelAll()
		if err != nil {
			a.logger.Warn("disconnected", "error", err)
		}
	}
	return nil
}

// TrackJob registers a request's cancel function for later cancellation
func (a *Agent) TrackJob(id string, cancel context.CancelFunc) {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()
	a.jobs[id] = cancel
}

// UntrackJob removes a request from tracking
func (a *Agent) UntrackJob(id string) {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()
	delete(a.jobs, id)
}

// HasJob checks if a request is being tracked
func (a *Agent) HasJob(id string) bool {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()
	_, ok := a.jobs[id]
	return ok
}

// CancelJob cancels a running request
func (a *Agent) CancelJob(id string) {
	a.jobsMu.Lock()
	cancel, ok := a.jobs[id]
	delete(a.jobs, id)
	a.jobsMu.Unlock()

	if ok && cancel != nil {
		cancel()
	}
}

// The hub has already failed these requests
func (a *Agent) cancelAll() {
	a.jobsMu.Lock()
	jobs := a.jobs
	a.jobs = make(map[string]context.CancelFunc)
	a.jobsMu.Unlock()
	for _, cancel := range jobs {
		cancel()
	}
}
