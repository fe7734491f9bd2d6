// Package devicehub accepts device agents over WebSocket and exposes their
// devices as an executor.Backend. Each request to a device carries an id and
// is answered on its own channel; losing the agent fails every outstanding
// request and removes its devices.
package devicehub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/executor"
	"github.com/hochfrequenz/devicerun/internal/protocol"
)

// ErrAgentGone is returned for requests whose agent disconnected
var ErrAgentGone = errors.New("agent disconnected")

// writeWait is time allowed to write a message
const writeWait = 10 * time.Second

// Config configures the hub
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// DeviceHandler is told about devices appearing and disappearing
type DeviceHandler interface {
	DeviceAdded(d domain.Device)
	DeviceRemoved(id string)
}

// Hub manages agent connections and routes requests to their devices
type Hub struct {
	cfg      Config
	handler  DeviceHandler
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	agents  map[string]*agentConn
	devices map[string]*agentConn

	server *http.Server
}

// New creates a hub. handler may be nil until SetHandler is called.
func New(cfg Config, handler DeviceHandler, logger *slog.Logger) *Hub {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "devicehub"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		agents:  make(map[string]*agentConn),
		devices: make(map[string]*agentConn),
	}
}

// SetHandler sets the device handler
func (h *Hub) SetHandler(handler DeviceHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Routes returns the hub's HTTP routes
func (h *Hub) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.HandleWebSocket)
	r.Get("/status", h.HandleStatus)
	r.Get("/devices/{id}", h.HandleDevice)
	return r
}

// Start serves on addr and sends heartbeats until ctx is done
func (h *Hub) Start(ctx context.Context, addr string) error {
	h.server = &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go h.heartbeatLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Shutdown(shutdownCtx)
		h.closeAll()
	}()

	h.logger.Info("hub listening", "addr", addr)
	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HandleWebSocket handles incoming WebSocket connections from agents
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	go h.serve(conn)
}

func (h *Hub) serve(conn *websocket.Conn) {
	var agent *agentConn
	defer func() {
		conn.Close()
		if agent != nil {
			h.dropAgent(agent)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("agent read failed", "agent", agentID(agent), "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))

		var env protocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			h.logger.Warn("invalid message", "agent", agentID(agent), "error", err)
			continue
		}

		if env.Type == protocol.TypeRegister {
			var reg protocol.RegisterMessage
			if err := json.Unmarshal(env.Payload, &reg); err != nil || reg.AgentID == "" {
				h.logger.Warn("invalid register message", "error", err)
				return
			}
			if agent != nil {
				h.logger.Warn("agent registered twice", "agent", agent.id)
				continue
			}
			agent = newAgentConn(reg.AgentID, conn)
			h.addAgent(agent, reg.Devices)
			continue
		}
		if agent == nil {
			h.logger.Warn("message before register", "type", env.Type)
			continue
		}
		h.dispatch(agent, env)
	}
}

func (h *Hub) dispatch(agent *agentConn, env protocol.EnvelopeRaw) {
	switch env.Type {
	case protocol.TypeDeviceAdded:
		var msg protocol.DeviceAddedMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			h.logger.Warn("failed to unmarshal message", "type", env.Type, "error", err)
			return
		}
		h.addDevice(agent, msg.Device)

	case protocol.TypeDeviceRemoved:
		var msg protocol.DeviceRemovedMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			h.logger.Warn("failed to unmarshal message", "type", env.Type, "error", err)
			return
		}
		h.removeDevice(agent, msg.DeviceID, msg.Reason)

	case protocol.TypeResult, protocol.TypeShellResult, protocol.TypeError:
		var ref struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(env.Payload, &ref); err != nil {
			h.logger.Warn("failed to unmarshal message", "type", env.Type, "error", err)
			return
		}
		if !agent.resolve(ref.RequestID, env) {
			h.logger.Debug("response for unknown request", "agent", agent.id, "request", ref.RequestID)
		}

	default:
		h.logger.Debug("ignoring message", "agent", agent.id, "type", env.Type)
	}
}

func (h *Hub) addAgent(agent *agentConn, devices []domain.Device) {
	h.mu.Lock()
	old := h.agents[agent.id]
	h.mu.Unlock()
	if old != nil {
		// A reconnect before the old connection timed out
		h.logger.Warn("replacing stale agent connection", "agent", agent.id)
		h.dropAgent(old)
		old.conn.Close()
	}

	h.mu.Lock()
	h.agents[agent.id] = agent
	h.mu.Unlock()
	h.logger.Info("agent registered", "agent", agent.id, "devices", len(devices))
	for _, d := range devices {
		h.addDevice(agent, d)
	}
}

func (h *Hub) addDevice(agent *agentConn, d domain.Device) {
	h.mu.Lock()
	if owner, ok := h.devices[d.ID]; ok && owner != agent {
		h.mu.Unlock()
		h.logger.Warn("device already served by another agent", "device", d.ID, "agent", agent.id, "owner", owner.id)
		return
	}
	h.devices[d.ID] = agent
	handler := h.handler
	h.mu.Unlock()

	agent.addDevice(d)
	h.logger.Info("device online", "device", d.ID, "agent", agent.id)
	if handler != nil {
		handler.DeviceAdded(d)
	}
}

func (h *Hub) removeDevice(agent *agentConn, id, reason string) {
	h.mu.Lock()
	if h.devices[id] != agent {
		h.mu.Unlock()
		return
	}
	delete(h.devices, id)
	handler := h.handler
	h.mu.Unlock()

	agent.removeDevice(id)
	h.logger.Warn("device offline", "device", id, "agent", agent.id, "reason", reason)
	if handler != nil {
		handler.DeviceRemoved(id)
	}
}

func (h *Hub) dropAgent(agent *agentConn) {
	agent.fail(ErrAgentGone)

	h.mu.Lock()
	if h.agents[agent.id] == agent {
		delete(h.agents, agent.id)
	}
	h.mu.Unlock()

	for _, d := range agent.deviceList() {
		h.removeDevice(agent, d.ID, "agent disconnected")
	}
	h.logger.Warn("agent disconnected", "agent", agent.id)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	agents := make([]*agentConn, 0, len(h.agents))
	for _, a := range h.agents {
		agents = append(agents, a)
	}
	h.mu.Unlock()
	for _, a := range agents {
		a.conn.Close()
	}
}

// Serves reports whether an agent currently serves the device
func (h *Hub) Serves(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.devices[deviceID]
	return ok
}

func (h *Hub) agentFor(deviceID string) (*agentConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	agent, ok := h.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s is not connected to the hub", deviceID)
	}
	return agent, nil
}

// Execute implements executor.Executor by forwarding the test to the agent
// serving the device
func (h *Hub) Execute(ctx context.Context, d domain.Device, t domain.Test) (executor.Result, error) {
	env, err := h.request(ctx, d.ID, protocol.TypeExecute, func(id string) any {
		return protocol.ExecuteMessage{RequestID: id, DeviceID: d.ID, Test: t}
	})
	if err != nil {
		return executor.Result{}, &domain.DeviceError{DeviceID: d.ID, Op: "execute", Err: err}
	}
	if env.Type != protocol.TypeResult {
		return executor.Result{}, &domain.DeviceError{DeviceID: d.ID, Op: "execute", Err: responseError(env)}
	}
	var msg protocol.ResultMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return executor.Result{}, &domain.DeviceError{DeviceID: d.ID, Op: "execute", Err: err}
	}
	return msg.Result(), nil
}

// Shell implements executor.Shell
func (h *Hub) Shell(ctx context.Context, d domain.Device, command string) (executor.ShellResult, error) {
	env, err := h.request(ctx, d.ID, protocol.TypeShell, func(id string) any {
		return protocol.ShellMessage{RequestID: id, DeviceID: d.ID, Command: command}
	})
	if err != nil {
		return executor.ShellResult{}, &domain.DeviceError{DeviceID: d.ID, Op: "shell", Err: err}
	}
	if env.Type != protocol.TypeShellResult {
		return executor.ShellResult{}, &domain.DeviceError{DeviceID: d.ID, Op: "shell", Err: responseError(env)}
	}
	var msg protocol.ShellResultMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return executor.ShellResult{}, &domain.DeviceError{DeviceID: d.ID, Op: "shell", Err: err}
	}
	return msg.ShellResult(), nil
}

// request sends one message and waits for the response with the same
// request id. A cancelled ctx sends a cancel to the agent.
func (h *Hub) request(ctx context.Context, deviceID, msgType string, build func(id string) any) (protocol.EnvelopeRaw, error) {
	agent, err := h.agentFor(deviceID)
	if err != nil {
		return protocol.EnvelopeRaw{}, err
	}

	id := uuid.NewString()
	ch, err := agent.expect(id)
	if err != nil {
		return protocol.EnvelopeRaw{}, err
	}
	defer agent.forget(id)

	if err := agent.send(msgType, build(id)); err != nil {
		return protocol.EnvelopeRaw{}, fmt.Errorf("send %s: %w", msgType, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return protocol.EnvelopeRaw{}, agent.err()
		}
		return resp, nil
	case <-ctx.Done():
		if err := agent.send(protocol.TypeCancel, protocol.CancelMessage{RequestID: id}); err != nil {
			h.logger.Debug("cancel not delivered", "agent", agent.id, "request", id, "error", err)
		}
		return protocol.EnvelopeRaw{}, ctx.Err()
	}
}

func responseError(env protocol.EnvelopeRaw) error {
	if env.Type == protocol.TypeError {
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(env.Payload, &msg); err == nil {
			return errors.New(msg.Message)
		}
	}
	return fmt.Errorf("unexpected response %q", env.Type)
}

// DeviceInfo is the status of one hub device
type DeviceInfo struct {
	Device  domain.Device `json:"device"`
	AgentID string        `json:"agent_id"`
	Pending int           `json:"pending_requests"`
}

// AgentInfo is the status of one connected agent
type AgentInfo struct {
	ID             string    `json:"id"`
	Devices        int       `json:"devices"`
	ConnectedSince time.Time `json:"connected_since"`
}

// Status is the hub snapshot served on /status
type Status struct {
	Agents  []AgentInfo  `json:"agents"`
	Devices []DeviceInfo `json:"devices"`
}

// Snapshot returns the current agents and devices sorted by id
func (h *Hub) Snapshot() Status {
	h.mu.Lock()
	agents := make([]*agentConn, 0, len(h.agents))
	for _, a := range h.agents {
		agents = append(agents, a)
	}
	h.mu.Unlock()

	st := Status{Agents: []AgentInfo{}, Devices: []DeviceInfo{}}
	for _, a := range agents {
		devices := a.deviceList()
		st.Agents = append(st.Agents, AgentInfo{ID: a.id, Devices: len(devices), ConnectedSince: a.connectedAt})
		pending := a.pendingCount()
		for _, d := range devices {
			st.Devices = append(st.Devices, DeviceInfo{Device: d, AgentID: a.id, Pending: pending})
		}
	}
	sort.Slice(st.Agents, func(i, j int) bool { return st.Agents[i].ID < st.Agents[j].ID })
	sort.Slice(st.Devices, func(i, j int) bool { return st.Devices[i].Device.ID < st.Devices[j].Device.ID })
	return st
}

// HandleStatus returns the current agents and devices
func (h *Hub) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Snapshot())
}

// HandleDevice returns one device
func (h *Hub) HandleDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, d := range h.Snapshot().Devices {
		if d.Device.ID == id {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Hub) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sendHeartbeats()
		}
	}
}

func (h *Hub) sendHeartbeats() {
	h.mu.Lock()
	agents := make([]*agentConn, 0, len(h.agents))
	for _, a := range h.agents {
		agents = append(agents, a)
	}
	h.mu.Unlock()

	for _, a := range agents {
		if err := a.ping(); err != nil {
			h.logger.Warn("ping failed", "agent", a.id, "error", err)
			// The read loop cleans up
			a.conn.Close()
		}
	}
}

func agentID(a *agentConn) string {
	if a == nil {
		return ""
	}
	return a.id
}
