package devicehub

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/protocol"
)

// agentConn is one agent connection and its outstanding requests
type agentConn struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	writeMu     sync.Mutex // protects conn writes

	mu      sync.Mutex
	devices map[string]domain.Device
	pending map[string]chan protocol.EnvelopeRaw
	closed  error
}

func newAgentConn(id string, conn *websocket.Conn) *agentConn {
	return &agentConn{
		id:          id,
		conn:        conn,
		connectedAt: time.Now(),
		devices:     make(map[string]domain.Device),
		pending:     make(map[string]chan protocol.EnvelopeRaw),
	}
}

func (a *agentConn) send(msgType string, payload any) error {
	data, err := protocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	defer a.conn.SetWriteDeadline(time.Time{})
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *agentConn) ping() error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// expect registers a response channel for a request id
func (a *agentConn) expect(id string) (<-chan protocol.EnvelopeRaw, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed != nil {
		return nil, a.closed
	}
	ch := make(chan protocol.EnvelopeRaw, 1)
	a.pending[id] = ch
	return ch, nil
}

func (a *agentConn) forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, id)
}

// resolve delivers a response; false if nobody waits for it
func (a *agentConn) resolve(id string, env protocol.EnvelopeRaw) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.pending[id]
	if !ok {
		return false
	}
	delete(a.pending, id)
	ch <- env
	return true
}

// fail closes every pending channel. Safe to call more than once.
func (a *agentConn) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed != nil {
		return
	}
	a.closed = err
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
}

func (a *agentConn) err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *agentConn) pendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *agentConn) addDevice(d domain.Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices[d.ID] = d
}

func (a *agentConn) removeDevice(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.devices, id)
}

func (a *agentConn) deviceList() []domain.Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Device, 0, len(a.devices))
	for _, d := range a.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
