// Package protocol defines the messages exchanged between device agents and
// the device hub. Messages flow over WebSocket connections as JSON envelopes.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/executor"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Agent -> Hub messages

// RegisterMessage is sent when an agent connects, listing its devices
type RegisterMessage struct {
	AgentID string          `json:"agent_id"`
	Devices []domain.Device `json:"devices"`
}

// DeviceAddedMessage announces a device that came online after registration
type DeviceAddedMessage struct {
	Device domain.Device `json:"device"`
}

// DeviceRemovedMessage announces a device that went away
type DeviceRemovedMessage struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason,omitempty"`
}

// ResultMessage answers an ExecuteMessage with the test outcome
type ResultMessage struct {
	RequestID string            `json:"request_id"`
	Status    domain.TestStatus `json:"status"`
	Trace     string            `json:"trace,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}

// ShellResultMessage answers a ShellMessage
type ShellResultMessage struct {
	RequestID  string `json:"request_id"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ErrorMessage answers a request that failed on the device side
type ErrorMessage struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

// Hub -> Agent messages

// ExecuteMessage asks the agent to run one test on one of its devices
type ExecuteMessage struct {
	RequestID string      `json:"request_id"`
	DeviceID  string      `json:"device_id"`
	Test      domain.Test `json:"test"`
}

// ShellMessage asks the agent to run a command for one of its devices
type ShellMessage struct {
	RequestID string `json:"request_id"`
	DeviceID  string `json:"device_id"`
	Command   string `json:"command"`
}

// CancelMessage abandons an outstanding request
type CancelMessage struct {
	RequestID string `json:"request_id"`
}

// Message type constants
const (
	TypeRegister      = "register"
	TypeDeviceAdded   = "device_added"
	TypeDeviceRemoved = "device_removed"
	TypeResult        = "result"
	TypeShellResult   = "shell_result"
	TypeError         = "error"
	TypeExecute       = "execute"
	TypeShell         = "shell"
	TypeCancel        = "cancel"
)

// NewResultMessage converts an executor result for the wire
func NewResultMessage(requestID string, r executor.Result) ResultMessage {
	return ResultMessage{
		RequestID: requestID,
		Status:    r.Status,
		Trace:     r.Trace,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Metrics:   r.Metrics,
	}
}

// Result converts back to an executor result
func (m ResultMessage) Result() executor.Result {
	return executor.Result{
		Status:    m.Status,
		Trace:     m.Trace,
		StartedAt: m.StartedAt,
		EndedAt:   m.EndedAt,
		Metrics:   m.Metrics,
	}
}

// NewShellResultMessage converts a shell result for the wire
func NewShellResultMessage(requestID string, r executor.ShellResult) ShellResultMessage {
	return ShellResultMessage{
		RequestID:  requestID,
		ExitCode:   r.ExitCode,
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		DurationMs: r.Duration.Milliseconds(),
	}
}

// ShellResult converts back to a shell result
func (m ShellResultMessage) ShellResult() executor.ShellResult {
	return executor.ShellResult{
		ExitCode: m.ExitCode,
		Stdout:   m.Stdout,
		Stderr:   m.Stderr,
		Duration: time.Duration(m.DurationMs) * time.Millisecond,
	}
}
