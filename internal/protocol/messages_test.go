package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/executor"
)

func TestEnvelope_Dispatch(t *testing.T) {
	data, err := MarshalEnvelope(TypeRegister, RegisterMessage{
		AgentID: "lab-host-1",
		Devices: []domain.Device{{ID: "emulator-5554", Capabilities: map[string]string{"model": "Pixel 7"}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var env EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeRegister {
		t.Fatalf("got type %q, want %q", env.Type, TypeRegister)
	}
	var reg RegisterMessage
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		t.Fatal(err)
	}
	if reg.AgentID != "lab-host-1" || reg.Devices[0].Capability("model") != "Pixel 7" {
		t.Errorf("got %+v", reg)
	}
}

func TestShellResultMessage_Duration(t *testing.T) {
	msg := NewShellResultMessage("r1", executor.ShellResult{ExitCode: 3, Stdout: "out", Duration: 1500 * time.Millisecond})
	if msg.DurationMs != 1500 {
		t.Errorf("DurationMs = %d, want 1500", msg.DurationMs)
	}
	if got := msg.ShellResult(); got.Duration != 1500*time.Millisecond || got.ExitCode != 3 {
		t.Errorf("ShellResult() = %+v", got)
	}
}

func TestExecuteMessage_CarriesMeta(t *testing.T) {
	msg := ExecuteMessage{
		RequestID: "r2",
		DeviceID:  "emulator-5554",
		Test: domain.Test{
			Package: "com.example", Class: "LoginTest", Method: "testLogin",
			MetaProperties: []domain.MetaProperty{{Name: "com.example.Smoke"}},
		},
	}
	data, err := MarshalEnvelope(TypeExecute, msg)
	if err != nil {
		t.Fatal(err)
	}
	var env EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	var got ExecuteMessage
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Test.HasMeta("com.example.Smoke") {
		t.Errorf("meta lost: %+v", got.Test)
	}
}
