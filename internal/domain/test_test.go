package domain

import (
	"errors"
	"testing"
)

func TestParseTestID(t *testing.T) {
	tests := []struct {
		input   string
		want    Test
		wantErr bool
	}{
		{"com.example.FooTest#testBar", Test{Package: "com.example", Class: "FooTest", Method: "testBar"}, false},
		{"FooTest#testBar", Test{Class: "FooTest", Method: "testBar"}, false},
		{"com.example.FooTest", Test{}, true},
		{"#method", Test{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTestID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTestID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Package != tt.want.Package || got.Class != tt.want.Class || got.Method != tt.want.Method {
				t.Errorf("ParseTestID(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestTest_IDRoundTrip(t *testing.T) {
	test := Test{Package: "com.sample", Class: "FilterAnimalDogTest", Method: "fakeMethod"}
	if got := test.ID(); got != "com.sample.FilterAnimalDogTest#fakeMethod" {
		t.Errorf("ID() = %q", got)
	}
	parsed, err := ParseTestID(test.ID())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.ID() != test.ID() {
		t.Errorf("got %q, want %q", parsed.ID(), test.ID())
	}
}

func TestDeviceState_Transitions(t *testing.T) {
	tests := []struct {
		from, to DeviceState
		want     bool
	}{
		{DeviceConnecting, DeviceIdle, true},
		{DeviceIdle, DeviceBusy, true},
		{DeviceBusy, DeviceIdle, true},
		{DeviceBusy, DeviceDisconnected, true},
		{DeviceConnecting, DeviceBusy, false},
		{DeviceDisconnected, DeviceConnecting, true},
		{DeviceDisconnected, DeviceIdle, false},
		{DeviceIdle, DeviceConnecting, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTestBatch_Lifecycle(t *testing.T) {
	tests := []Test{{Class: "A", Method: "a"}, {Class: "B", Method: "b"}}
	b := NewTestBatch(7, OriginFresh, tests)

	// Mutating the input must not change the batch
	tests[0].Method = "changed"
	if b.Test(0).Method != "a" {
		t.Errorf("batch membership changed after creation")
	}

	if err := b.Transition(BatchCompleted); err == nil {
		t.Error("pending -> completed should be rejected")
	} else {
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Errorf("got %T, want *InvalidTransitionError", err)
		}
	}

	if err := b.Transition(BatchRunning); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if err := b.Transition(BatchRequeued); err != nil {
		t.Fatalf("running -> requeued: %v", err)
	}
	if b.State() != BatchRequeued {
		t.Errorf("State() = %s, want requeued", b.State())
	}
}

func TestDeviceError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := error(&DeviceError{DeviceID: "emulator-5554", Op: "execute", Err: cause})

	if !IsDeviceError(err) {
		t.Error("IsDeviceError() = false, want true")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if IsConfigError(err) {
		t.Error("IsConfigError() = true, want false")
	}
}
