package domain

// BatchState represents the lifecycle state of a test batch
type BatchState string

const (
	BatchPending   BatchState = "pending"
	BatchRunning   BatchState = "running"
	BatchCompleted BatchState = "completed"
	BatchRequeued  BatchState = "requeued"
)

// ValidBatchTransitions defines the allowed state transitions for batches
var ValidBatchTransitions = map[BatchState][]BatchState{
	BatchPending: {BatchRunning},
	BatchRunning: {BatchCompleted, BatchRequeued},
}

// CanTransitionTo returns true if moving from the current state to next is valid
func (s BatchState) CanTransitionTo(next BatchState) bool {
	for _, allowed := range ValidBatchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DeviceState represents device availability
type DeviceState string

const (
	DeviceConnecting   DeviceState = "CONNECTING"
	DeviceIdle         DeviceState = "IDLE"
	DeviceBusy         DeviceState = "BUSY"
	DeviceDisconnected DeviceState = "DISCONNECTED"
)

// ValidDeviceTransitions defines the device state machine. Any live state may
// move to DISCONNECTED on connection loss; a reconnect leaves DISCONNECTED
// through CONNECTING. A device id seen for the first time starts DISCONNECTED.
var ValidDeviceTransitions = map[DeviceState][]DeviceState{
	DeviceConnecting:   {DeviceIdle, DeviceDisconnected},
	DeviceIdle:         {DeviceBusy, DeviceDisconnected},
	DeviceBusy:         {DeviceIdle, DeviceDisconnected},
	DeviceDisconnected: {DeviceConnecting},
}

// CanTransitionTo returns true if moving from the current state to next is valid
func (s DeviceState) CanTransitionTo(next DeviceState) bool {
	for _, allowed := range ValidDeviceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsLive returns true for states that can still execute work
func (s DeviceState) IsLive() bool {
	return s != DeviceDisconnected
}

// TestStatus is the outcome of a single test attempt
type TestStatus string

const (
	StatusPassed            TestStatus = "passed"
	StatusFailed            TestStatus = "failed"
	StatusAssumptionFailure TestStatus = "assumption_failure"
	StatusIgnored           TestStatus = "ignored"
)

// IsFailure returns true for outcomes subject to retry
func (s TestStatus) IsFailure() bool {
	return s == StatusFailed
}

// Verdict is the retry policy decision for a test
type Verdict string

const (
	VerdictPassFinal Verdict = "PASS_FINAL"
	VerdictFailFinal Verdict = "FAIL_FINAL"
	VerdictRetry     Verdict = "RETRY"
	VerdictFlakyPass Verdict = "FLAKY_PASS"
)

// IsFinal returns true when no further attempts will be made
func (v Verdict) IsFinal() bool {
	return v != VerdictRetry
}

// IsSuccess returns true for verdicts that count towards a successful run
func (v Verdict) IsSuccess() bool {
	return v == VerdictPassFinal || v == VerdictFlakyPass
}
