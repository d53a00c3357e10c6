package dispatch

import "time"

// Status is the terminal state of a single device within a batch.
type Status int

const (
	// StatusPending is the zero value. It never appears in a published result.
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "pending"
	}
}

// parseStatus is the inverse of Status.String for terminal states.
func parseStatus(s string) (Status, bool) {
	switch s {
	case "succeeded":
		return StatusSucceeded, true
	case "failed":
		return StatusFailed, true
	case "timed_out":
		return StatusTimedOut, true
	}
	return StatusPending, false
}

// DeviceResult is the outcome of running the batch command on one target.
//
// Output is only carried by succeeded results and an error only by failed or
// timed out ones; the constructors are the only way to build a result, so a
// value can never mix the two.
type DeviceResult struct {
	device   string
	status   Status
	output   string
	err      error
	started  time.Time
	duration time.Duration
}

// Succeeded builds a successful result carrying the device output.
func Succeeded(device, output string, d time.Duration) DeviceResult {
	return DeviceResult{device: device, status: StatusSucceeded, output: output, duration: clampDuration(d)}
}

// Failed builds a failed result. A nil err is replaced with a generic one.
func Failed(device string, err error, d time.Duration) DeviceResult {
	if err == nil {
		err = &UnexpectedWorkerError{Device: device, Cause: "failure without error"}
	}
	return DeviceResult{device: device, status: StatusFailed, err: err, duration: clampDuration(d)}
}

// TimedOut builds a timed out result. The duration is the timeout itself.
func TimedOut(device string, timeout time.Duration) DeviceResult {
	return DeviceResult{
		device:   device,
		status:   StatusTimedOut,
		err:      &TargetTimeoutError{Device: device, After: timeout},
		duration: clampDuration(timeout),
	}
}

// Device returns the target identity exactly as it appeared in the request.
func (r DeviceResult) Device() string { return r.device }

// Status returns the terminal status.
func (r DeviceResult) Status() Status { return r.status }

// Output returns the device output; empty unless the result succeeded.
func (r DeviceResult) Output() string { return r.output }

// Err returns the failure; nil for succeeded results.
func (r DeviceResult) Err() error { return r.err }

// Duration returns the wall-clock time spent on the device.
func (r DeviceResult) Duration() time.Duration { return r.duration }

// StartedAt returns when the worker began on the device. It is zero for a
// target that never got a concurrency slot.
func (r DeviceResult) StartedAt() time.Time { return r.started }

// FinishedAt returns StartedAt plus Duration, or zero when StartedAt is.
func (r DeviceResult) FinishedAt() time.Time {
	if r.started.IsZero() {
		return time.Time{}
	}
	return r.started.Add(r.duration)
}

// startedAt returns a copy of r stamped with the worker's start time.
func (r DeviceResult) startedAt(t time.Time) DeviceResult {
	r.started = t
	return r
}

// ErrorMessage returns Err().Error(), or "" when there is no error.
func (r DeviceResult) ErrorMessage() string {
	if r.err == nil {
		return ""
	}
	return r.err.Error()
}

func clampDuration(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// Summary counts the results of a batch by status.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
}

// BatchResult is the ordered outcome of one batch: Results[i] belongs to
// Request.Targets[i].
type BatchResult struct {
	ID       string
	Command  string
	Results  []DeviceResult
	Summary  Summary
	Duration time.Duration
}

// OK reports whether every device succeeded.
func (b *BatchResult) OK() bool {
	return b.Summary.Succeeded == b.Summary.Total
}
