package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// latencyAdapter answers each device after a fixed per-device delay.
// Devices listed in hang never answer until ctx is done; devices in fail
// return an error.
type latencyAdapter struct {
	delay map[string]time.Duration
	hang  map[string]bool
	fail  map[string]error
}

func (a *latencyAdapter) Run(ctx context.Context, device string, command string) (string, error) {
	if a.hang[device] {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err, ok := a.fail[device]; ok {
		return "", err
	}
	select {
	case <-time.After(a.delay[device]):
		return "output of " + command + " from " + device, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func mustExecute(t *testing.T, d *Dispatcher, req Request) *BatchResult {
	t.Helper()
	batch, err := d.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return batch
}

func assertComplete(t *testing.T, targets []string, batch *BatchResult) {
	t.Helper()
	if len(batch.Results) != len(targets) {
		t.Fatalf("expected %d results, got %d", len(targets), len(batch.Results))
	}
	for i, r := range batch.Results {
		if r.Device() != targets[i] {
			t.Errorf("result[%d]: expected device %q, got %q", i, targets[i], r.Device())
		}
		if r.Status() == StatusPending {
			t.Errorf("result[%d]: status still pending", i)
		}
	}
	s := batch.Summary
	if s.Total != s.Succeeded+s.Failed+s.TimedOut {
		t.Errorf("summary does not add up: %+v", s)
	}
}

func TestExecute_Success(t *testing.T) {
	adapter := AdapterFunc(func(ctx context.Context, device string, command string) (string, error) {
		return "hello from " + device, nil
	})

	d := New(adapter)
	targets := []string{"r1", "r2", "r3"}
	batch := mustExecute(t, d, Request{Targets: targets, Command: "show version", Timeout: time.Second})

	assertComplete(t, targets, batch)
	for i, r := range batch.Results {
		if r.Status() != StatusSucceeded {
			t.Errorf("result[%d]: expected succeeded, got %s (%v)", i, r.Status(), r.Err())
		}
		if want := "hello from " + targets[i]; r.Output() != want {
			t.Errorf("result[%d]: expected output %q, got %q", i, want, r.Output())
		}
		if r.Err() != nil {
			t.Errorf("result[%d]: unexpected error %v", i, r.Err())
		}
	}
	if batch.Summary != (Summary{Total: 3, Succeeded: 3}) {
		t.Errorf("unexpected summary %+v", batch.Summary)
	}
	if batch.ID == "" {
		t.Error("batch id should be set")
	}
	if batch.Command != "show version" {
		t.Errorf("command = %q", batch.Command)
	}
	if !batch.OK() {
		t.Error("OK() should be true when every device succeeded")
	}
}

func TestExecute_PreservesTargetOrder(t *testing.T) {
	// Targets complete in reverse order, but results must match input order.
	adapter := &latencyAdapter{delay: map[string]time.Duration{
		"slow":   60 * time.Millisecond,
		"medium": 30 * time.Millisecond,
		"fast":   0,
	}}

	targets := []string{"slow", "medium", "fast"}
	batch := mustExecute(t, New(adapter), Request{Targets: targets, Command: "x", Timeout: time.Second})
	assertComplete(t, targets, batch)
}

func TestExecute_OrderIndependentOfLatency(t *testing.T) {
	targets := []string{"a", "b", "c", "d", "e"}
	latencies := [][]time.Duration{
		{10, 20, 30, 40, 50},
		{50, 40, 30, 20, 10},
		{30, 10, 50, 20, 40},
	}
	for _, set := range latencies {
		delay := make(map[string]time.Duration, len(targets))
		for i, tgt := range targets {
			delay[tgt] = set[i] * time.Millisecond
		}
		batch := mustExecute(t, New(&latencyAdapter{delay: delay}), Request{Targets: targets, Command: "x", Timeout: time.Second})
		assertComplete(t, targets, batch)
	}
}

func TestExecute_DuplicateTargetsRunIndependently(t *testing.T) {
	var calls atomic.Int32
	adapter := AdapterFunc(func(ctx context.Context, device string, command string) (string, error) {
		n := calls.Add(1)
		return fmt.Sprintf("call %d", n), nil
	})

	targets := []string{"r1", "r1", "r2", "r1"}
	batch := mustExecute(t, New(adapter), Request{Targets: targets, Command: "x", Timeout: time.Second})

	assertComplete(t, targets, batch)
	if n := calls.Load(); n != 4 {
		t.Errorf("expected 4 adapter calls, got %d", n)
	}
	if batch.Summary.Total != 4 {
		t.Errorf("expected total 4, got %d", batch.Summary.Total)
	}
}

func TestExecute_ConcurrencyLimiting(t *testing.T) {
	var running atomic.Int32
	var maxRunning atomic.Int32

	adapter := AdapterFunc(func(ctx context.Context, device string, command string) (string, error) {
		cur := running.Add(1)
		// Track the maximum number of concurrently running calls.
		for {
			prev := maxRunning.Load()
			if cur <= prev || maxRunning.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return "ok", nil
	})

	d := New(adapter, WithConcurrency(2))
	targets := []string{"a", "b", "c", "d"}
	batch := mustExecute(t, d, Request{Targets: targets, Command: "x", Timeout: time.Second})
	assertComplete(t, targets, batch)

	peak := maxRunning.Load()
	if peak > 2 {
		t.Errorf("expected max concurrency of 2, but %d were running simultaneously", peak)
	}
	if peak < 2 {
		t.Errorf("expected concurrency to reach 2, but peak was %d", peak)
	}
}

func TestExecute_RequestConcurrencyOverridesDefault(t *testing.T) {
	var running, maxRunning atomic.Int32
	adapter := AdapterFunc(func(ctx context.Context, device string, command string) (string, error) {
		cur := running.Add(1)
		for {
			prev := maxRunning.Load()
			if cur <= prev || maxRunning.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return "ok", nil
	})

	d := New(adapter, WithConcurrency(10))
	mustExecute(t, d, Request{Targets: []string{"a", "b", "c", "d", "e", "f"}, Command: "x", Timeout: time.Second, MaxConcurrency: 1})

	if peak := maxRunning.Load(); peak != 1 {
		t.Errorf("expected request limit of 1 to win, peak was %d", peak)
	}
}

func TestExecute_LatencyBoundedBySlowest(t *testing.T) {
	// Scenario A: {100ms, 200ms, 50ms} run in parallel take ~200ms, not ~350ms.
	adapter := &latencyAdapter{delay: map[string]time.Duration{
		"r1": 100 * time.Millisecond,
		"r2": 200 * time.Millisecond,
		"r3": 50 * time.Millisecond,
	}}

	targets := []string{"r1", "r2", "r3"}
	start := time.Now()
	batch := mustExecute(t, New(adapter), Request{Targets: targets, Command: "x", Timeout: 2 * time.Second, MaxConcurrency: 3})
	elapsed := time.Since(start)

	assertComplete(t, targets, batch)
	if batch.Summary.Succeeded != 3 {
		t.Fatalf("expected 3 succeeded, got %+v", batch.Summary)
	}
	if elapsed < 200*time.Millisecond {
		t.Errorf("batch finished in %s, faster than the slowest device", elapsed)
	}
	if elapsed >= 340*time.Millisecond {
		t.Errorf("batch took %s, devices appear to run serially", elapsed)
	}
}

func TestExecute_TimeoutIsolated(t *testing.T) {
	// Scenario B: the middle device hangs past the timeout.
	adapter := &latencyAdapter{
		delay: map[string]time.Duration{"r1": 80 * time.Millisecond, "r3": 90 * time.Millisecond},
		hang:  map[string]bool{"r2": true},
	}

	timeout := 300 * time.Millisecond
	targets := []string{"r1", "r2", "r3"}
	batch := mustExecute(t, New(adapter), Request{Targets: targets, Command: "x", Timeout: timeout})
	assertComplete(t, targets, batch)

	r2 := batch.Results[1]
	if r2.Status() != StatusTimedOut {
		t.Fatalf("r2: expected timed out, got %s", r2.Status())
	}
	if r2.Duration() != timeout {
		t.Errorf("r2: expected duration %s, got %s", timeout, r2.Duration())
	}
	var tErr *TargetTimeoutError
	if !errors.As(r2.Err(), &tErr) {
		t.Fatalf("r2: expected *TargetTimeoutError, got %T", r2.Err())
	}
	if tErr.After != timeout || !tErr.Timeout() {
		t.Errorf("r2: timeout error = %+v, Timeout() = %v", tErr, tErr.Timeout())
	}
	if r2.Output() != "" {
		t.Errorf("r2: timed out result must not carry output, got %q", r2.Output())
	}

	for _, idx := range []int{0, 2} {
		r := batch.Results[idx]
		if r.Status() != StatusSucceeded {
			t.Errorf("%s: expected succeeded, got %s", r.Device(), r.Status())
		}
		if r.Duration() >= 200*time.Millisecond {
			t.Errorf("%s: duration %s was affected by the hanging device", r.Device(), r.Duration())
		}
	}
	if batch.Summary != (Summary{Total: 3, Succeeded: 2, TimedOut: 1}) {
		t.Errorf("unexpected summary %+v", batch.Summary)
	}
}

func TestExecute_TimeoutDoesNotWaitForStubbornAdapter(t *testing.T) {
	// The adapter ignores ctx entirely; the worker must still stop waiting.
	release := make(chan struct{})
	defer close(release)

	adapter := AdapterFunc(func(ctx context.Context, device string, command string) (string, error) {
		if device == "stuck" {
			<-release
		}
		return "ok", nil
	})

	start := time.Now()
	batch := mustExecute(t, New(adapter), Request{Targets: []string{"stuck", "fine"}, Command: "x", Timeout: 100 * time.Millisecond})
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Fatalf("dispatcher blocked on an abandoned call for %s", elapsed)
	}
	if batch.Results[0].Status() != StatusTimedOut {
		t.Errorf("stuck: expected timed out, got %s", batch.Results[0].Status())
	}
	if batch.Results[1].Status() != StatusSucceeded {
		t.Errorf("fine: expected succeeded, got %s", batch.Results[1].Status())
	}
}

func TestExecute_PoolWaves(t *testing.T) {
	// Scenario D: 5 devices at 100ms with 2 lanes need 3 waves.
	delay := map[string]time.Duration{}
	targets := []string{"a", "b", "c", "d", "e"}
	for _, tgt := range targets {
		delay[tgt] = 100 * time.Millisecond
	}

	start := time.Now()
	batch := mustExecute(t, New(&latencyAdapter{delay: delay}), Request{Targets: targets, Command: "x", Timeout: 2 * time.Second, MaxConcurrency: 2})
	elapsed := time.Since(start)

	assertComplete(t, targets, batch)
	if batch.Summary.Succeeded != 5 {
		t.Fatalf("expected 5 succeeded, got %+v", batch.Summary)
	}
	if elapsed < 300*time.Millisecond {
		t.Errorf("batch took %s, expected at least 3 waves of 100ms", elapsed)
	}
	if elapsed >= 480*time.Millisecond {
		t.Errorf("batch took %s, expected about 300ms", elapsed)
	}
}

func TestExecute_MixedResults(t *testing.T) {
	adapter := &latencyAdapter{
		delay: map[string]time.Duration{"ok-device": 0},
		hang:  map[string]bool{"timeout-device": true},
		fail:  map[string]error{"error-device": errors.New("connection refused")},
	}

	targets := []string{"ok-device", "error-device", "timeout-device"}
	batch := mustExecute(t, New(adapter), Request{Targets: targets, Command: "x", Timeout: 50 * time.Millisecond})
	assertComplete(t, targets, batch)

	if batch.Results[0].Status() != StatusSucceeded {
		t.Errorf("ok-device: expected succeeded, got %s", batch.Results[0].Status())
	}

	failed := batch.Results[1]
	if failed.Status() != StatusFailed {
		t.Errorf("error-device: expected failed, got %s", failed.Status())
	}
	if failed.ErrorMessage() != "connection refused" {
		t.Errorf("error-device: expected 'connection refused', got %q", failed.ErrorMessage())
	}
	var execErr *TargetExecutionError
	if !errors.As(failed.Err(), &execErr) {
		t.Errorf("error-device: expected *TargetExecutionError, got %T", failed.Err())
	}
	if failed.Output() != "" {
		t.Errorf("error-device: failed result must not carry output")
	}

	if batch.Results[2].Status() != StatusTimedOut {
		t.Errorf("timeout-device: expected timed out, got %s", batch.Results[2].Status())
	}
	if batch.OK() {
		t.Error("OK() should be false")
	}
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	adapter := AdapterFunc(func(ctx context.Context, device string, command string) (string, error) {
		if device == "bad" {
			panic("driver exploded")
		}
		return "ok", nil
	})

	targets := []string{"good", "bad", "good"}
	batch := mustExecute(t, New(adapter), Request{Targets: targets, Command: "x", Timeout: time.Second})
	assertComplete(t, targets, batch)

	bad := batch.Results[1]
	if bad.Status() != StatusFailed {
		t.Fatalf("bad: expected failed, got %s", bad.Status())
	}
	var unexpected *UnexpectedWorkerError
	if !errors.As(bad.Err(), &unexpected) {
		t.Fatalf("bad: expected *UnexpectedWorkerError, got %T", bad.Err())
	}
	if batch.Results[0].Status() != StatusSucceeded || batch.Results[2].Status() != StatusSucceeded {
		t.Error("siblings of a panicking worker should succeed")
	}
}

func TestExecute_AdapterDeadlineErrorIsTimeout(t *testing.T) {
	// An adapter that honours ctx reports DeadlineExceeded itself.
	adapter := AdapterFunc(func(ctx context.Context, device string, command string) (string, error) {
		<-ctx.Done()
		return "", fmt.Errorf("read: %w", ctx.Err())
	})

	batch := mustExecute(t, New(adapter), Request{Targets: []string{"r1"}, Command: "x", Timeout: 40 * time.Millisecond})
	if got := batch.Results[0].Status(); got != StatusTimedOut {
		t.Errorf("expected timed out, got %s", got)
	}
	if got := batch.Results[0].Duration(); got != 40*time.Millisecond {
		t.Errorf("expected duration clamped to timeout, got %s", got)
	}
}

func TestExecute_ContextCancellation(t *testing.T) {
	var started atomic.Int32
	adapter := AdapterFunc(func(ctx context.Context, device string, command string) (string, error) {
		started.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	d := New(adapter, WithConcurrency(1))

	done := make(chan *BatchResult, 1)
	go func() {
		batch, _ := d.Execute(ctx, Request{Targets: []string{"r1", "r2", "r3"}, Command: "x", Timeout: 10 * time.Second})
		done <- batch
	}()

	// Wait for the first worker to start, then cancel.
	for started.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	batch := <-done
	assertComplete(t, []string{"r1", "r2", "r3"}, batch)
	for _, r := range batch.Results {
		if r.Status() != StatusFailed {
			t.Errorf("%s: expected failed after cancellation, got %s", r.Device(), r.Status())
		}
		if !errors.Is(r.Err(), context.Canceled) {
			t.Errorf("%s: expected context.Canceled in chain, got %v", r.Device(), r.Err())
		}
	}
}

func TestExecute_Validation(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"no targets", Request{Command: "show version", Timeout: time.Second}, "targets"},
		{"empty targets", Request{Targets: []string{}, Command: "show version", Timeout: time.Second}, "targets"},
		{"blank target", Request{Targets: []string{"r1", " "}, Command: "show version", Timeout: time.Second}, "targets"},
		{"empty command", Request{Targets: []string{"r1"}, Timeout: time.Second}, "command"},
		{"whitespace command", Request{Targets: []string{"r1"}, Command: "  \t", Timeout: time.Second}, "command"},
		{"zero timeout", Request{Targets: []string{"r1"}, Command: "show version"}, "timeout"},
		{"negative timeout", Request{Targets: []string{"r1"}, Command: "show version", Timeout: -time.Second}, "timeout"},
		{"negative concurrency", Request{Targets: []string{"r1"}, Command: "show version", Timeout: time.Second, MaxConcurrency: -1}, "max_concurrency"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			adapter := AdapterFunc(func(ctx context.Context, device string, command string) (string, error) {
				calls.Add(1)
				return "", nil
			})

			batch, err := New(adapter).Execute(context.Background(), tc.req)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if batch != nil {
				t.Error("no results may be returned on validation failure")
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if vErr.Field != tc.field {
				t.Errorf("field = %q, want %q", vErr.Field, tc.field)
			}
			if n := calls.Load(); n != 0 {
				t.Errorf("adapter called %d times before validation failed", n)
			}
		})
	}
}

type denyPolicy struct{ err error }

func (p denyPolicy) Check(command string) error { return p.err }

func TestExecute_PolicyRejection(t *testing.T) {
	blocked := errors.New("command matches blocked pattern 'request system reboot'")
	adapter := AdapterFunc(func(ctx context.Context, device string, command string) (string, error) {
		t.Fatal("adapter must not run for a rejected command")
		return "", nil
	})

	d := New(adapter, WithPolicy(denyPolicy{err: blocked}))
	_, err := d.Execute(context.Background(), Request{Targets: []string{"r1"}, Command: "request system reboot", Timeout: time.Second})

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if vErr.Field != "command" {
		t.Errorf("field = %q, want command", vErr.Field)
	}
	if !errors.Is(err, blocked) {
		t.Error("policy error should be in the chain")
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	started  map[int]string
	finished map[int]DeviceResult
}

func (o *recordingObserver) DeviceStarted(index int, device string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started[index] = device
}

func (o *recordingObserver) DeviceFinished(index int, result DeviceResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[index] = result
}

func TestExecuteObserved_ReportsEveryDevice(t *testing.T) {
	adapter := AdapterFunc(func(ctx context.Context, device string, command string) (string, error) {
		return device, nil
	})
	obs := &recordingObserver{started: map[int]string{}, finished: map[int]DeviceResult{}}

	targets := []string{"r1", "r2", "r1"}
	batch, err := New(adapter).ExecuteObserved(context.Background(), Request{Targets: targets, Command: "x", Timeout: time.Second}, obs)
	if err != nil {
		t.Fatalf("ExecuteObserved: %v", err)
	}

	if len(obs.started) != 3 || len(obs.finished) != 3 {
		t.Fatalf("expected 3 starts and 3 finishes, got %d/%d", len(obs.started), len(obs.finished))
	}
	for i, tgt := range targets {
		if obs.started[i] != tgt {
			t.Errorf("started[%d] = %q, want %q", i, obs.started[i], tgt)
		}
		if obs.finished[i].Device() != batch.Results[i].Device() {
			t.Errorf("finished[%d] does not match result slot", i)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	d := New(AdapterFunc(nil))

	if d.concurrency != DefaultConcurrency {
		t.Errorf("expected default concurrency %d, got %d", DefaultConcurrency, d.concurrency)
	}
	if d.log == nil {
		t.Error("default logger should not be nil")
	}
}

func TestWithConcurrency_IgnoresInvalid(t *testing.T) {
	d := New(AdapterFunc(nil), WithConcurrency(0), WithConcurrency(-1))

	if d.Concurrency() != DefaultConcurrency {
		t.Errorf("expected default concurrency %d, got %d", DefaultConcurrency, d.Concurrency())
	}
}

func TestWithConcurrency(t *testing.T) {
	d := New(AdapterFunc(nil), WithConcurrency(5))

	if d.Concurrency() != 5 {
		t.Errorf("expected concurrency 5, got %d", d.Concurrency())
	}
}

func TestExecute_RecordsStartTimes(t *testing.T) {
	adapter := &latencyAdapter{
		delay: map[string]time.Duration{"r1": 10 * time.Millisecond},
		hang:  map[string]bool{"r2": true},
	}
	before := time.Now()
	batch := mustExecute(t, New(adapter), Request{Targets: []string{"r1", "r2"}, Command: "show version", Timeout: 50 * time.Millisecond})
	after := time.Now()

	for _, r := range batch.Results {
		if r.StartedAt().Before(before) || r.StartedAt().After(after) {
			t.Errorf("%s: start %s outside the batch window", r.Device(), r.StartedAt())
		}
		if got := r.FinishedAt().Sub(r.StartedAt()); got != r.Duration() {
			t.Errorf("%s: finished - started = %s, want %s", r.Device(), got, r.Duration())
		}
	}
}
