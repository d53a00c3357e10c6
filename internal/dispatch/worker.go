package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// outcome is what an adapter lane hands back to its worker.
type outcome struct {
	output string
	err    error
}

// run drives one adapter call for device and converts whatever happens into
// a terminal DeviceResult. It never panics and never returns early without a
// result.
//
// On timeout the adapter context is cancelled and the worker stops waiting.
// An adapter that ignores ctx keeps its goroutine (and its connection) alive
// until the call returns on its own; that goroutine no longer holds a
// concurrency slot, so abandoned calls are not counted against the limit.
func (d *Dispatcher) run(parent context.Context, device, command string, timeout time.Duration) DeviceResult {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	// Buffered so an abandoned lane can always deliver and exit.
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &UnexpectedWorkerError{Device: device, Cause: fmt.Sprintf("panic: %v", p)}}
			}
		}()
		out, err := d.adapter.Run(ctx, device, command)
		done <- outcome{output: out, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var r DeviceResult
	select {
	case o := <-done:
		r = classify(ctx, device, o, time.Since(start), timeout)

	case <-timer.C:
		r = TimedOut(device, timeout)

	case <-parent.Done():
		r = Failed(device, &TargetExecutionError{
			Device: device,
			Err:    fmt.Errorf("batch cancelled: %w", parent.Err()),
		}, time.Since(start))
	}
	return r.startedAt(start)
}

// classify maps a completed adapter call onto a terminal result.
func classify(ctx context.Context, device string, o outcome, elapsed, timeout time.Duration) DeviceResult {
	if o.err == nil {
		return Succeeded(device, o.output, elapsed)
	}

	var unexpected *UnexpectedWorkerError
	if errors.As(o.err, &unexpected) {
		return Failed(device, o.err, elapsed)
	}

	// The adapter noticed our deadline before the timer fired.
	if errors.Is(o.err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return TimedOut(device, timeout)
	}

	return Failed(device, &TargetExecutionError{Device: device, Err: o.err}, elapsed)
}
