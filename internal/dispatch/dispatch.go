// Package dispatch runs one command against many network devices at once and
// collects an ordered, per-device result set.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/agent462/devbatch/internal/logging"
)

// DefaultConcurrency is the number of devices contacted in parallel when
// neither the Dispatcher nor the Request sets a limit.
const DefaultConcurrency = 40

// Adapter performs one blocking round trip to a single device: connect, send
// the command, return its output. Implementations should return promptly once
// ctx is done, but the Dispatcher does not rely on it.
type Adapter interface {
	Run(ctx context.Context, device string, command string) (string, error)
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, device string, command string) (string, error)

// Run calls f.
func (f AdapterFunc) Run(ctx context.Context, device string, command string) (string, error) {
	return f(ctx, device, command)
}

// Policy vets a command before any device is contacted.
type Policy interface {
	Check(command string) error
}

// Observer is told when each worker starts and finishes. Methods are called
// from worker goroutines and must be safe for concurrent use.
type Observer interface {
	DeviceStarted(index int, device string)
	DeviceFinished(index int, result DeviceResult)
}

// Request describes one batch.
type Request struct {
	Targets        []string      // order is preserved; duplicates are run independently
	Command        string
	Timeout        time.Duration // per device
	MaxConcurrency int           // 0 uses the Dispatcher's limit
}

// Dispatcher fans a command out across devices with bounded concurrency.
type Dispatcher struct {
	adapter     Adapter
	concurrency int
	policy      Policy
	log         logrus.FieldLogger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency sets the default maximum number of devices contacted at once.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithPolicy installs a command policy checked during validation.
func WithPolicy(p Policy) Option {
	return func(d *Dispatcher) {
		d.policy = p
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// New creates a Dispatcher that reaches devices through adapter.
func New(adapter Adapter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		adapter:     adapter,
		concurrency: DefaultConcurrency,
		log:         logging.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Concurrency returns the default parallelism limit.
func (d *Dispatcher) Concurrency() int {
	return d.concurrency
}

// Execute runs req and returns one result per target, in request order.
// The only error it returns is a *ValidationError, in which case no device
// was contacted.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*BatchResult, error) {
	return d.ExecuteObserved(ctx, req, nil)
}

// ExecuteObserved is Execute with progress notifications sent to obs.
func (d *Dispatcher) ExecuteObserved(ctx context.Context, req Request, obs Observer) (*BatchResult, error) {
	if err := d.validate(req); err != nil {
		return nil, err
	}

	limit := d.concurrency
	if req.MaxConcurrency > 0 {
		limit = req.MaxConcurrency
	}

	batch := &BatchResult{
		ID:      uuid.NewString(),
		Command: req.Command,
		Results: make([]DeviceResult, len(req.Targets)),
	}
	log := d.log.WithField("batch_id", batch.ID)
	log.WithFields(logrus.Fields{
		"targets":     len(req.Targets),
		"concurrency": limit,
		"timeout":     req.Timeout.String(),
	}).Info("batch started")

	start := time.Now()
	sem := semaphore.NewWeighted(int64(limit))
	var wg sync.WaitGroup

	for i, target := range req.Targets {
		// Lanes are handed out in request order.
		if err := sem.Acquire(ctx, 1); err != nil {
			r := Failed(target, &TargetExecutionError{
				Device: target,
				Err:    fmt.Errorf("batch cancelled before start: %w", err),
			}, 0)
			batch.Results[i] = r
			if obs != nil {
				obs.DeviceFinished(i, r)
			}
			continue
		}

		wg.Add(1)
		go func(idx int, device string) {
			defer wg.Done()
			defer sem.Release(1)

			if obs != nil {
				obs.DeviceStarted(idx, device)
			}
			r := d.run(ctx, device, req.Command, req.Timeout)
			batch.Results[idx] = r

			entry := log.WithFields(logrus.Fields{
				"device":   device,
				"index":    idx,
				"status":   r.Status().String(),
				"duration": r.Duration().String(),
			})
			if r.Err() != nil {
				entry = entry.WithError(r.Err())
			}
			entry.Debug("device finished")

			if obs != nil {
				obs.DeviceFinished(idx, r)
			}
		}(i, target)
	}

	wg.Wait()

	batch.Duration = time.Since(start)
	batch.Summary = Summarize(batch.Results)

	log.WithFields(logrus.Fields{
		"succeeded": batch.Summary.Succeeded,
		"failed":    batch.Summary.Failed,
		"timed_out": batch.Summary.TimedOut,
		"duration":  batch.Duration.String(),
	}).Info("batch finished")

	return batch, nil
}

func (d *Dispatcher) validate(req Request) error {
	if len(req.Targets) == 0 {
		return &ValidationError{Field: "targets", Reason: "must not be empty"}
	}
	for i, t := range req.Targets {
		if strings.TrimSpace(t) == "" {
			return &ValidationError{Field: "targets", Reason: fmt.Sprintf("target %d is blank", i)}
		}
	}
	if strings.TrimSpace(req.Command) == "" {
		return &ValidationError{Field: "command", Reason: "must not be empty"}
	}
	if req.Timeout <= 0 {
		return &ValidationError{Field: "timeout", Reason: fmt.Sprintf("must be positive, got %s", req.Timeout)}
	}
	if req.MaxConcurrency < 0 {
		return &ValidationError{Field: "max_concurrency", Reason: fmt.Sprintf("must be positive, got %d", req.MaxConcurrency)}
	}
	if d.policy != nil {
		if err := d.policy.Check(req.Command); err != nil {
			return &ValidationError{Field: "command", Reason: err.Error(), Err: err}
		}
	}
	return nil
}
