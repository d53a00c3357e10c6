package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type deviceResultJSON struct {
	Device     string     `json:"device"`
	Status     string     `json:"status"`
	Output     *string    `json:"output,omitempty"`
	Error      *string    `json:"error,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// MarshalJSON encodes the result in its wire shape. Output is written only
// for succeeded results and error only for failed and timed out ones, even
// when the value is empty.
func (r DeviceResult) MarshalJSON() ([]byte, error) {
	w := deviceResultJSON{
		Device:     r.device,
		Status:     r.status.String(),
		DurationMS: r.duration.Milliseconds(),
	}
	if r.status == StatusSucceeded {
		out := r.output
		w.Output = &out
	} else {
		msg := r.ErrorMessage()
		w.Error = &msg
	}
	if !r.started.IsZero() {
		started, finished := r.started.UTC(), r.FinishedAt().UTC()
		w.StartedAt, w.FinishedAt = &started, &finished
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a wire result. Error messages come back as plain
// errors; their original types do not survive the round trip.
func (r *DeviceResult) UnmarshalJSON(data []byte) error {
	var w deviceResultJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	status, ok := parseStatus(w.Status)
	if !ok {
		return fmt.Errorf("unknown device status %q", w.Status)
	}
	d := time.Duration(w.DurationMS) * time.Millisecond

	switch status {
	case StatusSucceeded:
		*r = Succeeded(w.Device, deref(w.Output), d)
	default:
		*r = DeviceResult{device: w.Device, status: status, err: errors.New(deref(w.Error)), duration: clampDuration(d)}
	}
	if w.StartedAt != nil {
		r.started = *w.StartedAt
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type batchResultJSON struct {
	ID         string         `json:"batch_id,omitempty"`
	Command    string         `json:"command,omitempty"`
	Results    []DeviceResult `json:"results"`
	Summary    Summary        `json:"summary"`
	DurationMS int64          `json:"duration_ms"`
}

// MarshalJSON encodes the batch as the response document.
func (b BatchResult) MarshalJSON() ([]byte, error) {
	results := b.Results
	if results == nil {
		results = []DeviceResult{}
	}
	return json.Marshal(batchResultJSON{
		ID:         b.ID,
		Command:    b.Command,
		Results:    results,
		Summary:    b.Summary,
		DurationMS: b.Duration.Milliseconds(),
	})
}

// UnmarshalJSON decodes a response document.
func (b *BatchResult) UnmarshalJSON(data []byte) error {
	var w batchResultJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*b = BatchResult{
		ID:       w.ID,
		Command:  w.Command,
		Results:  w.Results,
		Summary:  w.Summary,
		Duration: time.Duration(w.DurationMS) * time.Millisecond,
	}
	return nil
}
