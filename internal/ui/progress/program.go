package progress

import (
	"context"
	"fmt"
	"io"

	tea "charm.land/bubbletea/v2"

	"github.com/agent462/devbatch/internal/dispatch"
)

type startedMsg struct {
	index int
}

type finishedMsg struct {
	index  int
	result dispatch.DeviceResult
}

type doneMsg struct {
	batch *dispatch.BatchResult
	err   error
}

// Observer forwards dispatcher events into a bubbletea program. It is safe
// to call from many workers at once.
type Observer struct {
	send func(tea.Msg)
}

// NewObserver returns an Observer that delivers events with send, usually
// (*tea.Program).Send.
func NewObserver(send func(tea.Msg)) Observer {
	return Observer{send: send}
}

func (o Observer) DeviceStarted(index int, _ string) {
	o.send(startedMsg{index: index})
}

func (o Observer) DeviceFinished(index int, r dispatch.DeviceResult) {
	o.send(finishedMsg{index: index, result: r})
}

// Run executes req on d while drawing the live table on out. Quitting the
// table early cancels the devices still in flight; the batch is returned
// either way, with the cancelled devices marked failed. When the view itself
// fails the batch is still returned alongside the error.
func Run(ctx context.Context, d *dispatch.Dispatcher, req dispatch.Request, out io.Writer) (*dispatch.BatchResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(New(req.Command, req.Targets), tea.WithOutput(out), tea.WithContext(runCtx))

	type outcome struct {
		batch *dispatch.BatchResult
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		batch, err := d.ExecuteObserved(runCtx, req, NewObserver(p.Send))
		p.Send(doneMsg{batch: batch, err: err})
		done <- outcome{batch, err}
	}()

	_, uiErr := p.Run()
	cancel()
	o := <-done

	if o.err != nil {
		return nil, o.err
	}
	if uiErr != nil && ctx.Err() == nil {
		return o.batch, fmt.Errorf("progress view: %w", uiErr)
	}
	return o.batch, nil
}
