// Command devbatch runs one read-only command across many network devices
// and reports every device's outcome in request order.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/agent462/devbatch/internal/ssh"
)

// Exit statuses.
const (
	exitOK       = 0
	exitFailures = 1 // at least one device failed or timed out
	exitSetup    = 2 // invalid request, config or inventory
)

// errDeviceFailures signals a batch that ran but did not fully succeed. The
// batch output already explains it, so nothing more is printed.
var errDeviceFailures = errors.New("one or more devices did not succeed")

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	defer ssh.CloseAgent()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{out: stdout, errOut: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil && code != exitFailures {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errDeviceFailures):
		return exitFailures
	default:
		return exitSetup
	}
}
