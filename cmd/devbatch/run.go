package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agent462/devbatch/internal/config"
	"github.com/agent462/devbatch/internal/dispatch"
	"github.com/agent462/devbatch/internal/inventory"
	"github.com/agent462/devbatch/internal/ssh"
	uiexec "github.com/agent462/devbatch/internal/ui/exec"
	"github.com/agent462/devbatch/internal/ui/progress"
)

type runOptions struct {
	group       string
	command     string
	timeout     time.Duration
	concurrency int
	json        bool
	watch       bool
	errorsOnly  bool
	askPass     bool
	insecure    bool
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [devices...]",
		Short: "Run a command on devices from the inventory",
		Example: `  devbatch run -g core -c "show version"
  devbatch run router1 router2 -c "show interfaces terse" --timeout 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBatch(cmd, args, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.group, "group", "g", "", "device group from the config")
	f.StringVarP(&opts.command, "command", "c", "", "command to run on every device")
	f.DurationVar(&opts.timeout, "timeout", 0, "per-device timeout (default from config)")
	f.IntVar(&opts.concurrency, "concurrency", 0, "max devices contacted at once (default from config)")
	f.BoolVar(&opts.json, "json", false, "print the batch as JSON")
	f.BoolVar(&opts.watch, "watch", false, "show a live table while the batch runs")
	f.BoolVar(&opts.errorsOnly, "errors-only", false, "only print failed and timed out devices")
	f.BoolVar(&opts.askPass, "ask-pass", false, "prompt for a password to try after keys")
	f.BoolVar(&opts.insecure, "insecure", false, "skip host key verification")
	return cmd
}

func (a *app) runBatch(cmd *cobra.Command, args []string, opts runOptions) error {
	targets, err := config.ResolveTargets(a.cfg, opts.group, args)
	if err != nil {
		return err
	}
	inv, err := a.loadInventory()
	if err != nil {
		return err
	}

	base := ssh.ClientConfig{
		AcceptUnknownHosts: opts.insecure || a.cfg.SSH.Insecure,
		KnownHostsFile:     a.cfg.SSH.KnownHosts,
	}
	if opts.askPass {
		pw, err := readPassword(a.errOut)
		if err != nil {
			return err
		}
		base.PasswordCallback = func(string) (string, error) { return pw, nil }
	}

	req := dispatch.Request{
		Targets:        targets,
		Command:        opts.command,
		Timeout:        a.cfg.Defaults.Timeout.Duration,
		MaxConcurrency: opts.concurrency,
	}
	if cmd.Flags().Changed("timeout") {
		req.Timeout = opts.timeout
	}

	var batch *dispatch.BatchResult
	if opts.watch {
		// The table owns the terminal; log lines would tear it.
		a.log.SetOutput(io.Discard)
		batch, err = progress.Run(cmd.Context(), a.dispatcher(inv, base), req, a.out)
		a.log.SetOutput(a.errOut)
		if err != nil && batch != nil {
			a.log.WithError(err).Warn("live view stopped")
			err = nil
		}
	} else {
		batch, err = a.dispatcher(inv, base).Execute(cmd.Context(), req)
	}
	if err != nil {
		return err
	}

	if err := a.printBatch(batch, opts); err != nil {
		return err
	}
	if !batch.OK() {
		return errDeviceFailures
	}
	return nil
}

// dispatcher wires the inventory's SSH runner into a Dispatcher.
func (a *app) dispatcher(inv *inventory.Inventory, base ssh.ClientConfig) *dispatch.Dispatcher {
	runner := ssh.NewRunner(base, inv.HostConfigs(), ssh.WithRunnerLogger(a.log))
	opts := []dispatch.Option{
		dispatch.WithConcurrency(a.cfg.Defaults.Concurrency),
		dispatch.WithLogger(a.log),
	}
	if p := a.policy(); p != nil {
		opts = append(opts, dispatch.WithPolicy(p))
	}
	return dispatch.New(runner, opts...)
}

func (a *app) printBatch(batch *dispatch.BatchResult, opts runOptions) error {
	if opts.json || a.cfg.Defaults.Output == "json" {
		data, err := uiexec.FormatJSON(batch)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.out, string(data))
		return err
	}
	f := uiexec.NewFormatter(isTerminal(a.out), opts.errorsOnly)
	_, err := fmt.Fprint(a.out, f.Format(batch))
	return err
}

func readPassword(prompt io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--ask-pass needs an interactive terminal")
	}
	fmt.Fprint(prompt, "Device password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
