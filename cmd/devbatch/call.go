package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/agent462/devbatch/internal/api"
	"github.com/agent462/devbatch/internal/client"
	"github.com/agent462/devbatch/internal/config"
)

func newCallCmd(a *app) *cobra.Command {
	var (
		server string
		opts   runOptions
	)
	cmd := &cobra.Command{
		Use:   "call [devices...]",
		Short: "Run a batch through a devbatch server",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := config.ResolveTargets(a.cfg, opts.group, args)
			if err != nil {
				return err
			}
			if server == "" {
				server = "http://" + a.cfg.Server.Listen
			}

			req := api.BatchRequest{
				Targets:        targets,
				Command:        opts.command,
				MaxConcurrency: opts.concurrency,
			}
			if cmd.Flags().Changed("timeout") {
				secs := opts.timeout.Seconds()
				req.TimeoutSeconds = &secs
			}

			batch, err := client.New(strings.TrimRight(server, "/")).ExecuteBatch(cmd.Context(), req)
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
		},
	}

	f := cmd.Flags()
	f.StringVar(&server, "server", "", "server URL (default http://<server.listen from config>)")
	f.StringVarP(&opts.group, "group", "g", "", "device group from the local config")
	f.StringVarP(&opts.command, "command", "c", "", "command to run on every device")
	f.DurationVar(&opts.timeout, "timeout", 0, "per-device timeout (default from the server)")
	f.IntVar(&opts.concurrency, "concurrency", 0, "max devices contacted at once (default from the server)")
	f.BoolVar(&opts.json, "json", false, "print the batch as JSON")
	f.BoolVar(&opts.errorsOnly, "errors-only", false, "only print failed and timed out devices")
	return cmd
}
