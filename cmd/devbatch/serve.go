package main

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/agent462/devbatch/internal/api"
	"github.com/agent462/devbatch/internal/ssh"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		listen   string
		insecure bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the batch API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv, err := a.loadInventory()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("listen") {
				listen = a.cfg.Server.Listen
			}

			base := ssh.ClientConfig{
				AcceptUnknownHosts: insecure || a.cfg.SSH.Insecure,
				KnownHostsFile:     a.cfg.SSH.KnownHosts,
			}
			gin.SetMode(gin.ReleaseMode)
			srv := api.NewServer(a.dispatcher(inv, base), inv,
				api.WithDefaultTimeout(a.cfg.Defaults.Timeout.Duration),
				api.WithLogger(a.log),
			)
			return srv.Run(cmd.Context(), listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default from config)")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip host key verification")
	return cmd
}
