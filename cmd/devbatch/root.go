package main

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agent462/devbatch/internal/config"
	"github.com/agent462/devbatch/internal/guard"
	"github.com/agent462/devbatch/internal/inventory"
	"github.com/agent462/devbatch/internal/logging"
)

// app carries global flags and the state every subcommand shares.
type app struct {
	configPath    string
	inventoryPath string
	logLevel      string
	logFormat     string

	cfg *config.Config
	log *logrus.Logger

	out    io.Writer
	errOut io.Writer
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "devbatch",
		Short:         "Run one read-only command across many network devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/devbatch/config.yaml)")
	pf.StringVar(&a.inventoryPath, "inventory", "", "device inventory file (overrides the config)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		newRunCmd(a),
		newServeCmd(a),
		newCallCmd(a),
		newDevicesCmd(a),
		newVersionCmd(a),
	)
	return root
}

// setup loads the config and builds the logger. Flags win over the file.
func (a *app) setup() error {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.Load(a.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}
	if a.inventoryPath != "" {
		cfg.Inventory = a.inventoryPath
	}

	opts := logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: a.errOut}
	if a.logLevel != "" {
		opts.Level = a.logLevel
	}
	if a.logFormat != "" {
		opts.Format = a.logFormat
	}
	log, err := logging.New(opts)
	if err != nil {
		return err
	}

	a.cfg, a.log = cfg, log
	return nil
}

func (a *app) loadInventory() (*inventory.Inventory, error) {
	if a.cfg.Inventory == "" {
		return nil, fmt.Errorf("no inventory configured: set inventory in the config or pass --inventory")
	}
	inv, err := inventory.Load(a.cfg.Inventory)
	if err != nil {
		return nil, err
	}
	a.log.WithFields(logrus.Fields{"path": a.cfg.Inventory, "devices": inv.Len()}).Debug("inventory loaded")
	return inv, nil
}

// policy returns the configured blocklist, or nil when none is set.
func (a *app) policy() *guard.Blocklist {
	if a.cfg.Blocklist == "" {
		return nil
	}
	return guard.Load(a.cfg.Blocklist)
}
