//go:build !test

// Code coverage for main is ignored for now.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/remu/internal/config"
)

type rootOptions struct {
	configFiles []string
	logLevel    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "remu",
		Short:        "Orchestrates ephemeral lab units on VirtualBox nodes",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSliceVarP(&opts.configFiles, "config", "c", nil, "YAML config files, applied in order over the defaults")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(
		newServeCommand(opts),
		newImportTemplatesCommand(opts),
		newMigrateCommand(opts),
		newKeygenCommand(),
	)
	return cmd
}

// loadConfig reads the config files and sets up logging from them
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.logLevel != "" {
		if _, err := log.ParseLevel(o.logLevel); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(o.configFiles...)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(cfg.Level())
	return cfg, nil
}
