//go:build !test

package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/remu/internal/config"
	"github.com/jbweber/homelab/remu/internal/hypervisor"
	"github.com/jbweber/homelab/remu/internal/hypervisor/sim"
	"github.com/jbweber/homelab/remu/internal/unit"
)

func newImportTemplatesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import-templates",
		Short: "Import workshop templates missing from the hypervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			driver, closeDriver, err := openDriver(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeDriver()

			catalog, err := unit.LoadCatalog(cfg.TemplatesPath())
			if err != nil {
				return err
			}
			imported, err := unit.ImportTemplates(cmd.Context(), driver, catalog)
			if err != nil {
				return err
			}
			for _, name := range imported {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			log.WithField("count", len(imported)).Info("templates imported")
			return nil
		},
	}
}

// openDriver opens the configured hypervisor and checks that it responds
func openDriver(ctx context.Context, cfg *config.Config) (hypervisor.Driver, func(), error) {
	var (
		driver    hypervisor.Driver
		closeFunc = func() {}
	)
	switch cfg.Hypervisor.Driver {
	case "sim":
		h, err := sim.Open(cfg.SimPath())
		if err != nil {
			return nil, nil, err
		}
		driver = h
		closeFunc = func() {
			if err := h.Close(); err != nil {
				log.WithError(err).Warn("failed to close simulator")
			}
		}
	default:
		driver = hypervisor.NewVBoxManage(cfg.Hypervisor.VBoxManage, nil)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := driver.Ping(pingCtx); err != nil {
		closeFunc()
		return nil, nil, fmt.Errorf("hypervisor unreachable: %w", err)
	}
	return driver, closeFunc, nil
}
