package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/app"
	"github.com/JakeFAU/maps-harvester/internal/config"
	"github.com/JakeFAU/maps-harvester/internal/logging"
)

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "harvester",
		Short:         "Resilient unattended scraping job engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	root.AddCommand(newRunCmd(&cfgPath))
	root.AddCommand(newServeCmd(&cfgPath))
	return root
}

// bootstrap loads configuration, builds the logger, and assembles the
// application container.
func bootstrap(ctx context.Context, cfgPath string) (*app.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init application: %w", err)
	}
	return a, nil
}
