// Package main is the entry point for the waypoint service. It wires region
// tracking, arrival detection, and the workflow engine together behind the
// HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/config"
	"github.com/pitabwire/waypoint/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "waypoint",
		Short:         "Geofenced arrival detection and resumable device workflows",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	load := func() (*config.Config, *zap.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("configuration error: %w", err)
		}
		observability.Version = version
		observability.Commit = commit
		logger, err := observability.NewLogger(cfg.Observability)
		if err != nil {
			return nil, nil, fmt.Errorf("logger error: %w", err)
		}
		return cfg, logger, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newValidateCmd(load),
		newRefreshCmd(load),
	)
	return root
}

// loadFunc loads the configuration and builds the logger.
type loadFunc func() (*config.Config, *zap.Logger, error)
