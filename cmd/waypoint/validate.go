package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/waypoint/internal/definition"
	"github.com/pitabwire/waypoint/internal/region"
)

func newValidateCmd(load loadFunc) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate workflow definitions without starting the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			// Handlers only need to exist for validation; they are never invoked.
			actions := buildActions(cfg.Actions, region.NewCache(region.StaticSource(nil)), nil, logger)
			defs, err := loadDefinitions(cfg.Definitions, actions)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			reg := definition.NewRegistry(defs, cfg.Definitions.Triggers)
			fmt.Fprintf(out, "%d definitions OK (checksum %s)\n", reg.Count(), reg.Checksum())
			if verbose {
				for _, def := range defs {
					fmt.Fprintln(out, definition.Describe(def))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every definition's graph")
	return cmd
}
