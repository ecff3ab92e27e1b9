package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/waypoint/internal/region"
)

func newRefreshCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-regions",
		Short: "Fetch the region set once and store it as the current snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			st, err := openStores(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			src, err := regionSource(cfg.Regions, nil, logger)
			if err != nil {
				return err
			}
			cache := region.NewCache(src,
				region.WithSnapshotStore(st.snapshots),
				region.WithRefreshTimeout(cfg.Regions.RefreshTimeout),
				region.WithLogger(logger),
			)
			if !cache.Refresh(ctx) {
				return fmt.Errorf("region refresh failed, previous snapshot kept")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d regions stored at %s\n",
				cache.Count(), cache.LastRefreshTime().UTC().Format(time.RFC3339))
			return nil
		},
	}
}
