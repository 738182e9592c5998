package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"newshound/internal/scan"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	var groupsFlag []string
	var lookbackFlag int64
	var resetFlag bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Request one scan of the selected groups",
		Long: "Publishes a scan request to the event log. A running ingest worker\n" +
			"picks the request up; nothing happens until one is started.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			log, err := ctx.openLog()
			if err != nil {
				return err
			}
			defer log.Close()

			configured := cfg.Scan.Groups
			if len(groupsFlag) > 0 {
				configured = groupsFlag
			}
			lookback := lookbackFlag
			if lookback <= 0 {
				lookback = cfg.Scan.Lookback
			}

			coordinator := scan.NewCoordinator(log, logger, cfg.GroupsSnapshotPath(), configured)
			if err := coordinator.Request(cmd.Context(), lookback, resetFlag); err != nil {
				return err
			}
			groups, _ := coordinator.Groups()
			fmt.Fprintf(cmd.OutOrStdout(), "Scan requested for %d groups\n", len(groups))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&groupsFlag, "groups", nil, "Groups to scan, overriding config and snapshot")
	cmd.Flags().Int64Var(&lookbackFlag, "lookback", 0, "Articles to look back on a first scan of a group")
	cmd.Flags().BoolVar(&resetFlag, "reset", false, "Ignore stored watermarks and rescan the lookback window")
	return cmd
}
