package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"newshound/internal/scan"
)

func newGroupsCommand(ctx *commandContext) *cobra.Command {
	groupsCmd := &cobra.Command{
		Use:   "groups",
		Short: "Discover and inspect binary newsgroups",
	}

	groupsCmd.AddCommand(newGroupsRefreshCommand(ctx))
	groupsCmd.AddCommand(newGroupsListCommand(ctx))

	return groupsCmd
}

func newGroupsRefreshCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the server group list and cache the snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client, err := ctx.dialServer()
			if err != nil {
				return fmt.Errorf("connect to server: %w", err)
			}
			defer client.Quit()

			count, err := scan.RefreshSnapshot(client, cfg.GroupsSnapshotPath())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cached %d groups to %s\n", count, cfg.GroupsSnapshotPath())
			return nil
		},
	}
}

func newGroupsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the cached binary groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			groups := scan.LoadSnapshot(cfg.GroupsSnapshotPath())
			if len(groups) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cached groups; run `newshound groups refresh` first")
				return nil
			}
			rows := make([][]string, 0, len(groups))
			for i, group := range groups {
				rows = append(rows, []string{strconv.Itoa(i + 1), group})
			}
			table := renderTable([]string{"#", "Group"}, rows, []columnAlignment{alignRight, alignLeft})
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}
