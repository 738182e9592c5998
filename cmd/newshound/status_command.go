package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"newshound/internal/aggregate"
	"newshound/internal/expand"
	"newshound/internal/ingest"
	"newshound/internal/nzbstore"
	"newshound/internal/writer"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the index, the manifest archive and worker progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			manifests, err := ctx.openManifests()
			if err != nil {
				return err
			}
			defer manifests.Close()
			log, err := ctx.openLog()
			if err != nil {
				return err
			}
			defer log.Close()

			stats, err := st.CollectStats(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := manifests.CountBySource(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			indexRows := [][]string{
				{"Groups scanned", strconv.Itoa(stats.GroupsScanned)},
				{"Header facts", strconv.FormatInt(stats.HeaderFacts, 10)},
				{"Index file facts", strconv.FormatInt(stats.NZBFileFacts, 10)},
				{"Failed fetches", strconv.FormatInt(stats.NZBFailedFacts, 10)},
				{"Catalog releases", strconv.FormatInt(stats.Releases, 10)},
				{"Manifests found", strconv.FormatInt(counts[nzbstore.SourceFound], 10)},
				{"Manifests generated", strconv.FormatInt(counts[nzbstore.SourceGenerated], 10)},
			}
			fmt.Fprintln(out, renderTable([]string{"Index", "Count"}, indexRows,
				[]columnAlignment{alignLeft, alignRight}))

			if stats.HasRun {
				fmt.Fprintf(out, "Last aggregation: %s (%d kept, %d rejected)\n",
					stats.LastRun.RanAt, stats.LastRun.Kept, stats.LastRun.Rejected)
			} else {
				fmt.Fprintln(out, "No aggregation has run yet")
			}

			maxID, err := log.MaxID(cmd.Context())
			if err != nil {
				return err
			}
			services := []string{
				ingest.Service,
				expand.Service,
				writer.Service,
				aggregate.TriggerService,
				aggregate.BuilderService,
			}
			cursorRows := make([][]string, 0, len(services))
			for _, service := range services {
				cursor, err := log.Cursor(cmd.Context(), service)
				if err != nil {
					return err
				}
				cursorRows = append(cursorRows, []string{
					service,
					strconv.FormatInt(cursor, 10),
					strconv.FormatInt(maxID-cursor, 10),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Consumer", "Cursor", "Behind"}, cursorRows,
				[]columnAlignment{alignLeft, alignRight, alignRight}))
			return nil
		},
	}
}
