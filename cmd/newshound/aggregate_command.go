package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"newshound/internal/aggregate"
	"newshound/internal/verify"
)

func newAggregateCommand(ctx *commandContext) *cobra.Command {
	var noVerify bool

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Rebuild the release catalog from stored facts once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
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

			var prober verify.Stater
			if !noVerify {
				client, err := ctx.dialServer()
				if err != nil {
					fmt.Fprintf(os.Stderr, "warn: server unreachable, generated manifests go unverified: %v\n", err)
				} else {
					defer client.Quit()
					prober = client
				}
			}

			engine := aggregate.NewEngine(cfg, st, manifests, logger, prober)
			stats, err := engine.Run(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Raw releases:        %d\n", stats.RawReleases)
			fmt.Fprintf(out, "Catalog releases:    %d\n", stats.Kept)
			fmt.Fprintf(out, "Rejected:            %d\n", stats.Rejected)
			fmt.Fprintf(out, "Manifests generated: %d\n", stats.ManifestsGenerated)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip spot-checking generated manifests against the server")
	return cmd
}
