package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"newshound/internal/aggregate"
	"newshound/internal/expand"
	"newshound/internal/ingest"
	"newshound/internal/scan"
	"newshound/internal/verify"
	"newshound/internal/writer"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a long-lived pipeline stage",
	}

	workerCmd.AddCommand(newWorkerScanCommand(ctx))
	workerCmd.AddCommand(newWorkerIngestCommand(ctx))
	workerCmd.AddCommand(newWorkerExpandCommand(ctx))
	workerCmd.AddCommand(newWorkerPersistCommand(ctx))
	workerCmd.AddCommand(newWorkerAggregateCommand(ctx))

	return workerCmd
}

// signalContext cancels on SIGINT or SIGTERM so workers shut down cleanly.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func newWorkerScanCommand(ctx *commandContext) *cobra.Command {
	var intervalFlag int

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Publish scan requests on a fixed interval",
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

			interval := cfg.ScanInterval()
			if intervalFlag > 0 {
				interval = time.Duration(intervalFlag) * time.Second
			}

			runCtx, cancel := signalContext(cmd.Context())
			defer cancel()

			coordinator := scan.NewCoordinator(log, logger, cfg.GroupsSnapshotPath(), cfg.Scan.Groups)
			return coordinator.Run(runCtx, interval, cfg.Scan.Lookback)
		},
	}

	cmd.Flags().IntVar(&intervalFlag, "interval", 0, "Seconds between scan requests, overriding config")
	return cmd
}

func newWorkerIngestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Consume scan requests and harvest headers from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireServer(); err != nil {
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
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runCtx, cancel := signalContext(cmd.Context())
			defer cancel()

			return ingest.New(cfg, log, st, logger, nil).Run(runCtx)
		},
	}
}

func newWorkerExpandCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "expand",
		Short: "Fetch candidate index articles and expand their file lists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireServer(); err != nil {
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
			manifests, err := ctx.openManifests()
			if err != nil {
				return err
			}
			defer manifests.Close()

			runCtx, cancel := signalContext(cmd.Context())
			defer cancel()

			return expand.New(cfg, log, manifests, logger, nil).Run(runCtx)
		},
	}
}

func newWorkerPersistCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "persist",
		Short: "Commit harvested facts and watermarks to the index",
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
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runCtx, cancel := signalContext(cmd.Context())
			defer cancel()

			return writer.New(cfg, log, st, logger).Run(runCtx)
		},
	}
}

func newWorkerAggregateCommand(ctx *commandContext) *cobra.Command {
	var noVerify bool

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Rebuild the catalog when pipeline activity settles",
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

			runCtx, cancel := signalContext(cmd.Context())
			defer cancel()

			engine := aggregate.NewEngine(cfg, st, manifests, logger, prober)
			trigger := aggregate.NewTrigger(cfg, log, logger)
			builder := aggregate.NewBuilder(cfg, log, engine, logger)

			errs := make(chan error, 2)
			go func() { errs <- trigger.Run(runCtx) }()
			go func() { errs <- builder.Run(runCtx) }()

			err = <-errs
			cancel()
			if second := <-errs; err == nil {
				err = second
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip spot-checking generated manifests against the server")
	return cmd
}
