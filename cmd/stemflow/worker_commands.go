package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stemflow/internal/logging"
	"stemflow/internal/pipeline"
	"stemflow/internal/workflow"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "worker <stage>",
		Short:     "Run one stage worker (metadata, splitter or packager)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: pipeline.StageNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := pipeline.Lookup(args[0]); err != nil {
				return err
			}
			runCtx, cancel := signalContext(cmd.Context())
			defer cancel()

			rt, err := ctx.openRuntime(runCtx, args[0])
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.checkReady(runCtx, args[0]); err != nil {
				return err
			}
			rt.sweepScratch(runCtx)
			worker, err := rt.worker(runCtx, args[0])
			if err != nil {
				return err
			}
			if err := rt.host(runCtx, "", worker); err != nil {
				return err
			}
			rt.logger.Info("worker stopped", logging.String(logging.FieldStage, args[0]))
			return nil
		},
	}
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the input directory and queue new audio files",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, cancel := signalContext(cmd.Context())
			defer cancel()

			rt, err := ctx.openRuntime(runCtx, "ingest")
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.checkReady(runCtx, "ingest"); err != nil {
				return err
			}
			return rt.host(runCtx, "ingest", rt.watcher())
		},
	}
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the watcher and every stage worker in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, cancel := signalContext(cmd.Context())
			defer cancel()

			rt, err := ctx.openRuntime(runCtx, "stemflow")
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.checkReady(runCtx); err != nil {
				return err
			}
			rt.sweepScratch(runCtx)

			var runners []workflow.Runner
			if !noWatch {
				runners = append(runners, rt.watcher())
			}
			for _, name := range pipeline.StageNames() {
				worker, err := rt.worker(runCtx, name)
				if err != nil {
					return err
				}
				runners = append(runners, worker)
			}
			return rt.host(runCtx, "stemflow", runners...)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch the input directory; only process queued files")
	return cmd
}
