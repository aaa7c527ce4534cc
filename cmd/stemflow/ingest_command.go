package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"stemflow/internal/backend"
	"stemflow/internal/config"
	"stemflow/internal/ingest"
	"stemflow/internal/logging"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var trackingID string

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Queue audio files without waiting for the watcher",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if trackingID != "" && len(args) > 1 {
				return errors.New("--tracking-id applies to a single file")
			}
			return ctx.withBackend(cmd.Context(), func(cfg *config.Config, b *backend.Backend) error {
				ing := ingest.NewIngester(cfg, b.Bus, b.State, nil, logging.NewNop())
				rows := make([][]string, 0, len(args))
				var errs []error
				for _, arg := range args {
					path, err := config.ExpandPath(arg)
					if err != nil {
						return err
					}
					if abs, err := filepath.Abs(path); err == nil {
						path = abs
					}
					out, err := ing.Ingest(cmd.Context(), path, ingest.Options{TrackingID: trackingID})
					switch {
					case err != nil:
						errs = append(errs, fmt.Errorf("%s: %w", arg, err))
						rows = append(rows, []string{arg, "failed", "", err.Error()})
					case out.Skipped != "":
						rows = append(rows, []string{arg, "skipped", out.TrackingID, out.Skipped})
					default:
						rows = append(rows, []string{arg, "queued", out.TrackingID, out.Filename})
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"File", "Result", "Tracking ID", "Detail"},
					rows,
					nil,
				))
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().StringVar(&trackingID, "tracking-id", "", "Use this tracking id instead of the content hash")
	return cmd
}
