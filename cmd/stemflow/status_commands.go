package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stemflow/internal/backend"
	"stemflow/internal/config"
	"stemflow/internal/jobstate"
	"stemflow/internal/pipeline"
)

const timeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(timeLayout)
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [filename]",
		Short: "Show per-file pipeline status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd.Context(), func(_ *config.Config, b *backend.Backend) error {
				var records []jobstate.FileStatus
				if len(args) == 1 {
					rec, err := b.State.FileStatus(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					records = append(records, rec)
				} else {
					list, err := b.State.FilesByStatus(cmd.Context(), strings.TrimSpace(statusFilter))
					if err != nil {
						return err
					}
					records = list
				}
				if asJSON {
					return writeJSON(cmd, records)
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No files recorded")
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, rec := range records {
					rows = append(rows, []string{rec.Filename, rec.Status, rec.TrackingID, formatTime(rec.UpdatedAt), rec.Error})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"File", "Status", "Tracking ID", "Updated", "Error"},
					rows,
					nil,
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "Only list files with this status (queued, metadata_done, split_done, packaged, error)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

type jobView struct {
	TrackingID string                `json:"tracking_id"`
	Steps      map[string]bool       `json:"steps"`
	Completed  bool                  `json:"completed"`
	Summary    *jobstate.Summary     `json:"summary,omitempty"`
	LastError  *jobstate.ErrorRecord `json:"last_error,omitempty"`
}

func loadJob(ctx context.Context, store jobstate.Store, trackingID string) (jobView, error) {
	view := jobView{TrackingID: trackingID}
	var err error
	if view.Steps, err = store.Steps(ctx, trackingID); err != nil {
		return view, err
	}
	if view.Completed, err = store.IsFullyProcessed(ctx, trackingID); err != nil {
		return view, err
	}
	if view.Summary, err = store.Summary(ctx, trackingID); err != nil {
		return view, err
	}
	if view.LastError, err = store.LastError(ctx, trackingID); err != nil {
		return view, err
	}
	return view, nil
}

func newJobCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "job <tracking-id>",
		Short: "Show the job record for a tracking id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd.Context(), func(_ *config.Config, b *backend.Backend) error {
				view, err := loadJob(cmd.Context(), b.State, args[0])
				if err != nil {
					return err
				}
				if len(view.Steps) == 0 && !view.Completed && view.LastError == nil {
					return fmt.Errorf("no job recorded for %s", args[0])
				}
				if asJSON {
					return writeJSON(cmd, view)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderKeyValues(jobPairs(view)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func jobPairs(view jobView) [][2]string {
	pairs := [][2]string{{"Tracking ID", view.TrackingID}}
	for _, step := range jobstate.Steps {
		pairs = append(pairs, [2]string{"Step " + step, yesNo(view.Steps[step])})
	}
	pairs = append(pairs, [2]string{"Completed", yesNo(view.Completed)})
	if s := view.Summary; s != nil {
		pairs = append(pairs,
			[2]string{"Title", s.Title},
			[2]string{"Artist", s.Artist},
			[2]string{"Album", s.Album},
			[2]string{"Stems", strings.Join(s.StemsUsed, ", ")},
			[2]string{"Output", s.OutputPath},
			[2]string{"Completed at", formatTime(s.CompletedAt)},
		)
	}
	if e := view.LastError; e != nil {
		pairs = append(pairs,
			[2]string{"Last error", e.Message},
			[2]string{"Error stage", e.Stage},
			[2]string{"Error kind", e.Kind},
			[2]string{"Attempt", strconv.Itoa(e.Attempt)},
			[2]string{"Failed at", formatTime(e.At)},
		)
	}
	return pairs
}

func newPendingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pending [stage]",
		Short: "List delivered but unacknowledged stream entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stages := pipeline.Stages()
			if len(args) == 1 {
				stg, err := pipeline.Lookup(args[0])
				if err != nil {
					return err
				}
				stages = []pipeline.Stage{stg}
			}
			return ctx.withBackend(cmd.Context(), func(cfg *config.Config, b *backend.Backend) error {
				var rows [][]string
				for _, stg := range stages {
					group := stg.Group(cfg)
					entries, err := b.Bus.Pending(cmd.Context(), stg.Input, group)
					if err != nil {
						return fmt.Errorf("pending %s: %w", stg.Name, err)
					}
					for _, e := range entries {
						rows = append(rows, []string{
							stg.Name,
							e.ID,
							e.Consumer,
							e.Idle.Truncate(time.Second).String(),
							strconv.FormatInt(e.Deliveries, 10),
						})
					}
				}
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending entries")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Stage", "Message", "Consumer", "Idle", "Deliveries"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
				))
				return nil
			})
		},
	}
}

// resumeStatus is the status a cleared file returns to: the done status of
// the last stage whose step is recorded, else queued.
func resumeStatus(steps map[string]bool) string {
	status := jobstate.StatusQueued
	for _, stg := range pipeline.Stages() {
		if steps[stg.Step] {
			status = stg.DoneStatus
		}
	}
	return status
}

func newClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <filename>",
		Short: "Clear the error of an exhausted file and reset its retry counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filename := args[0]
			return ctx.withBackend(cmd.Context(), func(_ *config.Config, b *backend.Backend) error {
				rec, err := b.State.FileStatus(cmd.Context(), filename)
				if err != nil {
					return err
				}
				if rec.Status == jobstate.StatusUnknown {
					return fmt.Errorf("no status recorded for %s", filename)
				}
				if rec.Status != jobstate.StatusError {
					return fmt.Errorf("%s is not in the error state (status %s)", filename, rec.Status)
				}
				steps := map[string]bool{}
				if rec.TrackingID != "" {
					if steps, err = b.State.Steps(cmd.Context(), rec.TrackingID); err != nil {
						return err
					}
				}
				status := resumeStatus(steps)
				if err := b.State.ClearFileError(cmd.Context(), filename, status, pipeline.StageNames()); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Cleared %s (status %s)\n", filename, status)
				if status != jobstate.StatusPackaged {
					fmt.Fprintln(out, "The pending message is retried once a worker reclaims it")
				}
				return nil
			})
		},
	}
}
