package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stemflow/internal/logs"
)

const followWait = 2 * time.Second

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		lines  int
		follow bool
		filter logs.Filter
	)

	cmd := &cobra.Command{
		Use:   "logs [name]",
		Short: "Print a process log (stemflow, ingest, metadata, splitter, packager)",
		Long: "Print the JSON log a process appends to <log_dir>/<name>.log.\n" +
			"Without a name every log is searched, which is useful with --tracking-id.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				if follow {
					return errors.New("--follow needs a log name")
				}
				paths, err := filepath.Glob(filepath.Join(cfg.Paths.LogDir, "*.log"))
				if err != nil {
					return err
				}
				sort.Strings(paths)
				for _, path := range paths {
					res, err := logs.Tail(cmd.Context(), path, logs.TailOptions{Offset: -1, Limit: lines, Filter: filter})
					if err != nil {
						return err
					}
					name := strings.TrimSuffix(filepath.Base(path), ".log")
					for _, line := range res.Lines {
						fmt.Fprintf(out, "%s: %s\n", name, line)
					}
				}
				return nil
			}

			path := filepath.Join(cfg.Paths.LogDir, args[0]+".log")
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no log for %q in %s", args[0], cfg.Paths.LogDir)
			}
			res, err := logs.Tail(cmd.Context(), path, logs.TailOptions{Offset: -1, Limit: lines, Filter: filter})
			if err != nil {
				return err
			}
			for _, line := range res.Lines {
				fmt.Fprintln(out, line)
			}
			if !follow {
				return nil
			}

			followCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			offset := res.Offset
			for followCtx.Err() == nil {
				res, err := logs.Tail(followCtx, path, logs.TailOptions{Offset: offset, Follow: true, Wait: followWait, Filter: filter})
				if err != nil {
					if followCtx.Err() != nil {
						return nil
					}
					return err
				}
				offset = res.Offset
				for _, line := range res.Lines {
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of matching lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	cmd.Flags().StringVar(&filter.TrackingID, "tracking-id", "", "Only lines for this tracking id")
	cmd.Flags().StringVar(&filter.Stage, "stage", "", "Only lines for this stage")
	cmd.Flags().StringVar(&filter.Level, "level", "", "Minimum level (debug, info, warn, error)")
	return cmd
}
