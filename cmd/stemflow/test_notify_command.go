package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stemflow/internal/logging"
	"stemflow/internal/notifications"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification to every configured channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			svc := notifications.NewService(cfg, logging.NewNop())
			channels := notifications.Channels(svc)
			if len(channels) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No notification channels configured; notification not sent")
				return nil
			}
			if err := svc.Publish(cmd.Context(), notifications.EventTest, nil); err != nil {
				return fmt.Errorf("send test notification: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Test notification sent via %s\n", strings.Join(channels, ", "))
			return nil
		},
	}
}
