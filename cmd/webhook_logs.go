package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func webhookLogsCmd() *cobra.Command {
	var (
		instance string
		limit    int
		payload  bool
	)
	cmd := &cobra.Command{
		Use:   "webhook-logs",
		Short: "Show recent inbound webhook debug logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			stores, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			if stores.Close != nil {
				defer stores.Close()
			}

			logs, err := stores.WebhookLogs.Recent(ctx, instance, limit)
			if err != nil {
				return fmt.Errorf("read webhook logs: %w", err)
			}
			if len(logs) == 0 {
				fmt.Println("No webhook logs.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tINSTANCE\tEVENT\tSTATUS\tERROR")
			for _, l := range logs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", l.CreatedAt.Local().Format(time.DateTime),
					l.InstanceID, l.Event, l.Status, l.Error)
				if payload && l.Payload != "" {
					fmt.Fprintf(tw, "\t%s\n", l.Payload)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "filter by instance id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.Flags().BoolVar(&payload, "payload", false, "print stored payloads")
	return cmd
}
