package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"shop-monitor-backend/internal/outbox"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and retry partner sync events",
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List sync events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ob, err := openOutbox()
			if err != nil {
				return err
			}
			events, err := ob.List(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tRESOURCE\tSTATUS\tATTEMPTS\tCREATED\tERROR")
			for _, ev := range events {
				fmt.Fprintf(w, "%d\t%s\t%s/%d\t%s\t%d\t%s\t%s\n",
					ev.ID, ev.EventType, ev.ResourceType, ev.ResourceID, ev.Status, ev.Attempts,
					ev.CreatedAt.Format(time.RFC3339), ev.ErrorMessage)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (pending, processed, failed)")
	list.Flags().IntVar(&limit, "limit", 50, "maximum events to show")

	retry := &cobra.Command{
		Use:   "retry [EVENT_ID]",
		Short: "Requeue one failed event, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ob, err := openOutbox()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if len(args) == 0 {
				n, err := ob.RetryFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d events\n", n)
				return nil
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			if err := ob.Retry(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued event %d\n", id)
			return nil
		},
	}

	cmd.AddCommand(list, retry)
	return cmd
}

func openOutbox() (*outbox.Outbox, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	gormDB, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	return outbox.New(gormDB, cfg.Sync.SourceApp, cfg.Sync.TargetApp), nil
}
