package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/watchtower-hq/watchtower/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and drain the dead letter queue",
}

var (
	dlqType  string
	dlqLimit int
)

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{
			ErrorType: dlqType,
			Limit:     dlqLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list dead letters")
		}

		for _, e := range entries {
			fmt.Printf("%s  doc=%s  %s  retries=%d/%d  %s\n",
				e.ID, e.DocumentID, e.ErrorType, e.RetryCount, e.MaxRetries, e.Error)
		}
		fmt.Printf("%d entries\n", len(entries))
		return nil
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Reprocess dead-lettered documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.DequeueDLQ(ctx, resilience.DLQFilter{
			ErrorType: dlqType,
			Limit:     dlqLimit,
		})
		if err != nil {
			return eris.Wrap(err, "dequeue dead letters")
		}

		var done, failed int
		for _, e := range entries {
			if _, err := env.Coordinator.Process(ctx, e.DocumentID); err != nil {
				zap.L().Warn("requeue failed",
					zap.String("document_id", e.DocumentID),
					zap.Error(err),
				)
				failed++
				continue
			}
			if err := env.Store.RemoveDLQ(ctx, e.ID); err != nil {
				return eris.Wrap(err, "remove dead letter")
			}
			done++
		}

		fmt.Printf("requeued %d, failed %d\n", done, failed)
		return nil
	},
}

func init() {
	dlqCmd.PersistentFlags().StringVar(&dlqType, "type", "", "filter by error type (transient or permanent)")
	dlqCmd.PersistentFlags().IntVar(&dlqLimit, "limit", 50, "maximum entries")
	dlqCmd.AddCommand(dlqListCmd, dlqRequeueCmd)
	rootCmd.AddCommand(dlqCmd)
}
