package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire criteria whose expiry time has passed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ExpireCriteria(ctx, time.Now().UTC())
		if err != nil {
			return eris.Wrap(err, "expire criteria")
		}

		zap.L().Info("expiry sweep complete", zap.Int64("expired", n))
		fmt.Printf("expired %d criteria\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
