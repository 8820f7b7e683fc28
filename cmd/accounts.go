package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/store"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage tenant credit accounts",
}

var (
	accountTenant  string
	accountBalance float64
)

var accountsFundCmd = &cobra.Command{
	Use:   "fund",
	Short: "Create or top up a tenant's account",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		acct, err := st.GetAccountByTenant(ctx, accountTenant)
		if eris.Is(err, store.ErrNotFound) {
			acct = &model.Account{
				ID:       uuid.NewString(),
				TenantID: accountTenant,
			}
		} else if err != nil {
			return eris.Wrap(err, "load account")
		}

		acct.Balance += accountBalance
		acct.UpdatedAt = time.Now().UTC()
		if err := st.UpsertAccount(ctx, acct); err != nil {
			return eris.Wrap(err, "upsert account")
		}

		fmt.Printf("account %s (tenant %s): balance %.4f\n", acct.ID, acct.TenantID, acct.Balance)
		return nil
	},
}

var accountsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a tenant's account balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		acct, err := st.GetAccountByTenant(ctx, accountTenant)
		if err != nil {
			return eris.Wrap(err, "load account")
		}

		fmt.Printf("account %s (tenant %s): balance %.4f\n", acct.ID, acct.TenantID, acct.Balance)
		return nil
	},
}

func init() {
	accountsCmd.PersistentFlags().StringVar(&accountTenant, "tenant", "", "tenant ID")
	accountsFundCmd.Flags().Float64Var(&accountBalance, "amount", 0, "credit amount to add")
	_ = accountsCmd.MarkPersistentFlagRequired("tenant")
	accountsCmd.AddCommand(accountsFundCmd, accountsShowCmd)
	rootCmd.AddCommand(accountsCmd)
}
