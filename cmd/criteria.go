package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/store"
	"github.com/watchtower-hq/watchtower/pkg/jina"
)

var criteriaCmd = &cobra.Command{
	Use:   "criteria",
	Short: "Manage watch criteria",
}

var (
	createTenant    string
	createPrompt    string
	createExpires   time.Duration
	createRecurring bool
	createModel     string
	createURL       string
	createMethod    string
	createRecipient string
)

var criteriaCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Validate and register a new watch criterion",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if createPrompt == "" {
			return eris.New("--prompt is required")
		}
		if createURL == "" && createRecipient == "" {
			return eris.New("either --webhook-url or --chat-recipient is required")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Creation-time validation is stricter than match-time confirmation.
		judgment, err := env.Verifier.ValidateCriterion(ctx, createPrompt, createModel)
		if err != nil {
			return eris.Wrap(err, "validate criterion")
		}
		threshold := cfg.Matching.CreationApprovalThreshold
		if !judgment.Approval || judgment.ChanceScore < threshold {
			return eris.Errorf("criterion rejected (score %.2f, threshold %.2f): %s",
				judgment.ChanceScore, threshold, judgment.Reason)
		}

		resp, err := env.Embedder.Embed(ctx, []string{createPrompt}, jina.TaskQuery)
		if err != nil {
			return eris.Wrap(err, "embed criterion")
		}
		if len(resp.Data) != 1 {
			return eris.Errorf("expected 1 embedding, got %d", len(resp.Data))
		}

		target := model.DeliveryTarget{}
		if createRecipient != "" {
			target.Kind = model.DeliverChat
			target.Recipient = createRecipient
		} else {
			target.Kind = model.DeliverWebhook
			target.Method = createMethod
			target.URL = createURL
		}

		now := time.Now().UTC()
		crit := &model.Criterion{
			ID:        uuid.NewString(),
			TenantID:  createTenant,
			Prompt:    createPrompt,
			Embedding: model.Vector(resp.Data[0].Embedding),
			Keywords:  judgment.Keywords,
			Target:    target,
			Recurring: createRecurring,
			ExpiresAt: now.Add(createExpires),
			Model:     createModel,
			Status:    model.StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}

		if err := env.Store.InsertCriterion(ctx, crit); err != nil {
			return eris.Wrap(err, "insert criterion")
		}

		zap.L().Info("criterion created",
			zap.String("criterion_id", crit.ID),
			zap.String("tenant_id", crit.TenantID),
			zap.Float64("chance_score", judgment.ChanceScore),
			zap.Strings("keywords", crit.Keywords),
		)
		fmt.Printf("created %s (score %.2f, keywords %v)\n", crit.ID, judgment.ChanceScore, crit.Keywords)
		return nil
	},
}

var (
	listTenant string
	listStatus string
	listLimit  int
)

var criteriaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watch criteria",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		criteria, err := env.Store.ListCriteria(ctx, store.CriterionFilter{
			TenantID: listTenant,
			Status:   model.CriterionStatus(listStatus),
			Limit:    listLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list criteria")
		}

		for _, c := range criteria {
			fmt.Printf("%s  %-9s  %-7s  expires %s  %q\n",
				c.ID, c.Status, c.Target.Kind, c.ExpiresAt.Format(time.RFC3339), c.Prompt)
		}
		fmt.Printf("%d criteria\n", len(criteria))
		return nil
	},
}

var criteriaCancelCmd = &cobra.Command{
	Use:   "cancel <criterion-id>",
	Short: "Cancel a watch criterion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.CancelCriterion(ctx, args[0]); err != nil {
			return eris.Wrap(err, "cancel criterion")
		}
		fmt.Printf("cancelled %s\n", args[0])
		return nil
	},
}

func init() {
	criteriaCreateCmd.Flags().StringVar(&createTenant, "tenant", "", "owning tenant ID")
	criteriaCreateCmd.Flags().StringVar(&createPrompt, "prompt", "", "natural-language watch condition")
	criteriaCreateCmd.Flags().DurationVar(&createExpires, "expires", 30*24*time.Hour, "time until the criterion expires")
	criteriaCreateCmd.Flags().BoolVar(&createRecurring, "recurring", false, "keep matching after the first confirmed hit")
	criteriaCreateCmd.Flags().StringVar(&createModel, "model", "", "judge model override")
	criteriaCreateCmd.Flags().StringVar(&createURL, "webhook-url", "", "webhook delivery URL")
	criteriaCreateCmd.Flags().StringVar(&createMethod, "method", "POST", "webhook HTTP method (POST, PUT or PATCH)")
	criteriaCreateCmd.Flags().StringVar(&createRecipient, "chat-recipient", "", "chat delivery recipient")
	_ = criteriaCreateCmd.MarkFlagRequired("tenant")

	criteriaListCmd.Flags().StringVar(&listTenant, "tenant", "", "filter by tenant")
	criteriaListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	criteriaListCmd.Flags().IntVar(&listLimit, "limit", 100, "maximum rows")

	criteriaCmd.AddCommand(criteriaCreateCmd, criteriaListCmd, criteriaCancelCmd)
	rootCmd.AddCommand(criteriaCmd)
}
