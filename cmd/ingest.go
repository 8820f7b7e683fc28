package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/watchtower-hq/watchtower/internal/model"
)

var (
	ingestSource string
	ingestTenant string
	ingestFile   string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a document and run matching synchronously",
	Long:  "Reads document content from --file or stdin, stores it, and runs the full match pipeline inline. Useful for manual uploads and local testing.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var content []byte
		if ingestFile != "" {
			content, err = os.ReadFile(ingestFile)
			if err != nil {
				return eris.Wrap(err, "read document file")
			}
		} else {
			content, err = io.ReadAll(os.Stdin)
			if err != nil {
				return eris.Wrap(err, "read stdin")
			}
		}
		if len(content) == 0 {
			return eris.New("document content is empty")
		}

		source := model.DocumentSource(ingestSource)
		if !model.ValidSource(source) {
			return eris.Errorf("unknown source: %s", ingestSource)
		}

		doc := &model.Document{
			ID:        uuid.NewString(),
			Source:    source,
			Content:   string(content),
			CreatedAt: time.Now().UTC(),
		}
		if ingestTenant != "" {
			doc.TenantID = &ingestTenant
		}

		if err := env.Store.InsertDocument(ctx, doc); err != nil {
			return eris.Wrap(err, "insert document")
		}

		result, err := env.Coordinator.Process(ctx, doc.ID)
		if err != nil {
			return eris.Wrap(err, "process document")
		}

		zap.L().Info("ingest complete",
			zap.String("document_id", doc.ID),
			zap.Int("candidates", result.Candidates),
			zap.Int("confirmed", result.Confirmed),
			zap.Int("delivered", result.Delivered),
		)
		fmt.Printf("document %s: %d candidates, %d confirmed, %d delivered\n",
			doc.ID, result.Candidates, result.Confirmed, result.Delivered)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSource, "source", "manual_upload", "document source (webhook, webscrape, api, user_upload, manual_upload, chat)")
	ingestCmd.Flags().StringVar(&ingestTenant, "tenant", "", "tenant ID for tenant-scoped sources")
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "read content from file instead of stdin")
	rootCmd.AddCommand(ingestCmd)
}
