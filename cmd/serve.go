package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/monitoring"
	"github.com/watchtower-hq/watchtower/internal/pipeline"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the document ingestion server and match workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		env.Queue.Start(ctx)
		defer env.Queue.Stop()

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		}))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/v1/documents", func(w http.ResponseWriter, r *http.Request) {
			handleIngest(env, w, r)
		})

		r.Get("/v1/metrics", func(w http.ResponseWriter, r *http.Request) {
			since := time.Now().Add(-cfg.Monitoring.Window)
			m, err := env.Store.Metrics(r.Context(), since)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics unavailable"})
				return
			}
			writeJSON(w, http.StatusOK, m)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

type ingestRequest struct {
	Source   string  `json:"source"`
	TenantID *string `json:"tenant_id,omitempty"`
	Content  string  `json:"content"`
}

func handleIngest(env *appEnv, w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}
	source := model.DocumentSource(req.Source)
	if !model.ValidSource(source) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown source"})
		return
	}

	doc := &model.Document{
		ID:        uuid.NewString(),
		Source:    source,
		TenantID:  req.TenantID,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := env.Store.InsertDocument(r.Context(), doc); err != nil {
		zap.L().Error("document insert failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "persist failed"})
		return
	}

	if err := env.Queue.Enqueue(doc.ID); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			// The document is stored; the caller can requeue it later.
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":       "queue full",
				"document_id": doc.ID,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "accepted",
		"document_id": doc.ID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
