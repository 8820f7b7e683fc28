package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/watchtower-hq/watchtower/internal/cost"
	"github.com/watchtower-hq/watchtower/internal/dispatch"
	"github.com/watchtower-hq/watchtower/internal/ledger"
	"github.com/watchtower-hq/watchtower/internal/pipeline"
	"github.com/watchtower-hq/watchtower/internal/retriever"
	"github.com/watchtower-hq/watchtower/internal/store"
	"github.com/watchtower-hq/watchtower/internal/verifier"
	anthropicpkg "github.com/watchtower-hq/watchtower/pkg/anthropic"
	"github.com/watchtower-hq/watchtower/pkg/chat"
	"github.com/watchtower-hq/watchtower/pkg/jina"
)

// appEnv holds the initialized store, clients and pipeline shared by the
// serve/ingest/criteria commands.
type appEnv struct {
	Store       store.Store
	Verifier    *verifier.Verifier
	Retriever   *retriever.Retriever
	Embedder    jina.Client
	Coordinator *pipeline.Coordinator
	Queue       *pipeline.Queue
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "watchtower.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, API clients and the match pipeline. Callers
// should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	jinaClient := jina.NewClient(cfg.Jina.Key,
		jina.WithBaseURL(cfg.Jina.BaseURL),
		jina.WithModel(cfg.Jina.Model),
		jina.WithRateLimit(cfg.Jina.RPS, int(cfg.Jina.RPS)*2),
	)
	aiClient := anthropicpkg.NewClient(cfg.Anthropic.Key,
		anthropicpkg.WithRateLimit(cfg.Anthropic.RPS, int(cfg.Anthropic.RPS)*2),
	)
	chatClient := chat.NewClient(cfg.Chat.Token, chat.WithBaseURL(cfg.Chat.BaseURL))

	calc := cost.NewCalculator(cfg.Pricing.Models)
	counter := cost.NewCounter()

	ret := retriever.New(st, jinaClient, cfg.Matching)
	ver := verifier.New(aiClient, st, counter, calc, cfg.Anthropic)
	gen := dispatch.NewGenerator(aiClient, counter, calc, cfg.Anthropic)
	disp := dispatch.New(gen, chatClient, st, cfg.Dispatch)
	led := ledger.New(st)

	coord := pipeline.NewCoordinator(st, ret, ver, disp, led, cfg.Matching, cfg.Pipeline)
	queue := pipeline.NewQueue(coord, st, cfg.Pipeline)

	return &appEnv{
		Store:       st,
		Verifier:    ver,
		Retriever:   ret,
		Embedder:    jinaClient,
		Coordinator: coord,
		Queue:       queue,
	}, nil
}
