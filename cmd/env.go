package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"

	"github.com/harborwell/intake-cli/internal/guardrail"
	"github.com/harborwell/intake-cli/internal/ingest"
	"github.com/harborwell/intake-cli/internal/resolve"
	"github.com/harborwell/intake-cli/internal/store"
	"github.com/harborwell/intake-cli/pkg/assistant"
	"github.com/harborwell/intake-cli/pkg/embedder"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "intake.db"
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

// env bundles the services most commands need.
type env struct {
	Store    store.Store
	Gateway  *ingest.Gateway
	Resolver *resolve.Resolver
	Guard    *guardrail.Enforcer
}

func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	gw := ingest.NewGateway(st)
	gw.MaxAttempts = cfg.Worker.MaxAttempts
	rs := resolve.New(st)
	rs.MaxAttempts = cfg.Worker.MaxAttempts
	guard := guardrail.NewEnforcer(st, nil)
	guard.DefaultGrant = cfg.Quota.DefaultGrant

	return &env{
		Store:    st,
		Gateway:  gw,
		Resolver: rs,
		Guard:    guard,
	}, nil
}

func (e *env) Close() {
	e.Store.Close()
}

func initEmbedder() embedder.Client {
	return embedder.NewClient(cfg.Embedding.Key,
		embedder.WithBaseURL(cfg.Embedding.BaseURL),
		embedder.WithModel(cfg.Embedding.Model),
	)
}

func initAssistant() (assistant.Client, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic API key is required (INTAKE_ANTHROPIC_KEY)")
	}
	return assistant.NewClient(cfg.Anthropic.Key, cfg.Anthropic.Model), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "encode output")
	}
	return nil
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}
