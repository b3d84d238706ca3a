package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scout/internal/cache"
	"github.com/sells-group/scout/internal/dedup"
	"github.com/sells-group/scout/internal/orchestrator"
	"github.com/sells-group/scout/internal/provider"
	"github.com/sells-group/scout/internal/resilience"
	"github.com/sells-group/scout/internal/runner"
	"github.com/sells-group/scout/internal/store"
)

// env bundles the wired engine for one command invocation.
type env struct {
	store  store.Store
	states *resilience.ProviderStates
	runner *runner.Runner
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		zap.L().Warn("closing store", zap.Error(err))
	}
}

// openStore opens and migrates the configured backend.
func openStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "open %s store", cfg.Store.Driver)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEngine wires store, provider state, orchestrator, and runner.
func initEngine(ctx context.Context, resume bool, events orchestrator.EventFunc) (*env, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	states := resilience.NewProviderStates(cfg.Providers, cfg.Breaker)
	dd := dedup.New(cfg.Dedup.DedupSettings())

	orchCfg := cfg.Orchestrator
	orchCfg.Resume = resume
	orch := orchestrator.New(orchestrator.Params{
		Config:      orchCfg,
		Retry:       cfg.Retry.Resilience(),
		Registry:    provider.DefaultRegistry,
		States:      states,
		Checkpoints: st,
		Sink:        st,
		Dedup:       dd,
		Cache:       cache.New(cfg.Cache),
		Events:      events,
	})

	runnerCfg := cfg.Runner
	runnerCfg.Resume = resume
	return &env{
		store:  st,
		states: states,
		runner: runner.New(runnerCfg, orch, st, dd),
	}, nil
}
