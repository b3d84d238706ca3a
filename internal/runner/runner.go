// Package runner drives a batch of query plans through the orchestrator:
// it opens a run record, pipelines queries under a global in-flight bound,
// applies resume semantics, and finalizes the run with aggregate counts.
package runner

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/scout/internal/dedup"
	"github.com/sells-group/scout/internal/model"
	"github.com/sells-group/scout/internal/orchestrator"
	"github.com/sells-group/scout/internal/store"
)

// Config is the runner tuning surface.
type Config struct {
	// MaxInFlight bounds how many queries execute concurrently.
	MaxInFlight int `yaml:"max_in_flight" mapstructure:"max_in_flight"`

	// Resume skips completed checkpoints and resets failed ones before
	// executing.
	Resume bool `yaml:"resume" mapstructure:"resume"`

	// Kind labels the run record.
	Kind string `yaml:"kind" mapstructure:"kind"`
}

// Stats aggregates one run's outcomes.
type Stats struct {
	RunID           string `json:"run_id"`
	Total           int    `json:"total"`
	Executed        int    `json:"executed"`
	Skipped         int    `json:"skipped"`
	Completed       int    `json:"completed"`
	Failed          int    `json:"failed"`
	NewFindings     int    `json:"new_findings"`
	UpdatedFindings int    `json:"updated_findings"`
}

// Runner executes plan batches against one orchestrator.
type Runner struct {
	cfg   Config
	orch  *orchestrator.Orchestrator
	store store.Store
	dedup *dedup.Deduplicator
}

// New builds a Runner. The deduplicator must be the same instance the
// orchestrator folds into, so persisted findings can seed it.
func New(cfg Config, orch *orchestrator.Orchestrator, st store.Store, dd *dedup.Deduplicator) *Runner {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.Kind == "" {
		cfg.Kind = "batch"
	}
	return &Runner{cfg: cfg, orch: orch, store: st, dedup: dd}
}

// Run executes the plans and returns aggregate stats. Individual query
// failures are counted, not fatal; Run errors only on persistence
// failures or cancellation.
func (r *Runner) Run(ctx context.Context, plans []model.QueryPlan) (*Stats, error) {
	log := zap.L().With(zap.String("kind", r.cfg.Kind))

	if r.cfg.Resume {
		n, err := r.store.ResetFailed(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "reset failed checkpoints")
		}
		if n > 0 {
			log.Info("reset failed checkpoints for retry", zap.Int("count", n))
		}
	}

	// Seed cross-run identity so re-discovered works merge into their
	// persisted findings instead of duplicating them.
	seedFindings, err := r.store.ListFindings(ctx, 0)
	if err != nil {
		return nil, eris.Wrap(err, "seed deduplicator")
	}
	r.dedup.Seed(seedFindings)

	run, err := r.store.CreateRun(ctx, r.cfg.Kind)
	if err != nil {
		return nil, eris.Wrap(err, "create run")
	}
	log = log.With(zap.String("run_id", run.ID))
	log.Info("run started", zap.Int("queries", len(plans)))

	stats := &Stats{RunID: run.ID, Total: len(plans)}
	results := make([]*orchestrator.Result, len(plans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxInFlight)
	for i, p := range plans {
		g.Go(func() error {
			res, err := r.orch.Execute(gctx, run.ID, p)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	runErr := g.Wait()

	for _, res := range results {
		if res == nil {
			continue
		}
		switch {
		case res.Skipped:
			stats.Skipped++
		case res.Status == model.CheckpointCompleted:
			stats.Executed++
			stats.Completed++
		default:
			stats.Executed++
			stats.Failed++
		}
		stats.NewFindings += res.NewFindings
		stats.UpdatedFindings += res.UpdatedFindings
	}

	status := model.RunCompleted
	if runErr != nil || ctx.Err() != nil {
		status = model.RunInterrupted
	}

	// Finalize even when interrupted, or `scout status` would report a
	// phantom running run forever.
	fctx := context.WithoutCancel(ctx)
	if err := r.store.FinalizeRun(fctx, run.ID, status,
		stats.Executed+stats.Skipped, stats.NewFindings, stats.UpdatedFindings); err != nil {
		if runErr == nil {
			runErr = eris.Wrap(err, "finalize run")
		} else {
			log.Error("finalizing interrupted run", zap.Error(err))
		}
	}

	log.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("new_findings", stats.NewFindings),
		zap.Int("updated_findings", stats.UpdatedFindings))

	if runErr != nil {
		return stats, runErr
	}
	return stats, nil
}
