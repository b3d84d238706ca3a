// Package orchestrator implements the per-query fan-out: it dispatches one
// query plan to its target providers concurrently, gated by per-provider
// rate limits and circuit breakers, folds the ranked result lists through
// deduplication and rank fusion, persists the merged findings, and
// finalizes a checkpoint exactly once per query hash.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/scout/internal/cache"
	"github.com/sells-group/scout/internal/dedup"
	"github.com/sells-group/scout/internal/fusion"
	"github.com/sells-group/scout/internal/model"
	"github.com/sells-group/scout/internal/provider"
	"github.com/sells-group/scout/internal/resilience"
	"github.com/sells-group/scout/internal/store"
)

// Config is the orchestrator tuning surface. Zero values fall back to
// defaults.
type Config struct {
	// MaxConcurrent bounds in-flight provider calls globally, across all
	// queries sharing this orchestrator.
	MaxConcurrent int64 `yaml:"max_concurrent" mapstructure:"max_concurrent"`

	// CallTimeout bounds each provider call attempt.
	CallTimeout time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`

	// QueryDeadline bounds one query's entire fan-out. 0 = unbounded.
	QueryDeadline time.Duration `yaml:"query_deadline" mapstructure:"query_deadline"`

	// MaxResults per provider call.
	MaxResults int `yaml:"max_results" mapstructure:"max_results"`

	// FusionK is the RRF constant.
	FusionK int `yaml:"fusion_k" mapstructure:"fusion_k"`

	// Resume skips plans whose checkpoint is already completed.
	Resume bool `yaml:"resume" mapstructure:"resume"`
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 8,
		CallTimeout:   30 * time.Second,
		MaxResults:    25,
		FusionK:       fusion.DefaultK,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.MaxResults <= 0 {
		c.MaxResults = def.MaxResults
	}
	if c.FusionK <= 0 {
		c.FusionK = def.FusionK
	}
	return c
}

// Outcome is one provider's contribution to a query, tagged by provider
// identity rather than position so breaker-skipped providers cannot shift
// attribution.
type Outcome struct {
	Provider string
	Records  []model.CandidateRecord
	Err      error
	Skipped  bool
}

// Result summarizes one executed (or resume-skipped) query.
type Result struct {
	Hash            string
	Skipped         bool
	Status          model.CheckpointStatus
	NewFindings     int
	UpdatedFindings int
	Fused           []fusion.Scored
	Outcomes        map[string]Outcome
}

// Params wires an Orchestrator. Cache and Events are optional.
type Params struct {
	Config      Config
	Retry       resilience.RetryConfig
	Registry    *provider.Registry
	States      *resilience.ProviderStates
	Checkpoints store.CheckpointStore
	Sink        store.ResultSink
	Dedup       *dedup.Deduplicator
	Cache       *cache.SearchCache
	Events      EventFunc
}

// Orchestrator owns the fan-out machinery for the lifetime of a run.
type Orchestrator struct {
	cfg         Config
	retry       resilience.RetryConfig
	registry    *provider.Registry
	states      *resilience.ProviderStates
	checkpoints store.CheckpointStore
	sink        store.ResultSink
	dedup       *dedup.Deduplicator
	cache       *cache.SearchCache
	sem         *semaphore.Weighted
	events      EventFunc
}

// New builds an Orchestrator from its dependencies.
func New(p Params) *Orchestrator {
	cfg := p.Config.withDefaults()
	return &Orchestrator{
		cfg:         cfg,
		retry:       p.Retry,
		registry:    p.Registry,
		states:      p.States,
		checkpoints: p.Checkpoints,
		sink:        p.Sink,
		dedup:       p.Dedup,
		cache:       p.Cache,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrent),
		events:      p.Events,
	}
}

// Execute runs one query plan end to end. Provider failures never abort
// the fan-out; Execute returns an error only for persistence failures,
// which leave the checkpoint in a retryable state.
func (o *Orchestrator) Execute(ctx context.Context, runID string, plan model.QueryPlan) (*Result, error) {
	hash := plan.Hash()
	log := zap.L().With(zap.String("hash", hash), zap.String("query", plan.Text))

	if o.cfg.Resume {
		done, err := o.checkpoints.IsCompleted(ctx, hash)
		if err != nil {
			return nil, eris.Wrapf(err, "resume check for %s", hash)
		}
		if done {
			log.Debug("checkpoint already completed, skipping")
			return &Result{Hash: hash, Skipped: true, Status: model.CheckpointCompleted}, nil
		}
	}

	if o.cfg.QueryDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.QueryDeadline)
		defer cancel()
	}

	if _, err := o.checkpoints.Begin(ctx, runID, plan); err != nil {
		return nil, eris.Wrapf(err, "begin checkpoint for %s", hash)
	}
	o.emit(Event{Kind: EventQueryStarted, Hash: hash})

	opts := provider.SearchOptions{MaxResults: o.cfg.MaxResults}
	if plan.Years != nil {
		opts.YearStart, opts.YearEnd = plan.Years.Start, plan.Years.End
	}

	outcomes := o.fanOut(ctx, hash, plan, opts, log)

	result, err := o.fold(ctx, hash, plan, outcomes, log)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// fanOut runs the gated provider calls concurrently and collects outcomes
// keyed by provider name.
func (o *Orchestrator) fanOut(ctx context.Context, hash string, plan model.QueryPlan, opts provider.SearchOptions, log *zap.Logger) map[string]Outcome {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes = make(map[string]Outcome, len(plan.Providers))
	)

	for _, name := range plan.Providers {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			out := o.callProvider(ctx, hash, name, plan.Text, opts, log)
			mu.Lock()
			outcomes[name] = out
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return outcomes
}

// callProvider executes one gated provider call: cache, breaker, rate
// limit, bounded retry, breaker accounting, progress events.
func (o *Orchestrator) callProvider(ctx context.Context, hash, name, query string, opts provider.SearchOptions, log *zap.Logger) Outcome {
	adapter := o.registry.Get(name)
	if adapter == nil {
		err := eris.Errorf("provider %s not registered", name)
		log.Warn("unknown provider in plan", zap.String("provider", name))
		o.emit(Event{Kind: EventProviderError, Hash: hash, Provider: name, ErrKind: ErrorPermanent, Detail: err.Error()})
		return Outcome{Provider: name, Err: err}
	}

	cacheKey := cache.Key(name, query, opts)
	if o.cache != nil {
		if records, ok := o.cache.Get(cacheKey); ok {
			o.emit(Event{Kind: EventProviderResult, Hash: hash, Provider: name, Count: len(records)})
			return Outcome{Provider: name, Records: records}
		}
	}

	breaker := o.states.Breaker(name)
	if err := breaker.Allow(); err != nil {
		log.Debug("provider skipped, breaker open", zap.String("provider", name))
		o.emit(Event{Kind: EventProviderSkipped, Hash: hash, Provider: name})
		return Outcome{Provider: name, Skipped: true, Err: provider.ErrUnavailable}
	}

	// From here the breaker admitted the call (possibly reserving the
	// half-open trial slot), so every exit path must record an outcome.
	if err := o.states.Limiter(name).Acquire(ctx); err != nil {
		breaker.RecordFailure()
		o.emit(Event{Kind: EventProviderError, Hash: hash, Provider: name, ErrKind: ErrorCanceled, Detail: err.Error()})
		return Outcome{Provider: name, Err: err}
	}

	retryCfg := o.retry
	retryCfg.ShouldRetry = provider.IsTransient
	retryCfg.OnRetry = func(attempt int, err error) {
		o.emit(Event{Kind: EventProviderError, Hash: hash, Provider: name, ErrKind: ErrorTransient, Detail: err.Error()})
		resilience.RetryLogger(name)(attempt, err)
	}

	records, err := resilience.Retry(ctx, retryCfg, func(ctx context.Context) ([]model.CandidateRecord, error) {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer o.sem.Release(1)

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
		return adapter.Search(callCtx, query, opts)
	})
	if err != nil {
		breaker.RecordFailure()
		kind := classifyError(ctx, err)
		log.Warn("provider call failed",
			zap.String("provider", name),
			zap.String("kind", string(kind)),
			zap.Error(err))
		o.emit(Event{Kind: EventProviderError, Hash: hash, Provider: name, ErrKind: kind, Detail: err.Error()})
		return Outcome{Provider: name, Err: err}
	}

	breaker.RecordSuccess()
	records = o.sanitize(name, records, log)
	if o.cache != nil {
		o.cache.Put(cacheKey, records)
	}
	o.emit(Event{Kind: EventProviderResult, Hash: hash, Provider: name, Count: len(records)})
	return Outcome{Provider: name, Records: records}
}

// sanitize drops malformed records individually, logging each, and stamps
// the provider identity the records are attributed under. Lists that
// arrived entirely unranked get positional ranks; a provider-assigned rank
// is never rewritten.
func (o *Orchestrator) sanitize(name string, records []model.CandidateRecord, log *zap.Logger) []model.CandidateRecord {
	unranked := true
	for _, rec := range records {
		if rec.Rank != 0 {
			unranked = false
			break
		}
	}

	out := records[:0]
	for i, rec := range records {
		rec.Provider = name
		if unranked {
			rec.Rank = i
		}
		if err := rec.Validate(); err != nil {
			log.Warn("dropping malformed record",
				zap.String("provider", name),
				zap.Int("rank", i),
				zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out
}

// fold runs deduplication, fusion, persistence, and checkpoint
// finalization over the collected outcomes.
func (o *Orchestrator) fold(ctx context.Context, hash string, plan model.QueryPlan, outcomes map[string]Outcome, log *zap.Logger) (*Result, error) {
	// Finalization and persistence must proceed even when the query's
	// context was cancelled mid-flight, or the checkpoint would be stuck
	// pending.
	pctx := context.WithoutCancel(ctx)

	var (
		lists      []fusion.RankedList
		successful int
		newIDs     = map[string]struct{}{}
		updatedIDs = map[string]struct{}{}
	)

	for _, name := range plan.Providers {
		out, ok := outcomes[name]
		if !ok || out.Skipped || out.Err != nil {
			continue
		}
		successful++

		var (
			list fusion.RankedList
			seen = map[string]struct{}{}
		)
		list.Provider = name
		for _, rec := range out.Records {
			f, created, err := o.dedup.Absorb(rec)
			if err != nil {
				log.Warn("dropping malformed record",
					zap.String("provider", name),
					zap.Error(err))
				continue
			}
			if created {
				newIDs[f.ID] = struct{}{}
			} else if _, isNew := newIDs[f.ID]; !isNew {
				updatedIDs[f.ID] = struct{}{}
			}
			if _, dup := seen[f.ID]; dup {
				continue
			}
			seen[f.ID] = struct{}{}
			list.Findings = append(list.Findings, f)
		}
		lists = append(lists, list)
	}

	fused := fusion.Fuse(o.cfg.FusionK, lists)

	if err := o.persist(pctx, fused); err != nil {
		// Leave the checkpoint retryable: failed is retried on resume.
		if cerr := o.checkpoints.Complete(pctx, hash, model.CheckpointFailed, 0, 0); cerr != nil && !errors.Is(cerr, store.ErrAlreadyFinalized) {
			log.Error("finalizing failed checkpoint after persistence error", zap.Error(cerr))
		}
		o.emit(Event{Kind: EventQueryFinished, Hash: hash, Status: model.CheckpointFailed})
		return nil, eris.Wrapf(err, "persist findings for %s", hash)
	}

	status := model.CheckpointFailed
	if successful > 0 {
		status = model.CheckpointCompleted
	}

	result := &Result{
		Hash:            hash,
		Status:          status,
		NewFindings:     len(newIDs),
		UpdatedFindings: len(updatedIDs),
		Fused:           fused,
		Outcomes:        outcomes,
	}

	if err := o.checkpoints.Complete(pctx, hash, status, result.NewFindings, result.UpdatedFindings); err != nil {
		return nil, eris.Wrapf(err, "finalize checkpoint for %s", hash)
	}
	o.emit(Event{
		Kind:         EventQueryFinished,
		Hash:         hash,
		Status:       status,
		NewCount:     result.NewFindings,
		UpdatedCount: result.UpdatedFindings,
	})
	return result, nil
}

// persist upserts fused findings and their attributions in fused order.
// It re-reads each finding from the deduplicator so the persisted view
// carries every attribution merged in since the fan-out resolved it.
func (o *Orchestrator) persist(ctx context.Context, fused []fusion.Scored) error {
	for _, s := range fused {
		f := o.dedup.View(s.Finding.ID)
		if f == nil {
			f = s.Finding
		}
		id, err := o.sink.UpsertFinding(ctx, f)
		if err != nil {
			return eris.Wrapf(err, "upsert finding %q", f.Title)
		}
		for _, a := range f.Attributions {
			if err := o.sink.RecordAttribution(ctx, id, a.Provider, a.NativeRank, a.Record.Raw); err != nil {
				return eris.Wrapf(err, "record attribution %s/%s", id, a.Provider)
			}
		}
	}
	return nil
}

func classifyError(ctx context.Context, err error) ErrorKind {
	switch {
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return ErrorCanceled
	case provider.IsTransient(err):
		return ErrorTransient
	default:
		return ErrorPermanent
	}
}
