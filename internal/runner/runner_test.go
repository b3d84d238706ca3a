package runner

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/scout/internal/dedup"
	"github.com/sells-group/scout/internal/model"
	"github.com/sells-group/scout/internal/orchestrator"
	"github.com/sells-group/scout/internal/provider"
	"github.com/sells-group/scout/internal/resilience"
	"github.com/sells-group/scout/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeAdapter returns one scripted record per query and remembers which
// queries it was asked.
type fakeAdapter struct {
	name    string
	results map[string][]model.CandidateRecord
	errs    map[string]error
	block   bool

	mu      sync.Mutex
	queries []string
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Search(ctx context.Context, query string, _ provider.SearchOptions) ([]model.CandidateRecord, error) {
	a.mu.Lock()
	a.queries = append(a.queries, query)
	a.mu.Unlock()

	if a.block {
		<-ctx.Done()
		return nil, provider.NewTransientError(ctx.Err(), 0)
	}
	if err := a.errs[query]; err != nil {
		return nil, err
	}
	return a.results[query], nil
}

func (a *fakeAdapter) seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.queries...)
}

func newTestRunner(t *testing.T, cfg Config, adapters ...*fakeAdapter) (*Runner, *store.SQLiteStore) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	return newRunnerWithStore(t, cfg, st, adapters...), st
}

func newRunnerWithStore(t *testing.T, cfg Config, st *store.SQLiteStore, adapters ...*fakeAdapter) *Runner {
	t.Helper()

	reg := provider.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}

	dd := dedup.New(dedup.Config{})
	orch := orchestrator.New(orchestrator.Params{
		Config: orchestrator.Config{Resume: cfg.Resume},
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
		Registry: reg,
		States: resilience.NewProviderStates(
			map[string]resilience.RateConfig{},
			resilience.BreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Hour},
		),
		Checkpoints: st,
		Sink:        st,
		Dedup:       dd,
	})
	return New(cfg, orch, st, dd)
}

func plan(text string) model.QueryPlan {
	return model.QueryPlan{Text: text, Kind: model.KindAcademic, Providers: []string{"openalex"}}
}

func record(title, id string) []model.CandidateRecord {
	return []model.CandidateRecord{{Title: title, Identifier: id, Provider: "openalex", Rank: 0}}
}

func TestRunExecutesAllPlans(t *testing.T) {
	a := &fakeAdapter{name: "openalex", results: map[string][]model.CandidateRecord{
		"q1": record("Result one", "10.1/1"),
		"q2": record("Result two", "10.1/2"),
		"q3": record("Result three", "10.1/3"),
	}}
	r, st := newTestRunner(t, Config{Kind: "batch"}, a)
	ctx := context.Background()

	stats, err := r.Run(ctx, []model.QueryPlan{plan("q1"), plan("q2"), plan("q3")})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Executed)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 3, stats.NewFindings)

	runs, err := st.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunCompleted, runs[0].Status)
	assert.Equal(t, 3, runs[0].TotalQueries)
	assert.Equal(t, 3, runs[0].NewFindings)
}

func TestRunResumeCorrectness(t *testing.T) {
	// Queries A, B, C completed before the crash; D was pending.
	a := &fakeAdapter{name: "openalex", results: map[string][]model.CandidateRecord{
		"A": record("Finding A", "10.2/a"),
		"B": record("Finding B", "10.2/b"),
		"C": record("Finding C", "10.2/c"),
		"D": record("Finding D", "10.2/d"),
	}}

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	first := newRunnerWithStore(t, Config{}, st, a)
	_, err = first.Run(ctx, []model.QueryPlan{plan("A"), plan("B"), plan("C")})
	require.NoError(t, err)
	require.Len(t, a.seen(), 3)

	// Simulate the crash point: D began but never finalized.
	_, err = st.Begin(ctx, "crashed-run", plan("D"))
	require.NoError(t, err)

	resumed := newRunnerWithStore(t, Config{Resume: true}, st, a)
	stats, err := resumed.Run(ctx, []model.QueryPlan{plan("A"), plan("B"), plan("C"), plan("D")})
	require.NoError(t, err)

	// Only D actually executed. The first run's plans dispatch
	// concurrently, so assert membership, not order.
	assert.Equal(t, 3, stats.Skipped)
	assert.Equal(t, 1, stats.Executed)
	seen := a.seen()
	require.Len(t, seen, 4)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, seen[:3])
	assert.Equal(t, "D", seen[3])

	done, err := st.IsCompleted(ctx, plan("D").Hash())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRunResumeRetriesFailed(t *testing.T) {
	broken := &fakeAdapter{
		name:    "openalex",
		errs:    map[string]error{"q1": provider.NewPermanentError(eris.New("500"), 500)},
		results: map[string][]model.CandidateRecord{},
	}

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	first := newRunnerWithStore(t, Config{}, st, broken)
	stats, err := first.Run(ctx, []model.QueryPlan{plan("q1")})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	// The provider recovered; a resumed run retries the failed query as
	// if it were new.
	fixed := &fakeAdapter{name: "openalex", results: map[string][]model.CandidateRecord{
		"q1": record("Recovered", "10.3/r"),
	}}
	resumed := newRunnerWithStore(t, Config{Resume: true}, st, fixed)
	stats, err = resumed.Run(ctx, []model.QueryPlan{plan("q1")})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, []string{"q1"}, fixed.seen())
}

func TestRunSeedsCrossRunDeduplication(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	a1 := &fakeAdapter{name: "openalex", results: map[string][]model.CandidateRecord{
		"q1": record("Soy adhesive study", "10.4/x"),
	}}
	first := newRunnerWithStore(t, Config{}, st, a1)
	_, err = first.Run(ctx, []model.QueryPlan{plan("q1")})
	require.NoError(t, err)

	// A later run (fresh process, fresh deduplicator) re-discovers the
	// same work under a different query.
	a2 := &fakeAdapter{name: "openalex", results: map[string][]model.CandidateRecord{
		"q2": {{Title: "Soy adhesive study", Identifier: "10.4/X", Provider: "openalex", Rank: 2}},
	}}
	second := newRunnerWithStore(t, Config{}, st, a2)
	stats, err := second.Run(ctx, []model.QueryPlan{plan("q2")})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.NewFindings)
	assert.Equal(t, 1, stats.UpdatedFindings)

	findings, err := st.ListFindings(ctx, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Len(t, findings[0].Attributions, 2)
}

func TestRunConcurrentPlansMergeIntoOneFinding(t *testing.T) {
	// Two concurrent queries resolve to the same work; the shared finding
	// must come out with both attributions and no duplicates.
	a := &fakeAdapter{name: "openalex", results: map[string][]model.CandidateRecord{
		"q1": {{Title: "Soy adhesive study", Identifier: "10.5/a", Provider: "openalex", Rank: 0}},
		"q2": {{Title: "Soy adhesive study", Identifier: "10.5/A", Provider: "openalex", Rank: 1}},
	}}
	r, st := newTestRunner(t, Config{MaxInFlight: 2}, a)
	ctx := context.Background()

	stats, err := r.Run(ctx, []model.QueryPlan{plan("q1"), plan("q2")})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Completed)

	findings, err := st.ListFindings(ctx, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Len(t, findings[0].Attributions, 2)
	assert.Equal(t, "Soy adhesive study", findings[0].Title)
}

func TestRunInterruptedFinalizesRun(t *testing.T) {
	a := &fakeAdapter{name: "openalex", block: true}
	r, st := newTestRunner(t, Config{}, a)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, []model.QueryPlan{plan("q1")})
	require.NoError(t, err)

	runs, err := st.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunInterrupted, runs[0].Status)
	require.NotNil(t, runs[0].CompletedAt)
}
