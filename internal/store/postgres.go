package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/scout/internal/db"
	"github.com/sells-group/scout/internal/dedup"
	"github.com/sells-group/scout/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns, minConns := int32(10), int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'running',
	total_queries    INTEGER NOT NULL DEFAULT 0,
	new_findings     INTEGER NOT NULL DEFAULT 0,
	updated_findings INTEGER NOT NULL DEFAULT 0,
	started_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS checkpoints (
	hash             TEXT PRIMARY KEY,
	run_id           TEXT,
	query_text       TEXT NOT NULL,
	kind             TEXT NOT NULL,
	year_start       INTEGER,
	year_end         INTEGER,
	providers        JSONB NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	new_findings     INTEGER NOT NULL DEFAULT 0,
	updated_findings INTEGER NOT NULL DEFAULT 0,
	started_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS findings (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	norm_title TEXT NOT NULL,
	identifier TEXT,
	year       INTEGER,
	authors    JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS attributions (
	finding_id  TEXT NOT NULL REFERENCES findings(id),
	provider    TEXT NOT NULL,
	native_rank INTEGER NOT NULL,
	raw         JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	UNIQUE(finding_id, provider, native_rank)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);
CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_findings_identifier
	ON findings(identifier) WHERE identifier IS NOT NULL AND identifier != '';
CREATE INDEX IF NOT EXISTS idx_findings_norm_title ON findings(norm_title);
CREATE INDEX IF NOT EXISTS idx_attributions_finding ON attributions(finding_id);
`

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- CheckpointStore ---

func (s *PostgresStore) Begin(ctx context.Context, runID string, plan model.QueryPlan) (*model.CheckpointRecord, error) {
	hash := plan.Hash()
	now := time.Now().UTC()

	providersJSON, err := json.Marshal(plan.Providers)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal providers")
	}

	var yearStart, yearEnd any
	if plan.Years != nil {
		yearStart, yearEnd = plan.Years.Start, plan.Years.End
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints
		   (hash, run_id, query_text, kind, year_start, year_end, providers, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (hash) DO NOTHING`,
		hash, runID, plan.Text, string(plan.Kind), yearStart, yearEnd,
		providersJSON, string(model.CheckpointPending), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: begin checkpoint %s", hash)
	}

	if tag.RowsAffected() == 0 {
		_, err = s.pool.Exec(ctx,
			`UPDATE checkpoints
			 SET run_id = $1, status = $2, new_findings = 0, updated_findings = 0,
			     started_at = $3, completed_at = NULL
			 WHERE hash = $4 AND status != $2`,
			runID, string(model.CheckpointPending), now, hash,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: reset checkpoint %s", hash)
		}
	}

	return s.GetCheckpoint(ctx, hash)
}

func (s *PostgresStore) Complete(ctx context.Context, hash string, status model.CheckpointStatus, newFindings, updatedFindings int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE checkpoints
		 SET status = $1, new_findings = $2, updated_findings = $3, completed_at = $4
		 WHERE hash = $5 AND status = $6`,
		string(status), newFindings, updatedFindings, time.Now().UTC(),
		hash, string(model.CheckpointPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete checkpoint %s", hash)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrAlreadyFinalized, "checkpoint %s", hash)
	}
	return nil
}

func (s *PostgresStore) IsCompleted(ctx context.Context, hash string) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM checkpoints WHERE hash = $1`, hash,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: is completed %s", hash)
	}
	return status == string(model.CheckpointCompleted), nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, hash string) (*model.CheckpointRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT hash, query_text, kind, year_start, year_end, providers,
		        status, new_findings, updated_findings, started_at, completed_at
		 FROM checkpoints WHERE hash = $1`, hash,
	)

	var cp model.CheckpointRecord
	var kind string
	var providersJSON []byte
	var yearStart, yearEnd *int
	var completedAt *time.Time
	err := row.Scan(&cp.Hash, &cp.QueryText, &kind, &yearStart, &yearEnd, &providersJSON,
		&cp.Status, &cp.NewFindings, &cp.UpdatedFindings, &cp.StartedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get checkpoint %s", hash)
	}

	cp.Kind = model.QueryKind(kind)
	cp.CompletedAt = completedAt
	if yearStart != nil && yearEnd != nil {
		cp.Years = &model.YearRange{Start: *yearStart, End: *yearEnd}
	}
	if err := json.Unmarshal(providersJSON, &cp.Providers); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal providers for %s", hash)
	}
	return &cp, nil
}

func (s *PostgresStore) ResetFailed(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE checkpoints
		 SET status = $1, new_findings = 0, updated_findings = 0, completed_at = NULL
		 WHERE status = $2`,
		string(model.CheckpointPending), string(model.CheckpointFailed),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset failed checkpoints")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Progress(ctx context.Context) (CheckpointProgress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM checkpoints GROUP BY status`)
	if err != nil {
		return CheckpointProgress{}, eris.Wrap(err, "postgres: checkpoint progress")
	}
	defer rows.Close()

	var p CheckpointProgress
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return CheckpointProgress{}, eris.Wrap(err, "postgres: scan progress")
		}
		p.Total += count
		switch model.CheckpointStatus(status) {
		case model.CheckpointPending:
			p.Pending = count
		case model.CheckpointCompleted:
			p.Completed = count
		case model.CheckpointFailed:
			p.Failed = count
		}
	}
	return p, rows.Err()
}

// --- ResultSink ---

func (s *PostgresStore) UpsertFinding(ctx context.Context, f *model.Finding) (string, error) {
	normTitle := dedup.NormalizeTitle(f.Title)
	now := time.Now().UTC()

	authorsJSON, err := json.Marshal(f.Authors)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal authors")
	}

	existingID, err := s.findExisting(ctx, f.Identifier, normTitle)
	if err != nil {
		return "", err
	}

	if existingID == "" {
		id := f.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO findings (id, title, norm_title, identifier, year, authors, created_at, updated_at)
			 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, 0), $6, $7, $7)`,
			id, f.Title, normTitle, f.Identifier, f.Year, authorsJSON, now,
		)
		if err != nil {
			return "", eris.Wrapf(err, "postgres: insert finding %q", f.Title)
		}
		return id, nil
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE findings SET
		   identifier = CASE WHEN identifier IS NULL OR identifier = '' THEN NULLIF($1, '') ELSE identifier END,
		   year       = CASE WHEN year IS NULL OR year = 0 THEN NULLIF($2, 0) ELSE year END,
		   authors    = CASE WHEN authors IS NULL OR authors = 'null'::jsonb OR authors = '[]'::jsonb THEN $3 ELSE authors END,
		   updated_at = $4
		 WHERE id = $5`,
		f.Identifier, f.Year, authorsJSON, now, existingID,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: merge finding %s", existingID)
	}
	return existingID, nil
}

func (s *PostgresStore) findExisting(ctx context.Context, identifier, normTitle string) (string, error) {
	var id string
	if identifier != "" {
		err := s.pool.QueryRow(ctx,
			`SELECT id FROM findings WHERE identifier = $1`, identifier,
		).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", eris.Wrap(err, "postgres: find by identifier")
		}
	}

	err := s.pool.QueryRow(ctx,
		`SELECT id FROM findings
		 WHERE norm_title = $1 AND (identifier IS NULL OR identifier = '' OR identifier = $2)
		 LIMIT 1`,
		normTitle, identifier,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "postgres: find by title")
	}
	return id, nil
}

func (s *PostgresStore) RecordAttribution(ctx context.Context, findingID, providerName string, nativeRank int, raw json.RawMessage) error {
	var rawJSON any
	if len(raw) > 0 {
		rawJSON = []byte(raw)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attributions (finding_id, provider, native_rank, raw, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (finding_id, provider, native_rank) DO NOTHING`,
		findingID, providerName, nativeRank, rawJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: record attribution %s/%s", findingID, providerName)
}

func (s *PostgresStore) ListFindings(ctx context.Context, limit int) ([]*model.Finding, error) {
	q := `SELECT id, title, COALESCE(identifier, ''), COALESCE(year, 0), COALESCE(authors, '[]'::jsonb)
	      FROM findings ORDER BY created_at`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list findings")
	}
	defer rows.Close()

	var findings []*model.Finding
	byID := make(map[string]*model.Finding)
	for rows.Next() {
		var f model.Finding
		var authorsJSON []byte
		if err := rows.Scan(&f.ID, &f.Title, &f.Identifier, &f.Year, &authorsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan finding")
		}
		if err := json.Unmarshal(authorsJSON, &f.Authors); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal authors for %s", f.ID)
		}
		findings = append(findings, &f)
		byID[f.ID] = &f
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate findings")
	}

	if len(byID) == 0 {
		return findings, nil
	}

	attrRows, err := s.pool.Query(ctx,
		`SELECT finding_id, provider, native_rank, COALESCE(raw, 'null'::jsonb) FROM attributions`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attributions")
	}
	defer attrRows.Close()

	for attrRows.Next() {
		var findingID, providerName string
		var rank int
		var raw []byte
		if err := attrRows.Scan(&findingID, &providerName, &rank, &raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attribution")
		}
		f, ok := byID[findingID]
		if !ok {
			continue
		}
		f.Attributions = append(f.Attributions, model.Attribution{
			Provider:   providerName,
			NativeRank: rank,
			Record: model.CandidateRecord{
				Title:      f.Title,
				Identifier: f.Identifier,
				Year:       f.Year,
				Authors:    f.Authors,
				Provider:   providerName,
				Rank:       rank,
				Raw:        json.RawMessage(raw),
			},
		})
	}
	return findings, attrRows.Err()
}

// --- RunStore ---

func (s *PostgresStore) CreateRun(ctx context.Context, kind string) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    model.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, kind, status, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, run.Kind, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create run")
	}
	return run, nil
}

func (s *PostgresStore) FinalizeRun(ctx context.Context, runID string, status model.RunStatus, totalQueries, newFindings, updatedFindings int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $1, total_queries = $2, new_findings = $3, updated_findings = $4, completed_at = $5
		 WHERE id = $6`,
		string(status), totalQueries, newFindings, updatedFindings, time.Now().UTC(), runID,
	)
	return eris.Wrapf(err, "postgres: finalize run %s", runID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	q := `SELECT id, kind, status, total_queries, new_findings, updated_findings, started_at, completed_at
	      FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		var r model.Run
		var status string
		var completedAt *time.Time
		if err := rows.Scan(&r.ID, &r.Kind, &status, &r.TotalQueries, &r.NewFindings,
			&r.UpdatedFindings, &r.StartedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Status = model.RunStatus(status)
		r.CompletedAt = completedAt
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
