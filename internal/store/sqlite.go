package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/scout/internal/dedup"
	"github.com/sells-group/scout/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'running',
	total_queries    INTEGER NOT NULL DEFAULT 0,
	new_findings     INTEGER NOT NULL DEFAULT 0,
	updated_findings INTEGER NOT NULL DEFAULT 0,
	started_at       DATETIME NOT NULL,
	completed_at     DATETIME
);

CREATE TABLE IF NOT EXISTS checkpoints (
	hash             TEXT PRIMARY KEY,
	run_id           TEXT,
	query_text       TEXT NOT NULL,
	kind             TEXT NOT NULL,
	year_start       INTEGER,
	year_end         INTEGER,
	providers        TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	new_findings     INTEGER NOT NULL DEFAULT 0,
	updated_findings INTEGER NOT NULL DEFAULT 0,
	started_at       DATETIME NOT NULL,
	completed_at     DATETIME
);

CREATE TABLE IF NOT EXISTS findings (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	norm_title TEXT NOT NULL,
	identifier TEXT,
	year       INTEGER,
	authors    TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS attributions (
	finding_id  TEXT NOT NULL REFERENCES findings(id),
	provider    TEXT NOT NULL,
	native_rank INTEGER NOT NULL,
	raw         TEXT,
	created_at  DATETIME NOT NULL,
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
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- CheckpointStore ---

func (s *SQLiteStore) Begin(ctx context.Context, runID string, plan model.QueryPlan) (*model.CheckpointRecord, error) {
	hash := plan.Hash()
	now := time.Now().UTC()

	providersJSON, err := json.Marshal(plan.Providers)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal providers")
	}

	var yearStart, yearEnd any
	if plan.Years != nil {
		yearStart, yearEnd = plan.Years.Start, plan.Years.End
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints
		   (hash, run_id, query_text, kind, year_start, year_end, providers, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(hash) DO NOTHING`,
		hash, runID, plan.Text, string(plan.Kind), yearStart, yearEnd,
		string(providersJSON), string(model.CheckpointPending), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: begin checkpoint %s", hash)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Checkpoint exists. An in-flight (pending) one stays untouched;
		// a finalized one is reset for re-execution.
		_, err = s.db.ExecContext(ctx,
			`UPDATE checkpoints
			 SET run_id = ?, status = ?, new_findings = 0, updated_findings = 0,
			     started_at = ?, completed_at = NULL
			 WHERE hash = ? AND status != ?`,
			runID, string(model.CheckpointPending), now, hash, string(model.CheckpointPending),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: reset checkpoint %s", hash)
		}
	}

	return s.GetCheckpoint(ctx, hash)
}

func (s *SQLiteStore) Complete(ctx context.Context, hash string, status model.CheckpointStatus, newFindings, updatedFindings int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints
		 SET status = ?, new_findings = ?, updated_findings = ?, completed_at = ?
		 WHERE hash = ? AND status = ?`,
		string(status), newFindings, updatedFindings, time.Now().UTC(),
		hash, string(model.CheckpointPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete checkpoint %s", hash)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrAlreadyFinalized, "checkpoint %s", hash)
	}
	return nil
}

func (s *SQLiteStore) IsCompleted(ctx context.Context, hash string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM checkpoints WHERE hash = ?`, hash,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: is completed %s", hash)
	}
	return status == string(model.CheckpointCompleted), nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, hash string) (*model.CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, query_text, kind, year_start, year_end, providers,
		        status, new_findings, updated_findings, started_at, completed_at
		 FROM checkpoints WHERE hash = ?`, hash,
	)

	var cp model.CheckpointRecord
	var kind, providersJSON string
	var yearStart, yearEnd *int
	var completedAt *time.Time
	err := row.Scan(&cp.Hash, &cp.QueryText, &kind, &yearStart, &yearEnd, &providersJSON,
		&cp.Status, &cp.NewFindings, &cp.UpdatedFindings, &cp.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get checkpoint %s", hash)
	}

	cp.Kind = model.QueryKind(kind)
	cp.CompletedAt = completedAt
	if yearStart != nil && yearEnd != nil {
		cp.Years = &model.YearRange{Start: *yearStart, End: *yearEnd}
	}
	if err := json.Unmarshal([]byte(providersJSON), &cp.Providers); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal providers for %s", hash)
	}
	return &cp, nil
}

func (s *SQLiteStore) ResetFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints
		 SET status = ?, new_findings = 0, updated_findings = 0, completed_at = NULL
		 WHERE status = ?`,
		string(model.CheckpointPending), string(model.CheckpointFailed),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset failed checkpoints")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Progress(ctx context.Context) (CheckpointProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM checkpoints GROUP BY status`)
	if err != nil {
		return CheckpointProgress{}, eris.Wrap(err, "sqlite: checkpoint progress")
	}
	defer rows.Close()

	var p CheckpointProgress
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return CheckpointProgress{}, eris.Wrap(err, "sqlite: scan progress")
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

func (s *SQLiteStore) UpsertFinding(ctx context.Context, f *model.Finding) (string, error) {
	normTitle := dedup.NormalizeTitle(f.Title)
	now := time.Now().UTC()

	existingID, err := s.findExisting(ctx, f.Identifier, normTitle)
	if err != nil {
		return "", err
	}

	authorsJSON, err := json.Marshal(f.Authors)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal authors")
	}

	if existingID == "" {
		id := f.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO findings (id, title, norm_title, identifier, year, authors, created_at, updated_at)
			 VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, 0), ?, ?, ?)`,
			id, f.Title, normTitle, f.Identifier, f.Year, string(authorsJSON), now, now,
		)
		if err != nil {
			return "", eris.Wrapf(err, "sqlite: insert finding %q", f.Title)
		}
		return id, nil
	}

	// Merge: fill only null fields, never overwrite populated ones.
	_, err = s.db.ExecContext(ctx,
		`UPDATE findings SET
		   identifier = CASE WHEN identifier IS NULL OR identifier = '' THEN NULLIF(?, '') ELSE identifier END,
		   year       = CASE WHEN year IS NULL OR year = 0 THEN NULLIF(?, 0) ELSE year END,
		   authors    = CASE WHEN authors IS NULL OR authors = '' OR authors = '[]' OR authors = 'null' THEN ? ELSE authors END,
		   updated_at = ?
		 WHERE id = ?`,
		f.Identifier, f.Year, string(authorsJSON), now, existingID,
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: merge finding %s", existingID)
	}
	return existingID, nil
}

// findExisting resolves a finding's identity: by normalized identifier
// first, by exact normalized title for identifierless findings.
func (s *SQLiteStore) findExisting(ctx context.Context, identifier, normTitle string) (string, error) {
	var id string
	if identifier != "" {
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM findings WHERE identifier = ?`, identifier,
		).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", eris.Wrap(err, "sqlite: find by identifier")
		}
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM findings
		 WHERE norm_title = ? AND (identifier IS NULL OR identifier = '' OR identifier = ?)
		 LIMIT 1`,
		normTitle, identifier,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "sqlite: find by title")
	}
	return id, nil
}

func (s *SQLiteStore) RecordAttribution(ctx context.Context, findingID, providerName string, nativeRank int, raw json.RawMessage) error {
	var rawText any
	if len(raw) > 0 {
		rawText = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attributions (finding_id, provider, native_rank, raw, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(finding_id, provider, native_rank) DO NOTHING`,
		findingID, providerName, nativeRank, rawText, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: record attribution %s/%s", findingID, providerName)
}

func (s *SQLiteStore) ListFindings(ctx context.Context, limit int) ([]*model.Finding, error) {
	q := `SELECT id, title, COALESCE(identifier, ''), COALESCE(year, 0), COALESCE(authors, '[]')
	      FROM findings ORDER BY created_at`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list findings")
	}
	defer rows.Close()

	var findings []*model.Finding
	byID := make(map[string]*model.Finding)
	for rows.Next() {
		var f model.Finding
		var authorsJSON string
		if err := rows.Scan(&f.ID, &f.Title, &f.Identifier, &f.Year, &authorsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan finding")
		}
		if err := json.Unmarshal([]byte(authorsJSON), &f.Authors); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal authors for %s", f.ID)
		}
		findings = append(findings, &f)
		byID[f.ID] = &f
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate findings")
	}

	if err := s.attachAttributions(ctx, byID); err != nil {
		return nil, err
	}
	return findings, nil
}

func (s *SQLiteStore) attachAttributions(ctx context.Context, byID map[string]*model.Finding) error {
	if len(byID) == 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT finding_id, provider, native_rank, COALESCE(raw, '') FROM attributions`)
	if err != nil {
		return eris.Wrap(err, "sqlite: list attributions")
	}
	defer rows.Close()

	for rows.Next() {
		var findingID, providerName, rawText string
		var rank int
		if err := rows.Scan(&findingID, &providerName, &rank, &rawText); err != nil {
			return eris.Wrap(err, "sqlite: scan attribution")
		}
		f, ok := byID[findingID]
		if !ok {
			continue
		}
		var raw json.RawMessage
		if rawText != "" {
			raw = json.RawMessage(rawText)
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
				Raw:        raw,
			},
		})
	}
	return rows.Err()
}

// --- RunStore ---

func (s *SQLiteStore) CreateRun(ctx context.Context, kind string) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    model.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Kind, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create run")
	}
	return run, nil
}

func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string, status model.RunStatus, totalQueries, newFindings, updatedFindings int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET status = ?, total_queries = ?, new_findings = ?, updated_findings = ?, completed_at = ?
		 WHERE id = ?`,
		string(status), totalQueries, newFindings, updatedFindings, time.Now().UTC(), runID,
	)
	return eris.Wrapf(err, "sqlite: finalize run %s", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	q := `SELECT id, kind, status, total_queries, new_findings, updated_findings, started_at, completed_at
	      FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		var r model.Run
		var status string
		var completedAt *time.Time
		if err := rows.Scan(&r.ID, &r.Kind, &status, &r.TotalQueries, &r.NewFindings,
			&r.UpdatedFindings, &r.StartedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = model.RunStatus(status)
		r.CompletedAt = completedAt
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
