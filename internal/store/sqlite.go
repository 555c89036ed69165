// Package store — SQLite-backed Store implementation.
// Durable persistence for the proposal queue, receipt log, evaluation runs,
// and the calibration snapshot. Uses the pure-Go modernc.org/sqlite driver.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftgate/driftgate/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS suite_results (
	run_id        TEXT PRIMARY KEY,
	suite_id      TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	weighted_mean REAL NOT NULL,
	sla_pass      INTEGER NOT NULL,
	payload       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_suite_results_suite ON suite_results(suite_id, timestamp);

CREATE TABLE IF NOT EXISTS calibration (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS proposals (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	state          TEXT NOT NULL,
	target_path    TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	ttl_expires_at TEXT NOT NULL,
	payload        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proposals_state ON proposals(state);

CREATE TABLE IF NOT EXISTS receipts (
	id          TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL,
	ended_at    TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_seq ON receipts(seq);
`

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs
// migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// ── Suite Results ────────────────────────────────────────────

func (s *SQLiteStore) CreateSuiteResult(ctx context.Context, result *models.SuiteResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal suite result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO suite_results (run_id, suite_id, timestamp, weighted_mean, sla_pass, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		result.RunID, result.SuiteID, result.Timestamp.UTC().Format(time.RFC3339Nano),
		result.WeightedMean, boolInt(result.SLAPass), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert suite result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSuiteResult(ctx context.Context, runID string) (*models.SuiteResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM suite_results WHERE run_id = ?`, runID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get suite result: %w", err)
	}
	var result models.SuiteResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("unmarshal suite result: %w", err)
	}
	return &result, nil
}

func (s *SQLiteStore) ListSuiteResults(ctx context.Context, suiteID string, limit int) ([]models.SuiteResult, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT payload FROM suite_results`
	args := []any{}
	if suiteID != "" {
		query += ` WHERE suite_id = ?`
		args = append(args, suiteID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suite results: %w", err)
	}
	defer rows.Close()

	var out []models.SuiteResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan suite result: %w", err)
		}
		var r models.SuiteResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("unmarshal suite result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Calibration Snapshot ─────────────────────────────────────

// SaveCalibration overwrites the single snapshot row in one statement, so
// readers see either the old or the new snapshot, never a partial one.
func (s *SQLiteStore) SaveCalibration(ctx context.Context, params *models.CalibrationParams) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal calibration: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calibration (id, payload) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCalibration(ctx context.Context) (*models.CalibrationParams, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM calibration WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get calibration: %w", err)
	}
	var params models.CalibrationParams
	if err := json.Unmarshal([]byte(payload), &params); err != nil {
		return nil, fmt.Errorf("unmarshal calibration: %w", err)
	}
	return &params, nil
}

// ── Proposal Queue ───────────────────────────────────────────

func (s *SQLiteStore) CreateProposal(ctx context.Context, p *models.Proposal) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proposals (id, kind, state, target_path, created_at, ttl_expires_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Kind), string(p.State), p.TargetPath,
		p.CreatedAt.UTC().Format(time.RFC3339Nano),
		p.TTLExpiresAt.UTC().Format(time.RFC3339Nano),
		string(payload),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM proposals WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	var p models.Proposal
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("unmarshal proposal: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) UpdateProposal(ctx context.Context, p *models.Proposal) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET state = ?, payload = ? WHERE id = ?`,
		string(p.State), string(payload), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListProposals(ctx context.Context, filter models.ProposalFilter) ([]models.Proposal, error) {
	query := `SELECT payload FROM proposals WHERE 1=1`
	args := []any{}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []models.Proposal
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		var p models.Proposal
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("unmarshal proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── Receipt Log ──────────────────────────────────────────────

func (s *SQLiteStore) AppendReceipt(ctx context.Context, r *models.Receipt) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO receipts (id, proposal_id, ended_at, seq, payload)
		 VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM receipts), ?)`,
		r.ID, r.ProposalID, r.EndedAt.UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return fmt.Errorf("append receipt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetReceipt(ctx context.Context, id string) (*models.Receipt, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM receipts WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	var r models.Receipt
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("unmarshal receipt: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) RecentReceipts(ctx context.Context, n int) ([]models.Receipt, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM receipts ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent receipts: %w", err)
	}
	defer rows.Close()

	var out []models.Receipt
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		var r models.Receipt
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("unmarshal receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Lifecycle ────────────────────────────────────────────────

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ── Helpers ──────────────────────────────────────────────────

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation matches the sqlite "UNIQUE constraint failed" error
// without depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
