package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"dcs-mission-validator/internal/models"
)

// ErrNotFound is returned when a verdict does not exist.
var ErrNotFound = errors.New("verdict not found")

// Store wraps pgxpool for verdict history in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RecordVerdict inserts a verdict together with an audit row describing the
// action taken.
func (s *Store) RecordVerdict(ctx context.Context, v models.Verdict) error {
	id, err := uuid.Parse(v.ID)
	if err != nil {
		return errors.Wrap(err, "parse verdict id")
	}
	resultJSON, err := json.Marshal(v.Result)
	if err != nil {
		return errors.Wrap(err, "marshal result")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO verdicts (id, path, size, valid, action, result, error, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, v.Path, v.Size, v.Valid, v.Action, resultJSON, v.Error, v.CheckedAt)
	if err != nil {
		return errors.Wrap(err, "insert verdict")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_logs (verdict_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, id, v.Action, auditDetail(v))
	if err != nil {
		return errors.Wrap(err, "insert audit")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func auditDetail(v models.Verdict) string {
	findings := v.Result.Findings()
	if len(findings) == 0 {
		return fmt.Sprintf("path=%s valid=%t", v.Path, v.Valid)
	}
	return fmt.Sprintf("path=%s valid=%t findings=%q", v.Path, v.Valid, findings)
}

// GetVerdict fetches a verdict by id.
func (s *Store) GetVerdict(ctx context.Context, id string) (models.Verdict, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return models.Verdict{}, errors.Wrapf(ErrNotFound, "id %q", id)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, path, size, valid, action, result, error, checked_at
		FROM verdicts WHERE id = $1
	`, uid)
	v, err := scanVerdict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Verdict{}, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return v, err
}

// ListVerdicts returns the most recent verdicts for a path, newest first.
func (s *Store) ListVerdicts(ctx context.Context, path string, limit int) ([]models.Verdict, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, path, size, valid, action, result, error, checked_at
		FROM verdicts WHERE path = $1
		ORDER BY checked_at DESC
		LIMIT $2
	`, path, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query verdicts")
	}
	defer rows.Close()

	var out []models.Verdict
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListAudit returns the audit trail of a verdict, oldest first.
func (s *Store) ListAudit(ctx context.Context, verdictID string) ([]models.AuditLog, error) {
	id, err := uuid.Parse(verdictID)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "id %q", verdictID)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT verdict_id::text, event, detail, ts
		FROM audit_logs WHERE verdict_id = $1
		ORDER BY ts ASC, id ASC
	`, id)
	if err != nil {
		return nil, errors.Wrap(err, "query audit")
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.VerdictID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, errors.Wrap(err, "scan audit")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "iterate audit")
}

func scanVerdict(row pgx.Row) (models.Verdict, error) {
	var v models.Verdict
	var resultJSON []byte
	var lastErr pgtype.Text

	if err := row.Scan(&v.ID, &v.Path, &v.Size, &v.Valid, &v.Action, &resultJSON, &lastErr, &v.CheckedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Verdict{}, err
		}
		return models.Verdict{}, errors.Wrap(err, "scan verdict")
	}
	if err := json.Unmarshal(resultJSON, &v.Result); err != nil {
		return models.Verdict{}, errors.Wrap(err, "unmarshal result")
	}
	v.Error = textPtr(lastErr)
	return v, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
