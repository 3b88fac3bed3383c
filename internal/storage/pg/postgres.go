package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pvzzle/txmonitor/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Postgres)(nil)

func New(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

func (r *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS kv_state (
  key        TEXT PRIMARY KEY,
  value      BYTEA NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tx_outcomes (
  tx_id      TEXT PRIMARY KEY,
  kind       TEXT NOT NULL,
  status     TEXT NOT NULL,
  success    BOOLEAN NOT NULL,
  error_msg  TEXT NULL,
  error_code INT NULL,
  settled_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS tx_outcomes_settled_idx ON tx_outcomes(settled_at DESC);
`
	_, err := r.pool.Exec(ctx, ddl)
	return err
}

func (r *Postgres) LoadState(ctx context.Context, key string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var value []byte
	err := r.pool.QueryRow(cctx, `SELECT value FROM kv_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// SaveState replaces the blob in a single statement, so readers see either
// the old or the new value.
func (r *Postgres) SaveState(ctx context.Context, key string, data []byte) error {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := r.pool.Exec(cctx, `
INSERT INTO kv_state(key, value) VALUES ($1, $2)
ON CONFLICT(key) DO UPDATE SET
  value      = EXCLUDED.value,
  updated_at = now()
`, key, data)
	return err
}

func (r *Postgres) RecordOutcome(ctx context.Context, o storage.Outcome) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var (
		errMsg  any = nil
		errCode any = nil
	)
	if o.ErrorMessage != "" {
		errMsg = o.ErrorMessage
	}
	if o.ErrorCode != nil {
		errCode = *o.ErrorCode
	}

	tag, err := r.pool.Exec(cctx, `
INSERT INTO tx_outcomes(tx_id, kind, status, success, error_msg, error_code, settled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT DO NOTHING
`, o.TxID, o.Kind, o.Status, o.Success, errMsg, errCode, o.SettledAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Postgres) ListOutcomes(ctx context.Context, limit int) ([]storage.Outcome, error) {
	if limit <= 0 {
		limit = 10
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := r.pool.Query(cctx, `
SELECT tx_id, kind, status, success, error_msg, error_code, settled_at
FROM tx_outcomes
ORDER BY settled_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Outcome
	for rows.Next() {
		var (
			o       storage.Outcome
			errMsg  *string
			errCode *int32
		)
		if err := rows.Scan(&o.TxID, &o.Kind, &o.Status, &o.Success, &errMsg, &errCode, &o.SettledAt); err != nil {
			return nil, err
		}
		if errMsg != nil {
			o.ErrorMessage = *errMsg
		}
		if errCode != nil {
			c := int(*errCode)
			o.ErrorCode = &c
		}
		out = append(out, o)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return out, nil
}

func (r *Postgres) String() string { return fmt.Sprintf("pgrepo(%p)", r.pool) }
