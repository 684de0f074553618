package reputation

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresLogStore persists the payment log append-only in Postgres. The
// driver is registered by the caller (cmd/server imports lib/pq); this file
// only speaks database/sql.
type PostgresLogStore struct {
	db *sql.DB
}

func NewPostgresLogStore(db *sql.DB) *PostgresLogStore {
	return &PostgresLogStore{db: db}
}

// EnsureSchema creates the payment_log table. The unique (caller_id,
// sequence) constraint makes gapped or duplicated appends a hard error
// instead of silent corruption.
func (s *PostgresLogStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_log (
			id          BIGSERIAL PRIMARY KEY,
			caller_id   TEXT        NOT NULL,
			sequence    INTEGER     NOT NULL,
			amount_sats BIGINT      NOT NULL,
			resource    TEXT        NOT NULL,
			success     BOOLEAN     NOT NULL,
			ts          TIMESTAMPTZ NOT NULL,
			UNIQUE (caller_id, sequence)
		)`)
	if err != nil {
		return fmt.Errorf("ensure payment_log schema: %w", err)
	}
	return nil
}

func (s *PostgresLogStore) Append(ctx context.Context, entry LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_log (caller_id, sequence, amount_sats, resource, success, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.CallerID, entry.Sequence, entry.AmountSats, entry.Resource, entry.Success, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append payment log: %w", err)
	}
	return nil
}

func (s *PostgresLogStore) LoadAll(ctx context.Context) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT caller_id, sequence, amount_sats, resource, success, ts
		 FROM payment_log ORDER BY caller_id, sequence`)
	if err != nil {
		return nil, fmt.Errorf("load payment log: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.CallerID, &e.Sequence, &e.AmountSats, &e.Resource, &e.Success, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan payment log row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
