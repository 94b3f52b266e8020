package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres opens a pooled connection through the pgx stdlib driver and
// verifies it.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresKV implements KV on two tables, kv_strings and kv_lists, created
// by the 0001_kv migration.
type PostgresKV struct {
	db *sql.DB
}

func NewPostgresKV(db *sql.DB) *PostgresKV {
	return &PostgresKV{db: db}
}

func (s *PostgresKV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_strings WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *PostgresKV) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_strings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *PostgresKV) Del(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_strings WHERE key=$1`, key); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_lists WHERE key=$1`, key); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (s *PostgresKV) Append(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO kv_lists (key, value) VALUES ($1, $2)`, key, value); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

type listRow struct {
	id    int64
	value string
}

func (s *PostgresKV) list(ctx context.Context, key string) ([]listRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, value FROM kv_lists WHERE key=$1 ORDER BY id`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []listRow
	for rows.Next() {
		var row listRow
		if err := rows.Scan(&row.id, &row.value); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresKV) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	rows, err := s.list(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	lo, hi, ok := listBounds(len(rows), start, stop)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, 0, hi-lo)
	for _, row := range rows[lo:hi] {
		out = append(out, row.value)
	}
	return out, nil
}

// Trim keeps the Redis-style inclusive range [start, stop] of the list and
// deletes every other row in one statement.
func (s *PostgresKV) Trim(ctx context.Context, key string, start, stop int64) error {
	_, err := s.db.ExecContext(ctx, `
		WITH ranked AS (
			SELECT id,
				ROW_NUMBER() OVER (ORDER BY id) - 1 AS pos,
				COUNT(*) OVER () AS n
			FROM kv_lists WHERE key=$1
		)
		DELETE FROM kv_lists WHERE id IN (
			SELECT id FROM ranked
			WHERE pos < CASE WHEN $2::bigint < 0 THEN n + $2::bigint ELSE $2::bigint END
			   OR pos > CASE WHEN $3::bigint < 0 THEN n + $3::bigint ELSE $3::bigint END
		)
	`, key, start, stop)
	if err != nil {
		return fmt.Errorf("trim %s: %w", key, err)
	}
	return nil
}

func (s *PostgresKV) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv_strings (key, value) VALUES ($1, '1')
		ON CONFLICT (key) DO UPDATE SET value = (kv_strings.value::bigint + 1)::text, updated_at = NOW()
		RETURNING value::bigint
	`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

func (s *PostgresKV) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresKV) Close() error {
	return s.db.Close()
}
