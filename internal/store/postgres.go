package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over a single generic kv_rows table. It
// exists to exercise the Store contract against a real durable backend —
// production-grade schema migration/partitioning is out of scope (spec.md
// §1 non-goals).
//
// CREATE TABLE kv_rows (
//     subject    TEXT NOT NULL,
//     column_key TEXT NOT NULL,
//     value      BYTEA NOT NULL,
//     updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//     PRIMARY KEY (subject, column_key)
// );
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool sized the way the teacher's reconciliation
// store does for production load.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse config: %w", err)
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) Resolve(ctx context.Context, subject, column string) ([]byte, error) {
	var val []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv_rows WHERE subject = $1 AND column_key = $2`,
		subject, column,
	).Scan(&val)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: resolve %s/%s: %w", subject, column, err)
	}
	return val, nil
}

func (s *PostgresStore) ResolveRegex(ctx context.Context, subject, columnPrefix string) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT column_key, value FROM kv_rows WHERE subject = $1 AND column_key LIKE $2`,
		subject, columnPrefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("postgres store: resolve_regex %s: %w", subject, err)
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var col string
		var val []byte
		if err := rows.Scan(&col, &val); err != nil {
			return nil, fmt.Errorf("postgres store: resolve_regex scan: %w", err)
		}
		result[col] = val
	}
	return result, rows.Err()
}

func (s *PostgresStore) MultiSet(ctx context.Context, subject string, cols map[string][]byte) error {
	if len(cols) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for col, val := range cols {
		batch.Queue(`
			INSERT INTO kv_rows (subject, column_key, value, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (subject, column_key) DO UPDATE SET
				value = EXCLUDED.value, updated_at = NOW()
		`, subject, col, val)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range cols {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres store: multiset %s: %w", subject, err)
		}
	}
	return nil
}

func (s *PostgresStore) DeleteAttributes(ctx context.Context, subject string, cols []string, start, end *time.Time) error {
	if len(cols) == 0 {
		return nil
	}
	query := `DELETE FROM kv_rows WHERE subject = $1 AND column_key = ANY($2)`
	args := []interface{}{subject, cols}
	if start != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", len(args)+1)
		args = append(args, *start)
	}
	if end != nil {
		query += fmt.Sprintf(" AND updated_at <= $%d", len(args)+1)
		args = append(args, *end)
	}
	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres store: delete_attributes %s: %w", subject, err)
	}
	return nil
}

func (s *PostgresStore) CompareAndSet(ctx context.Context, subject, column string, oldVal, newVal []byte) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres store: cas begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current []byte
	err = tx.QueryRow(ctx, `SELECT value FROM kv_rows WHERE subject = $1 AND column_key = $2 FOR UPDATE`,
		subject, column).Scan(&current)
	if err != nil && err != pgx.ErrNoRows {
		return false, fmt.Errorf("postgres store: cas read %s/%s: %w", subject, column, err)
	}

	exists := err != pgx.ErrNoRows
	if oldVal == nil && exists {
		return false, nil
	}
	if oldVal != nil && (!exists || string(current) != string(oldVal)) {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO kv_rows (subject, column_key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (subject, column_key) DO UPDATE SET
			value = EXCLUDED.value, updated_at = NOW()
	`, subject, column, newVal)
	if err != nil {
		return false, fmt.Errorf("postgres store: cas write %s/%s: %w", subject, column, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("postgres store: cas commit: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetMutationPool() MutationPool {
	return &postgresPool{store: s}
}

type postgresPool struct {
	store *PostgresStore
	sets  map[string]map[string][]byte
	dels  map[string][]string
}

func (p *postgresPool) Set(subject, column string, value []byte) {
	if p.sets == nil {
		p.sets = make(map[string]map[string][]byte)
	}
	row, ok := p.sets[subject]
	if !ok {
		row = make(map[string][]byte)
		p.sets[subject] = row
	}
	row[column] = value
}

func (p *postgresPool) Delete(subject string, columns []string) {
	if p.dels == nil {
		p.dels = make(map[string][]string)
	}
	p.dels[subject] = append(p.dels[subject], columns...)
}

func (p *postgresPool) Pending() bool {
	return len(p.sets) > 0 || len(p.dels) > 0
}

func (p *postgresPool) Flush(ctx context.Context) error {
	if !p.Pending() {
		return nil
	}
	tx, err := p.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: flush begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for subject, cols := range p.sets {
		for col, val := range cols {
			_, err := tx.Exec(ctx, `
				INSERT INTO kv_rows (subject, column_key, value, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (subject, column_key) DO UPDATE SET
					value = EXCLUDED.value, updated_at = NOW()
			`, subject, col, val)
			if err != nil {
				return fmt.Errorf("postgres store: flush set %s/%s: %w", subject, col, err)
			}
		}
	}
	for subject, cols := range p.dels {
		_, err := tx.Exec(ctx, `DELETE FROM kv_rows WHERE subject = $1 AND column_key = ANY($2)`, subject, cols)
		if err != nil {
			return fmt.Errorf("postgres store: flush delete %s: %w", subject, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: flush commit: %w", err)
	}
	p.sets = nil
	p.dels = nil
	return nil
}
