// Package postgres persists challenge outcomes in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
	"github.com/JakeFAU/decaptcha-crawler/internal/ledger"
)

const defaultTable = "challenge_outcomes"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and target table.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Ledger writes one row per pipeline run.
type Ledger struct {
	pool  pool
	table string
}

var _ ledger.Ledger = (*Ledger)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, errors.New("ledger.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: p, table: table}, nil
}

// NewWithPool builds a Ledger on an existing pool.
func NewWithPool(p pool, table string) (*Ledger, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Ledger{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the pool.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// Migrate creates the outcome table when it does not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	challenge_id TEXT PRIMARY KEY,
	engine       TEXT NOT NULL,
	url          TEXT NOT NULL,
	status       TEXT NOT NULL,
	error_text   TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	duration_ms  BIGINT NOT NULL,
	replayed     INTEGER NOT NULL
)`, l.table)
	if _, err := l.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", l.table, err)
	}
	return nil
}

// RecordOutcome implements decaptcha.OutcomeSink.
func (l *Ledger) RecordOutcome(ctx context.Context, o decaptcha.Outcome) error {
	if o.ChallengeID == "" {
		return errors.New("challenge id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	challenge_id,
	engine,
	url,
	status,
	error_text,
	started_at,
	finished_at,
	duration_ms,
	replayed
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
) ON CONFLICT (challenge_id) DO NOTHING`, l.table)
	args := []any{
		o.ChallengeID,
		o.Engine,
		o.URL,
		string(o.Status),
		o.Error,
		o.StartedAt,
		o.FinishedAt,
		o.Duration().Milliseconds(),
		o.Replayed,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// Recent lists up to f.Limit outcomes matching f, newest first. An empty
// status matches every row.
func (l *Ledger) Recent(ctx context.Context, f ledger.Filter) ([]decaptcha.Outcome, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = ledger.DefaultRecentLimit
	}
	query := fmt.Sprintf(`
SELECT challenge_id, engine, url, status, error_text, started_at, finished_at, replayed
FROM %s
WHERE ($1 = '' OR status = $1)
ORDER BY started_at DESC
LIMIT $2`, l.table)
	rows, err := l.pool.Query(ctx, query, string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []decaptcha.Outcome
	for rows.Next() {
		var (
			o      decaptcha.Outcome
			status string
		)
		if err := rows.Scan(&o.ChallengeID, &o.Engine, &o.URL, &status, &o.Error, &o.StartedAt, &o.FinishedAt, &o.Replayed); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Status = decaptcha.OutcomeStatus(status)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}
