// Package postgres upserts harvested records into Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/org-harvester/internal/harvest"
)

// upsertChunk keeps each statement well under Postgres' 65535 parameter limit.
const upsertChunk = 500

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var columns = []string{
	"record_key",
	"run_id",
	"harvested_at",
	"source",
	"organization",
	"title",
	"content",
	"url",
	"published_at",
	"metrics",
}

// RecordStoreConfig controls the Postgres connection pool used for record rows.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordStore writes canonical records keyed by harvest.Record.Key.
type RecordStore struct {
	pool  execCloser
	table string
}

// NewRecordStore connects a pool using cfg.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool execCloser, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "harvest_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the record table when missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	record_key   TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	harvested_at TIMESTAMPTZ NOT NULL,
	source       TEXT NOT NULL,
	organization TEXT NOT NULL,
	title        TEXT NOT NULL,
	content      TEXT NOT NULL,
	url          TEXT NOT NULL,
	published_at TEXT NOT NULL,
	metrics      JSONB
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// UpsertRecords inserts records, replacing rows that share a record key so
// repeated runs stay idempotent. It returns the number of affected rows.
func (s *RecordStore) UpsertRecords(ctx context.Context, runID string, harvestedAt time.Time, records []harvest.Record) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("record store is not configured")
	}
	var affected int64
	for start := 0; start < len(records); start += upsertChunk {
		end := min(start+upsertChunk, len(records))
		query, args, err := s.upsertSQL(runID, harvestedAt, records[start:end])
		if err != nil {
			return affected, err
		}
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return affected, fmt.Errorf("upsert records: %w", err)
		}
		affected += tag.RowsAffected()
	}
	return affected, nil
}

func (s *RecordStore) upsertSQL(runID string, harvestedAt time.Time, records []harvest.Record) (string, []any, error) {
	builder := sq.Insert(s.table).
		Columns(columns...).
		PlaceholderFormat(sq.Dollar)

	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		key := r.Key()
		// Postgres rejects one statement touching the same conflict key twice.
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		metrics, err := metricsJSON(r.Metrics)
		if err != nil {
			return "", nil, err
		}
		builder = builder.Values(
			key,
			runID,
			harvestedAt,
			string(r.Source),
			r.Organization,
			r.Title,
			r.Content,
			r.URL,
			r.PublishedAt,
			metrics,
		)
	}
	builder = builder.Suffix(`ON CONFLICT (record_key) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	harvested_at = EXCLUDED.harvested_at,
	organization = EXCLUDED.organization,
	title = EXCLUDED.title,
	content = EXCLUDED.content,
	published_at = EXCLUDED.published_at,
	metrics = COALESCE(EXCLUDED.metrics, ` + s.table + `.metrics)`)

	query, args, err := builder.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build upsert: %w", err)
	}
	return query, args, nil
}

func metricsJSON(m harvest.Metrics) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metrics: %w", err)
	}
	return data, nil
}
