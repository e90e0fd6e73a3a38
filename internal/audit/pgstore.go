package audit

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
)

const auditTable = "rule_audit_log"

// Schema creates the audit table and its lookup index.
const Schema = `
CREATE TABLE IF NOT EXISTS rule_audit_log (
	id              UUID PRIMARY KEY,
	subject_id      TEXT NOT NULL,
	operation       TEXT NOT NULL,
	rule_id         TEXT NOT NULL DEFAULT '',
	sequence_number TEXT NOT NULL DEFAULT '',
	outcome         TEXT NOT NULL,
	message         TEXT NOT NULL DEFAULT '',
	duration_ms     BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rule_audit_log_subject_created_idx
	ON rule_audit_log (subject_id, created_at DESC);
`

var auditColumns = []string{
	"id", "subject_id", "operation", "rule_id", "sequence_number",
	"outcome", "message", "duration_ms", "created_at",
}

// PGStore is a PostgreSQL-backed Store using pgx/v5.
type PGStore struct {
	pool    *pgxpool.Pool
	builder sq.StatementBuilderType
}

// NewPGStore creates a new PostgreSQL audit store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		pool:    pool,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// EnsureSchema creates the audit table if it does not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Append inserts an entry.
func (s *PGStore) Append(ctx context.Context, entry Entry) error {
	query, args, err := insertQuery(s.builder, entry)
	if err != nil {
		return fmt.Errorf("build audit insert: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns matching entries, newest first.
func (s *PGStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query, args, err := listQuery(s.builder, filter)
	if err != nil {
		return nil, fmt.Errorf("build audit list: %w", err)
	}

	var entries []Entry
	if err := pgxscan.Select(ctx, s.pool, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("select audit entries: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// HealthCheck pings the database.
func (s *PGStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func insertQuery(b sq.StatementBuilderType, e Entry) (string, []any, error) {
	return b.Insert(auditTable).
		Columns(auditColumns...).
		Values(e.ID, e.Subject, e.Operation, e.RuleID, e.SequenceNumber,
			e.Outcome, e.Message, e.DurationMS, e.CreatedAt).
		ToSql()
}

func listQuery(b sq.StatementBuilderType, f Filter) (string, []any, error) {
	q := b.Select(auditColumns...).From(auditTable)
	if f.Subject != "" {
		q = q.Where(sq.Eq{"subject_id": f.Subject})
	}
	if f.Operation != "" {
		q = q.Where(sq.Eq{"operation": f.Operation})
	}
	return q.OrderBy("created_at DESC", "id").
		Limit(uint64(f.limit())).
		ToSql()
}
