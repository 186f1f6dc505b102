package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/polisai/polis-enhance/pkg/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	ts           INTEGER NOT NULL,
	request_id   TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	source       TEXT NOT NULL,
	mode         TEXT NOT NULL,
	reason       TEXT NOT NULL,
	attributes   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_kind_ts ON audit_events(kind, ts);
CREATE INDEX IF NOT EXISTS audit_events_request ON audit_events(request_id);
`

// SQLiteSink persists events to a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens or creates the database at path. Use ":memory:" for a
// throwaway database.
func OpenSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// One writer at a time; a single connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init audit database: %w", err)
		}
	}
	return &SQLiteSink{db: db}, nil
}

// Record implements domain.AuditSink.
func (s *SQLiteSink) Record(ctx context.Context, e domain.AuditEvent) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("encode audit attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, kind, ts, request_id, principal_id, source, mode, reason, attributes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.Timestamp.UTC().UnixNano(), e.RequestID, e.PrincipalID, e.Source,
		string(e.Mode), e.Reason, string(attrs))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	Kind      domain.AuditKind
	RequestID string
	Since     time.Time
	Limit     int
}

// Query returns matching events, newest first.
func (s *SQLiteSink) Query(ctx context.Context, f Filter) ([]domain.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, f.RequestID)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().UnixNano())
	}
	query := "SELECT id, kind, ts, request_id, principal_id, source, mode, reason, attributes FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.AuditEvent
	for rows.Next() {
		var (
			e     domain.AuditEvent
			kind  string
			mode  string
			ts    int64
			attrs string
		)
		if err := rows.Scan(&e.ID, &kind, &ts, &e.RequestID, &e.PrincipalID, &e.Source, &mode, &e.Reason, &attrs); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Kind = domain.AuditKind(kind)
		e.Mode = domain.OperationMode(mode)
		e.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode audit attributes: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
