// Package usage records billing counters and the per-attempt audit trail.
// The counter is incremented exactly once per request that reaches a
// non-exhausted terminal state; attempt rows are written for every provider
// tried, so a support engineer can reconstruct a fallback run after the fact.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/dealflow-labs/ai-relay/internal/metrics"
	"github.com/dealflow-labs/ai-relay/providers"
)

// Recorder persists usage counters and attempt records.
type Recorder interface {
	// IncrementUsage adds one served request to the tenant's counter for
	// the current calendar month.
	IncrementUsage(ctx context.Context, tenantID string) error
	// LogAttempts appends the attempt trail of one request.
	LogAttempts(ctx context.Context, traceID, tenantID string, attempts []providers.AttemptRecord) error
}

// NoopRecorder ignores all writes. Used in tests and when persistence is
// disabled.
type NoopRecorder struct{}

func (NoopRecorder) IncrementUsage(context.Context, string) error { return nil }
func (NoopRecorder) LogAttempts(context.Context, string, string, []providers.AttemptRecord) error {
	return nil
}

// SQLRecorder persists to SQLite/Postgres.
type SQLRecorder struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// NewSQLiteRecorder creates a SQLite-backed recorder.
func NewSQLiteRecorder(dsn string) (*SQLRecorder, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "airelay-usage.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite usage recorder: %w", err)
	}
	r := &SQLRecorder{db: db, dialect: "sqlite", now: time.Now}
	if err := r.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewPostgresRecorder creates a Postgres-backed recorder.
func NewPostgresRecorder(dsn string) (*SQLRecorder, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres usage recorder: %w", err)
	}
	r := &SQLRecorder{db: db, dialect: "postgres", now: time.Now}
	if err := r.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLRecorder) init() error {
	if err := r.db.Ping(); err != nil {
		return fmt.Errorf("ping %s usage recorder: %w", r.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS usage_counters (
	tenant_id TEXT NOT NULL,
	period TEXT NOT NULL,
	served INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, period)
);
CREATE TABLE IF NOT EXISTS attempt_logs (
	id INTEGER PRIMARY KEY,
	trace_id TEXT,
	tenant_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	outcome TEXT NOT NULL,
	code TEXT,
	detail TEXT,
	attempted_at TIMESTAMP NOT NULL
);`

	if r.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS usage_counters (
	tenant_id TEXT NOT NULL,
	period TEXT NOT NULL,
	served INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, period)
);
CREATE TABLE IF NOT EXISTS attempt_logs (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT,
	tenant_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	outcome TEXT NOT NULL,
	code TEXT,
	detail TEXT,
	attempted_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := r.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize usage schema: %w", err)
	}
	return nil
}

// IncrementUsage upserts the tenant's counter for the current month.
func (r *SQLRecorder) IncrementUsage(ctx context.Context, tenantID string) error {
	period := r.now().UTC().Format("2006-01")

	query := `
INSERT INTO usage_counters(tenant_id, period, served) VALUES(?, ?, 1)
ON CONFLICT(tenant_id, period) DO UPDATE SET served = served + 1`
	if r.dialect == "postgres" {
		query = `
INSERT INTO usage_counters(tenant_id, period, served) VALUES($1, $2, 1)
ON CONFLICT(tenant_id, period) DO UPDATE SET served = usage_counters.served + 1`
	}

	if _, err := r.db.ExecContext(ctx, query, tenantID, period); err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	metrics.UsageIncrements.Inc()
	return nil
}

// Served returns the tenant's counter for a period formatted as "2006-01".
func (r *SQLRecorder) Served(ctx context.Context, tenantID, period string) (int, error) {
	query := `SELECT served FROM usage_counters WHERE tenant_id = ? AND period = ?`
	if r.dialect == "postgres" {
		query = `SELECT served FROM usage_counters WHERE tenant_id = $1 AND period = $2`
	}
	var served int
	err := r.db.QueryRowContext(ctx, query, tenantID, period).Scan(&served)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return served, nil
}

// LogAttempts appends one row per attempt.
func (r *SQLRecorder) LogAttempts(ctx context.Context, traceID, tenantID string, attempts []providers.AttemptRecord) error {
	query := `
INSERT INTO attempt_logs(trace_id, tenant_id, provider, model, outcome, code, detail, attempted_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`
	if r.dialect == "postgres" {
		query = `
INSERT INTO attempt_logs(trace_id, tenant_id, provider, model, outcome, code, detail, attempted_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`
	}

	for _, a := range attempts {
		at := a.At
		if at.IsZero() {
			at = r.now().UTC()
		}
		_, err := r.db.ExecContext(ctx, query,
			traceID,
			tenantID,
			string(a.Provider),
			a.Model,
			string(a.Outcome),
			string(a.Code),
			a.Detail,
			at,
		)
		if err != nil {
			return fmt.Errorf("write attempt log: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (r *SQLRecorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
