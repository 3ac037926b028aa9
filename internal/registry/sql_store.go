package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"

	"github.com/dealflow-labs/ai-relay/providers"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore persists tenant provider configurations in SQL backends
// (SQLite or Postgres).
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLiteStore creates a SQLite-backed provider store.
// dsn can be a file path (e.g. /var/lib/airelay/providers.db) or SQLite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "airelay-providers.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	store := &SQLStore{db: db, dialect: dialectSQLite}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore creates a Postgres-backed provider store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	store := &SQLStore{db: db, dialect: dialectPostgres}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}

	var ddl string
	switch s.dialect {
	case dialectPostgres:
		ddl = `
CREATE TABLE IF NOT EXISTS tenant_providers (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	provider_type TEXT NOT NULL,
	model TEXT NOT NULL,
	api_key_ciphertext TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tenant_providers_tenant ON tenant_providers(tenant_id);`
	default:
		ddl = `
CREATE TABLE IF NOT EXISTS tenant_providers (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	provider_type TEXT NOT NULL,
	model TEXT NOT NULL,
	api_key_ciphertext TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tenant_providers_tenant ON tenant_providers(tenant_id);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s store schema: %w", s.dialect, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ListByTenant returns every provider configured for a tenant.
func (s *SQLStore) ListByTenant(ctx context.Context, tenantID string) ([]providers.TenantProvider, error) {
	q := s.bind(`
SELECT id, tenant_id, provider_type, model, api_key_ciphertext, created_at
FROM tenant_providers
WHERE tenant_id = ?`)

	rows, err := s.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tenant providers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make([]providers.TenantProvider, 0)
	for rows.Next() {
		var (
			tp  providers.TenantProvider
			typ string
		)
		if err := rows.Scan(&tp.ID, &tp.TenantID, &typ, &tp.Model, &tp.APIKeyCiphertext, &tp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant provider: %w", err)
		}
		tp.Type = providers.Type(typ)
		out = append(out, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenant providers: %w", err)
	}
	return out, nil
}

// Create inserts a new provider configuration and returns it with its
// generated ID and creation timestamp filled in.
func (s *SQLStore) Create(ctx context.Context, tp providers.TenantProvider) (providers.TenantProvider, error) {
	if !tp.Type.Valid() {
		return providers.TenantProvider{}, fmt.Errorf("unknown provider type %q", tp.Type)
	}
	tp.ID = uuid.NewString()
	tp.CreatedAt = time.Now().UTC()

	q := s.bind(`
INSERT INTO tenant_providers(id, tenant_id, provider_type, model, api_key_ciphertext, created_at)
VALUES(?, ?, ?, ?, ?, ?)`)

	if _, err := s.db.ExecContext(ctx, q, tp.ID, tp.TenantID, string(tp.Type), tp.Model, tp.APIKeyCiphertext, tp.CreatedAt); err != nil {
		return providers.TenantProvider{}, fmt.Errorf("create tenant provider: %w", err)
	}
	return tp, nil
}

// Delete removes a provider configuration by ID.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	q := s.bind(`DELETE FROM tenant_providers WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("delete tenant provider: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("tenant provider not found: %s", id)
	}
	return nil
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
