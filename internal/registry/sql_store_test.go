package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dealflow-labs/ai-relay/providers"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "providers.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStoreCreateAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, providers.TenantProvider{
		TenantID:         "t1",
		Type:             providers.TypeAnthropic,
		Model:            "claude-3-5-sonnet-20241022",
		APIKeyCiphertext: "ciphertext-blob",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("create did not fill identity fields: %+v", created)
	}

	listed, err := store.ListByTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("listed %d providers, want 1", len(listed))
	}
	got := listed[0]
	if got.ID != created.ID || got.Type != providers.TypeAnthropic || got.Model != created.Model {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.APIKeyCiphertext != "ciphertext-blob" {
		t.Fatalf("ciphertext mismatch: %q", got.APIKeyCiphertext)
	}
}

func TestSQLStoreListScopedToTenant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, tenant := range []string{"t1", "t1", "t2"} {
		if _, err := store.Create(ctx, providers.TenantProvider{
			TenantID:         tenant,
			Type:             providers.TypeOpenAI,
			Model:            "gpt-4o",
			APIKeyCiphertext: "blob",
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	listed, err := store.ListByTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed %d providers for t1, want 2", len(listed))
	}
}

func TestSQLStoreListUnknownTenantIsEmptyNotError(t *testing.T) {
	store := newTestStore(t)

	listed, err := store.ListByTenant(context.Background(), "missing")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("listed %d providers, want 0", len(listed))
	}
}

func TestSQLStoreCreateRejectsUnknownType(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Create(context.Background(), providers.TenantProvider{
		TenantID: "t1",
		Type:     providers.Type("fax-machine"),
		Model:    "m",
	})
	if err == nil {
		t.Fatal("expected an error for an unknown provider type")
	}
}

func TestSQLStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, providers.TenantProvider{
		TenantID:         "t1",
		Type:             providers.TypeGoogle,
		Model:            "gemini-1.5-pro",
		APIKeyCiphertext: "blob",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	listed, err := store.ListByTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("listed %d providers after delete, want 0", len(listed))
	}

	if err := store.Delete(ctx, created.ID); err == nil {
		t.Fatal("expected an error deleting a missing row")
	}
}
