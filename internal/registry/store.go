// Package registry stores per-tenant provider configurations and serves
// them through a TTL-bounded read cache. The SQL store is the durable
// source of truth; the cache exists so that a burst of requests for one
// tenant costs a single query per TTL window.
package registry

import (
	"context"

	"github.com/dealflow-labs/ai-relay/providers"
)

// Store is the tenant/provider configuration source.
type Store interface {
	// ListByTenant returns every provider configured for a tenant, in no
	// particular order. An empty slice with a nil error is a valid state
	// (the tenant has connected nothing yet) and must be distinguished
	// from a fetch failure.
	ListByTenant(ctx context.Context, tenantID string) ([]providers.TenantProvider, error)
}
