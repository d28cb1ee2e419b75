package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/stallfront/api/internal/platform/firestore"
	"github.com/stallfront/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the repositories.Registry
// contract. The health repository is injected because its probes span more than
// Firestore (event transport, idempotency backend).
type Registry struct {
	provider *pfirestore.Provider

	orders    *OrderRepository
	carts     *CartRepository
	products  *ProductRepository
	vendors   *VendorRepository
	counters  *CounterRepository
	auditLogs *AuditLogRepository
	health    repositories.HealthRepository
}

// NewRegistry wires every Firestore repository onto the shared provider.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	if health == nil {
		return nil, errors.New("registry requires health repository")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	vendors, err := NewVendorRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	auditLogs, err := NewAuditLogRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:  provider,
		orders:    orders,
		carts:     carts,
		products:  products,
		vendors:   vendors,
		counters:  counters,
		auditLogs: auditLogs,
		health:    health,
	}, nil
}

var _ repositories.Registry = (*Registry)(nil)

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Carts returns the cart repository.
func (r *Registry) Carts() repositories.CartRepository { return r.carts }

// Products returns the product repository.
func (r *Registry) Products() repositories.ProductRepository { return r.products }

// Vendors returns the vendor repository.
func (r *Registry) Vendors() repositories.VendorRepository { return r.vendors }

// Counters returns the counter repository.
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

// AuditLogs returns the audit log repository.
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.auditLogs }

// Health returns the dependency health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }
