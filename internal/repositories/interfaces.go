package repositories

import (
	"context"
	"time"

	domain "github.com/stallfront/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Carts() CartRepository
	Products() ProductRepository
	Vendors() VendorRepository
	Counters() CounterRepository
	AuditLogs() AuditLogRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists order aggregates and provides buyer/vendor query helpers.
//
// Mutate runs fn against a freshly read copy of the aggregate inside a transaction and
// persists the result, so concurrent status transitions serialize at the storage layer:
// legality is always evaluated against the current stored state, never a stale copy.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	Mutate(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// CartRepository owns cart persistence with optimistic locking on UpdatedAt.
type CartRepository interface {
	FindByBuyer(ctx context.Context, buyerID string) (domain.Cart, error)
	Save(ctx context.Context, cart domain.Cart, expectedUpdatedAt *time.Time) (domain.Cart, error)
	Clear(ctx context.Context, buyerID string, expectedUpdatedAt *time.Time) error
}

// ProductRepository reads catalog state and applies relative stock adjustments.
type ProductRepository interface {
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	// AdjustStock applies every adjustment in one transaction. Each adjustment is recorded
	// under a deterministic marker key (order, product, direction); adjustments whose marker
	// already exists are skipped, so retries never double-apply.
	AdjustStock(ctx context.Context, adjustments []domain.StockAdjustment) error
	// ApplyStockDelta shifts one product's stock by delta (positive or negative) and fails
	// with an insufficient-stock error when the result would drop below zero.
	ApplyStockDelta(ctx context.Context, productID string, delta int64) (domain.Product, error)
}

// VendorRepository reads vendor activity and approval state.
type VendorRepository interface {
	FindByIDs(ctx context.Context, vendorIDs []string) (map[string]domain.Vendor, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

// OrderListFilter narrows order listings for buyers (BuyerID) or vendors (VendorID).
type OrderListFilter struct {
	BuyerID    string
	VendorID   string
	Status     []domain.SubOrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// AuditLogFilter narrows audit trail listings.
type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
	// ExpiresAt marks date-scoped counters for TTL cleanup once the day has passed.
	ExpiresAt *time.Time
}
