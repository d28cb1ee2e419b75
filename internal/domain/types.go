package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Address is the immutable shipping snapshot captured when an order is placed.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// Vendor captures the marketplace seller state consulted during cart validation.
type Vendor struct {
	ID        string
	Name      string
	Slug      string
	Active    bool
	Approved  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Product is the catalog surface this core reads: activity, pricing, and stock.
type Product struct {
	ID           string
	VendorID     string
	Name         string
	Slug         string
	Active       bool
	Currency     string
	UnitPrice    int64
	PromoPrice   *int64
	PromoStartAt *time.Time
	PromoEndAt   *time.Time
	Stock        int64
	UpdatedAt    time.Time
}

// Cart aggregates the mutable shopping cart state for a buyer.
type Cart struct {
	ID        string
	BuyerID   string
	Currency  string
	Lines     []CartLine
	Estimate  *CartEstimate
	Metadata  map[string]string
	UpdatedAt time.Time
}

// CartLine stores a single product entry within a cart.
type CartLine struct {
	ProductID string
	Quantity  int64
	AddedAt   time.Time
}

// CartEstimate summarizes the totals preview computed for the cart.
type CartEstimate struct {
	Subtotal int64
	Total    int64
	Savings  int64
}

// SubOrderStatus enumerates the fulfillment states shared by SubOrders and Orders.
type SubOrderStatus string

const (
	// StatusPending indicates the order was received and no vendor has acted yet.
	StatusPending SubOrderStatus = "pending"
	// StatusConfirmed indicates the vendor acknowledged the SubOrder.
	StatusConfirmed SubOrderStatus = "confirmed"
	// StatusPreparing indicates the vendor is assembling the shipment.
	StatusPreparing SubOrderStatus = "preparing"
	// StatusShipped indicates the shipment left the vendor.
	StatusShipped SubOrderStatus = "shipped"
	// StatusDelivered indicates the buyer received the shipment.
	StatusDelivered SubOrderStatus = "delivered"
	// StatusCancelled is the terminal state for cancelled SubOrders.
	StatusCancelled SubOrderStatus = "cancelled"
	// StatusOutOfStock is the terminal state a vendor uses when stock ran out after placement.
	StatusOutOfStock SubOrderStatus = "out_of_stock"
)

// PaymentStatus enumerates the order-level payment lifecycle.
type PaymentStatus string

const (
	// PaymentStatusPending indicates payment has not been collected yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates payment was collected; this transition is one-way.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed indicates the last collection attempt was declined.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates a back-office refund was issued.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentMethod enumerates how the buyer settles the order.
type PaymentMethod string

const (
	// PaymentMethodCard settles through the configured PSP when the payment gate opens.
	PaymentMethodCard PaymentMethod = "card"
	// PaymentMethodCashOnDelivery settles in cash at delivery and is recorded directly.
	PaymentMethodCashOnDelivery PaymentMethod = "cod"
)

// StatusChange is one append-only entry in a status history log.
type StatusChange struct {
	Status  SubOrderStatus
	At      time.Time
	Actor   string
	Comment string
}

// Note is a free-text entry attached to an Order (buyer scope) or SubOrder (vendor scope).
type Note struct {
	ID        string
	Author    string
	Body      string
	CreatedAt time.Time
}

// OrderLineItem is an immutable snapshot of one purchased product at order time.
type OrderLineItem struct {
	ProductID  string
	VendorID   string
	Name       string
	Slug       string
	UnitPrice  int64
	PromoPrice *int64
	Quantity   int64
	Subtotal   int64
}

// SubOrder is the vendor-scoped partition of an Order with its own state machine.
type SubOrder struct {
	ID            string
	VendorID      string
	VendorName    string
	Items         []OrderLineItem
	Subtotal      int64
	Total         int64
	Status        SubOrderStatus
	StatusHistory []StatusChange
	Notes         []Note
	StockRestored bool
}

// Order is the buyer-facing aggregate spanning one or more vendors.
type Order struct {
	ID                   string
	OrderNumber          string
	BuyerID              string
	Currency             string
	ShippingAddress      Address
	LineItems            []OrderLineItem
	SubOrders            []SubOrder
	Subtotal             int64
	Total                int64
	Savings              int64
	Status               SubOrderStatus
	StatusHistory        []StatusChange
	PaymentMethod        PaymentMethod
	PaymentStatus        PaymentStatus
	PaymentRef           string
	PaidAt               *time.Time
	ReceptionConfirmedAt *time.Time
	Notes                []Note
	Metadata             map[string]string
	PlacedAt             time.Time
	ShippedAt            *time.Time
	DeliveredAt          *time.Time
	CancelledAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AdjustmentDirection tells whether a stock adjustment debits or restores inventory.
type AdjustmentDirection string

const (
	// AdjustmentDebit removes ordered quantities from product stock.
	AdjustmentDebit AdjustmentDirection = "debit"
	// AdjustmentRestore returns quantities to product stock on compensation paths.
	AdjustmentRestore AdjustmentDirection = "restore"
)

// StockAdjustment is one relative inventory mutation, idempotent per order+product+direction.
type StockAdjustment struct {
	OrderID    string
	SubOrderID string
	ProductID  string
	Quantity   int64
	Direction  AdjustmentDirection
	AppliedAt  time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry records one append-only operational trail entry for an order mutation.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	IPHash    string
	UserAgent string
	Severity  string
	RequestID string
	CreatedAt time.Time
}
