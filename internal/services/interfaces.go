package services

import (
	"context"
	"slices"
	"strings"
	"time"

	domain "github.com/stallfront/api/internal/domain"
	"github.com/stallfront/api/internal/repositories"
)

// Domain model aliases re-exported for convenience within the services layer.
type (
	// Pagination mirrors domain pagination inputs.
	Pagination = domain.Pagination
	// SortOrder mirrors the domain sort order enum.
	SortOrder = domain.SortOrder
	// Address aliases the shipping snapshot captured at order placement.
	Address = domain.Address
	// Vendor aliases the marketplace seller read model.
	Vendor = domain.Vendor
	// Product aliases the catalog read model consulted during validation.
	Product = domain.Product
	// Cart aliases the buyer cart aggregate.
	Cart = domain.Cart
	// CartLine aliases a single cart entry.
	CartLine = domain.CartLine
	// CartEstimate aliases the cart totals preview.
	CartEstimate = domain.CartEstimate
	// Order aliases the buyer-facing order aggregate.
	Order = domain.Order
	// SubOrder aliases the vendor-scoped order partition.
	SubOrder = domain.SubOrder
	// OrderLineItem aliases the immutable purchased-product snapshot.
	OrderLineItem = domain.OrderLineItem
	// StatusChange aliases one status history entry.
	StatusChange = domain.StatusChange
	// Note aliases a free-text order or suborder note.
	Note = domain.Note
	// SubOrderStatus aliases the shared fulfillment status vocabulary.
	SubOrderStatus = domain.SubOrderStatus
	// PaymentStatus aliases the order payment lifecycle enum.
	PaymentStatus = domain.PaymentStatus
	// PaymentMethod aliases the settlement method enum.
	PaymentMethod = domain.PaymentMethod
	// StockAdjustment aliases one relative inventory mutation.
	StockAdjustment = domain.StockAdjustment
	// AuditLogEntry aliases the persisted audit trail entry.
	AuditLogEntry = domain.AuditLogEntry
	// SystemHealthReport aliases the aggregated dependency health report.
	SystemHealthReport = domain.SystemHealthReport
)

// Role claims carried by authenticated principals.
const (
	RoleBuyer  = "buyer"
	RoleVendor = "vendor"
	RoleAdmin  = "admin"
)

// Actor identifies the authenticated principal driving a command. VendorID is set only
// for vendor-role principals and scopes which SubOrders they may act on.
type Actor struct {
	ID       string
	VendorID string
	Roles    []string
	Locale   string
}

// HasRole reports whether the actor carries the given role claim.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// IsVendor reports whether the actor acts on behalf of a vendor.
func (a Actor) IsVendor() bool {
	return strings.TrimSpace(a.VendorID) != ""
}

// DomainError marks service errors that expose a machine-readable code and a message
// safe to return to API clients.
type DomainError interface {
	error
	Code() string
	SafeMessage() string
}

// CartService manages the buyer's cart and performs the all-or-nothing checkout
// validation that order placement consumes.
type CartService interface {
	// Get returns the buyer's cart with a live totals estimate, creating an empty
	// cart on first access.
	Get(ctx context.Context, buyerID string) (Cart, error)
	// AddLine adds quantity of a product to the cart, merging with an existing line
	// for the same product.
	AddLine(ctx context.Context, cmd AddCartLineCommand) (Cart, error)
	// UpdateLine replaces the quantity of an existing line.
	UpdateLine(ctx context.Context, cmd UpdateCartLineCommand) (Cart, error)
	// RemoveLine deletes a line from the cart.
	RemoveLine(ctx context.Context, cmd RemoveCartLineCommand) (Cart, error)
	// Clear removes the buyer's cart entirely. Clearing an absent cart is a no-op.
	Clear(ctx context.Context, buyerID string) error
	// ValidateForCheckout checks every line against current catalog state. It either
	// returns a snapshot bundle for all lines or a *CartValidationError listing every
	// failing line; it never partially accepts and never mutates anything.
	ValidateForCheckout(ctx context.Context, buyerID string) (CheckoutValidation, error)
}

// AddCartLineCommand adds quantity of one product to a buyer's cart.
type AddCartLineCommand struct {
	BuyerID           string
	ProductID         string
	Quantity          int64
	ExpectedUpdatedAt *time.Time
}

// UpdateCartLineCommand sets the quantity of an existing cart line.
type UpdateCartLineCommand struct {
	BuyerID           string
	ProductID         string
	Quantity          int64
	ExpectedUpdatedAt *time.Time
}

// RemoveCartLineCommand removes one line from a buyer's cart.
type RemoveCartLineCommand struct {
	BuyerID           string
	ProductID         string
	ExpectedUpdatedAt *time.Time
}

// CheckoutValidation is the successful output of cart validation: the cart as read plus
// one resolved catalog snapshot per line, in cart line order. Order assembly consumes
// these snapshots without re-reading the catalog.
type CheckoutValidation struct {
	Cart  Cart
	Lines []CheckoutLine
}

// CheckoutLine pairs one cart line with the product and vendor state resolved for it.
type CheckoutLine struct {
	ProductID string
	Quantity  int64
	Product   Product
	Vendor    Vendor
}

// OrderService orchestrates order placement, fulfillment transitions, payment, and the
// buyer/vendor query surfaces.
type OrderService interface {
	// PlaceFromCart validates the actor's cart and assembles, numbers, and persists a
	// new order, then decrements stock, clears the cart, and notifies vendors.
	PlaceFromCart(ctx context.Context, cmd PlaceOrderCommand) (Order, error)
	// GetOrder returns the order to its owning buyer.
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	// ListOrders pages through the buyer's own orders.
	ListOrders(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error)
	// Cancel cancels the whole order while it is still pending, restoring stock.
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	// ConfirmReception records the buyer's one-time reception confirmation and
	// promotes shipped SubOrders to delivered.
	ConfirmReception(ctx context.Context, cmd ConfirmReceptionCommand) (Order, error)
	// Pay settles the order once every SubOrder is delivered.
	Pay(ctx context.Context, cmd PayOrderCommand) (Order, error)
	// AddNote appends a buyer note to the order.
	AddNote(ctx context.Context, cmd AddOrderNoteCommand) (Order, error)
	// TransitionSubOrder applies a vendor-requested fulfillment transition to one
	// SubOrder and re-derives the order status.
	TransitionSubOrder(ctx context.Context, cmd TransitionSubOrderCommand) (Order, error)
	// AddSubOrderNote appends a vendor note to the vendor's own SubOrder.
	AddSubOrderNote(ctx context.Context, cmd AddSubOrderNoteCommand) (Order, error)
	// GetVendorOrder returns the vendor-scoped view of one order.
	GetVendorOrder(ctx context.Context, cmd GetVendorOrderCommand) (VendorOrderView, error)
	// ListVendorOrders pages through orders containing a SubOrder owned by the vendor.
	ListVendorOrders(ctx context.Context, cmd ListVendorOrdersCommand) (domain.CursorPage[VendorOrderView], error)
}

// PlaceOrderCommand carries everything needed to turn the actor's cart into an order.
// ExpectedCartUpdatedAt, when set, pins the cart version the buyer reviewed; placement
// fails with a conflict if the cart changed since.
type PlaceOrderCommand struct {
	Actor                 Actor
	ShippingAddress       Address
	PaymentMethod         PaymentMethod
	ExpectedCartUpdatedAt *time.Time
	Metadata              map[string]string
}

// GetOrderCommand fetches one order for its owning buyer.
type GetOrderCommand struct {
	Actor   Actor
	OrderID string
}

// ListOrdersCommand pages the buyer's orders with optional status and date filters.
type ListOrdersCommand struct {
	Actor      Actor
	Status     []SubOrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

// CancelOrderCommand cancels a pending order on the buyer's behalf.
type CancelOrderCommand struct {
	Actor   Actor
	OrderID string
	Comment string
}

// ConfirmReceptionCommand records the buyer's reception confirmation.
type ConfirmReceptionCommand struct {
	Actor   Actor
	OrderID string
}

// PayOrderCommand settles an eligible order. PaymentToken carries the tokenized card
// reference for card payments and is ignored for cash on delivery.
type PayOrderCommand struct {
	Actor        Actor
	OrderID      string
	PaymentToken string
}

// AddOrderNoteCommand appends a buyer note to an order.
type AddOrderNoteCommand struct {
	Actor   Actor
	OrderID string
	Body    string
}

// TransitionSubOrderCommand applies one vendor-requested status transition.
type TransitionSubOrderCommand struct {
	Actor      Actor
	OrderID    string
	SubOrderID string
	Target     SubOrderStatus
	Comment    string
}

// AddSubOrderNoteCommand appends a vendor note to the vendor's SubOrder.
type AddSubOrderNoteCommand struct {
	Actor      Actor
	OrderID    string
	SubOrderID string
	Body       string
}

// GetVendorOrderCommand fetches the vendor-scoped view of one order.
type GetVendorOrderCommand struct {
	Actor   Actor
	OrderID string
}

// ListVendorOrdersCommand pages orders containing a SubOrder owned by the acting
// vendor. Status filters apply to the vendor's own SubOrder status.
type ListVendorOrdersCommand struct {
	Actor      Actor
	Status     []SubOrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

// VendorOrderView is the vendor-scoped projection of an order: the vendor's own
// SubOrder, the shipping address, and shared order identifiers. Buyer notes, order
// totals, and other vendors' SubOrders are withheld.
type VendorOrderView struct {
	OrderID         string
	OrderNumber     string
	BuyerID         string
	Currency        string
	PlacedAt        time.Time
	ShippingAddress Address
	SubOrder        SubOrder
}

// OrderListFilter mirrors the repository filter for order listings.
type OrderListFilter = repositories.OrderListFilter

// OrderEvent is the notification payload published on order lifecycle changes.
type OrderEvent struct {
	ID          string
	Type        string
	OccurredAt  time.Time
	OrderID     string
	OrderNumber string
	BuyerID     string
	VendorID    string
	SubOrderID  string
	Status      string
	Locale      string
	Metadata    map[string]string
}

// OrderEventPublisher delivers order events to the notification pipeline. Publish
// failures are logged by callers and never abort the triggering operation.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// CounterService hands out formatted sequence numbers backed by transactional counters.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	// NextOrderNumber returns the next ORD-YYYYMMDD-NNNNN order number for the
	// current UTC day.
	NextOrderNumber(ctx context.Context) (string, error)
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step         int64
	Prefix       string
	Suffix       string
	PadLength    int
	MaxValue     *int64
	InitialValue *int64
	ExpiresAt    *time.Time
	Formatter    func(now time.Time, value int64) string
}

// CounterValue couples the raw counter value with its formatted representation.
type CounterValue struct {
	Value     int64
	Formatted string
}

// CounterCommand advances an arbitrary counter through the internal ops surface.
type CounterCommand struct {
	CounterID string
	Step      int64
}

// AuditLogService records and lists the append-only operational audit trail.
type AuditLogService interface {
	// Record persists one audit entry. Failures are logged, never propagated, so the
	// primary mutation flow is not interrupted.
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// AuditLogRecord is the write model accepted by the audit writer. Sensitive keys are
// hashed rather than stored in the clear.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	UserAgent             string
	IPAddress             string
	OccurredAt            time.Time
	Metadata              map[string]any
	Diff                  map[string]AuditLogDiff
	SensitiveMetadataKeys []string
	SensitiveDiffKeys     []string
}

// AuditLogDiff captures a before/after pair for one mutated field.
type AuditLogDiff struct {
	Before any
	After  any
}

// AuditLogFilter narrows audit trail listings on the service surface.
type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

// SystemService bundles the ops surface: health reporting, audit listing, counters,
// and the collaborator stock adjustment entry point.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
	// AdjustProductStock applies a relative stock delta on behalf of the catalog
	// collaborator and records the adjustment in the audit trail.
	AdjustProductStock(ctx context.Context, cmd AdjustProductStockCommand) (Product, error)
}

// AdjustProductStockCommand shifts one product's stock by a relative delta.
type AdjustProductStockCommand struct {
	ProductID string
	Delta     int64
	Reason    string
	Actor     string
	RequestID string
}
