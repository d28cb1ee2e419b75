package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/stallfront/api/internal/domain"
	"github.com/stallfront/api/internal/payments"
	"github.com/stallfront/api/internal/platform/textutil"
	"github.com/stallfront/api/internal/repositories"
)

const (
	orderEventPlaced             = "order.placed"
	orderEventSubOrderStatus     = "suborder.status_changed"
	orderEventPaymentReceived    = "order.payment_received"
	orderEventReceptionConfirmed = "order.reception_confirmed"
	orderEventCancelled          = "order.cancelled"
	orderEventStockInconsistent  = "order.stock_inconsistent"

	orderIDPrefix    = "ord_"
	subOrderIDPrefix = "sub_"
	noteIDPrefix     = "note_"
	eventIDPrefix    = "evt_"

	auditActionOrderPlace         = "order.place"
	auditActionOrderCancel        = "order.cancel"
	auditActionOrderPay           = "order.pay"
	auditActionOrderReception     = "order.confirm_reception"
	auditActionOrderNote          = "order.note.append"
	auditActionSubOrderTransition = "suborder.transition"
	auditActionSubOrderNote       = "suborder.note.append"
	auditActionStockIncident      = "order.stock_inconsistent"

	// receptionActor labels history entries written by the reception sweep rather
	// than by the owning vendor.
	receptionActor = "buyer confirmation"

	maxOrderNoteLength = 2000

	// metadataStockError stamps orders whose ledger adjustment failed; a recorded
	// debit failure also blocks later restores for stock that never left inventory.
	metadataStockError = "stock_error"
)

var errOrderPaymentsUnavailable = errors.New("order: payment provider not configured")

// checkoutCartSource is the slice of the cart service that order placement needs.
type checkoutCartSource interface {
	ValidateForCheckout(ctx context.Context, buyerID string) (CheckoutValidation, error)
	Clear(ctx context.Context, buyerID string) error
}

// orderNumberSource hands out formatted order numbers.
type orderNumberSource interface {
	NextOrderNumber(ctx context.Context) (string, error)
}

// paymentCharger is the slice of payments.Provider the payment gate needs.
type paymentCharger interface {
	Charge(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error)
}

// auditRecorder appends audit trail entries; implementations never fail the caller.
type auditRecorder interface {
	Record(ctx context.Context, record AuditLogRecord)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Carts       checkoutCartSource
	Counters    orderNumberSource
	Payments    paymentCharger
	Audit       auditRecorder
	Events      OrderEventPublisher
	Sanitizer   *bluemonday.Policy
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	products  repositories.ProductRepository
	carts     checkoutCartSource
	counters  orderNumberSource
	payments  paymentCharger
	audit     auditRecorder
	events    OrderEventPublisher
	sanitizer *bluemonday.Policy
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart source is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: order number source is required")
	}

	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = bluemonday.StrictPolicy()
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:    deps.Orders,
		products:  deps.Products,
		carts:     deps.Carts,
		counters:  deps.Counters,
		payments:  deps.Payments,
		audit:     deps.Audit,
		events:    deps.Events,
		sanitizer: sanitizer,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) PlaceFromCart(ctx context.Context, cmd PlaceOrderCommand) (Order, error) {
	buyerID := strings.TrimSpace(cmd.Actor.ID)
	if buyerID == "" {
		return Order{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}
	method, err := parsePaymentMethod(cmd.PaymentMethod)
	if err != nil {
		return Order{}, err
	}
	address, err := normalizeShippingAddress(cmd.ShippingAddress)
	if err != nil {
		return Order{}, err
	}

	validation, err := s.carts.ValidateForCheckout(ctx, buyerID)
	if err != nil {
		return Order{}, err
	}
	if cmd.ExpectedCartUpdatedAt != nil && !validation.Cart.UpdatedAt.Equal(cmd.ExpectedCartUpdatedAt.UTC()) {
		return Order{}, fmt.Errorf("%w: cart changed since it was reviewed", ErrOrderConflict)
	}
	currency := strings.TrimSpace(validation.Cart.Currency)
	if currency == "" {
		return Order{}, fmt.Errorf("%w: cart has no currency", ErrOrderInvalidInput)
	}

	number, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		if errors.Is(err, ErrCounterExhausted) {
			return Order{}, fmt.Errorf("%w: order numbers exhausted for today", ErrOrderConflict)
		}
		return Order{}, err
	}

	now := s.now()
	items := make([]domain.OrderLineItem, 0, len(validation.Lines))
	for _, line := range validation.Lines {
		items = append(items, snapshotLine(line, now))
	}
	totals := totalLines(items)

	order := domain.Order{
		ID:              s.nextOrderID(),
		OrderNumber:     number,
		BuyerID:         buyerID,
		Currency:        currency,
		ShippingAddress: address,
		LineItems:       items,
		SubOrders:       s.buildSubOrders(validation.Lines, items, now, buyerID),
		Subtotal:        totals.Subtotal,
		Total:           totals.Total,
		Savings:         totals.Savings,
		Status:          domain.StatusPending,
		StatusHistory: []domain.StatusChange{{
			Status:  domain.StatusPending,
			At:      now,
			Actor:   buyerID,
			Comment: "order received",
		}},
		PaymentMethod: method,
		PaymentStatus: domain.PaymentStatusPending,
		Metadata:      cloneMetadata(cmd.Metadata),
		PlacedAt:      now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	// The order stands even when the decrement fails: vendors resolve leftover
	// oversell through the out_of_stock flow while the incident is reported.
	if err := s.products.AdjustStock(ctx, adjustmentsFor(order.ID, order.SubOrders, domain.AdjustmentDebit, now)); err != nil {
		order = s.reportStockInconsistency(ctx, order, domain.AdjustmentDebit, err)
	}

	if err := s.carts.Clear(ctx, buyerID); err != nil {
		s.logger(ctx, "order.cart.clear.failed", map[string]any{
			"order_id": order.ID,
			"buyer_id": buyerID,
			"error":    err.Error(),
		})
	}

	for _, sub := range order.SubOrders {
		s.publishEvent(ctx, s.subOrderEvent(orderEventPlaced, order, sub, cmd.Actor.Locale, nil))
	}
	s.recordAudit(ctx, cmd.Actor, auditActionOrderPlace, order.ID, "info", map[string]any{
		"order_number": order.OrderNumber,
		"total":        order.Total,
		"currency":     order.Currency,
		"suborders":    len(order.SubOrders),
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := authorizeBuyer(cmd.Actor, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error) {
	buyerID := strings.TrimSpace(cmd.Actor.ID)
	if buyerID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		BuyerID:    buyerID,
		Status:     cmd.Status,
		DateRange:  cmd.DateRange,
		Pagination: cmd.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	comment, err := s.sanitizeOptionalText(cmd.Comment)
	if err != nil {
		return Order{}, err
	}
	if comment == "" {
		comment = "cancelled by buyer"
	}

	now := s.now()
	actor := strings.TrimSpace(cmd.Actor.ID)

	order, err := s.orders.Mutate(ctx, orderID, func(o *domain.Order) error {
		if err := authorizeBuyer(cmd.Actor, *o); err != nil {
			return err
		}
		if o.Status != domain.StatusPending {
			return &CancellationNotAllowedError{Current: o.Status}
		}
		for i := range o.SubOrders {
			sub := &o.SubOrders[i]
			sub.Status = domain.StatusCancelled
			sub.StatusHistory = append(sub.StatusHistory, domain.StatusChange{
				Status:  domain.StatusCancelled,
				At:      now,
				Actor:   actor,
				Comment: comment,
			})
		}
		applyDerivedStatus(o, actor, now)
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	order = s.restoreStock(ctx, order, order.SubOrders, now)

	for _, sub := range order.SubOrders {
		s.publishEvent(ctx, s.subOrderEvent(orderEventSubOrderStatus, order, sub, cmd.Actor.Locale, eventComment(comment)))
	}
	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventCancelled,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		BuyerID:     order.BuyerID,
		Status:      string(order.Status),
		Locale:      cmd.Actor.Locale,
		Metadata:    eventComment(comment),
	})
	s.recordAudit(ctx, cmd.Actor, auditActionOrderCancel, order.ID, "info", map[string]any{
		"comment": comment,
	})

	return order, nil
}

func (s *orderService) ConfirmReception(ctx context.Context, cmd ConfirmReceptionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := s.now()
	delivered := 0

	order, err := s.orders.Mutate(ctx, orderID, func(o *domain.Order) error {
		if err := authorizeBuyer(cmd.Actor, *o); err != nil {
			return err
		}
		if o.ReceptionConfirmedAt != nil {
			return fmt.Errorf("%w: confirmed at %s", ErrReceptionAlreadyConfirmed, o.ReceptionConfirmedAt.Format(time.RFC3339))
		}
		eligible := false
		for _, sub := range o.SubOrders {
			if sub.Status == domain.StatusShipped || sub.Status == domain.StatusDelivered {
				eligible = true
				break
			}
		}
		if !eligible {
			return fmt.Errorf("%w: nothing shipped or delivered yet", ErrReceptionNotEligible)
		}

		delivered = 0
		for i := range o.SubOrders {
			sub := &o.SubOrders[i]
			if sub.Status != domain.StatusShipped {
				continue
			}
			sub.Status = domain.StatusDelivered
			sub.StatusHistory = append(sub.StatusHistory, domain.StatusChange{
				Status: domain.StatusDelivered,
				At:     now,
				Actor:  receptionActor,
			})
			delivered++
		}

		ts := now
		o.ReceptionConfirmedAt = &ts
		applyDerivedStatus(o, receptionActor, now)
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	for _, sub := range order.SubOrders {
		s.publishEvent(ctx, s.subOrderEvent(orderEventReceptionConfirmed, order, sub, cmd.Actor.Locale, nil))
	}
	s.recordAudit(ctx, cmd.Actor, auditActionOrderReception, order.ID, "info", map[string]any{
		"delivered_suborders": delivered,
	})

	return order, nil
}

func (s *orderService) Pay(ctx context.Context, cmd PayOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := authorizeBuyer(cmd.Actor, order); err != nil {
		return Order{}, err
	}
	if order.PaymentStatus == domain.PaymentStatusPaid {
		return Order{}, fmt.Errorf("%w: order %s", ErrAlreadyPaid, order.ID)
	}
	if !allDelivered(order) {
		return Order{}, &PaymentNotEligibleError{Statuses: subOrderStatuses(order)}
	}

	now := s.now()
	var paymentRef string

	switch order.PaymentMethod {
	case domain.PaymentMethodCard:
		if s.payments == nil {
			return Order{}, errOrderPaymentsUnavailable
		}
		token := strings.TrimSpace(cmd.PaymentToken)
		if token == "" {
			return Order{}, fmt.Errorf("%w: payment token is required for card orders", ErrOrderInvalidInput)
		}
		// The order number doubles as the provider idempotency key, so a retried
		// request cannot charge the buyer twice.
		result, chargeErr := s.payments.Charge(ctx, payments.ChargeRequest{
			Amount:         order.Total,
			Currency:       order.Currency,
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			BuyerID:        order.BuyerID,
			PaymentToken:   token,
			IdempotencyKey: order.OrderNumber,
			Metadata:       map[string]string{"order_id": order.ID},
		})
		if chargeErr != nil {
			if errors.Is(chargeErr, payments.ErrChargeDeclined) {
				if _, recordErr := s.recordPaymentDeclined(ctx, orderID, now, cmd.Actor); recordErr != nil {
					s.logger(ctx, "order.payment.decline.record.failed", map[string]any{
						"order_id": orderID,
						"error":    recordErr.Error(),
					})
				}
				s.recordAudit(ctx, cmd.Actor, auditActionOrderPay, orderID, "warning", map[string]any{
					"declined": true,
					"method":   string(order.PaymentMethod),
				})
				return Order{}, fmt.Errorf("%w: %v", ErrPaymentDeclined, chargeErr)
			}
			return Order{}, fmt.Errorf("order: payment charge: %w", chargeErr)
		}
		paymentRef = result.ChargeRef
	case domain.PaymentMethodCashOnDelivery:
		// Collected in cash at delivery; recorded directly.
	default:
		return Order{}, fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, order.PaymentMethod)
	}

	actor := strings.TrimSpace(cmd.Actor.ID)
	order, err = s.orders.Mutate(ctx, orderID, func(o *domain.Order) error {
		if o.PaymentStatus == domain.PaymentStatusPaid {
			return fmt.Errorf("%w: order %s", ErrAlreadyPaid, o.ID)
		}
		ts := now
		o.PaymentStatus = domain.PaymentStatusPaid
		o.PaidAt = &ts
		o.PaymentRef = paymentRef
		o.StatusHistory = append(o.StatusHistory, domain.StatusChange{
			Status:  o.Status,
			At:      now,
			Actor:   actor,
			Comment: "payment received",
		})
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	for _, sub := range order.SubOrders {
		s.publishEvent(ctx, s.subOrderEvent(orderEventPaymentReceived, order, sub, cmd.Actor.Locale, map[string]string{
			"method": string(order.PaymentMethod),
		}))
	}
	s.recordAudit(ctx, cmd.Actor, auditActionOrderPay, order.ID, "info", map[string]any{
		"method":      string(order.PaymentMethod),
		"amount":      order.Total,
		"currency":    order.Currency,
		"payment_ref": paymentRef,
	})

	return order, nil
}

func (s *orderService) AddNote(ctx context.Context, cmd AddOrderNoteCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	body, err := s.sanitizeRequiredText(cmd.Body)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	note := domain.Note{
		ID:        s.nextNoteID(),
		Author:    strings.TrimSpace(cmd.Actor.ID),
		Body:      body,
		CreatedAt: now,
	}

	order, err := s.orders.Mutate(ctx, orderID, func(o *domain.Order) error {
		if err := authorizeBuyer(cmd.Actor, *o); err != nil {
			return err
		}
		o.Notes = append(o.Notes, note)
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.recordAudit(ctx, cmd.Actor, auditActionOrderNote, order.ID, "info", map[string]any{
		"note_id": note.ID,
	})
	return order, nil
}

func (s *orderService) TransitionSubOrder(ctx context.Context, cmd TransitionSubOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	subOrderID := strings.TrimSpace(cmd.SubOrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if subOrderID == "" {
		return Order{}, fmt.Errorf("%w: suborder id is required", ErrOrderInvalidInput)
	}
	target, err := ParseSubOrderStatus(string(cmd.Target))
	if err != nil {
		return Order{}, err
	}
	comment, err := s.sanitizeOptionalText(cmd.Comment)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	actor := strings.TrimSpace(cmd.Actor.ID)

	var transitioned domain.SubOrder
	order, err := s.orders.Mutate(ctx, orderID, func(o *domain.Order) error {
		sub := findSubOrder(o, subOrderID)
		if sub == nil {
			return fmt.Errorf("%w: suborder %s", ErrOrderNotFound, subOrderID)
		}
		if err := authorizeVendor(cmd.Actor, *sub); err != nil {
			return err
		}
		if !canTransition(sub.Status, target) {
			return &InvalidTransitionError{From: sub.Status, To: target, Allowed: allowedTransitions(sub.Status)}
		}
		sub.Status = target
		sub.StatusHistory = append(sub.StatusHistory, domain.StatusChange{
			Status:  target,
			At:      now,
			Actor:   actor,
			Comment: comment,
		})
		applyDerivedStatus(o, actor, now)
		o.UpdatedAt = now
		transitioned = *sub
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if target == domain.StatusCancelled || target == domain.StatusOutOfStock {
		order = s.restoreStock(ctx, order, []domain.SubOrder{transitioned}, now)
	}

	s.publishEvent(ctx, s.subOrderEvent(orderEventSubOrderStatus, order, transitioned, cmd.Actor.Locale, eventComment(comment)))
	s.recordAudit(ctx, cmd.Actor, auditActionSubOrderTransition, order.ID, "info", map[string]any{
		"suborder_id": transitioned.ID,
		"status":      string(target),
	})

	return order, nil
}

func (s *orderService) AddSubOrderNote(ctx context.Context, cmd AddSubOrderNoteCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	subOrderID := strings.TrimSpace(cmd.SubOrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if subOrderID == "" {
		return Order{}, fmt.Errorf("%w: suborder id is required", ErrOrderInvalidInput)
	}
	body, err := s.sanitizeRequiredText(cmd.Body)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	note := domain.Note{
		ID:        s.nextNoteID(),
		Author:    strings.TrimSpace(cmd.Actor.ID),
		Body:      body,
		CreatedAt: now,
	}

	order, err := s.orders.Mutate(ctx, orderID, func(o *domain.Order) error {
		sub := findSubOrder(o, subOrderID)
		if sub == nil {
			return fmt.Errorf("%w: suborder %s", ErrOrderNotFound, subOrderID)
		}
		if err := authorizeVendor(cmd.Actor, *sub); err != nil {
			return err
		}
		sub.Notes = append(sub.Notes, note)
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.recordAudit(ctx, cmd.Actor, auditActionSubOrderNote, order.ID, "info", map[string]any{
		"suborder_id": subOrderID,
		"note_id":     note.ID,
	})
	return order, nil
}

func (s *orderService) GetVendorOrder(ctx context.Context, cmd GetVendorOrderCommand) (VendorOrderView, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return VendorOrderView{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Actor.IsVendor() {
		return VendorOrderView{}, fmt.Errorf("%w: vendor identity required", ErrOrderAccessDenied)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return VendorOrderView{}, s.mapRepositoryError(err)
	}
	for _, sub := range order.SubOrders {
		if sub.VendorID == cmd.Actor.VendorID {
			return vendorOrderView(order, sub), nil
		}
	}
	return VendorOrderView{}, fmt.Errorf("%w: no suborder for vendor %s", ErrOrderAccessDenied, cmd.Actor.VendorID)
}

func (s *orderService) ListVendorOrders(ctx context.Context, cmd ListVendorOrdersCommand) (domain.CursorPage[VendorOrderView], error) {
	if !cmd.Actor.IsVendor() {
		return domain.CursorPage[VendorOrderView]{}, fmt.Errorf("%w: vendor identity required", ErrOrderAccessDenied)
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		VendorID:   cmd.Actor.VendorID,
		DateRange:  cmd.DateRange,
		Pagination: cmd.Pagination,
	})
	if err != nil {
		return domain.CursorPage[VendorOrderView]{}, s.mapRepositoryError(err)
	}

	// SubOrder statuses are not indexed, so the status filter applies after the
	// vendor index query.
	views := make([]VendorOrderView, 0, len(page.Items))
	for _, order := range page.Items {
		for _, sub := range order.SubOrders {
			if sub.VendorID != cmd.Actor.VendorID {
				continue
			}
			if len(cmd.Status) > 0 && !slices.Contains(cmd.Status, sub.Status) {
				continue
			}
			views = append(views, vendorOrderView(order, sub))
		}
	}

	return domain.CursorPage[VendorOrderView]{
		Items:         views,
		NextPageToken: page.NextPageToken,
	}, nil
}

// restoreStock returns the given SubOrders' quantities to inventory and stamps
// StockRestored on success. Already-restored SubOrders are skipped so repeated
// compensation stays idempotent alongside the ledger markers.
func (s *orderService) restoreStock(ctx context.Context, order domain.Order, subOrders []domain.SubOrder, now time.Time) domain.Order {
	// An order stamped with a failed debit never decremented inventory, so there
	// is nothing to return; restoring would create stock out of thin air.
	if strings.HasPrefix(order.Metadata[metadataStockError], string(domain.AdjustmentDebit)) {
		s.logger(ctx, "order.stock.restore.skipped", map[string]any{
			"order_id": order.ID,
			"reason":   order.Metadata[metadataStockError],
		})
		return order
	}

	pending := make([]domain.SubOrder, 0, len(subOrders))
	for _, sub := range subOrders {
		if !sub.StockRestored {
			pending = append(pending, sub)
		}
	}
	if len(pending) == 0 {
		return order
	}

	if err := s.products.AdjustStock(ctx, adjustmentsFor(order.ID, pending, domain.AdjustmentRestore, now)); err != nil {
		return s.reportStockInconsistency(ctx, order, domain.AdjustmentRestore, err)
	}

	ids := make([]string, 0, len(pending))
	for _, sub := range pending {
		ids = append(ids, sub.ID)
	}
	stamped, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) error {
		for i := range o.SubOrders {
			if slices.Contains(ids, o.SubOrders[i].ID) {
				o.SubOrders[i].StockRestored = true
			}
		}
		o.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		// The ledger markers remain the source of truth; a missing flag only
		// costs a redundant no-op retry.
		s.logger(ctx, "order.stock.restored.flag.failed", map[string]any{
			"order_id": order.ID,
			"error":    err.Error(),
		})
		return order
	}
	return stamped
}

// reportStockInconsistency surfaces a failed ledger adjustment without rolling
// back the committed order state: error log, audit incident, ops event, and a
// best-effort metadata stamp.
func (s *orderService) reportStockInconsistency(ctx context.Context, order domain.Order, direction domain.AdjustmentDirection, cause error) domain.Order {
	incident := &StockInconsistencyError{OrderID: order.ID, Direction: direction, Err: cause}

	s.logger(ctx, "order.stock.inconsistent", map[string]any{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"direction":    string(direction),
		"error":        incident.Error(),
	})
	s.recordAudit(ctx, Actor{ID: "system"}, auditActionStockIncident, order.ID, "error", map[string]any{
		"order_number": order.OrderNumber,
		"direction":    string(direction),
		"error":        cause.Error(),
	})
	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventStockInconsistent,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		BuyerID:     order.BuyerID,
		Status:      string(order.Status),
		Metadata: map[string]string{
			"direction": string(direction),
			"error":     cause.Error(),
		},
	})

	stamped, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) error {
		if o.Metadata == nil {
			o.Metadata = map[string]string{}
		}
		o.Metadata[metadataStockError] = fmt.Sprintf("%s: %s", direction, cause.Error())
		o.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		s.logger(ctx, "order.stock.flag.failed", map[string]any{
			"order_id": order.ID,
			"error":    err.Error(),
		})
		return order
	}
	return stamped
}

func (s *orderService) recordPaymentDeclined(ctx context.Context, orderID string, now time.Time, actor Actor) (domain.Order, error) {
	return s.orders.Mutate(ctx, orderID, func(o *domain.Order) error {
		if o.PaymentStatus == domain.PaymentStatusPaid {
			return nil
		}
		o.PaymentStatus = domain.PaymentStatusFailed
		o.StatusHistory = append(o.StatusHistory, domain.StatusChange{
			Status:  o.Status,
			At:      now,
			Actor:   strings.TrimSpace(actor.ID),
			Comment: "payment declined",
		})
		o.UpdatedAt = now
		return nil
	})
}

func (s *orderService) buildSubOrders(lines []CheckoutLine, items []domain.OrderLineItem, now time.Time, actor string) []domain.SubOrder {
	vendorNames := make(map[string]string, len(lines))
	for _, line := range lines {
		vendorNames[line.Vendor.ID] = line.Vendor.Name
	}

	groups := partitionByVendor(items)
	subOrders := make([]domain.SubOrder, 0, len(groups))
	for _, group := range groups {
		totals := totalLines(group)
		subOrders = append(subOrders, domain.SubOrder{
			ID:         s.nextSubOrderID(),
			VendorID:   group[0].VendorID,
			VendorName: vendorNames[group[0].VendorID],
			Items:      group,
			Subtotal:   totals.Subtotal,
			Total:      totals.Total,
			Status:     domain.StatusPending,
			StatusHistory: []domain.StatusChange{{
				Status:  domain.StatusPending,
				At:      now,
				Actor:   actor,
				Comment: "order received",
			}},
		})
	}
	return subOrders
}

func (s *orderService) subOrderEvent(eventType string, order domain.Order, sub domain.SubOrder, locale string, metadata map[string]string) OrderEvent {
	return OrderEvent{
		Type:        eventType,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		BuyerID:     order.BuyerID,
		VendorID:    sub.VendorID,
		SubOrderID:  sub.ID,
		Status:      string(sub.Status),
		Locale:      locale,
		Metadata:    metadata,
	}
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = eventIDPrefix + s.newID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":     event.Type,
			"order_id": event.OrderID,
			"error":    err.Error(),
		})
	}
}

func (s *orderService) recordAudit(ctx context.Context, actor Actor, action, orderID, severity string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      strings.TrimSpace(actor.ID),
		ActorType:  actorType(actor),
		Action:     action,
		TargetRef:  "orders/" + orderID,
		Severity:   severity,
		OccurredAt: s.now(),
		Metadata:   metadata,
	})
}

func (s *orderService) sanitizeRequiredText(input string) (string, error) {
	text, err := s.sanitizeOptionalText(input)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("%w: body is required", ErrOrderInvalidInput)
	}
	return text, nil
}

func (s *orderService) sanitizeOptionalText(input string) (string, error) {
	text := strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(input)))
	if len(text) > maxOrderNoteLength {
		return "", fmt.Errorf("%w: text exceeds %d characters", ErrOrderInvalidInput, maxOrderNoteLength)
	}
	return text, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) nextSubOrderID() string {
	return subOrderIDPrefix + s.newID()
}

func (s *orderService) nextNoteID() string {
	return noteIDPrefix + s.newID()
}

func authorizeBuyer(actor Actor, order domain.Order) error {
	if actor.HasRole(RoleAdmin) {
		return nil
	}
	actorID := strings.TrimSpace(actor.ID)
	if actorID == "" || order.BuyerID != actorID {
		return fmt.Errorf("%w: order %s", ErrOrderAccessDenied, order.ID)
	}
	return nil
}

func authorizeVendor(actor Actor, sub domain.SubOrder) error {
	if actor.HasRole(RoleAdmin) {
		return nil
	}
	if !actor.IsVendor() || sub.VendorID != actor.VendorID {
		return fmt.Errorf("%w: suborder %s", ErrOrderAccessDenied, sub.ID)
	}
	return nil
}

func actorType(actor Actor) string {
	switch {
	case actor.HasRole(RoleAdmin):
		return "admin"
	case actor.IsVendor():
		return "vendor"
	case strings.TrimSpace(actor.ID) == "" || actor.ID == "system":
		return "system"
	default:
		return "buyer"
	}
}

func findSubOrder(order *domain.Order, subOrderID string) *domain.SubOrder {
	for i := range order.SubOrders {
		if order.SubOrders[i].ID == subOrderID {
			return &order.SubOrders[i]
		}
	}
	return nil
}

func vendorOrderView(order domain.Order, sub domain.SubOrder) VendorOrderView {
	return VendorOrderView{
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		BuyerID:         order.BuyerID,
		Currency:        order.Currency,
		PlacedAt:        order.PlacedAt,
		ShippingAddress: order.ShippingAddress,
		SubOrder:        sub,
	}
}

func subOrderStatuses(order domain.Order) map[string]domain.SubOrderStatus {
	statuses := make(map[string]domain.SubOrderStatus, len(order.SubOrders))
	for _, sub := range order.SubOrders {
		statuses[sub.ID] = sub.Status
	}
	return statuses
}

func allDelivered(order domain.Order) bool {
	if len(order.SubOrders) == 0 {
		return false
	}
	for _, sub := range order.SubOrders {
		if sub.Status != domain.StatusDelivered {
			return false
		}
	}
	return true
}

func adjustmentsFor(orderID string, subOrders []domain.SubOrder, direction domain.AdjustmentDirection, now time.Time) []domain.StockAdjustment {
	var adjustments []domain.StockAdjustment
	for _, sub := range subOrders {
		for _, item := range sub.Items {
			adjustments = append(adjustments, domain.StockAdjustment{
				OrderID:    orderID,
				SubOrderID: sub.ID,
				ProductID:  item.ProductID,
				Quantity:   item.Quantity,
				Direction:  direction,
				AppliedAt:  now,
			})
		}
	}
	return adjustments
}

func parsePaymentMethod(method PaymentMethod) (domain.PaymentMethod, error) {
	switch domain.PaymentMethod(strings.ToLower(strings.TrimSpace(string(method)))) {
	case domain.PaymentMethodCard:
		return domain.PaymentMethodCard, nil
	case domain.PaymentMethodCashOnDelivery:
		return domain.PaymentMethodCashOnDelivery, nil
	default:
		return "", fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, method)
	}
}

func normalizeShippingAddress(addr Address) (domain.Address, error) {
	normalized := domain.Address{
		Recipient:  strings.TrimSpace(addr.Recipient),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      trimmedPtr(addr.Line2),
		City:       strings.TrimSpace(addr.City),
		State:      trimmedPtr(addr.State),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(addr.Country)),
		Phone:      trimmedPtr(addr.Phone),
	}
	switch {
	case normalized.Recipient == "":
		return domain.Address{}, fmt.Errorf("%w: shipping recipient is required", ErrOrderInvalidInput)
	case normalized.Line1 == "":
		return domain.Address{}, fmt.Errorf("%w: shipping address line is required", ErrOrderInvalidInput)
	case normalized.City == "":
		return domain.Address{}, fmt.Errorf("%w: shipping city is required", ErrOrderInvalidInput)
	case normalized.PostalCode == "":
		return domain.Address{}, fmt.Errorf("%w: shipping postal code is required", ErrOrderInvalidInput)
	case normalized.Country == "":
		return domain.Address{}, fmt.Errorf("%w: shipping country is required", ErrOrderInvalidInput)
	}
	return normalized, nil
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func cloneMetadata(metadata map[string]string) map[string]string {
	return textutil.NormalizeStringMap(metadata)
}

func eventComment(comment string) map[string]string {
	if comment == "" {
		return nil
	}
	return map[string]string{"comment": comment}
}
