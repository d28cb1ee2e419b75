package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/stallfront/api/internal/domain"
	"github.com/stallfront/api/internal/platform/auth"
	"github.com/stallfront/api/internal/platform/httpx"
	"github.com/stallfront/api/internal/services"
)

// OrderHandlers exposes the buyer-facing order endpoints: placement from the cart,
// listing, detail, cancellation, reception confirmation, payment, and notes.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
	limiter     rateLimiter
}

// OrderOption customises the order handlers before construction.
type OrderOption func(*OrderHandlers)

// WithOrderIdempotency wraps order placement with the provided idempotency middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithOrderRateLimit throttles order placement to limit requests per buyer per window.
func WithOrderRateLimit(limit int, window time.Duration) OrderOption {
	return func(h *OrderHandlers) {
		h.limiter = newFixedWindowLimiter(limit, window, nil)
	}
}

const (
	maxOrderBodySize = 32 * 1024
	maxNoteBodySize  = 8 * 1024
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

// NewOrderHandlers constructs handlers enforcing Firebase authentication before
// invoking the order service.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes wires the /orders endpoints onto the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleBuyer))
	}
	if h.idempotency != nil {
		r.With(h.idempotency).Post("/", h.placeOrder)
	} else {
		r.Post("/", h.placeOrder)
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:confirm-reception", h.confirmReception)
	r.Post("/{orderID}:pay", h.payOrder)
	r.Post("/{orderID}/notes", h.addOrderNote)
}

type placeOrderRequest struct {
	ShippingAddress       *orderAddressRequest `json:"shipping_address"`
	PaymentMethod         string               `json:"payment_method"`
	ExpectedCartUpdatedAt string               `json:"expected_cart_updated_at"`
	Metadata              map[string]string    `json:"metadata"`
}

type orderAddressRequest struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2"`
	City       string  `json:"city"`
	State      *string `json:"state"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone"`
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	if h.limiter != nil {
		if allowed, retryAfter := h.limiter.Allow(identity.UID); !allowed {
			seconds := int64(retryAfter/time.Second) + 1
			w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many order attempts; retry later", http.StatusTooManyRequests))
			return
		}
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req placeOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if req.ShippingAddress == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping_address is required", http.StatusBadRequest))
		return
	}

	cmd := services.PlaceOrderCommand{
		Actor:           actorFromIdentity(identity),
		ShippingAddress: addressFromRequest(*req.ShippingAddress),
		PaymentMethod:   domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		Metadata:        req.Metadata,
	}
	if raw := strings.TrimSpace(req.ExpectedCartUpdatedAt); raw != "" {
		expected, parseErr := parseTimeParam(raw)
		if parseErr != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_cart_updated_at "+parseErr.Error(), http.StatusBadRequest))
			return
		}
		cmd.ExpectedCartUpdatedAt = &expected
	}

	order, err := h.orders.PlaceFromCart(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	cmd := services.ListOrdersCommand{Actor: actorFromIdentity(identity)}

	statuses, err := parseStatusFilter(r.URL.Query()["status"])
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	cmd.Status = statuses

	dateRange, err := parseDateRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	cmd.DateRange = dateRange

	pagination, err := parsePaginationParams(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	cmd.Pagination = pagination

	page, err := h.orders.ListOrders(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payload := orderListResponse{
		Orders:        make([]orderPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		payload.Orders = append(payload.Orders, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		Actor:   actorFromIdentity(identity),
		OrderID: orderID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type cancelOrderRequest struct {
	Comment string `json:"comment"`
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	// The comment is optional, so an empty body is accepted.
	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxNoteBodySize)
	switch {
	case err == nil:
		if unmarshalErr := json.Unmarshal(body, &req); unmarshalErr != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
	default:
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		Actor:   actorFromIdentity(identity),
		OrderID: orderID,
		Comment: strings.TrimSpace(req.Comment),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) confirmReception(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.ConfirmReception(ctx, services.ConfirmReceptionCommand{
		Actor:   actorFromIdentity(identity),
		OrderID: orderID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type payOrderRequest struct {
	PaymentToken string `json:"payment_token"`
}

func (h *OrderHandlers) payOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxNoteBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req payOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Pay(ctx, services.PayOrderCommand{
		Actor:        actorFromIdentity(identity),
		OrderID:      orderID,
		PaymentToken: strings.TrimSpace(req.PaymentToken),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type orderNoteRequest struct {
	Body string `json:"body"`
}

func (h *OrderHandlers) addOrderNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxNoteBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req orderNoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	order, err := h.orders.AddNote(ctx, services.AddOrderNoteCommand{
		Actor:   actorFromIdentity(identity),
		OrderID: orderID,
		Body:    req.Body,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

// writeOrderError translates order service failures into the HTTP error envelope.
// Domain codes follow the SCREAMING_SNAKE vocabulary; infrastructure codes stay lower_snake.
func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var cartInvalid *services.CartValidationError
	var cancelNotAllowed *services.CancellationNotAllowedError
	var paymentNotEligible *services.PaymentNotEligibleError
	var invalidTransition *services.InvalidTransitionError
	var stockInconsistent *services.StockInconsistencyError

	switch {
	case errors.As(err, &cartInvalid):
		httpx.WriteError(ctx, w, httpx.NewError(cartInvalid.Code(), cartInvalid.SafeMessage(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"lines": buildInvalidCartLines(cartInvalid.Lines)}))
	case errors.Is(err, services.ErrCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("CART_EMPTY", "cart is empty", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", "cart not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderAccessDenied):
		httpx.WriteError(ctx, w, httpx.NewError("access_denied", "you do not have access to this order", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.As(err, &cancelNotAllowed):
		httpx.WriteError(ctx, w, httpx.NewError(cancelNotAllowed.Code(), cancelNotAllowed.SafeMessage(), http.StatusConflict))
	case errors.As(err, &paymentNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError(paymentNotEligible.Code(), paymentNotEligible.SafeMessage(), http.StatusConflict).
			WithDetails(map[string]any{"sub_order_statuses": buildSubOrderStatuses(paymentNotEligible.Statuses)}))
	case errors.As(err, &invalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError(invalidTransition.Code(), invalidTransition.SafeMessage(), http.StatusConflict))
	case errors.Is(err, services.ErrAlreadyPaid):
		httpx.WriteError(ctx, w, httpx.NewError("ALREADY_PAID", "order is already paid", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentDeclined):
		httpx.WriteError(ctx, w, httpx.NewError("PAYMENT_DECLINED", "payment was declined", http.StatusPaymentRequired))
	case errors.Is(err, services.ErrReceptionAlreadyConfirmed):
		httpx.WriteError(ctx, w, httpx.NewError("ALREADY_CONFIRMED", "reception has already been confirmed", http.StatusConflict))
	case errors.Is(err, services.ErrReceptionNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("RECEPTION_NOT_ELIGIBLE", "order has not been delivered yet", http.StatusConflict))
	case errors.As(err, &stockInconsistent):
		httpx.WriteError(ctx, w, httpx.NewError(stockInconsistent.Code(), stockInconsistent.SafeMessage(), http.StatusInternalServerError))
	case errors.Is(err, services.ErrStockInconsistent):
		httpx.WriteError(ctx, w, httpx.NewError("STOCK_INCONSISTENT", "stock adjustment could not be completed", http.StatusInternalServerError))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently; retry", http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable), errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process order", http.StatusInternalServerError))
	}
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderPayload struct {
	ID                   string                 `json:"id"`
	OrderNumber          string                 `json:"order_number"`
	BuyerID              string                 `json:"buyer_id"`
	Currency             string                 `json:"currency"`
	Status               string                 `json:"status"`
	ShippingAddress      addressPayload         `json:"shipping_address"`
	LineItems            []orderLineItemPayload `json:"line_items"`
	SubOrders            []subOrderPayload      `json:"sub_orders"`
	Subtotal             int64                  `json:"subtotal"`
	Total                int64                  `json:"total"`
	Savings              int64                  `json:"savings,omitempty"`
	StatusHistory        []statusChangePayload  `json:"status_history,omitempty"`
	PaymentMethod        string                 `json:"payment_method"`
	PaymentStatus        string                 `json:"payment_status"`
	PaymentRef           string                 `json:"payment_ref,omitempty"`
	PaidAt               string                 `json:"paid_at,omitempty"`
	ReceptionConfirmedAt string                 `json:"reception_confirmed_at,omitempty"`
	Notes                []notePayload          `json:"notes,omitempty"`
	Metadata             map[string]string      `json:"metadata,omitempty"`
	PlacedAt             string                 `json:"placed_at"`
	ShippedAt            string                 `json:"shipped_at,omitempty"`
	DeliveredAt          string                 `json:"delivered_at,omitempty"`
	CancelledAt          string                 `json:"cancelled_at,omitempty"`
	CreatedAt            string                 `json:"created_at,omitempty"`
	UpdatedAt            string                 `json:"updated_at,omitempty"`
}

type orderLineItemPayload struct {
	ProductID  string `json:"product_id"`
	VendorID   string `json:"vendor_id"`
	Name       string `json:"name"`
	Slug       string `json:"slug,omitempty"`
	UnitPrice  int64  `json:"unit_price"`
	PromoPrice *int64 `json:"promo_price,omitempty"`
	Quantity   int64  `json:"quantity"`
	Subtotal   int64  `json:"subtotal"`
}

type subOrderPayload struct {
	ID            string                 `json:"id"`
	VendorID      string                 `json:"vendor_id"`
	VendorName    string                 `json:"vendor_name,omitempty"`
	Items         []orderLineItemPayload `json:"items"`
	Subtotal      int64                  `json:"subtotal"`
	Total         int64                  `json:"total"`
	Status        string                 `json:"status"`
	StatusHistory []statusChangePayload  `json:"status_history,omitempty"`
	Notes         []notePayload          `json:"notes,omitempty"`
}

type statusChangePayload struct {
	Status  string `json:"status"`
	At      string `json:"at"`
	Actor   string `json:"actor,omitempty"`
	Comment string `json:"comment,omitempty"`
}

type notePayload struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at,omitempty"`
}

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

// buildOrderPayload renders the buyer view of an order. SubOrder notes are vendor
// working notes and never appear in buyer payloads.
func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              strings.TrimSpace(order.ID),
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		BuyerID:         strings.TrimSpace(order.BuyerID),
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		Status:          string(order.Status),
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		LineItems:       buildLineItemPayloads(order.LineItems),
		SubOrders:       buildSubOrderPayloads(order.SubOrders, false),
		Subtotal:        order.Subtotal,
		Total:           order.Total,
		Savings:         order.Savings,
		StatusHistory:   buildStatusChangePayloads(order.StatusHistory),
		PaymentMethod:   string(order.PaymentMethod),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentRef:      strings.TrimSpace(order.PaymentRef),
		Notes:           buildNotePayloads(order.Notes),
		Metadata:        cloneStringMap(order.Metadata),
		PlacedAt:        formatTime(order.PlacedAt),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}
	if order.PaidAt != nil {
		payload.PaidAt = formatTime(*order.PaidAt)
	}
	if order.ReceptionConfirmedAt != nil {
		payload.ReceptionConfirmedAt = formatTime(*order.ReceptionConfirmedAt)
	}
	if order.ShippedAt != nil {
		payload.ShippedAt = formatTime(*order.ShippedAt)
	}
	if order.DeliveredAt != nil {
		payload.DeliveredAt = formatTime(*order.DeliveredAt)
	}
	if order.CancelledAt != nil {
		payload.CancelledAt = formatTime(*order.CancelledAt)
	}
	return payload
}

func buildLineItemPayloads(items []domain.OrderLineItem) []orderLineItemPayload {
	if len(items) == 0 {
		return []orderLineItemPayload{}
	}
	payload := make([]orderLineItemPayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, orderLineItemPayload{
			ProductID:  item.ProductID,
			VendorID:   item.VendorID,
			Name:       item.Name,
			Slug:       item.Slug,
			UnitPrice:  item.UnitPrice,
			PromoPrice: item.PromoPrice,
			Quantity:   item.Quantity,
			Subtotal:   item.Subtotal,
		})
	}
	return payload
}

func buildSubOrderPayloads(subOrders []domain.SubOrder, includeNotes bool) []subOrderPayload {
	if len(subOrders) == 0 {
		return []subOrderPayload{}
	}
	payload := make([]subOrderPayload, 0, len(subOrders))
	for _, sub := range subOrders {
		payload = append(payload, buildSubOrderPayload(sub, includeNotes))
	}
	return payload
}

func buildSubOrderPayload(sub domain.SubOrder, includeNotes bool) subOrderPayload {
	entry := subOrderPayload{
		ID:            sub.ID,
		VendorID:      sub.VendorID,
		VendorName:    sub.VendorName,
		Items:         buildLineItemPayloads(sub.Items),
		Subtotal:      sub.Subtotal,
		Total:         sub.Total,
		Status:        string(sub.Status),
		StatusHistory: buildStatusChangePayloads(sub.StatusHistory),
	}
	if includeNotes {
		entry.Notes = buildNotePayloads(sub.Notes)
	}
	return entry
}

func buildStatusChangePayloads(history []domain.StatusChange) []statusChangePayload {
	if len(history) == 0 {
		return nil
	}
	payload := make([]statusChangePayload, 0, len(history))
	for _, change := range history {
		payload = append(payload, statusChangePayload{
			Status:  string(change.Status),
			At:      formatTime(change.At),
			Actor:   change.Actor,
			Comment: change.Comment,
		})
	}
	return payload
}

func buildNotePayloads(notes []domain.Note) []notePayload {
	if len(notes) == 0 {
		return nil
	}
	payload := make([]notePayload, 0, len(notes))
	for _, note := range notes {
		payload = append(payload, notePayload{
			ID:        note.ID,
			Author:    note.Author,
			Body:      note.Body,
			CreatedAt: formatTime(note.CreatedAt),
		})
	}
	return payload
}

func buildAddressPayload(addr domain.Address) addressPayload {
	return addressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      cloneStringPointer(addr.Line2),
		City:       addr.City,
		State:      cloneStringPointer(addr.State),
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      cloneStringPointer(addr.Phone),
	}
}

// buildSubOrderStatuses flattens the payment gate's status map so clients can
// show which vendors have not delivered yet.
func buildSubOrderStatuses(statuses map[string]domain.SubOrderStatus) map[string]string {
	out := make(map[string]string, len(statuses))
	for id, status := range statuses {
		out[id] = string(status)
	}
	return out
}

func buildInvalidCartLines(lines []services.InvalidCartLine) []map[string]any {
	payload := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		entry := map[string]any{
			"product_id": line.ProductID,
			"reason":     line.Reason,
		}
		if line.Detail != "" {
			entry["detail"] = line.Detail
		}
		if line.Reason == services.CartReasonInsufficientStock {
			entry["available"] = line.Available
			entry["requested"] = line.Requested
		}
		payload = append(payload, entry)
	}
	return payload
}

func actorFromIdentity(identity auth.Identity) services.Actor {
	return services.Actor{
		ID:       identity.UID,
		VendorID: identity.VendorID,
		Roles:    identity.Roles,
		Locale:   identity.Locale,
	}
}

func addressFromRequest(req orderAddressRequest) domain.Address {
	return domain.Address{
		Recipient:  strings.TrimSpace(req.Recipient),
		Line1:      strings.TrimSpace(req.Line1),
		Line2:      cloneStringPointer(req.Line2),
		City:       strings.TrimSpace(req.City),
		State:      cloneStringPointer(req.State),
		PostalCode: strings.TrimSpace(req.PostalCode),
		Country:    strings.TrimSpace(req.Country),
		Phone:      cloneStringPointer(req.Phone),
	}
}

func parseStatusFilter(values []string) ([]domain.SubOrderStatus, error) {
	raw := parseFilterValues(values)
	if len(raw) == 0 {
		return nil, nil
	}
	statuses := make([]domain.SubOrderStatus, 0, len(raw))
	for _, value := range raw {
		status, err := services.ParseSubOrderStatus(value)
		if err != nil {
			return nil, fmt.Errorf("status %q is not recognised", value)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func parseDateRange(from, to string) (domain.RangeQuery[time.Time], error) {
	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(from); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return dateRange, fmt.Errorf("from %s", err.Error())
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(to); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return dateRange, fmt.Errorf("to %s", err.Error())
		}
		dateRange.To = &ts
	}
	if dateRange.From != nil && dateRange.To != nil && dateRange.To.Before(*dateRange.From) {
		return dateRange, errors.New("to must not be before from")
	}
	return dateRange, nil
}

func parsePaginationParams(r *http.Request) (domain.Pagination, error) {
	var pagination domain.Pagination
	if raw := strings.TrimSpace(r.URL.Query().Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return pagination, errors.New("pageSize must be a positive integer")
		}
		pagination.PageSize = size
	}
	pagination.PageToken = strings.TrimSpace(r.URL.Query().Get("pageToken"))
	return pagination, nil
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxOrderBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	filters := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.ToLower(strings.TrimSpace(part))
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			filters = append(filters, trimmed)
		}
	}
	return filters
}

func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("must be RFC3339 timestamp")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func cloneStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	copy := *value
	return &copy
}

func cloneStringMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}
