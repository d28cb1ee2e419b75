package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stallfront/api/internal/platform/auth"
	"github.com/stallfront/api/internal/platform/httpx"
	"github.com/stallfront/api/internal/services"
)

// VendorOrderHandlers exposes the vendor fulfillment surface. Every payload is scoped
// to the acting vendor's own SubOrder; buyer notes, order totals, and other vendors'
// SubOrders never appear here.
type VendorOrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewVendorOrderHandlers constructs handlers enforcing vendor-role authentication
// before invoking the order service.
func NewVendorOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *VendorOrderHandlers {
	return &VendorOrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes wires the /vendor/orders endpoints onto the provided router.
func (h *VendorOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleVendor))
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/suborders/{subOrderID}:transition", h.transitionSubOrder)
	r.Post("/{orderID}/suborders/{subOrderID}/notes", h.addSubOrderNote)
}

func (h *VendorOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
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

	cmd := services.ListVendorOrdersCommand{Actor: actorFromIdentity(identity)}

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

	page, err := h.orders.ListVendorOrders(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payload := vendorOrderListResponse{
		Orders:        make([]vendorOrderPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, view := range page.Items {
		payload.Orders = append(payload.Orders, buildVendorOrderPayload(view))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *VendorOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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

	view, err := h.orders.GetVendorOrder(ctx, services.GetVendorOrderCommand{
		Actor:   actorFromIdentity(identity),
		OrderID: orderID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, vendorOrderResponse{Order: buildVendorOrderPayload(view)})
}

type transitionSubOrderRequest struct {
	Target  string `json:"target"`
	Comment string `json:"comment"`
}

func (h *VendorOrderHandlers) transitionSubOrder(w http.ResponseWriter, r *http.Request) {
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
	subOrderID := strings.TrimSpace(chi.URLParam(r, "subOrderID"))
	if orderID == "" || subOrderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id and suborder id are required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxNoteBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req transitionSubOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	target, err := services.ParseSubOrderStatus(req.Target)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "target status is not recognised", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionSubOrder(ctx, services.TransitionSubOrderCommand{
		Actor:      actorFromIdentity(identity),
		OrderID:    orderID,
		SubOrderID: subOrderID,
		Target:     target,
		Comment:    strings.TrimSpace(req.Comment),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	h.writeVendorView(w, order, subOrderID)
}

func (h *VendorOrderHandlers) addSubOrderNote(w http.ResponseWriter, r *http.Request) {
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
	subOrderID := strings.TrimSpace(chi.URLParam(r, "subOrderID"))
	if orderID == "" || subOrderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id and suborder id are required", http.StatusBadRequest))
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

	order, err := h.orders.AddSubOrderNote(ctx, services.AddSubOrderNoteCommand{
		Actor:      actorFromIdentity(identity),
		OrderID:    orderID,
		SubOrderID: subOrderID,
		Body:       req.Body,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	h.writeVendorView(w, order, subOrderID)
}

// writeVendorView renders the mutated order back through the vendor-scoped
// projection so the response never leaks beyond the vendor's SubOrder.
func (h *VendorOrderHandlers) writeVendorView(w http.ResponseWriter, order services.Order, subOrderID string) {
	view := services.VendorOrderView{
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		BuyerID:         order.BuyerID,
		Currency:        order.Currency,
		PlacedAt:        order.PlacedAt,
		ShippingAddress: order.ShippingAddress,
	}
	for _, sub := range order.SubOrders {
		if sub.ID == subOrderID {
			view.SubOrder = sub
			break
		}
	}
	writeJSONResponse(w, http.StatusOK, vendorOrderResponse{Order: buildVendorOrderPayload(view)})
}

type vendorOrderResponse struct {
	Order vendorOrderPayload `json:"order"`
}

type vendorOrderListResponse struct {
	Orders        []vendorOrderPayload `json:"orders"`
	NextPageToken string               `json:"next_page_token,omitempty"`
}

type vendorOrderPayload struct {
	OrderID         string          `json:"order_id"`
	OrderNumber     string          `json:"order_number"`
	BuyerID         string          `json:"buyer_id"`
	Currency        string          `json:"currency"`
	PlacedAt        string          `json:"placed_at"`
	ShippingAddress addressPayload  `json:"shipping_address"`
	SubOrder        subOrderPayload `json:"sub_order"`
}

func buildVendorOrderPayload(view services.VendorOrderView) vendorOrderPayload {
	return vendorOrderPayload{
		OrderID:         strings.TrimSpace(view.OrderID),
		OrderNumber:     strings.TrimSpace(view.OrderNumber),
		BuyerID:         strings.TrimSpace(view.BuyerID),
		Currency:        strings.ToUpper(strings.TrimSpace(view.Currency)),
		PlacedAt:        formatTime(view.PlacedAt),
		ShippingAddress: buildAddressPayload(view.ShippingAddress),
		SubOrder:        buildSubOrderPayload(view.SubOrder, true),
	}
}
