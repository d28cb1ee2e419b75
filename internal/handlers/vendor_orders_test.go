package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/stallfront/api/internal/domain"
	"github.com/stallfront/api/internal/platform/auth"
	"github.com/stallfront/api/internal/services"
)

func vendorContext(req *http.Request, uid, vendorID string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{
		UID:      uid,
		Roles:    []string{auth.RoleVendor},
		VendorID: vendorID,
	}))
}

func sampleVendorView(now time.Time) services.VendorOrderView {
	order := sampleOrder(now)
	return services.VendorOrderView{
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		BuyerID:         order.BuyerID,
		Currency:        order.Currency,
		PlacedAt:        order.PlacedAt,
		ShippingAddress: order.ShippingAddress,
		SubOrder:        order.SubOrders[0],
	}
}

func TestVendorOrderHandlersListOrders(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	var captured services.ListVendorOrdersCommand
	service := &stubOrderService{
		listVendorOrdersFn: func(ctx context.Context, cmd services.ListVendorOrdersCommand) (domain.CursorPage[services.VendorOrderView], error) {
			captured = cmd
			return domain.CursorPage[services.VendorOrderView]{
				Items:         []services.VendorOrderView{sampleVendorView(now)},
				NextPageToken: "tok-vendor",
			}, nil
		},
	}

	handler := NewVendorOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/vendor/orders", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/vendor/orders?status=pending&pageSize=25", nil)
	req = vendorContext(req, "staff-1", "vnd_maple")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.Actor.ID != "staff-1" || captured.Actor.VendorID != "vnd_maple" {
		t.Fatalf("unexpected actor: %#v", captured.Actor)
	}
	if len(captured.Status) != 1 || captured.Status[0] != domain.StatusPending {
		t.Fatalf("unexpected status filter: %#v", captured.Status)
	}
	if captured.Pagination.PageSize != 25 {
		t.Fatalf("unexpected pagination: %#v", captured.Pagination)
	}

	var resp vendorOrderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(resp.Orders))
	}
	if resp.Orders[0].OrderID != "ord_01HTZXK9" || resp.Orders[0].SubOrder.ID != "sub_01HTZXKA" {
		t.Fatalf("unexpected vendor payload: %#v", resp.Orders[0])
	}
	if len(resp.Orders[0].SubOrder.Notes) != 1 || resp.Orders[0].SubOrder.Notes[0].Body != "engraving jig ready" {
		t.Fatalf("expected vendor working notes in vendor payload: %#v", resp.Orders[0].SubOrder.Notes)
	}
	if resp.NextPageToken != "tok-vendor" {
		t.Fatalf("expected next page token tok-vendor, got %s", resp.NextPageToken)
	}
}

func TestVendorOrderHandlersGetOrderAccessDenied(t *testing.T) {
	service := &stubOrderService{
		getVendorFn: func(ctx context.Context, cmd services.GetVendorOrderCommand) (services.VendorOrderView, error) {
			return services.VendorOrderView{}, services.ErrOrderAccessDenied
		},
	}

	handler := NewVendorOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/vendor/orders", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/vendor/orders/ord_01HTZXK9", nil)
	req = vendorContext(req, "staff-1", "vnd_other")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestVendorOrderHandlersGetOrderScopesPayload(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	service := &stubOrderService{
		getVendorFn: func(ctx context.Context, cmd services.GetVendorOrderCommand) (services.VendorOrderView, error) {
			if cmd.OrderID != "ord_01HTZXK9" {
				t.Fatalf("unexpected order id %q", cmd.OrderID)
			}
			return sampleVendorView(now), nil
		},
	}

	handler := NewVendorOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/vendor/orders", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/vendor/orders/ord_01HTZXK9", nil)
	req = vendorContext(req, "staff-1", "vnd_maple")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp vendorOrderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.Currency != "USD" {
		t.Fatalf("expected currency uppercased, got %s", resp.Order.Currency)
	}
	if resp.Order.SubOrder.VendorID != "vnd_maple" {
		t.Fatalf("unexpected suborder: %#v", resp.Order.SubOrder)
	}
	if resp.Order.ShippingAddress.Recipient != "Dana Osei" {
		t.Fatalf("expected shipping address in vendor payload: %#v", resp.Order.ShippingAddress)
	}
}

func TestVendorOrderHandlersTransitionSubOrder(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	var captured services.TransitionSubOrderCommand
	service := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.TransitionSubOrderCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(now)
			order.SubOrders[0].Status = domain.StatusConfirmed
			return order, nil
		},
	}

	handler := NewVendorOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/vendor/orders", handler.Routes)

	body := `{"target":"confirmed","comment":"stock reserved"}`
	req := httptest.NewRequest(http.MethodPost, "/vendor/orders/ord_01HTZXK9/suborders/sub_01HTZXKA:transition", strings.NewReader(body))
	req = vendorContext(req, "staff-1", "vnd_maple")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.OrderID != "ord_01HTZXK9" || captured.SubOrderID != "sub_01HTZXKA" {
		t.Fatalf("unexpected transition command: %#v", captured)
	}
	if captured.Target != domain.StatusConfirmed || captured.Comment != "stock reserved" {
		t.Fatalf("unexpected target or comment: %#v", captured)
	}

	var resp vendorOrderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.SubOrder.ID != "sub_01HTZXKA" || resp.Order.SubOrder.Status != "confirmed" {
		t.Fatalf("unexpected suborder in response: %#v", resp.Order.SubOrder)
	}
}

func TestVendorOrderHandlersTransitionRejectsUnknownTarget(t *testing.T) {
	handler := NewVendorOrderHandlers(nil, &stubOrderService{})
	router := chi.NewRouter()
	router.Route("/vendor/orders", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/vendor/orders/ord_01HTZXK9/suborders/sub_01HTZXKA:transition", strings.NewReader(`{"target":"melted"}`))
	req = vendorContext(req, "staff-1", "vnd_maple")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestVendorOrderHandlersTransitionInvalid(t *testing.T) {
	service := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.TransitionSubOrderCommand) (services.Order, error) {
			return services.Order{}, &services.InvalidTransitionError{
				From:    domain.StatusDelivered,
				To:      domain.StatusPreparing,
				Allowed: nil,
			}
		},
	}

	handler := NewVendorOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/vendor/orders", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/vendor/orders/ord_01HTZXK9/suborders/sub_01HTZXKA:transition", strings.NewReader(`{"target":"preparing"}`))
	req = vendorContext(req, "staff-1", "vnd_maple")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.Error != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION, got %s", payload.Error)
	}
}

func TestVendorOrderHandlersAddSubOrderNote(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	var captured services.AddSubOrderNoteCommand
	service := &stubOrderService{
		addSubNoteFn: func(ctx context.Context, cmd services.AddSubOrderNoteCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(now), nil
		},
	}

	handler := NewVendorOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/vendor/orders", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/vendor/orders/ord_01HTZXK9/suborders/sub_01HTZXKA/notes", strings.NewReader(`{"body":"packed and labelled"}`))
	req = vendorContext(req, "staff-1", "vnd_maple")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.SubOrderID != "sub_01HTZXKA" || captured.Body != "packed and labelled" {
		t.Fatalf("unexpected note command: %#v", captured)
	}
}

func TestVendorOrderHandlersUnauthenticated(t *testing.T) {
	handler := NewVendorOrderHandlers(nil, &stubOrderService{})
	router := chi.NewRouter()
	router.Route("/vendor/orders", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/vendor/orders", nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
