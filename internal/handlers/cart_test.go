package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stallfront/api/internal/services"
)

type stubCartService struct {
	getFn        func(context.Context, string) (services.Cart, error)
	addLineFn    func(context.Context, services.AddCartLineCommand) (services.Cart, error)
	updateLineFn func(context.Context, services.UpdateCartLineCommand) (services.Cart, error)
	removeLineFn func(context.Context, services.RemoveCartLineCommand) (services.Cart, error)
	clearFn      func(context.Context, string) error
	validateFn   func(context.Context, string) (services.CheckoutValidation, error)
}

func (s *stubCartService) Get(ctx context.Context, buyerID string) (services.Cart, error) {
	if s.getFn != nil {
		return s.getFn(ctx, buyerID)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) AddLine(ctx context.Context, cmd services.AddCartLineCommand) (services.Cart, error) {
	if s.addLineFn != nil {
		return s.addLineFn(ctx, cmd)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) UpdateLine(ctx context.Context, cmd services.UpdateCartLineCommand) (services.Cart, error) {
	if s.updateLineFn != nil {
		return s.updateLineFn(ctx, cmd)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) RemoveLine(ctx context.Context, cmd services.RemoveCartLineCommand) (services.Cart, error) {
	if s.removeLineFn != nil {
		return s.removeLineFn(ctx, cmd)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) Clear(ctx context.Context, buyerID string) error {
	if s.clearFn != nil {
		return s.clearFn(ctx, buyerID)
	}
	return errors.New("not implemented")
}

func (s *stubCartService) ValidateForCheckout(ctx context.Context, buyerID string) (services.CheckoutValidation, error) {
	if s.validateFn != nil {
		return s.validateFn(ctx, buyerID)
	}
	return services.CheckoutValidation{}, errors.New("not implemented")
}

var _ services.CartService = (*stubCartService)(nil)

func sampleCart(now time.Time) services.Cart {
	return services.Cart{
		ID:       "cart_buyer-1",
		BuyerID:  "buyer-1",
		Currency: "usd",
		Lines: []services.CartLine{
			{ProductID: "prd_board", Quantity: 2, AddedAt: now.Add(-time.Hour)},
			{ProductID: "prd_knife", Quantity: 1, AddedAt: now.Add(-30 * time.Minute)},
		},
		Estimate: &services.CartEstimate{
			Subtotal: 13500,
			Total:    12900,
			Savings:  600,
		},
		UpdatedAt: now,
	}
}

func TestCartHandlersGetCartSuccess(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	service := &stubCartService{
		getFn: func(ctx context.Context, buyerID string) (services.Cart, error) {
			if buyerID != "buyer-1" {
				t.Fatalf("unexpected buyer id %q", buyerID)
			}
			return sampleCart(now), nil
		},
	}

	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	req = buyerContext(req, "buyer-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp cartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Cart.ID != "cart_buyer-1" || resp.Cart.BuyerID != "buyer-1" {
		t.Fatalf("unexpected cart payload: %#v", resp.Cart)
	}
	if resp.Cart.Currency != "USD" {
		t.Fatalf("expected currency uppercased, got %s", resp.Cart.Currency)
	}
	if resp.Cart.LinesCount != 2 || len(resp.Cart.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %#v", resp.Cart)
	}
	if resp.Cart.Estimate == nil || resp.Cart.Estimate.Total != 12900 || resp.Cart.Estimate.Savings != 600 {
		t.Fatalf("unexpected estimate: %#v", resp.Cart.Estimate)
	}

	if cc := rr.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Fatalf("expected no-store cache control, got %q", cc)
	}
	if lm := rr.Header().Get("Last-Modified"); lm != now.Format(http.TimeFormat) {
		t.Fatalf("expected Last-Modified %q, got %q", now.Format(http.TimeFormat), lm)
	}
	if etag := rr.Header().Get("ETag"); !strings.HasPrefix(etag, `W/"`) {
		t.Fatalf("expected weak etag, got %q", etag)
	}
}

func TestCartHandlersGetCartUnauthenticated(t *testing.T) {
	handler := NewCartHandlers(nil, &stubCartService{})
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/cart", nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCartHandlersAddItemSuccess(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	expectedVersion := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	var captured services.AddCartLineCommand
	service := &stubCartService{
		addLineFn: func(ctx context.Context, cmd services.AddCartLineCommand) (services.Cart, error) {
			captured = cmd
			return sampleCart(now), nil
		},
	}

	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	body := `{"product_id":"prd_board","quantity":2,"expected_updated_at":"2025-03-14T09:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/cart/items", strings.NewReader(body))
	req = buyerContext(req, "buyer-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.BuyerID != "buyer-1" || captured.ProductID != "prd_board" || captured.Quantity != 2 {
		t.Fatalf("unexpected add command: %#v", captured)
	}
	if captured.ExpectedUpdatedAt == nil || !captured.ExpectedUpdatedAt.Equal(expectedVersion) {
		t.Fatalf("expected version %s, got %#v", expectedVersion, captured.ExpectedUpdatedAt)
	}
}

func TestCartHandlersAddItemVersionFromHeader(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	headerVersion := time.Date(2025, 3, 14, 8, 45, 0, 0, time.UTC)

	var captured services.AddCartLineCommand
	service := &stubCartService{
		addLineFn: func(ctx context.Context, cmd services.AddCartLineCommand) (services.Cart, error) {
			captured = cmd
			return sampleCart(now), nil
		},
	}

	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/cart/items", strings.NewReader(`{"product_id":"prd_board","quantity":1}`))
	req.Header.Set("If-Unmodified-Since", headerVersion.Format(http.TimeFormat))
	req = buyerContext(req, "buyer-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ExpectedUpdatedAt == nil || !captured.ExpectedUpdatedAt.Equal(headerVersion) {
		t.Fatalf("expected header version %s, got %#v", headerVersion, captured.ExpectedUpdatedAt)
	}
}

func TestCartHandlersAddItemRejectsBadHeader(t *testing.T) {
	handler := NewCartHandlers(nil, &stubCartService{})
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/cart/items", strings.NewReader(`{"product_id":"prd_board","quantity":1}`))
	req.Header.Set("If-Unmodified-Since", "not-a-date")
	req = buyerContext(req, "buyer-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCartHandlersUpdateItemConflict(t *testing.T) {
	service := &stubCartService{
		updateLineFn: func(ctx context.Context, cmd services.UpdateCartLineCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCartConflict
		},
	}

	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := httptest.NewRequest(http.MethodPatch, "/cart/items/prd_board", strings.NewReader(`{"quantity":5}`))
	req = buyerContext(req, "buyer-1")

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
	if payload.Error != "cart_conflict" {
		t.Fatalf("expected cart_conflict, got %s", payload.Error)
	}
}

func TestCartHandlersUpdateItemUsesURLProduct(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	var captured services.UpdateCartLineCommand
	service := &stubCartService{
		updateLineFn: func(ctx context.Context, cmd services.UpdateCartLineCommand) (services.Cart, error) {
			captured = cmd
			return sampleCart(now), nil
		},
	}

	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := httptest.NewRequest(http.MethodPatch, "/cart/items/prd_knife", strings.NewReader(`{"quantity":3}`))
	req = buyerContext(req, "buyer-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ProductID != "prd_knife" || captured.Quantity != 3 {
		t.Fatalf("unexpected update command: %#v", captured)
	}
}

func TestCartHandlersRemoveItemSuccess(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	headerVersion := time.Date(2025, 3, 14, 9, 15, 0, 0, time.UTC)

	var captured services.RemoveCartLineCommand
	service := &stubCartService{
		removeLineFn: func(ctx context.Context, cmd services.RemoveCartLineCommand) (services.Cart, error) {
			captured = cmd
			return sampleCart(now), nil
		},
	}

	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := httptest.NewRequest(http.MethodDelete, "/cart/items/prd_board", nil)
	req.Header.Set("If-Unmodified-Since", headerVersion.Format(http.TimeFormat))
	req = buyerContext(req, "buyer-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.BuyerID != "buyer-1" || captured.ProductID != "prd_board" {
		t.Fatalf("unexpected remove command: %#v", captured)
	}
	if captured.ExpectedUpdatedAt == nil || !captured.ExpectedUpdatedAt.Equal(headerVersion) {
		t.Fatalf("expected header version %s, got %#v", headerVersion, captured.ExpectedUpdatedAt)
	}
}

func TestCartHandlersRemoveItemNotFound(t *testing.T) {
	service := &stubCartService{
		removeLineFn: func(ctx context.Context, cmd services.RemoveCartLineCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCartNotFound
		},
	}

	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := httptest.NewRequest(http.MethodDelete, "/cart/items/prd_missing", nil)
	req = buyerContext(req, "buyer-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestCartHandlersServiceUnavailable(t *testing.T) {
	handler := NewCartHandlers(nil, nil)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	req = buyerContext(req, "buyer-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
