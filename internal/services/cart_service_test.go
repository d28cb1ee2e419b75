package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/stallfront/api/internal/domain"
)

type stubCartRepository struct {
	findFn  func(ctx context.Context, buyerID string) (domain.Cart, error)
	saveFn  func(ctx context.Context, cart domain.Cart, expected *time.Time) (domain.Cart, error)
	clearFn func(ctx context.Context, buyerID string, expected *time.Time) error

	saveCalls  int
	clearCalls int
}

func (s *stubCartRepository) FindByBuyer(ctx context.Context, buyerID string) (domain.Cart, error) {
	if s.findFn != nil {
		return s.findFn(ctx, buyerID)
	}
	return domain.Cart{}, &repositoryErrorStub{notFound: true}
}

func (s *stubCartRepository) Save(ctx context.Context, cart domain.Cart, expected *time.Time) (domain.Cart, error) {
	s.saveCalls++
	if s.saveFn != nil {
		return s.saveFn(ctx, cart, expected)
	}
	return cart, nil
}

func (s *stubCartRepository) Clear(ctx context.Context, buyerID string, expected *time.Time) error {
	s.clearCalls++
	if s.clearFn != nil {
		return s.clearFn(ctx, buyerID, expected)
	}
	return nil
}

type stubCartProducts struct {
	findFn    func(ctx context.Context, ids []string) (map[string]domain.Product, error)
	findCalls int
}

func (s *stubCartProducts) FindByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	s.findCalls++
	if s.findFn != nil {
		return s.findFn(ctx, ids)
	}
	return map[string]domain.Product{}, nil
}

func (s *stubCartProducts) AdjustStock(context.Context, []domain.StockAdjustment) error {
	return errors.New("unexpected AdjustStock call")
}

func (s *stubCartProducts) ApplyStockDelta(context.Context, string, int64) (domain.Product, error) {
	return domain.Product{}, errors.New("unexpected ApplyStockDelta call")
}

type stubCartVendors struct {
	findFn    func(ctx context.Context, ids []string) (map[string]domain.Vendor, error)
	findCalls int
}

func (s *stubCartVendors) FindByIDs(ctx context.Context, ids []string) (map[string]domain.Vendor, error) {
	s.findCalls++
	if s.findFn != nil {
		return s.findFn(ctx, ids)
	}
	return map[string]domain.Vendor{}, nil
}

type repositoryErrorStub struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repositoryErrorStub) Error() string {
	return "repository error"
}

func (e *repositoryErrorStub) IsNotFound() bool {
	return e.notFound
}

func (e *repositoryErrorStub) IsConflict() bool {
	return e.conflict
}

func (e *repositoryErrorStub) IsUnavailable() bool {
	return e.unavailable
}

func cartTestProduct(id, vendorID string, price, stock int64) domain.Product {
	return domain.Product{
		ID:        id,
		VendorID:  vendorID,
		Name:      "Product " + id,
		Slug:      "product-" + id,
		Active:    true,
		Currency:  "USD",
		UnitPrice: price,
		Stock:     stock,
	}
}

func newCartServiceForTest(t *testing.T, carts *stubCartRepository, products *stubCartProducts, vendors *stubCartVendors, now time.Time) CartService {
	t.Helper()
	svc, err := NewCartService(CartServiceDeps{
		Carts:           carts,
		Products:        products,
		Vendors:         vendors,
		Clock:           func() time.Time { return now },
		DefaultCurrency: "usd",
	})
	if err != nil {
		t.Fatalf("new cart service: %v", err)
	}
	return svc
}

func TestCartServiceGetReturnsExistingWithFreshEstimate(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	carts := &stubCartRepository{
		findFn: func(_ context.Context, buyerID string) (domain.Cart, error) {
			if buyerID != "usr_1" {
				t.Fatalf("unexpected buyer id %q", buyerID)
			}
			return domain.Cart{
				ID:      "usr_1",
				BuyerID: "usr_1",
				Lines: []domain.CartLine{
					{ProductID: "prd_01", Quantity: 2},
				},
				Currency:  "usd",
				UpdatedAt: now.Add(-time.Hour),
			}, nil
		},
	}
	products := &stubCartProducts{
		findFn: func(_ context.Context, ids []string) (map[string]domain.Product, error) {
			if len(ids) != 1 || ids[0] != "prd_01" {
				t.Fatalf("unexpected product lookup %v", ids)
			}
			return map[string]domain.Product{"prd_01": cartTestProduct("prd_01", "vnd_1", 1500, 10)}, nil
		},
	}

	svc := newCartServiceForTest(t, carts, products, &stubCartVendors{}, now)

	cart, err := svc.Get(context.Background(), " usr_1 ")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cart.Currency != "USD" {
		t.Fatalf("expected normalized currency USD, got %q", cart.Currency)
	}
	if cart.Estimate == nil || cart.Estimate.Total != 3000 {
		t.Fatalf("expected live estimate total 3000, got %+v", cart.Estimate)
	}
}

func TestCartServiceGetCreatesEmptyCartOnFirstAccess(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	var saved domain.Cart
	carts := &stubCartRepository{
		findFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{}, &repositoryErrorStub{notFound: true}
		},
		saveFn: func(_ context.Context, cart domain.Cart, expected *time.Time) (domain.Cart, error) {
			if expected != nil {
				t.Fatalf("expected no precondition on first save, got %v", expected)
			}
			saved = cart
			return cart, nil
		},
	}

	svc := newCartServiceForTest(t, carts, &stubCartProducts{}, &stubCartVendors{}, now)

	cart, err := svc.Get(context.Background(), "usr_new")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if saved.BuyerID != "usr_new" || saved.ID != "usr_new" {
		t.Fatalf("expected empty cart saved for buyer, got %+v", saved)
	}
	if len(cart.Lines) != 0 {
		t.Fatalf("expected no lines, got %d", len(cart.Lines))
	}
	if cart.Estimate == nil || cart.Estimate.Total != 0 {
		t.Fatalf("expected zero estimate, got %+v", cart.Estimate)
	}
}

func TestCartServiceGetRequiresBuyer(t *testing.T) {
	svc := newCartServiceForTest(t, &stubCartRepository{}, &stubCartProducts{}, &stubCartVendors{}, time.Now())
	if _, err := svc.Get(context.Background(), "   "); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCartServiceAddLineCreatesAndFixesCurrency(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	product := cartTestProduct("prd_01", "vnd_1", 1500, 10)
	product.Currency = "EUR"

	var saved domain.Cart
	carts := &stubCartRepository{
		findFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{}, &repositoryErrorStub{notFound: true}
		},
		saveFn: func(_ context.Context, cart domain.Cart, _ *time.Time) (domain.Cart, error) {
			saved = cart
			return cart, nil
		},
	}
	products := &stubCartProducts{
		findFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{"prd_01": product}, nil
		},
	}

	svc := newCartServiceForTest(t, carts, products, &stubCartVendors{}, now)

	cart, err := svc.AddLine(context.Background(), AddCartLineCommand{BuyerID: "usr_1", ProductID: "prd_01", Quantity: 2})
	if err != nil {
		t.Fatalf("add line: %v", err)
	}
	if saved.Currency != "EUR" {
		t.Fatalf("expected cart currency fixed to product currency, got %q", saved.Currency)
	}
	if len(saved.Lines) != 1 || saved.Lines[0].Quantity != 2 {
		t.Fatalf("expected one line with quantity 2, got %+v", saved.Lines)
	}
	if !saved.Lines[0].AddedAt.Equal(now) {
		t.Fatalf("expected line AddedAt stamped, got %v", saved.Lines[0].AddedAt)
	}
	if cart.Estimate == nil || cart.Estimate.Total != 3000 {
		t.Fatalf("expected estimate total 3000, got %+v", cart.Estimate)
	}
}

func TestCartServiceAddLineMergesExistingLine(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	var saved domain.Cart
	carts := &stubCartRepository{
		findFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{
				ID:      "usr_1",
				BuyerID: "usr_1",
				Lines: []domain.CartLine{
					{ProductID: "prd_01", Quantity: 2, AddedAt: now.Add(-time.Hour)},
				},
				Currency:  "USD",
				UpdatedAt: now.Add(-time.Hour),
			}, nil
		},
		saveFn: func(_ context.Context, cart domain.Cart, _ *time.Time) (domain.Cart, error) {
			saved = cart
			return cart, nil
		},
	}
	products := &stubCartProducts{
		findFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{"prd_01": cartTestProduct("prd_01", "vnd_1", 1500, 10)}, nil
		},
	}

	svc := newCartServiceForTest(t, carts, products, &stubCartVendors{}, now)

	if _, err := svc.AddLine(context.Background(), AddCartLineCommand{BuyerID: "usr_1", ProductID: "prd_01", Quantity: 3}); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if len(saved.Lines) != 1 {
		t.Fatalf("expected merged line, got %d lines", len(saved.Lines))
	}
	if saved.Lines[0].Quantity != 5 {
		t.Fatalf("expected merged quantity 5, got %d", saved.Lines[0].Quantity)
	}
}

func TestCartServiceAddLineRejectsCurrencyMismatch(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	product := cartTestProduct("prd_02", "vnd_1", 900, 5)
	product.Currency = "EUR"

	carts := &stubCartRepository{
		findFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{
				ID:        "usr_1",
				BuyerID:   "usr_1",
				Lines:     []domain.CartLine{{ProductID: "prd_01", Quantity: 1}},
				Currency:  "USD",
				UpdatedAt: now,
			}, nil
		},
	}
	products := &stubCartProducts{
		findFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{"prd_02": product}, nil
		},
	}

	svc := newCartServiceForTest(t, carts, products, &stubCartVendors{}, now)

	_, err := svc.AddLine(context.Background(), AddCartLineCommand{BuyerID: "usr_1", ProductID: "prd_02", Quantity: 1})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for currency mismatch, got %v", err)
	}
	if carts.saveCalls != 0 {
		t.Fatalf("expected no save on rejection, got %d", carts.saveCalls)
	}
}

func TestCartServiceAddLineRejectsInactiveProduct(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	inactive := cartTestProduct("prd_01", "vnd_1", 1500, 10)
	inactive.Active = false

	products := &stubCartProducts{
		findFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{"prd_01": inactive}, nil
		},
	}

	svc := newCartServiceForTest(t, &stubCartRepository{}, products, &stubCartVendors{}, now)

	_, err := svc.AddLine(context.Background(), AddCartLineCommand{BuyerID: "usr_1", ProductID: "prd_01", Quantity: 1})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for inactive product, got %v", err)
	}
}

func TestCartServiceAddLineEnforcesQuantityCap(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	carts := &stubCartRepository{
		findFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{
				ID:        "usr_1",
				BuyerID:   "usr_1",
				Lines:     []domain.CartLine{{ProductID: "prd_01", Quantity: 998}},
				Currency:  "USD",
				UpdatedAt: now,
			}, nil
		},
	}
	products := &stubCartProducts{
		findFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{"prd_01": cartTestProduct("prd_01", "vnd_1", 1500, 10)}, nil
		},
	}

	svc := newCartServiceForTest(t, carts, products, &stubCartVendors{}, now)

	_, err := svc.AddLine(context.Background(), AddCartLineCommand{BuyerID: "usr_1", ProductID: "prd_01", Quantity: 2})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input above quantity cap, got %v", err)
	}
}

func TestCartServiceUpdateLine(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	var saved domain.Cart
	carts := &stubCartRepository{
		findFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{
				ID:        "usr_1",
				BuyerID:   "usr_1",
				Lines:     []domain.CartLine{{ProductID: "prd_01", Quantity: 2}},
				Currency:  "USD",
				UpdatedAt: now.Add(-time.Hour),
			}, nil
		},
		saveFn: func(_ context.Context, cart domain.Cart, _ *time.Time) (domain.Cart, error) {
			saved = cart
			return cart, nil
		},
	}
	products := &stubCartProducts{
		findFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{"prd_01": cartTestProduct("prd_01", "vnd_1", 1500, 10)}, nil
		},
	}

	svc := newCartServiceForTest(t, carts, products, &stubCartVendors{}, now)

	if _, err := svc.UpdateLine(context.Background(), UpdateCartLineCommand{BuyerID: "usr_1", ProductID: "prd_01", Quantity: 7}); err != nil {
		t.Fatalf("update line: %v", err)
	}
	if saved.Lines[0].Quantity != 7 {
		t.Fatalf("expected quantity 7, got %d", saved.Lines[0].Quantity)
	}
	if !saved.UpdatedAt.Equal(now) {
		t.Fatalf("expected UpdatedAt bumped to now, got %v", saved.UpdatedAt)
	}

	_, err := svc.UpdateLine(context.Background(), UpdateCartLineCommand{BuyerID: "usr_1", ProductID: "prd_missing", Quantity: 1})
	if !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected not found for missing line, got %v", err)
	}
}

func TestCartServiceRemoveLineAndConflict(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	carts := &stubCartRepository{
		findFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{
				ID:      "usr_1",
				BuyerID: "usr_1",
				Lines: []domain.CartLine{
					{ProductID: "prd_01", Quantity: 2},
					{ProductID: "prd_02", Quantity: 1},
				},
				Currency:  "USD",
				UpdatedAt: now.Add(-time.Hour),
			}, nil
		},
		saveFn: func(_ context.Context, cart domain.Cart, _ *time.Time) (domain.Cart, error) {
			if len(cart.Lines) != 1 || cart.Lines[0].ProductID != "prd_02" {
				t.Fatalf("expected prd_01 removed, got %+v", cart.Lines)
			}
			return domain.Cart{}, &repositoryErrorStub{conflict: true}
		},
	}

	svc := newCartServiceForTest(t, carts, &stubCartProducts{}, &stubCartVendors{}, now)

	_, err := svc.RemoveLine(context.Background(), RemoveCartLineCommand{BuyerID: "usr_1", ProductID: "prd_01"})
	if !errors.Is(err, ErrCartConflict) {
		t.Fatalf("expected conflict from concurrent update, got %v", err)
	}
}

func TestCartServiceClearIsIdempotent(t *testing.T) {
	carts := &stubCartRepository{
		clearFn: func(_ context.Context, buyerID string, expected *time.Time) error {
			if buyerID != "usr_1" {
				t.Fatalf("unexpected buyer id %q", buyerID)
			}
			if expected != nil {
				t.Fatalf("expected no precondition, got %v", expected)
			}
			return nil
		},
	}

	svc := newCartServiceForTest(t, carts, &stubCartProducts{}, &stubCartVendors{}, time.Now())

	if err := svc.Clear(context.Background(), "usr_1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := svc.Clear(context.Background(), " "); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for blank buyer, got %v", err)
	}
}

func TestValidateForCheckoutEmptyCart(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)

	missing := &stubCartRepository{
		findFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{}, &repositoryErrorStub{notFound: true}
		},
	}
	svc := newCartServiceForTest(t, missing, &stubCartProducts{}, &stubCartVendors{}, now)
	if _, err := svc.ValidateForCheckout(context.Background(), "usr_1"); !errors.Is(err, ErrCartEmpty) {
		t.Fatalf("expected empty cart error for missing cart, got %v", err)
	}

	empty := &stubCartRepository{
		findFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{ID: "usr_1", BuyerID: "usr_1", Currency: "USD", UpdatedAt: now}, nil
		},
	}
	svc = newCartServiceForTest(t, empty, &stubCartProducts{}, &stubCartVendors{}, now)
	if _, err := svc.ValidateForCheckout(context.Background(), "usr_1"); !errors.Is(err, ErrCartEmpty) {
		t.Fatalf("expected empty cart error for zero lines, got %v", err)
	}
}

func TestValidateForCheckoutRejectsEveryFailingLine(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)

	inactiveVendorProduct := cartTestProduct("prd_02", "vnd_inactive", 800, 50)
	lowStockProduct := cartTestProduct("prd_03", "vnd_ok", 1200, 1)
	okProduct := cartTestProduct("prd_04", "vnd_ok", 500, 50)

	carts := &stubCartRepository{
		findFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{
				ID:      "usr_1",
				BuyerID: "usr_1",
				Lines: []domain.CartLine{
					{ProductID: "prd_01", Quantity: 1},
					{ProductID: "prd_02", Quantity: 2},
					{ProductID: "prd_03", Quantity: 3},
					{ProductID: "prd_04", Quantity: 4},
				},
				Currency:  "USD",
				UpdatedAt: now,
			}, nil
		},
	}
	products := &stubCartProducts{
		findFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{
				// prd_01 is absent: deleted from the catalog.
				"prd_02": inactiveVendorProduct,
				"prd_03": lowStockProduct,
				"prd_04": okProduct,
			}, nil
		},
	}
	vendors := &stubCartVendors{
		findFn: func(context.Context, []string) (map[string]domain.Vendor, error) {
			return map[string]domain.Vendor{
				"vnd_inactive": {ID: "vnd_inactive", Active: false, Approved: true},
				"vnd_ok":       {ID: "vnd_ok", Active: true, Approved: true},
			}, nil
		},
	}

	svc := newCartServiceForTest(t, carts, products, vendors, now)

	_, err := svc.ValidateForCheckout(context.Background(), "usr_1")
	var validationErr *CartValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected cart validation error, got %v", err)
	}
	if len(validationErr.Lines) != 3 {
		t.Fatalf("expected 3 rejected lines, got %d", len(validationErr.Lines))
	}

	byProduct := map[string]InvalidCartLine{}
	for _, line := range validationErr.Lines {
		byProduct[line.ProductID] = line
	}
	if byProduct["prd_01"].Reason != CartReasonProductInactive {
		t.Fatalf("expected prd_01 product inactive, got %+v", byProduct["prd_01"])
	}
	if byProduct["prd_02"].Reason != CartReasonVendorInactive {
		t.Fatalf("expected prd_02 vendor inactive, got %+v", byProduct["prd_02"])
	}
	stockLine := byProduct["prd_03"]
	if stockLine.Reason != CartReasonInsufficientStock {
		t.Fatalf("expected prd_03 insufficient stock, got %+v", stockLine)
	}
	if stockLine.Available != 1 || stockLine.Requested != 3 {
		t.Fatalf("expected available 1 requested 3, got %+v", stockLine)
	}

	if carts.saveCalls != 0 || carts.clearCalls != 0 {
		t.Fatalf("expected validation to be read-only, got %d saves %d clears", carts.saveCalls, carts.clearCalls)
	}
}

func TestValidateForCheckoutRejectsUnapprovedVendor(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	product := cartTestProduct("prd_01", "vnd_pending", 800, 50)

	carts := &stubCartRepository{
		findFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{
				ID:        "usr_1",
				BuyerID:   "usr_1",
				Lines:     []domain.CartLine{{ProductID: "prd_01", Quantity: 1}},
				Currency:  "USD",
				UpdatedAt: now,
			}, nil
		},
	}
	products := &stubCartProducts{
		findFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{"prd_01": product}, nil
		},
	}
	vendors := &stubCartVendors{
		findFn: func(context.Context, []string) (map[string]domain.Vendor, error) {
			return map[string]domain.Vendor{
				"vnd_pending": {ID: "vnd_pending", Active: true, Approved: false},
			}, nil
		},
	}

	svc := newCartServiceForTest(t, carts, products, vendors, now)

	_, err := svc.ValidateForCheckout(context.Background(), "usr_1")
	var validationErr *CartValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected cart validation error, got %v", err)
	}
	if len(validationErr.Lines) != 1 || validationErr.Lines[0].Reason != CartReasonVendorInactive {
		t.Fatalf("expected vendor inactive reason, got %+v", validationErr.Lines)
	}
}

func TestValidateForCheckoutReturnsSnapshotBundle(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	first := cartTestProduct("prd_01", "vnd_a", 1500, 10)
	second := cartTestProduct("prd_02", "vnd_b", 700, 4)

	carts := &stubCartRepository{
		findFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{
				ID:      "usr_1",
				BuyerID: "usr_1",
				Lines: []domain.CartLine{
					{ProductID: "prd_01", Quantity: 2},
					{ProductID: "prd_02", Quantity: 4},
				},
				Currency:  "USD",
				UpdatedAt: now.Add(-time.Minute),
			}, nil
		},
	}
	products := &stubCartProducts{
		findFn: func(context.Context, []string) (map[string]domain.Product, error) {
			return map[string]domain.Product{"prd_01": first, "prd_02": second}, nil
		},
	}
	vendors := &stubCartVendors{
		findFn: func(_ context.Context, ids []string) (map[string]domain.Vendor, error) {
			if len(ids) != 2 {
				t.Fatalf("expected deduplicated vendor lookup, got %v", ids)
			}
			return map[string]domain.Vendor{
				"vnd_a": {ID: "vnd_a", Name: "Atelier A", Active: true, Approved: true},
				"vnd_b": {ID: "vnd_b", Name: "Boutique B", Active: true, Approved: true},
			}, nil
		},
	}

	svc := newCartServiceForTest(t, carts, products, vendors, now)

	validation, err := svc.ValidateForCheckout(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(validation.Lines) != 2 {
		t.Fatalf("expected 2 validated lines, got %d", len(validation.Lines))
	}
	if validation.Lines[0].ProductID != "prd_01" || validation.Lines[1].ProductID != "prd_02" {
		t.Fatalf("expected lines in cart order, got %+v", validation.Lines)
	}
	if validation.Lines[0].Product.UnitPrice != 1500 || validation.Lines[0].Vendor.Name != "Atelier A" {
		t.Fatalf("expected product and vendor snapshots, got %+v", validation.Lines[0])
	}
	if validation.Cart.BuyerID != "usr_1" {
		t.Fatalf("expected cart returned with validation, got %+v", validation.Cart)
	}
}

func TestValidateForCheckoutRejectsDuplicateLines(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	carts := &stubCartRepository{
		findFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{
				ID:      "usr_1",
				BuyerID: "usr_1",
				Lines: []domain.CartLine{
					{ProductID: "prd_01", Quantity: 1},
					{ProductID: "prd_01", Quantity: 2},
				},
				Currency:  "USD",
				UpdatedAt: now,
			}, nil
		},
	}

	svc := newCartServiceForTest(t, carts, &stubCartProducts{}, &stubCartVendors{}, now)

	if _, err := svc.ValidateForCheckout(context.Background(), "usr_1"); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for duplicate lines, got %v", err)
	}
}
