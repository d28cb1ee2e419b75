package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/stallfront/api/internal/domain"
	"github.com/stallfront/api/internal/repositories"
)

var (
	// ErrCartInvalidInput indicates the caller supplied invalid cart input.
	ErrCartInvalidInput = errors.New("cart service: invalid input")
	// ErrCartNotFound indicates the cart or the requested line does not exist.
	ErrCartNotFound = errors.New("cart service: not found")
	// ErrCartConflict indicates the cart changed concurrently since it was read.
	ErrCartConflict = errors.New("cart service: conflict")
	// ErrCartUnavailable indicates the cart backend cannot fulfil the request.
	ErrCartUnavailable = errors.New("cart service: unavailable")
)

const maxCartLineQuantity = 999

// CartServiceDeps wires the repositories and defaults for cart operations.
type CartServiceDeps struct {
	Carts           repositories.CartRepository
	Products        repositories.ProductRepository
	Vendors         repositories.VendorRepository
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts    repositories.CartRepository
	products repositories.ProductRepository
	vendors  repositories.VendorRepository
	now      func() time.Time
	currency string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewCartService constructs a CartService after validating its dependencies.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}
	if deps.Vendors == nil {
		return nil, errors.New("cart service: vendor repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "USD"
	}

	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		vendors:  deps.Vendors,
		now:      func() time.Time { return clock().UTC() },
		currency: currency,
		logger:   logger,
	}, nil
}

// Get loads the buyer's cart, creating an empty one on first access, and attaches a
// live totals estimate.
func (s *cartService) Get(ctx context.Context, buyerID string) (Cart, error) {
	id := strings.TrimSpace(buyerID)
	if id == "" {
		return Cart{}, fmt.Errorf("%w: buyer id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.FindByBuyer(ctx, id)
	if err != nil {
		if !isRepoNotFound(err) {
			return Cart{}, s.translateRepoError(err)
		}
		saved, err := s.carts.Save(ctx, s.newCart(id), nil)
		if err != nil {
			return Cart{}, s.translateRepoError(err)
		}
		cart = saved
	}

	cart = s.normalizeCart(cart, id)
	s.attachEstimate(ctx, &cart)
	return cart, nil
}

// AddLine adds quantity of a product to the cart, merging with an existing line for
// the same product. The first line fixes the cart currency to the product's.
func (s *cartService) AddLine(ctx context.Context, cmd AddCartLineCommand) (Cart, error) {
	buyerID := strings.TrimSpace(cmd.BuyerID)
	productID := strings.TrimSpace(cmd.ProductID)
	if buyerID == "" {
		return Cart{}, fmt.Errorf("%w: buyer id is required", ErrCartInvalidInput)
	}
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be greater than zero", ErrCartInvalidInput)
	}

	product, err := s.lookupActiveProduct(ctx, productID)
	if err != nil {
		return Cart{}, err
	}

	cart, err := s.carts.FindByBuyer(ctx, buyerID)
	if err != nil {
		if !isRepoNotFound(err) {
			return Cart{}, s.translateRepoError(err)
		}
		cart = s.newCart(buyerID)
	}
	cart = s.normalizeCart(cart, buyerID)

	if len(cart.Lines) == 0 {
		cart.Currency = strings.ToUpper(strings.TrimSpace(product.Currency))
	} else if !strings.EqualFold(cart.Currency, product.Currency) {
		return Cart{}, fmt.Errorf("%w: product currency %s does not match cart currency %s", ErrCartInvalidInput, product.Currency, cart.Currency)
	}

	now := s.now()
	if idx := indexOfCartLine(cart.Lines, productID); idx >= 0 {
		if cart.Lines[idx].Quantity+cmd.Quantity > maxCartLineQuantity {
			return Cart{}, fmt.Errorf("%w: quantity exceeds %d per product", ErrCartInvalidInput, maxCartLineQuantity)
		}
		cart.Lines[idx].Quantity += cmd.Quantity
	} else {
		if cmd.Quantity > maxCartLineQuantity {
			return Cart{}, fmt.Errorf("%w: quantity exceeds %d per product", ErrCartInvalidInput, maxCartLineQuantity)
		}
		cart.Lines = append(cart.Lines, domain.CartLine{
			ProductID: productID,
			Quantity:  cmd.Quantity,
			AddedAt:   now,
		})
	}
	cart.UpdatedAt = now

	return s.saveCart(ctx, cart, cmd.ExpectedUpdatedAt)
}

// UpdateLine replaces the quantity of an existing line.
func (s *cartService) UpdateLine(ctx context.Context, cmd UpdateCartLineCommand) (Cart, error) {
	buyerID := strings.TrimSpace(cmd.BuyerID)
	productID := strings.TrimSpace(cmd.ProductID)
	if buyerID == "" || productID == "" {
		return Cart{}, fmt.Errorf("%w: buyer id and product id are required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be greater than zero", ErrCartInvalidInput)
	}
	if cmd.Quantity > maxCartLineQuantity {
		return Cart{}, fmt.Errorf("%w: quantity exceeds %d per product", ErrCartInvalidInput, maxCartLineQuantity)
	}

	cart, err := s.carts.FindByBuyer(ctx, buyerID)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, ErrCartNotFound
		}
		return Cart{}, s.translateRepoError(err)
	}
	cart = s.normalizeCart(cart, buyerID)

	idx := indexOfCartLine(cart.Lines, productID)
	if idx < 0 {
		return Cart{}, fmt.Errorf("%w: no cart line for product %s", ErrCartNotFound, productID)
	}
	cart.Lines[idx].Quantity = cmd.Quantity
	cart.UpdatedAt = s.now()

	return s.saveCart(ctx, cart, cmd.ExpectedUpdatedAt)
}

// RemoveLine deletes a line from the cart.
func (s *cartService) RemoveLine(ctx context.Context, cmd RemoveCartLineCommand) (Cart, error) {
	buyerID := strings.TrimSpace(cmd.BuyerID)
	productID := strings.TrimSpace(cmd.ProductID)
	if buyerID == "" || productID == "" {
		return Cart{}, fmt.Errorf("%w: buyer id and product id are required", ErrCartInvalidInput)
	}

	cart, err := s.carts.FindByBuyer(ctx, buyerID)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, ErrCartNotFound
		}
		return Cart{}, s.translateRepoError(err)
	}
	cart = s.normalizeCart(cart, buyerID)

	idx := indexOfCartLine(cart.Lines, productID)
	if idx < 0 {
		return Cart{}, fmt.Errorf("%w: no cart line for product %s", ErrCartNotFound, productID)
	}
	cart.Lines = append(cart.Lines[:idx], cart.Lines[idx+1:]...)
	cart.UpdatedAt = s.now()

	return s.saveCart(ctx, cart, cmd.ExpectedUpdatedAt)
}

// Clear removes the buyer's cart. A missing cart is not an error so that post-checkout
// clearing stays idempotent.
func (s *cartService) Clear(ctx context.Context, buyerID string) error {
	id := strings.TrimSpace(buyerID)
	if id == "" {
		return fmt.Errorf("%w: buyer id is required", ErrCartInvalidInput)
	}
	if err := s.carts.Clear(ctx, id, nil); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

func (s *cartService) saveCart(ctx context.Context, cart domain.Cart, expected *time.Time) (Cart, error) {
	saved, err := s.carts.Save(ctx, cart, normalizeExpectedTime(expected))
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	saved = s.normalizeCart(saved, cart.BuyerID)
	s.attachEstimate(ctx, &saved)
	return saved, nil
}

func (s *cartService) newCart(buyerID string) domain.Cart {
	now := s.now()
	return domain.Cart{
		ID:        buyerID,
		BuyerID:   buyerID,
		Currency:  s.currency,
		Lines:     []domain.CartLine{},
		Metadata:  map[string]string{},
		UpdatedAt: now,
	}
}

func (s *cartService) normalizeCart(cart domain.Cart, buyerID string) domain.Cart {
	if strings.TrimSpace(cart.ID) == "" {
		cart.ID = buyerID
	}
	if strings.TrimSpace(cart.BuyerID) == "" {
		cart.BuyerID = buyerID
	}
	cart.Currency = strings.ToUpper(strings.TrimSpace(cart.Currency))
	if cart.Currency == "" {
		cart.Currency = s.currency
	}
	if cart.Lines == nil {
		cart.Lines = []domain.CartLine{}
	}
	if cart.Metadata == nil {
		cart.Metadata = map[string]string{}
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = s.now()
	}
	return cart
}

// attachEstimate previews totals with current catalog pricing. A failed catalog read
// degrades to whatever estimate was persisted instead of failing the cart operation.
func (s *cartService) attachEstimate(ctx context.Context, cart *domain.Cart) {
	if len(cart.Lines) == 0 {
		estimate := domain.CartEstimate{}
		cart.Estimate = &estimate
		return
	}
	products, err := s.products.FindByIDs(ctx, collectLineProductIDs(cart.Lines))
	if err != nil {
		s.logger(ctx, "cart.estimate_failed", map[string]any{
			"buyerId": cart.BuyerID,
			"error":   err.Error(),
		})
		return
	}
	estimate := estimateCart(cart.Lines, products, s.now())
	cart.Estimate = &estimate
}

func (s *cartService) lookupActiveProduct(ctx context.Context, productID string) (domain.Product, error) {
	products, err := s.products.FindByIDs(ctx, []string{productID})
	if err != nil {
		return domain.Product{}, s.translateRepoError(err)
	}
	product, ok := products[productID]
	if !ok || !product.Active {
		return domain.Product{}, fmt.Errorf("%w: product %s is not available", ErrCartInvalidInput, productID)
	}
	return product, nil
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCartNotFound
		case repoErr.IsConflict():
			return ErrCartConflict
		}
		return ErrCartUnavailable
	}
	return ErrCartUnavailable
}

func indexOfCartLine(lines []domain.CartLine, productID string) int {
	for i, line := range lines {
		if strings.EqualFold(strings.TrimSpace(line.ProductID), productID) {
			return i
		}
	}
	return -1
}

func collectLineProductIDs(lines []domain.CartLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if id := strings.TrimSpace(line.ProductID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func normalizeExpectedTime(expected *time.Time) *time.Time {
	if expected == nil || expected.IsZero() {
		return nil
	}
	ts := expected.UTC()
	return &ts
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
