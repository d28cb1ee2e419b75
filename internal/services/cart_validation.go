package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Reason codes carried on rejected checkout lines.
const (
	// CartReasonProductInactive flags a product that is missing or deactivated.
	CartReasonProductInactive = "PRODUCT_INACTIVE"
	// CartReasonVendorInactive flags a vendor that is missing, deactivated, or not
	// yet approved.
	CartReasonVendorInactive = "VENDOR_INACTIVE"
	// CartReasonInsufficientStock flags a quantity the current stock cannot cover.
	CartReasonInsufficientStock = "INSUFFICIENT_STOCK"
)

// ErrCartEmpty rejects checkout of an empty cart before per-line validation runs.
var ErrCartEmpty = errors.New("cart service: cart is empty")

// InvalidCartLine explains why one cart line failed checkout validation. Available and
// Requested are populated for insufficient stock.
type InvalidCartLine struct {
	ProductID string
	Reason    string
	Detail    string
	Available int64
	Requested int64
}

// CartValidationError rejects checkout as a whole: every failing line is listed, no
// line was accepted, and nothing was mutated.
type CartValidationError struct {
	Lines []InvalidCartLine
}

func (e *CartValidationError) Error() string {
	return fmt.Sprintf("cart service: validation failed for %d line(s)", len(e.Lines))
}

// Code implements DomainError.
func (e *CartValidationError) Code() string { return "CART_INVALID" }

// SafeMessage implements DomainError.
func (e *CartValidationError) SafeMessage() string {
	if len(e.Lines) == 1 {
		return "1 cart line cannot be ordered"
	}
	return fmt.Sprintf("%d cart lines cannot be ordered", len(e.Lines))
}

// ValidateForCheckout checks every cart line against current product and vendor state.
// All-or-nothing: any failing line rejects the whole cart with a *CartValidationError
// and nothing is mutated. Malformed lines (non-positive quantity, duplicate product)
// are caller errors, not validation reasons.
func (s *cartService) ValidateForCheckout(ctx context.Context, buyerID string) (CheckoutValidation, error) {
	id := strings.TrimSpace(buyerID)
	if id == "" {
		return CheckoutValidation{}, fmt.Errorf("%w: buyer id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.FindByBuyer(ctx, id)
	if err != nil {
		if isRepoNotFound(err) {
			return CheckoutValidation{}, ErrCartEmpty
		}
		return CheckoutValidation{}, s.translateRepoError(err)
	}
	cart = s.normalizeCart(cart, id)
	if len(cart.Lines) == 0 {
		return CheckoutValidation{}, ErrCartEmpty
	}

	seen := make(map[string]struct{}, len(cart.Lines))
	productIDs := make([]string, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		pid := strings.TrimSpace(line.ProductID)
		if pid == "" || line.Quantity <= 0 {
			return CheckoutValidation{}, fmt.Errorf("%w: malformed cart line for product %q", ErrCartInvalidInput, line.ProductID)
		}
		if _, dup := seen[pid]; dup {
			return CheckoutValidation{}, fmt.Errorf("%w: duplicate cart line for product %s", ErrCartInvalidInput, pid)
		}
		seen[pid] = struct{}{}
		productIDs = append(productIDs, pid)
	}

	products, err := s.products.FindByIDs(ctx, productIDs)
	if err != nil {
		return CheckoutValidation{}, s.translateRepoError(err)
	}

	vendors, err := s.lookupVendors(ctx, products)
	if err != nil {
		return CheckoutValidation{}, err
	}

	invalid := make([]InvalidCartLine, 0)
	valid := make([]CheckoutLine, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		pid := strings.TrimSpace(line.ProductID)

		product, ok := products[pid]
		if !ok || !product.Active {
			invalid = append(invalid, InvalidCartLine{
				ProductID: pid,
				Reason:    CartReasonProductInactive,
				Detail:    "product is inactive or no longer exists",
			})
			continue
		}

		vendor, ok := vendors[product.VendorID]
		if !ok || !vendor.Active || !vendor.Approved {
			invalid = append(invalid, InvalidCartLine{
				ProductID: pid,
				Reason:    CartReasonVendorInactive,
				Detail:    "vendor is deactivated or not yet approved",
			})
			continue
		}

		if product.Stock < line.Quantity {
			invalid = append(invalid, InvalidCartLine{
				ProductID: pid,
				Reason:    CartReasonInsufficientStock,
				Detail:    fmt.Sprintf("requested %d, available %d", line.Quantity, product.Stock),
				Available: product.Stock,
				Requested: line.Quantity,
			})
			continue
		}

		valid = append(valid, CheckoutLine{
			ProductID: pid,
			Quantity:  line.Quantity,
			Product:   product,
			Vendor:    vendor,
		})
	}

	if len(invalid) > 0 {
		return CheckoutValidation{}, &CartValidationError{Lines: invalid}
	}
	return CheckoutValidation{Cart: cart, Lines: valid}, nil
}

func (s *cartService) lookupVendors(ctx context.Context, products map[string]Product) (map[string]Vendor, error) {
	if len(products) == 0 {
		return map[string]Vendor{}, nil
	}
	seen := make(map[string]struct{}, len(products))
	vendorIDs := make([]string, 0, len(products))
	for _, product := range products {
		vid := strings.TrimSpace(product.VendorID)
		if vid == "" {
			continue
		}
		if _, dup := seen[vid]; dup {
			continue
		}
		seen[vid] = struct{}{}
		vendorIDs = append(vendorIDs, vid)
	}
	vendors, err := s.vendors.FindByIDs(ctx, vendorIDs)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	return vendors, nil
}
