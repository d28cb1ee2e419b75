package services

import (
	"time"

	domain "github.com/stallfront/api/internal/domain"
)

// promoPriceAt returns the promotional price only while its window is open at now and
// it strictly undercuts the list price, else nil. The window is inclusive of the start
// and exclusive of the end; a missing bound leaves that side open.
func promoPriceAt(product domain.Product, now time.Time) *int64 {
	if product.PromoPrice == nil {
		return nil
	}
	if *product.PromoPrice >= product.UnitPrice {
		return nil
	}
	if product.PromoStartAt != nil && now.Before(*product.PromoStartAt) {
		return nil
	}
	if product.PromoEndAt != nil && !now.Before(*product.PromoEndAt) {
		return nil
	}
	value := *product.PromoPrice
	return &value
}

// effectiveUnitPrice is the price one unit actually costs at now: the active promo
// price when there is one, otherwise the list price.
func effectiveUnitPrice(product domain.Product, now time.Time) int64 {
	if promo := promoPriceAt(product, now); promo != nil {
		return *promo
	}
	return product.UnitPrice
}

// snapshotLine freezes one validated cart line into an immutable order line item.
// Later catalog changes never touch the snapshot.
func snapshotLine(line CheckoutLine, now time.Time) domain.OrderLineItem {
	effective := effectiveUnitPrice(line.Product, now)
	return domain.OrderLineItem{
		ProductID:  line.Product.ID,
		VendorID:   line.Product.VendorID,
		Name:       line.Product.Name,
		Slug:       line.Product.Slug,
		UnitPrice:  line.Product.UnitPrice,
		PromoPrice: promoPriceAt(line.Product, now),
		Quantity:   line.Quantity,
		Subtotal:   effective * line.Quantity,
	}
}

// partitionByVendor groups line items into per-vendor buckets ordered by each vendor's
// first occurrence in the line sequence. Line order inside a bucket is preserved, so
// the partition is reproducible.
func partitionByVendor(items []domain.OrderLineItem) [][]domain.OrderLineItem {
	index := make(map[string]int, len(items))
	groups := make([][]domain.OrderLineItem, 0, len(items))
	for _, item := range items {
		pos, ok := index[item.VendorID]
		if !ok {
			pos = len(groups)
			index[item.VendorID] = pos
			groups = append(groups, nil)
		}
		groups[pos] = append(groups[pos], item)
	}
	return groups
}

// lineTotals aggregates list and effective amounts over a set of line items. Subtotal
// sums list prices, Total sums the snapshotted line subtotals, and Savings is the gap.
type lineTotals struct {
	Subtotal int64
	Total    int64
	Savings  int64
}

func totalLines(items []domain.OrderLineItem) lineTotals {
	var totals lineTotals
	for _, item := range items {
		totals.Subtotal += item.UnitPrice * item.Quantity
		totals.Total += item.Subtotal
	}
	totals.Savings = totals.Subtotal - totals.Total
	return totals
}

// estimateCart previews cart totals with the same pricing rules order assembly uses.
// Lines whose product cannot be resolved are skipped rather than failing the preview;
// checkout validation is where missing products become errors.
func estimateCart(lines []domain.CartLine, products map[string]domain.Product, now time.Time) domain.CartEstimate {
	var estimate domain.CartEstimate
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		product, ok := products[line.ProductID]
		if !ok {
			continue
		}
		estimate.Subtotal += product.UnitPrice * line.Quantity
		estimate.Total += effectiveUnitPrice(product, now) * line.Quantity
	}
	estimate.Savings = estimate.Subtotal - estimate.Total
	return estimate
}
