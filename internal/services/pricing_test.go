package services

import (
	"testing"
	"time"

	domain "github.com/stallfront/api/internal/domain"
)

func promoProduct(unit, promo int64, start, end *time.Time) domain.Product {
	return domain.Product{
		ID:           "prd_01",
		VendorID:     "vnd_01",
		Name:         "Walnut Serving Board",
		Slug:         "walnut-serving-board",
		Active:       true,
		Currency:     "USD",
		UnitPrice:    unit,
		PromoPrice:   &promo,
		PromoStartAt: start,
		PromoEndAt:   end,
	}
}

func TestPromoPriceWindow(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
	product := promoProduct(5000, 4000, &start, &end)

	cases := map[string]struct {
		now  time.Time
		want *int64
	}{
		"before start":    {now: start.Add(-time.Second), want: nil},
		"at start":        {now: start, want: product.PromoPrice},
		"inside window":   {now: start.Add(72 * time.Hour), want: product.PromoPrice},
		"just before end": {now: end.Add(-time.Second), want: product.PromoPrice},
		"at end":          {now: end, want: nil},
		"after end":       {now: end.Add(time.Hour), want: nil},
	}

	for name, tc := range cases {
		got := promoPriceAt(product, tc.now)
		if (got == nil) != (tc.want == nil) {
			t.Errorf("%s: promoPriceAt = %v, want %v", name, got, tc.want)
			continue
		}
		if got != nil && *got != *tc.want {
			t.Errorf("%s: promoPriceAt = %d, want %d", name, *got, *tc.want)
		}
	}
}

func TestPromoPriceOpenEndedWindow(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	product := promoProduct(5000, 4000, nil, nil)
	if promo := promoPriceAt(product, now); promo == nil || *promo != 4000 {
		t.Fatalf("expected open window promo to apply, got %v", promo)
	}
}

func TestPromoPriceMustUndercutListPrice(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)

	equal := promoProduct(5000, 5000, nil, nil)
	if promo := promoPriceAt(equal, now); promo != nil {
		t.Fatalf("expected promo equal to list price ignored, got %v", promo)
	}

	higher := promoProduct(5000, 6000, nil, nil)
	if promo := promoPriceAt(higher, now); promo != nil {
		t.Fatalf("expected promo above list price ignored, got %v", promo)
	}
	if price := effectiveUnitPrice(higher, now); price != 5000 {
		t.Fatalf("expected list price effective, got %d", price)
	}

	none := higher
	none.PromoPrice = nil
	if promo := promoPriceAt(none, now); promo != nil {
		t.Fatalf("expected nil promo without promo price, got %v", promo)
	}
}

func TestSnapshotLineFreezesCatalogState(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	product := promoProduct(5000, 4000, nil, nil)

	item := snapshotLine(CheckoutLine{ProductID: product.ID, Quantity: 3, Product: product}, now)

	if item.ProductID != "prd_01" || item.VendorID != "vnd_01" {
		t.Fatalf("unexpected identifiers: %+v", item)
	}
	if item.Name != "Walnut Serving Board" || item.Slug != "walnut-serving-board" {
		t.Fatalf("expected name and slug snapshotted, got %+v", item)
	}
	if item.UnitPrice != 5000 {
		t.Fatalf("expected list price 5000, got %d", item.UnitPrice)
	}
	if item.PromoPrice == nil || *item.PromoPrice != 4000 {
		t.Fatalf("expected promo price 4000, got %v", item.PromoPrice)
	}
	if item.Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", item.Quantity)
	}
	if item.Subtotal != 12000 {
		t.Fatalf("expected line subtotal 3 x 4000, got %d", item.Subtotal)
	}

	// The snapshot must not alias the catalog promo pointer.
	*product.PromoPrice = 1
	if *item.PromoPrice != 4000 {
		t.Fatalf("expected snapshot isolated from catalog mutation, got %d", *item.PromoPrice)
	}
}

func TestSnapshotLineWithoutActivePromo(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	product := promoProduct(5000, 4000, nil, &past)

	item := snapshotLine(CheckoutLine{ProductID: product.ID, Quantity: 2, Product: product}, now)
	if item.PromoPrice != nil {
		t.Fatalf("expected nil promo for expired window, got %v", item.PromoPrice)
	}
	if item.Subtotal != 10000 {
		t.Fatalf("expected subtotal at list price, got %d", item.Subtotal)
	}
}

func TestPartitionByVendorKeepsFirstOccurrenceOrder(t *testing.T) {
	items := []domain.OrderLineItem{
		{ProductID: "p1", VendorID: "vnd_b"},
		{ProductID: "p2", VendorID: "vnd_a"},
		{ProductID: "p3", VendorID: "vnd_b"},
		{ProductID: "p4", VendorID: "vnd_c"},
		{ProductID: "p5", VendorID: "vnd_a"},
	}

	groups := partitionByVendor(items)
	if len(groups) != 3 {
		t.Fatalf("expected 3 vendor groups, got %d", len(groups))
	}
	if groups[0][0].VendorID != "vnd_b" || groups[1][0].VendorID != "vnd_a" || groups[2][0].VendorID != "vnd_c" {
		t.Fatalf("expected groups ordered by first occurrence, got %+v", groups)
	}
	if len(groups[0]) != 2 || groups[0][0].ProductID != "p1" || groups[0][1].ProductID != "p3" {
		t.Fatalf("expected vnd_b lines in cart order, got %+v", groups[0])
	}
	if len(groups[1]) != 2 || groups[1][0].ProductID != "p2" || groups[1][1].ProductID != "p5" {
		t.Fatalf("expected vnd_a lines in cart order, got %+v", groups[1])
	}
}

func TestTotalLinesInvariant(t *testing.T) {
	promo := int64(4000)
	items := []domain.OrderLineItem{
		{UnitPrice: 5000, PromoPrice: &promo, Quantity: 2, Subtotal: 8000},
		{UnitPrice: 1000, Quantity: 3, Subtotal: 3000},
	}

	totals := totalLines(items)
	if totals.Subtotal != 13000 {
		t.Fatalf("expected subtotal at list prices 13000, got %d", totals.Subtotal)
	}
	if totals.Total != 11000 {
		t.Fatalf("expected total 11000, got %d", totals.Total)
	}
	if totals.Savings != totals.Subtotal-totals.Total {
		t.Fatalf("expected savings to equal subtotal minus total, got %d", totals.Savings)
	}
}

func TestEstimateCartSkipsUnresolvedLines(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	products := map[string]domain.Product{
		"prd_01": promoProduct(5000, 4000, nil, nil),
	}
	lines := []domain.CartLine{
		{ProductID: "prd_01", Quantity: 2},
		{ProductID: "prd_gone", Quantity: 1},
		{ProductID: "prd_01", Quantity: 0},
	}

	estimate := estimateCart(lines, products, now)
	if estimate.Subtotal != 10000 || estimate.Total != 8000 || estimate.Savings != 2000 {
		t.Fatalf("unexpected estimate: %+v", estimate)
	}
}
