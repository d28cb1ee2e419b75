package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/stallfront/api/internal/domain"
	pfirestore "github.com/stallfront/api/internal/platform/firestore"
	"github.com/stallfront/api/internal/repositories"
)

const (
	productsCollection         = "products"
	stockAdjustmentsCollection = "stockAdjustments"
)

// ProductRepository reads catalog documents and applies stock mutations.
//
// Stock adjustments are recorded under deterministic marker documents keyed by
// order, product, and direction. The marker read and the stock write happen in
// one transaction, so a retried adjustment observes its own marker and skips.
type ProductRepository struct {
	provider    *pfirestore.Provider
	products    *pfirestore.BaseRepository[productDocument]
	adjustments *pfirestore.BaseRepository[stockAdjustmentDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	products := pfirestore.NewBaseRepository[productDocument](provider, productsCollection)
	adjustments := pfirestore.NewBaseRepository[stockAdjustmentDocument](provider, stockAdjustmentsCollection)
	return &ProductRepository{provider: provider, products: products, adjustments: adjustments}, nil
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// FindByIDs fetches the requested products in one batch. Missing products are
// omitted from the result map rather than reported as errors; callers decide
// whether absence is a validation failure.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("product repository not initialised")
	}

	ids := dedupeIDs(productIDs)
	if len(ids) == 0 {
		return map[string]domain.Product{}, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("products.findByIds", err)
	}

	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, client.Collection(productsCollection).Doc(id))
	}

	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("products.findByIds", err)
	}

	out := make(map[string]domain.Product, len(snaps))
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		out[snap.Ref.ID] = doc.toDomain(snap.Ref.ID)
	}
	return out, nil
}

// AdjustStock applies the full adjustment batch in one transaction.
//
// Reads run before writes: every marker and product document is loaded first,
// deltas are accumulated per product, and only then are stock updates and
// marker creates buffered. Adjustments whose marker already exists contribute
// nothing, which makes the whole batch idempotent per (order, product, direction).
// Restores additionally require the matching debit marker: stock the order
// never decremented is not returned.
func (r *ProductRepository) AdjustStock(ctx context.Context, adjustments []domain.StockAdjustment) error {
	if r == nil || r.provider == nil {
		return errors.New("product repository not initialised")
	}
	if len(adjustments) == 0 {
		return nil
	}
	for _, adj := range adjustments {
		if strings.TrimSpace(adj.OrderID) == "" {
			return repositories.NewStockError(repositories.StockErrorUnknown, "stock adjust: order id is required", nil)
		}
		if strings.TrimSpace(adj.ProductID) == "" {
			return repositories.NewStockError(repositories.StockErrorUnknown, "stock adjust: product id is required", nil)
		}
		if adj.Quantity <= 0 {
			return repositories.NewStockError(repositories.StockErrorUnknown, fmt.Sprintf("stock adjust: quantity for %s must be > 0", adj.ProductID), nil)
		}
		if adj.Direction != domain.AdjustmentDebit && adj.Direction != domain.AdjustmentRestore {
			return repositories.NewStockError(repositories.StockErrorUnknown, fmt.Sprintf("stock adjust: unknown direction %q", adj.Direction), nil)
		}
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		type pendingAdjustment struct {
			adjustment domain.StockAdjustment
			markerRef  *firestore.DocumentRef
		}

		pending := make([]pendingAdjustment, 0, len(adjustments))
		for _, adj := range adjustments {
			markerRef, err := r.adjustments.DocumentRef(ctx, adjustmentDocID(adj))
			if err != nil {
				return err
			}
			_, err = tx.Get(markerRef)
			switch status.Code(err) {
			case codes.OK:
				// Already applied by an earlier attempt.
				continue
			case codes.NotFound:
			default:
				return err
			}
			if adj.Direction == domain.AdjustmentRestore {
				applied, err := r.debitApplied(ctx, tx, adj)
				if err != nil {
					return err
				}
				// A restore without a recorded debit has nothing to return;
				// incrementing here would inflate inventory.
				if !applied {
					continue
				}
			}
			pending = append(pending, pendingAdjustment{adjustment: adj, markerRef: markerRef})
		}
		if len(pending) == 0 {
			return nil
		}

		type productState struct {
			ref   *firestore.DocumentRef
			doc   productDocument
			stock int64
		}
		states := make(map[string]*productState, len(pending))
		for _, p := range pending {
			productID := strings.TrimSpace(p.adjustment.ProductID)
			if _, ok := states[productID]; ok {
				continue
			}
			ref, err := r.products.DocumentRef(ctx, productID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return &repositories.StockError{
						Code:      repositories.StockErrorProductNotFound,
						ProductID: productID,
						Message:   fmt.Sprintf("product %s not found", productID),
						Err:       err,
					}
				}
				return err
			}
			var doc productDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product %s: %w", productID, err)
			}
			states[productID] = &productState{ref: ref, doc: doc, stock: doc.Stock}
		}

		for _, p := range pending {
			productID := strings.TrimSpace(p.adjustment.ProductID)
			state := states[productID]
			switch p.adjustment.Direction {
			case domain.AdjustmentDebit:
				if state.stock < p.adjustment.Quantity {
					return &repositories.StockError{
						Code:      repositories.StockErrorInsufficientStock,
						ProductID: productID,
						Available: state.stock,
						Requested: p.adjustment.Quantity,
						Message:   fmt.Sprintf("insufficient stock for %s: available %d, requested %d", productID, state.stock, p.adjustment.Quantity),
					}
				}
				state.stock -= p.adjustment.Quantity
			case domain.AdjustmentRestore:
				state.stock += p.adjustment.Quantity
			}
		}

		now := time.Now().UTC()
		for _, state := range states {
			state.doc.Stock = state.stock
			state.doc.UpdatedAt = now
			if err := tx.Set(state.ref, state.doc); err != nil {
				return err
			}
		}
		for _, p := range pending {
			appliedAt := p.adjustment.AppliedAt.UTC()
			if appliedAt.IsZero() {
				appliedAt = now
			}
			marker := stockAdjustmentDocument{
				OrderID:    strings.TrimSpace(p.adjustment.OrderID),
				SubOrderID: strings.TrimSpace(p.adjustment.SubOrderID),
				ProductID:  strings.TrimSpace(p.adjustment.ProductID),
				Quantity:   p.adjustment.Quantity,
				Direction:  string(p.adjustment.Direction),
				AppliedAt:  appliedAt,
			}
			if err := tx.Create(p.markerRef, marker); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapStockError("products.adjustStock", err)
	}
	return nil
}

// debitApplied reports whether the matching debit marker exists for a restore
// adjustment, i.e. whether this order ever decremented the product's stock.
func (r *ProductRepository) debitApplied(ctx context.Context, tx *firestore.Transaction, adj domain.StockAdjustment) (bool, error) {
	debit := adj
	debit.Direction = domain.AdjustmentDebit
	ref, err := r.adjustments.DocumentRef(ctx, adjustmentDocID(debit))
	if err != nil {
		return false, err
	}
	_, err = tx.Get(ref)
	switch status.Code(err) {
	case codes.OK:
		return true, nil
	case codes.NotFound:
		return false, nil
	default:
		return false, err
	}
}

// ApplyStockDelta shifts one product's stock by delta inside a transaction.
// Negative results are rejected with an insufficient-stock error.
func (r *ProductRepository) ApplyStockDelta(ctx context.Context, productID string, delta int64) (domain.Product, error) {
	if r == nil || r.provider == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, repositories.NewStockError(repositories.StockErrorUnknown, "stock delta: product id is required", nil)
	}
	if delta == 0 {
		return domain.Product{}, repositories.NewStockError(repositories.StockErrorUnknown, "stock delta: delta must be non-zero", nil)
	}

	now := time.Now().UTC()
	var updated domain.Product

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.products.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return &repositories.StockError{
					Code:      repositories.StockErrorProductNotFound,
					ProductID: id,
					Message:   fmt.Sprintf("product %s not found", id),
					Err:       err,
				}
			}
			return err
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode product %s: %w", id, err)
		}

		next := doc.Stock + delta
		if next < 0 {
			return &repositories.StockError{
				Code:      repositories.StockErrorInsufficientStock,
				ProductID: id,
				Available: doc.Stock,
				Requested: -delta,
				Message:   fmt.Sprintf("insufficient stock for %s: available %d, requested %d", id, doc.Stock, -delta),
			}
		}
		doc.Stock = next
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Product{}, wrapStockError("products.applyStockDelta", err)
	}
	return updated, nil
}

// Helper structures ---------------------------------------------------------

type productDocument struct {
	VendorID     string     `firestore:"vendorId"`
	Name         string     `firestore:"name"`
	Slug         string     `firestore:"slug"`
	Active       bool       `firestore:"active"`
	Currency     string     `firestore:"currency"`
	UnitPrice    int64      `firestore:"unitPrice"`
	PromoPrice   *int64     `firestore:"promoPrice,omitempty"`
	PromoStartAt *time.Time `firestore:"promoStartAt,omitempty"`
	PromoEndAt   *time.Time `firestore:"promoEndAt,omitempty"`
	Stock        int64      `firestore:"stock"`
	UpdatedAt    time.Time  `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:           id,
		VendorID:     strings.TrimSpace(d.VendorID),
		Name:         d.Name,
		Slug:         d.Slug,
		Active:       d.Active,
		Currency:     strings.ToUpper(strings.TrimSpace(d.Currency)),
		UnitPrice:    d.UnitPrice,
		PromoPrice:   d.PromoPrice,
		PromoStartAt: d.PromoStartAt,
		PromoEndAt:   d.PromoEndAt,
		Stock:        d.Stock,
		UpdatedAt:    d.UpdatedAt,
	}
}

type stockAdjustmentDocument struct {
	OrderID    string    `firestore:"orderId"`
	SubOrderID string    `firestore:"subOrderId,omitempty"`
	ProductID  string    `firestore:"productId"`
	Quantity   int64     `firestore:"qty"`
	Direction  string    `firestore:"direction"`
	AppliedAt  time.Time `firestore:"appliedAt"`
}

func adjustmentDocID(adj domain.StockAdjustment) string {
	return fmt.Sprintf("%s:%s:%s", strings.TrimSpace(adj.OrderID), strings.TrimSpace(adj.ProductID), adj.Direction)
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func wrapStockError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}
