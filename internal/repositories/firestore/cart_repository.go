package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/stallfront/api/internal/domain"
	pfirestore "github.com/stallfront/api/internal/platform/firestore"
	"github.com/stallfront/api/internal/repositories"
)

const cartsCollection = "carts"

// CartRepository persists one cart document per buyer, keyed by the buyer ID.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection)
	return &CartRepository{
		base:     base,
		provider: provider,
	}, nil
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// FindByBuyer loads the cart for the given buyer ID.
func (r *CartRepository) FindByBuyer(ctx context.Context, buyerID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	id := strings.TrimSpace(buyerID)
	if id == "" {
		return domain.Cart{}, errors.New("cart repository: buyer id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(doc.ID, doc.UpdateTime), nil
}

// Save upserts the cart document. When expectedUpdatedAt is provided the write
// carries a last-update-time precondition, so concurrent cart edits surface as
// conflicts instead of silently overwriting each other.
func (r *CartRepository) Save(ctx context.Context, cart domain.Cart, expectedUpdatedAt *time.Time) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}

	id := strings.TrimSpace(cart.BuyerID)
	if id == "" {
		id = strings.TrimSpace(cart.ID)
	}
	if id == "" {
		return domain.Cart{}, errors.New("cart repository: buyer id is required")
	}

	doc := newCartDocument(cart)

	if expectedUpdatedAt == nil || expectedUpdatedAt.IsZero() {
		result, err := r.base.Set(ctx, id, doc)
		if err != nil {
			return domain.Cart{}, err
		}
		return doc.toDomain(id, result.UpdateTime), nil
	}

	updates := []firestore.Update{
		{Path: "buyerId", Value: doc.BuyerID},
		{Path: "currency", Value: doc.Currency},
		{Path: "lines", Value: doc.Lines},
		{Path: "itemsCount", Value: doc.ItemsCount},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}
	if doc.Estimate == nil {
		updates = append(updates, firestore.Update{Path: "estimates", Value: firestore.Delete})
	} else {
		updates = append(updates, firestore.Update{Path: "estimates", Value: doc.Estimate})
	}
	if len(doc.Metadata) == 0 {
		updates = append(updates, firestore.Update{Path: "metadata", Value: firestore.Delete})
	} else {
		updates = append(updates, firestore.Update{Path: "metadata", Value: doc.Metadata})
	}

	result, err := r.base.Update(ctx, id, updates, firestore.LastUpdateTime(expectedUpdatedAt.UTC()))
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.toDomain(id, result.UpdateTime), nil
}

// Clear deletes the buyer's cart document. A missing cart is not an error so
// that post-checkout clearing is idempotent.
func (r *CartRepository) Clear(ctx context.Context, buyerID string, expectedUpdatedAt *time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	id := strings.TrimSpace(buyerID)
	if id == "" {
		return errors.New("cart repository: buyer id is required")
	}

	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}

	if expectedUpdatedAt != nil && !expectedUpdatedAt.IsZero() {
		if _, err := ref.Delete(ctx, firestore.LastUpdateTime(expectedUpdatedAt.UTC())); err != nil {
			return pfirestore.WrapError("carts.clear", err)
		}
		return nil
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("carts.clear", err)
	}
	return nil
}

type cartDocument struct {
	BuyerID    string                `firestore:"buyerId"`
	Currency   string                `firestore:"currency"`
	Lines      []cartLineDocument    `firestore:"lines"`
	Estimate   *cartEstimateDocument `firestore:"estimates,omitempty"`
	Metadata   map[string]string     `firestore:"metadata,omitempty"`
	ItemsCount int                   `firestore:"itemsCount"`
	UpdatedAt  time.Time             `firestore:"updatedAt"`
}

type cartLineDocument struct {
	ProductID string    `firestore:"productId"`
	Quantity  int64     `firestore:"qty"`
	AddedAt   time.Time `firestore:"addedAt"`
}

type cartEstimateDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Total    int64 `firestore:"total"`
	Savings  int64 `firestore:"savings"`
}

func newCartDocument(cart domain.Cart) cartDocument {
	now := time.Now().UTC()
	if !cart.UpdatedAt.IsZero() {
		now = cart.UpdatedAt.UTC()
	}

	lines := make([]cartLineDocument, len(cart.Lines))
	for i, line := range cart.Lines {
		lines[i] = cartLineDocument{
			ProductID: strings.TrimSpace(line.ProductID),
			Quantity:  line.Quantity,
			AddedAt:   line.AddedAt.UTC(),
		}
	}

	doc := cartDocument{
		BuyerID:    strings.TrimSpace(cart.BuyerID),
		Currency:   strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Lines:      lines,
		Metadata:   cloneStringMap(cart.Metadata),
		ItemsCount: len(lines),
		UpdatedAt:  now,
	}
	if cart.Estimate != nil {
		doc.Estimate = &cartEstimateDocument{
			Subtotal: cart.Estimate.Subtotal,
			Total:    cart.Estimate.Total,
			Savings:  cart.Estimate.Savings,
		}
	}
	return doc
}

func (d cartDocument) toDomain(id string, updateTime time.Time) domain.Cart {
	buyerID := strings.TrimSpace(d.BuyerID)
	if buyerID == "" {
		buyerID = id
	}

	lines := make([]domain.CartLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.CartLine{
			ProductID: strings.TrimSpace(line.ProductID),
			Quantity:  line.Quantity,
			AddedAt:   line.AddedAt,
		}
	}

	cart := domain.Cart{
		ID:       id,
		BuyerID:  buyerID,
		Currency: strings.ToUpper(strings.TrimSpace(d.Currency)),
		Lines:    lines,
		Metadata: cloneStringMap(d.Metadata),
		UpdatedAt: func() time.Time {
			if !updateTime.IsZero() {
				return updateTime
			}
			return d.UpdatedAt
		}(),
	}
	if d.Estimate != nil {
		cart.Estimate = &domain.CartEstimate{
			Subtotal: d.Estimate.Subtotal,
			Total:    d.Estimate.Total,
			Savings:  d.Estimate.Savings,
		}
	}
	return cart
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
