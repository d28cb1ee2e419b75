package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/stallfront/api/internal/domain"
	pfirestore "github.com/stallfront/api/internal/platform/firestore"
	"github.com/stallfront/api/internal/repositories"
)

const vendorsCollection = "vendors"

// VendorRepository reads vendor activity and approval state.
type VendorRepository struct {
	provider *pfirestore.Provider
	vendors  *pfirestore.BaseRepository[vendorDocument]
}

// NewVendorRepository constructs a Firestore-backed vendor repository.
func NewVendorRepository(provider *pfirestore.Provider) (*VendorRepository, error) {
	if provider == nil {
		return nil, errors.New("vendor repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[vendorDocument](provider, vendorsCollection)
	return &VendorRepository{provider: provider, vendors: base}, nil
}

var _ repositories.VendorRepository = (*VendorRepository)(nil)

// FindByIDs fetches the requested vendors in one batch. Missing vendors are
// omitted from the result map.
func (r *VendorRepository) FindByIDs(ctx context.Context, vendorIDs []string) (map[string]domain.Vendor, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("vendor repository not initialised")
	}

	ids := dedupeIDs(vendorIDs)
	if len(ids) == 0 {
		return map[string]domain.Vendor{}, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("vendors.findByIds", err)
	}

	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, client.Collection(vendorsCollection).Doc(id))
	}

	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("vendors.findByIds", err)
	}

	out := make(map[string]domain.Vendor, len(snaps))
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		var doc vendorDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode vendor %s: %w", snap.Ref.ID, err)
		}
		out[snap.Ref.ID] = doc.toDomain(snap.Ref.ID)
	}
	return out, nil
}

type vendorDocument struct {
	Name      string    `firestore:"name"`
	Slug      string    `firestore:"slug"`
	Active    bool      `firestore:"active"`
	Approved  bool      `firestore:"approved"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d vendorDocument) toDomain(id string) domain.Vendor {
	return domain.Vendor{
		ID:        id,
		Name:      strings.TrimSpace(d.Name),
		Slug:      strings.TrimSpace(d.Slug),
		Active:    d.Active,
		Approved:  d.Approved,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
