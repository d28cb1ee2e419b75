package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/stallfront/api/internal/domain"
	pfirestore "github.com/stallfront/api/internal/platform/firestore"
	"github.com/stallfront/api/internal/repositories"
)

const ordersCollection = "orders"

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// OrderRepository persists order aggregates as single documents. SubOrders,
// line items, and history ride inside the aggregate, so every mutation is a
// one-document transactional read-modify-write.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection)
	return &OrderRepository{provider: provider, orders: base}, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// Insert creates the order document. An existing document with the same ID is a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}

	ref, err := r.orders.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByID loads one order aggregate.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Mutate re-reads the aggregate inside a transaction, applies fn, and persists
// the result. Errors returned by fn abort the transaction and surface unchanged,
// so callers keep their typed errors without repository wrapping.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	if fn == nil {
		return domain.Order{}, errors.New("order repository: mutate function is required")
	}

	var (
		updated domain.Order
		fnErr   error
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("orders.mutate", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", id, err)
		}

		order := doc.toDomain(id)
		if err := fn(&order); err != nil {
			fnErr = err
			return err
		}
		order.ID = id
		order.UpdatedAt = time.Now().UTC()

		if err := tx.Set(ref, newOrderDocument(order)); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		if fnErr != nil && errors.Is(err, fnErr) {
			return domain.Order{}, fnErr
		}
		return domain.Order{}, pfirestore.WrapError("orders.mutate", err)
	}
	return updated, nil
}

// List pages order aggregates newest first, filtered for buyer or vendor scope.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultOrderPageSize
	}
	if pageSize > maxOrderPageSize {
		pageSize = maxOrderPageSize
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if buyerID := strings.TrimSpace(filter.BuyerID); buyerID != "" {
		query = query.Where("buyerId", "==", buyerID)
	}
	if vendorID := strings.TrimSpace(filter.VendorID); vendorID != "" {
		query = query.Where("vendorIds", "array-contains", vendorID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			statuses = append(statuses, string(s))
		}
		query = query.Where("status", "in", statuses)
	}
	if filter.DateRange.From != nil {
		query = query.Where("placedAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("placedAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("placedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		query = query.StartAfter(decoded.PlacedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{PlacedAt: last.PlacedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{
		Items:         orders,
		NextPageToken: nextToken,
	}, nil
}

// Document structures --------------------------------------------------------

type orderDocument struct {
	OrderNumber          string                 `firestore:"orderNumber"`
	BuyerID              string                 `firestore:"buyerId"`
	Currency             string                 `firestore:"currency"`
	ShippingAddress      addressDocument        `firestore:"shippingAddress"`
	LineItems            []orderLineDocument    `firestore:"lineItems"`
	SubOrders            []subOrderDocument     `firestore:"subOrders"`
	VendorIDs            []string               `firestore:"vendorIds"`
	Subtotal             int64                  `firestore:"subtotal"`
	Total                int64                  `firestore:"total"`
	Savings              int64                  `firestore:"savings"`
	Status               string                 `firestore:"status"`
	StatusHistory        []statusChangeDocument `firestore:"statusHistory"`
	PaymentMethod        string                 `firestore:"paymentMethod"`
	PaymentStatus        string                 `firestore:"paymentStatus"`
	PaymentRef           string                 `firestore:"paymentRef,omitempty"`
	PaidAt               *time.Time             `firestore:"paidAt,omitempty"`
	ReceptionConfirmedAt *time.Time             `firestore:"receptionConfirmedAt,omitempty"`
	Notes                []noteDocument         `firestore:"notes,omitempty"`
	Metadata             map[string]string      `firestore:"metadata,omitempty"`
	PlacedAt             time.Time              `firestore:"placedAt"`
	ShippedAt            *time.Time             `firestore:"shippedAt,omitempty"`
	DeliveredAt          *time.Time             `firestore:"deliveredAt,omitempty"`
	CancelledAt          *time.Time             `firestore:"cancelledAt,omitempty"`
	CreatedAt            time.Time              `firestore:"createdAt"`
	UpdatedAt            time.Time              `firestore:"updatedAt"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type orderLineDocument struct {
	ProductID  string `firestore:"productId"`
	VendorID   string `firestore:"vendorId"`
	Name       string `firestore:"name"`
	Slug       string `firestore:"slug"`
	UnitPrice  int64  `firestore:"unitPrice"`
	PromoPrice *int64 `firestore:"promoPrice,omitempty"`
	Quantity   int64  `firestore:"qty"`
	Subtotal   int64  `firestore:"subtotal"`
}

type subOrderDocument struct {
	ID            string                 `firestore:"id"`
	VendorID      string                 `firestore:"vendorId"`
	VendorName    string                 `firestore:"vendorName"`
	Items         []orderLineDocument    `firestore:"items"`
	Subtotal      int64                  `firestore:"subtotal"`
	Total         int64                  `firestore:"total"`
	Status        string                 `firestore:"status"`
	StatusHistory []statusChangeDocument `firestore:"statusHistory"`
	Notes         []noteDocument         `firestore:"notes,omitempty"`
	StockRestored bool                   `firestore:"stockRestored"`
}

type statusChangeDocument struct {
	Status  string    `firestore:"status"`
	At      time.Time `firestore:"at"`
	Actor   string    `firestore:"actor"`
	Comment string    `firestore:"comment,omitempty"`
}

type noteDocument struct {
	ID        string    `firestore:"id"`
	Author    string    `firestore:"author"`
	Body      string    `firestore:"body"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	vendorIDs := make([]string, 0, len(order.SubOrders))
	seen := make(map[string]struct{}, len(order.SubOrders))
	for _, sub := range order.SubOrders {
		vendorID := strings.TrimSpace(sub.VendorID)
		if vendorID == "" {
			continue
		}
		if _, ok := seen[vendorID]; ok {
			continue
		}
		seen[vendorID] = struct{}{}
		vendorIDs = append(vendorIDs, vendorID)
	}

	subOrders := make([]subOrderDocument, len(order.SubOrders))
	for i, sub := range order.SubOrders {
		subOrders[i] = subOrderDocument{
			ID:            sub.ID,
			VendorID:      sub.VendorID,
			VendorName:    sub.VendorName,
			Items:         newOrderLineDocuments(sub.Items),
			Subtotal:      sub.Subtotal,
			Total:         sub.Total,
			Status:        string(sub.Status),
			StatusHistory: newStatusChangeDocuments(sub.StatusHistory),
			Notes:         newNoteDocuments(sub.Notes),
			StockRestored: sub.StockRestored,
		}
	}

	return orderDocument{
		OrderNumber:          order.OrderNumber,
		BuyerID:              order.BuyerID,
		Currency:             strings.ToUpper(strings.TrimSpace(order.Currency)),
		ShippingAddress:      newAddressDocument(order.ShippingAddress),
		LineItems:            newOrderLineDocuments(order.LineItems),
		SubOrders:            subOrders,
		VendorIDs:            vendorIDs,
		Subtotal:             order.Subtotal,
		Total:                order.Total,
		Savings:              order.Savings,
		Status:               string(order.Status),
		StatusHistory:        newStatusChangeDocuments(order.StatusHistory),
		PaymentMethod:        string(order.PaymentMethod),
		PaymentStatus:        string(order.PaymentStatus),
		PaymentRef:           order.PaymentRef,
		PaidAt:               utcTimePtr(order.PaidAt),
		ReceptionConfirmedAt: utcTimePtr(order.ReceptionConfirmedAt),
		Notes:                newNoteDocuments(order.Notes),
		Metadata:             cloneStringMap(order.Metadata),
		PlacedAt:             order.PlacedAt.UTC(),
		ShippedAt:            utcTimePtr(order.ShippedAt),
		DeliveredAt:          utcTimePtr(order.DeliveredAt),
		CancelledAt:          utcTimePtr(order.CancelledAt),
		CreatedAt:            order.CreatedAt.UTC(),
		UpdatedAt:            order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	subOrders := make([]domain.SubOrder, len(d.SubOrders))
	for i, sub := range d.SubOrders {
		subOrders[i] = domain.SubOrder{
			ID:            sub.ID,
			VendorID:      sub.VendorID,
			VendorName:    sub.VendorName,
			Items:         orderLinesToDomain(sub.Items),
			Subtotal:      sub.Subtotal,
			Total:         sub.Total,
			Status:        domain.SubOrderStatus(sub.Status),
			StatusHistory: statusChangesToDomain(sub.StatusHistory),
			Notes:         notesToDomain(sub.Notes),
			StockRestored: sub.StockRestored,
		}
	}

	return domain.Order{
		ID:                   id,
		OrderNumber:          d.OrderNumber,
		BuyerID:              d.BuyerID,
		Currency:             strings.ToUpper(strings.TrimSpace(d.Currency)),
		ShippingAddress:      d.ShippingAddress.toDomain(),
		LineItems:            orderLinesToDomain(d.LineItems),
		SubOrders:            subOrders,
		Subtotal:             d.Subtotal,
		Total:                d.Total,
		Savings:              d.Savings,
		Status:               domain.SubOrderStatus(d.Status),
		StatusHistory:        statusChangesToDomain(d.StatusHistory),
		PaymentMethod:        domain.PaymentMethod(d.PaymentMethod),
		PaymentStatus:        domain.PaymentStatus(d.PaymentStatus),
		PaymentRef:           d.PaymentRef,
		PaidAt:               d.PaidAt,
		ReceptionConfirmedAt: d.ReceptionConfirmedAt,
		Notes:                notesToDomain(d.Notes),
		Metadata:             cloneStringMap(d.Metadata),
		PlacedAt:             d.PlacedAt,
		ShippedAt:            d.ShippedAt,
		DeliveredAt:          d.DeliveredAt,
		CancelledAt:          d.CancelledAt,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}

func newAddressDocument(addr domain.Address) addressDocument {
	return addressDocument{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func (d addressDocument) toDomain() domain.Address {
	return domain.Address{
		Recipient:  d.Recipient,
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
	}
}

func newOrderLineDocuments(items []domain.OrderLineItem) []orderLineDocument {
	out := make([]orderLineDocument, len(items))
	for i, item := range items {
		out[i] = orderLineDocument{
			ProductID:  item.ProductID,
			VendorID:   item.VendorID,
			Name:       item.Name,
			Slug:       item.Slug,
			UnitPrice:  item.UnitPrice,
			PromoPrice: item.PromoPrice,
			Quantity:   item.Quantity,
			Subtotal:   item.Subtotal,
		}
	}
	return out
}

func orderLinesToDomain(items []orderLineDocument) []domain.OrderLineItem {
	out := make([]domain.OrderLineItem, len(items))
	for i, item := range items {
		out[i] = domain.OrderLineItem{
			ProductID:  item.ProductID,
			VendorID:   item.VendorID,
			Name:       item.Name,
			Slug:       item.Slug,
			UnitPrice:  item.UnitPrice,
			PromoPrice: item.PromoPrice,
			Quantity:   item.Quantity,
			Subtotal:   item.Subtotal,
		}
	}
	return out
}

func newStatusChangeDocuments(changes []domain.StatusChange) []statusChangeDocument {
	out := make([]statusChangeDocument, len(changes))
	for i, change := range changes {
		out[i] = statusChangeDocument{
			Status:  string(change.Status),
			At:      change.At.UTC(),
			Actor:   change.Actor,
			Comment: change.Comment,
		}
	}
	return out
}

func statusChangesToDomain(changes []statusChangeDocument) []domain.StatusChange {
	out := make([]domain.StatusChange, len(changes))
	for i, change := range changes {
		out[i] = domain.StatusChange{
			Status:  domain.SubOrderStatus(change.Status),
			At:      change.At,
			Actor:   change.Actor,
			Comment: change.Comment,
		}
	}
	return out
}

func newNoteDocuments(notes []domain.Note) []noteDocument {
	if len(notes) == 0 {
		return nil
	}
	out := make([]noteDocument, len(notes))
	for i, note := range notes {
		out[i] = noteDocument{
			ID:        note.ID,
			Author:    note.Author,
			Body:      note.Body,
			CreatedAt: note.CreatedAt.UTC(),
		}
	}
	return out
}

func notesToDomain(notes []noteDocument) []domain.Note {
	if len(notes) == 0 {
		return nil
	}
	out := make([]domain.Note, len(notes))
	for i, note := range notes {
		out[i] = domain.Note{
			ID:        note.ID,
			Author:    note.Author,
			Body:      note.Body,
			CreatedAt: note.CreatedAt,
		}
	}
	return out
}

func utcTimePtr(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	utc := ts.UTC()
	return &utc
}

// Page tokens ----------------------------------------------------------------

type orderPageToken struct {
	PlacedAt time.Time
	ID       string
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(token); err != nil {
		return "", fmt.Errorf("encode order page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeOrderPageToken(encoded string) (*orderPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode order page token: %w", err)
	}
	var token orderPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode order page token json: %w", err)
	}
	return &token, nil
}
