package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	domain "github.com/stallfront/api/internal/domain"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order or suborder could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates concurrent writers collided or a duplicate insert.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order store could not be reached.
	ErrOrderUnavailable = errors.New("order: repository unavailable")
	// ErrOrderAccessDenied rejects actors operating on orders or suborders they do
	// not own. Distinct from not-found on purpose.
	ErrOrderAccessDenied = errors.New("order: access denied")
	// ErrAlreadyPaid rejects payment attempts against an order that settled already.
	ErrAlreadyPaid = errors.New("order: already paid")
	// ErrPaymentDeclined reports a declined charge. The order's payment status is
	// failed and the buyer may retry with another payment method.
	ErrPaymentDeclined = errors.New("order: payment declined")
	// ErrReceptionAlreadyConfirmed rejects a second reception confirmation.
	ErrReceptionAlreadyConfirmed = errors.New("order: reception already confirmed")
	// ErrReceptionNotEligible rejects confirmation before anything shipped.
	ErrReceptionNotEligible = errors.New("order: reception not eligible")
	// ErrStockInconsistent marks ledger adjustments that failed after the order
	// state was already committed. Reported, never silently retried.
	ErrStockInconsistent = errors.New("order: stock inconsistent")
)

// PaymentNotEligibleError reports why the payment gate is closed: every suborder
// with its current status, so clients can show which vendors have not delivered.
type PaymentNotEligibleError struct {
	Statuses map[string]domain.SubOrderStatus
}

// Error implements the error interface.
func (e *PaymentNotEligibleError) Error() string {
	ids := make([]string, 0, len(e.Statuses))
	for id := range e.Statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s=%s", id, e.Statuses[id]))
	}
	return fmt.Sprintf("order: payment requires every suborder delivered (%s)", strings.Join(parts, ", "))
}

// Code returns the wire-visible error code.
func (e *PaymentNotEligibleError) Code() string { return "PAYMENT_NOT_ELIGIBLE" }

// SafeMessage returns a client-safe description.
func (e *PaymentNotEligibleError) SafeMessage() string {
	return "order cannot be paid until every suborder is delivered"
}

// CancellationNotAllowedError reports the order status that blocked a buyer
// cancellation. Only pending orders cancel.
type CancellationNotAllowedError struct {
	Current domain.SubOrderStatus
}

// Error implements the error interface.
func (e *CancellationNotAllowedError) Error() string {
	return fmt.Sprintf("order: cancellation not allowed while status is %s, only pending orders cancel", e.Current)
}

// Code returns the wire-visible error code.
func (e *CancellationNotAllowedError) Code() string { return "CANCELLATION_NOT_ALLOWED" }

// SafeMessage returns a client-safe description.
func (e *CancellationNotAllowedError) SafeMessage() string {
	return fmt.Sprintf("order can no longer be cancelled: status is %s", e.Current)
}

// StockInconsistencyError records a failed ledger adjustment against a committed
// order. It is logged, audited, and published, never returned to buyers.
type StockInconsistencyError struct {
	OrderID   string
	Direction domain.AdjustmentDirection
	Err       error
}

// Error implements the error interface.
func (e *StockInconsistencyError) Error() string {
	return fmt.Sprintf("order %s: stock %s failed: %v", e.OrderID, e.Direction, e.Err)
}

// Unwrap exposes the sentinel and the underlying ledger failure.
func (e *StockInconsistencyError) Unwrap() []error {
	return []error{ErrStockInconsistent, e.Err}
}

// Code returns the wire-visible error code.
func (e *StockInconsistencyError) Code() string { return "STOCK_INCONSISTENT" }

// SafeMessage returns a client-safe description.
func (e *StockInconsistencyError) SafeMessage() string {
	return "stock ledger adjustment failed and was reported"
}
