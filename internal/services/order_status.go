package services

import (
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/stallfront/api/internal/domain"
)

// subOrderTransitions is the fulfillment state machine. Keys absent from the map are
// states with no outgoing transitions (delivered, cancelled, out_of_stock).
var subOrderTransitions = map[domain.SubOrderStatus][]domain.SubOrderStatus{
	domain.StatusPending:   {domain.StatusConfirmed, domain.StatusCancelled, domain.StatusOutOfStock},
	domain.StatusConfirmed: {domain.StatusPreparing, domain.StatusCancelled},
	domain.StatusPreparing: {domain.StatusShipped, domain.StatusCancelled},
	domain.StatusShipped:   {domain.StatusDelivered},
}

// statusRank orders the fulfillment path from least to most advanced. The terminal
// side states cancelled and out_of_stock are deliberately absent.
var statusRank = map[domain.SubOrderStatus]int{
	domain.StatusPending:   0,
	domain.StatusConfirmed: 1,
	domain.StatusPreparing: 2,
	domain.StatusShipped:   3,
	domain.StatusDelivered: 4,
}

func canTransition(from, to domain.SubOrderStatus) bool {
	allowed, ok := subOrderTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

// allowedTransitions returns a copy of the transitions legal from the given state.
func allowedTransitions(from domain.SubOrderStatus) []domain.SubOrderStatus {
	allowed := subOrderTransitions[from]
	out := make([]domain.SubOrderStatus, len(allowed))
	copy(out, allowed)
	return out
}

// isTerminalStatus reports whether a SubOrder ended without completing fulfillment.
// Delivered is final but not terminal in this sense: it still ranks in derivation.
func isTerminalStatus(status domain.SubOrderStatus) bool {
	return status == domain.StatusCancelled || status == domain.StatusOutOfStock
}

// ParseSubOrderStatus converts a wire string into a known fulfillment status.
func ParseSubOrderStatus(raw string) (domain.SubOrderStatus, error) {
	status := domain.SubOrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case domain.StatusPending, domain.StatusConfirmed, domain.StatusPreparing,
		domain.StatusShipped, domain.StatusDelivered, domain.StatusCancelled,
		domain.StatusOutOfStock:
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, raw)
}

// InvalidTransitionError rejects a fulfillment transition outside the state machine,
// reporting the attempted pair and the transitions the current state allows.
type InvalidTransitionError struct {
	From    domain.SubOrderStatus
	To      domain.SubOrderStatus
	Allowed []domain.SubOrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order status: cannot transition from %s to %s (allowed: %s)", e.From, e.To, formatStatusList(e.Allowed))
}

// Code implements DomainError.
func (e *InvalidTransitionError) Code() string { return "INVALID_TRANSITION" }

// SafeMessage implements DomainError.
func (e *InvalidTransitionError) SafeMessage() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("status %s is terminal and cannot change", e.From)
	}
	return fmt.Sprintf("cannot transition from %s to %s; allowed: %s", e.From, e.To, formatStatusList(e.Allowed))
}

func formatStatusList(statuses []domain.SubOrderStatus) string {
	if len(statuses) == 0 {
		return "none"
	}
	parts := make([]string, len(statuses))
	for i, status := range statuses {
		parts[i] = string(status)
	}
	return strings.Join(parts, ", ")
}

// deriveOrderStatus projects the order-level status from its SubOrders. It is a pure
// function of the status multiset, recomputed in full after every SubOrder change:
//  1. all SubOrders share one status: that status
//  2. any out_of_stock: out_of_stock
//  3. any cancelled: cancelled
//  4. otherwise the least advanced status among the non-terminal SubOrders
func deriveOrderStatus(subOrders []domain.SubOrder) domain.SubOrderStatus {
	if len(subOrders) == 0 {
		return domain.StatusPending
	}

	first := subOrders[0].Status
	uniform := true
	anyOutOfStock := false
	anyCancelled := false
	for _, sub := range subOrders {
		if sub.Status != first {
			uniform = false
		}
		switch sub.Status {
		case domain.StatusOutOfStock:
			anyOutOfStock = true
		case domain.StatusCancelled:
			anyCancelled = true
		}
	}

	if uniform {
		return first
	}
	if anyOutOfStock {
		return domain.StatusOutOfStock
	}
	if anyCancelled {
		return domain.StatusCancelled
	}

	least := domain.StatusDelivered
	for _, sub := range subOrders {
		if isTerminalStatus(sub.Status) {
			continue
		}
		if statusRank[sub.Status] < statusRank[least] {
			least = sub.Status
		}
	}
	return least
}

// applyDerivedStatus recomputes the order status after a SubOrder mutation and, when it
// changed, appends a history entry and stamps the matching order timestamp the first
// time the derived status reaches shipped, delivered, or cancelled.
func applyDerivedStatus(order *domain.Order, actor string, now time.Time) bool {
	derived := deriveOrderStatus(order.SubOrders)
	if derived == order.Status {
		return false
	}

	order.Status = derived
	order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
		Status: derived,
		At:     now,
		Actor:  actor,
	})

	ts := now
	switch derived {
	case domain.StatusShipped:
		if order.ShippedAt == nil {
			order.ShippedAt = &ts
		}
	case domain.StatusDelivered:
		if order.DeliveredAt == nil {
			order.DeliveredAt = &ts
		}
	case domain.StatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &ts
		}
	}
	return true
}
