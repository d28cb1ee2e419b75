package payments

import (
	"context"
	"errors"
	"time"
)

// Status captures the lifecycle of a charge as reported by a provider.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// ErrChargeDeclined marks charge failures the buyer can retry with another
// payment method. Infrastructure failures are returned as plain errors.
var ErrChargeDeclined = errors.New("payments: charge declined")

// ChargeRequest describes a single capture attempt for an order. Amounts are
// minor units in the order currency. IdempotencyKey must be stable across
// retries of the same order so providers can deduplicate.
type ChargeRequest struct {
	Amount         int64
	Currency       string
	OrderID        string
	OrderNumber    string
	BuyerID        string
	PaymentToken   string
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

// ChargeResult reports the provider outcome for a charge attempt.
type ChargeResult struct {
	Provider   string
	ChargeRef  string
	Status     Status
	Amount     int64
	Currency   string
	CapturedAt time.Time
	Raw        map[string]any
}

// CardDetails describes the instrument behind a tokenized payment method.
type CardDetails struct {
	Brand    string
	Last4    string
	ExpMonth int64
	ExpYear  int64
}

// Provider charges orders against an external payment processor.
type Provider interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// CardVerifier resolves a tokenized payment method before a charge is
// attempted so invalid tokens fail fast without creating provider objects.
type CardVerifier interface {
	Verify(ctx context.Context, token string) (CardDetails, error)
}
