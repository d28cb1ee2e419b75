package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const simulatedProviderName = "simulated"

// SimulatedProviderConfig wires a SimulatedProvider.
type SimulatedProviderConfig struct {
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// SimulatedProvider approves charges without touching an external processor.
// Tokens containing "decline" fail with ErrChargeDeclined so checkout failure
// paths stay testable in non-production environments.
type SimulatedProvider struct {
	clock  func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewSimulatedProvider builds the in-process provider used when no Stripe key
// is configured.
func NewSimulatedProvider(cfg SimulatedProviderConfig) *SimulatedProvider {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &SimulatedProvider{
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}
}

var _ Provider = (*SimulatedProvider)(nil)

// Charge settles the request locally. The charge reference is derived from the
// idempotency key, so retries of the same order yield the same reference.
func (p *SimulatedProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := validateChargeRequest(req); err != nil {
		return ChargeResult{}, err
	}

	if strings.Contains(strings.ToLower(req.PaymentToken), "decline") {
		p.logger(ctx, "payments.simulated.charge.declined", map[string]any{
			"order_id": req.OrderID,
		})
		return ChargeResult{Provider: simulatedProviderName, Status: StatusFailed, Amount: req.Amount, Currency: strings.ToUpper(req.Currency)},
			fmt.Errorf("%w: simulated decline", ErrChargeDeclined)
	}

	result := ChargeResult{
		Provider:   simulatedProviderName,
		ChargeRef:  simulatedChargeRef(req.IdempotencyKey),
		Status:     StatusSucceeded,
		Amount:     req.Amount,
		Currency:   strings.ToUpper(req.Currency),
		CapturedAt: p.clock(),
	}

	p.logger(ctx, "payments.simulated.charge.succeeded", map[string]any{
		"order_id":   req.OrderID,
		"charge_ref": result.ChargeRef,
		"amount":     result.Amount,
		"currency":   result.Currency,
	})
	return result, nil
}

func simulatedChargeRef(idempotencyKey string) string {
	sum := sha256.Sum256([]byte(idempotencyKey))
	return "sim_" + hex.EncodeToString(sum[:12])
}
