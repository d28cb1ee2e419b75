package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const stripeProviderName = "stripe"

// stripePaymentIntentAPI is the slice of the Stripe SDK the provider needs.
// Tests stub it; production code backs it with client.API.
type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	paymentIntents stripePaymentIntentAPI
	paymentMethods stripePaymentMethodAPI
}

// StripeProviderConfig wires a StripeProvider. APIKey is required; AccountID
// is optional and routes calls to a connected account.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// StripeProvider charges orders through Stripe payment intents.
type StripeProvider struct {
	clients   stripeClients
	accountID string
	clock     func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewStripeProvider builds a provider backed by the official Stripe client.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("payments: stripe api key is required")
	}

	sc := client.New(apiKey, cfg.Backends)
	clients := stripeClients{
		paymentIntents: sc.PaymentIntents,
		paymentMethods: sc.PaymentMethods,
	}
	return newStripeProviderWithClients(cfg, clients)
}

func newStripeProviderWithClients(cfg StripeProviderConfig, clients stripeClients) (*StripeProvider, error) {
	if clients.paymentIntents == nil {
		return nil, errors.New("payments: stripe payment intent client is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		clients:   clients,
		accountID: strings.TrimSpace(cfg.AccountID),
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

// Charge creates and confirms a payment intent for the order. The request
// idempotency key makes retries of the same order safe: Stripe returns the
// original intent instead of charging twice.
func (p *StripeProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := validateChargeRequest(req); err != nil {
		return ChargeResult{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod:      stripe.String(req.PaymentToken),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
		Description:        stripe.String(defaultString(req.Description, "Order "+req.OrderNumber)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	if p.accountID != "" {
		params.SetStripeAccount(p.accountID)
	}
	params.Metadata = chargeMetadata(req)

	intent, err := p.clients.paymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			p.logger(ctx, "payments.stripe.charge.declined", map[string]any{
				"order_id":     req.OrderID,
				"decline_code": stripeErr.DeclineCode,
			})
			return ChargeResult{Provider: stripeProviderName, Status: StatusFailed, Amount: req.Amount, Currency: req.Currency},
				fmt.Errorf("%w: %s", ErrChargeDeclined, declineReason(stripeErr))
		}
		p.logger(ctx, "payments.stripe.charge.failed", map[string]any{
			"order_id": req.OrderID,
			"error":    err.Error(),
		})
		return ChargeResult{}, fmt.Errorf("payments: stripe charge: %w", err)
	}

	result := p.chargeResultFromIntent(intent, req)
	if result.Status != StatusSucceeded {
		p.logger(ctx, "payments.stripe.charge.declined", map[string]any{
			"order_id":      req.OrderID,
			"intent_id":     intent.ID,
			"intent_status": string(intent.Status),
		})
		return result, fmt.Errorf("%w: payment intent status %s", ErrChargeDeclined, intent.Status)
	}

	p.logger(ctx, "payments.stripe.charge.succeeded", map[string]any{
		"order_id":  req.OrderID,
		"intent_id": intent.ID,
		"amount":    result.Amount,
		"currency":  result.Currency,
	})
	return result, nil
}

func (p *StripeProvider) chargeResultFromIntent(intent *stripe.PaymentIntent, req ChargeRequest) ChargeResult {
	result := ChargeResult{
		Provider:  stripeProviderName,
		ChargeRef: intent.ID,
		Status:    mapIntentStatus(intent.Status),
		Amount:    intent.Amount,
		Currency:  strings.ToUpper(string(intent.Currency)),
	}
	if result.Amount == 0 {
		result.Amount = req.Amount
	}
	if result.Currency == "" {
		result.Currency = strings.ToUpper(req.Currency)
	}
	if result.Status == StatusSucceeded {
		result.CapturedAt = p.clock()
	}
	if raw, err := json.Marshal(intent); err == nil {
		payload := map[string]any{}
		if err := json.Unmarshal(raw, &payload); err == nil {
			result.Raw = payload
		}
	}
	return result
}

func validateChargeRequest(req ChargeRequest) error {
	if req.Amount <= 0 {
		return fmt.Errorf("payments: charge amount must be positive, got %d", req.Amount)
	}
	if strings.TrimSpace(req.Currency) == "" {
		return errors.New("payments: charge currency is required")
	}
	if strings.TrimSpace(req.PaymentToken) == "" {
		return errors.New("payments: payment token is required")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return errors.New("payments: idempotency key is required")
	}
	return nil
}

func chargeMetadata(req ChargeRequest) map[string]string {
	metadata := map[string]string{
		"order_id":     req.OrderID,
		"order_number": req.OrderNumber,
		"buyer_id":     req.BuyerID,
	}
	for key, value := range req.Metadata {
		if strings.TrimSpace(key) == "" {
			continue
		}
		metadata[key] = value
	}
	return metadata
}

func mapIntentStatus(status stripe.PaymentIntentStatus) Status {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresPaymentMethod:
		return StatusPending
	default:
		return StatusPending
	}
}

func declineReason(err *stripe.Error) string {
	if err.DeclineCode != "" {
		return string(err.DeclineCode)
	}
	if err.Code != "" {
		return string(err.Code)
	}
	return "card declined"
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
