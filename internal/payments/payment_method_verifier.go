package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v78"
)

// ErrInvalidPaymentMethod marks tokens that do not resolve to a chargeable
// card. Callers reject the request instead of attempting a charge.
var ErrInvalidPaymentMethod = errors.New("payments: invalid payment method")

type stripePaymentMethodAPI interface {
	Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
}

// Verify resolves a payment method token to its card details. Tokens that do
// not exist or do not reference a card are rejected before any charge.
func (p *StripeProvider) Verify(ctx context.Context, token string) (CardDetails, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return CardDetails{}, fmt.Errorf("%w: token is required", ErrInvalidPaymentMethod)
	}
	if p.clients.paymentMethods == nil {
		return CardDetails{}, errors.New("payments: stripe payment method client is required")
	}

	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	if p.accountID != "" {
		params.SetStripeAccount(p.accountID)
	}

	pm, err := p.clients.paymentMethods.Get(token, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeInvalidRequest {
			return CardDetails{}, fmt.Errorf("%w: %s", ErrInvalidPaymentMethod, token)
		}
		return CardDetails{}, fmt.Errorf("payments: stripe payment method lookup: %w", err)
	}
	if pm == nil || pm.Type != stripe.PaymentMethodTypeCard || pm.Card == nil {
		return CardDetails{}, fmt.Errorf("%w: %s is not a card", ErrInvalidPaymentMethod, token)
	}

	return CardDetails{
		Brand:    string(pm.Card.Brand),
		Last4:    pm.Card.Last4,
		ExpMonth: pm.Card.ExpMonth,
		ExpYear:  pm.Card.ExpYear,
	}, nil
}
