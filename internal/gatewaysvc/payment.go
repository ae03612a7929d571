package gatewaysvc

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/paymentintent"
)

// CaptureDecider decides whether a PaymentCapture that arrived with
// valid=true should remain valid. This is the gateway's only source of
// capture failure (spec §4.1: valid := valid AND Bernoulli(p)).
type CaptureDecider interface {
	Decide(ctx context.Context, orderID string) bool
}

// bernoulliDecider is the default decider: it flips valid to false with
// probability (1 - successProbability).
type bernoulliDecider struct {
	successProbability float64
	rng                *rand.Rand
}

// NewBernoulliDecider builds the fixed-probability decider from spec §4.1
// and §6 (default 90%).
func NewBernoulliDecider(successProbability float64) CaptureDecider {
	return &bernoulliDecider{
		successProbability: successProbability,
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *bernoulliDecider) Decide(ctx context.Context, orderID string) bool {
	return d.rng.Float64() < d.successProbability
}

// stripeRiskDecider additionally consults Stripe's sandbox API (a one-item
// PaymentIntent listing) before falling through to the Bernoulli decision.
// The lookup's result does not affect the outcome: a failure is logged, and
// the decision is always the one next returns, so the documented Bernoulli
// probability stays the only source of capture failure.
type stripeRiskDecider struct {
	next   CaptureDecider
	logger *slog.Logger
}

// NewStripeRiskDecider wraps next with an optional Stripe lookup. apiKey
// configures the global Stripe client; pass "" to disable (returns next
// unchanged).
func NewStripeRiskDecider(apiKey string, next CaptureDecider, logger *slog.Logger) CaptureDecider {
	if apiKey == "" {
		return next
	}
	stripe.Key = apiKey
	return &stripeRiskDecider{next: next, logger: logger}
}

func (d *stripeRiskDecider) Decide(ctx context.Context, orderID string) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	params := &stripe.PaymentIntentListParams{}
	params.Context = ctx
	params.Filters.AddFilter("limit", "", "1")
	result := paymentintent.List(params)
	if err := result.Err(); err != nil {
		d.logger.Warn("stripe risk lookup failed, deferring to bernoulli decider",
			slog.String("order_id", orderID), slog.Any("error", err))
	}

	return d.next.Decide(ctx, orderID)
}
