package gateway

import (
	"context"
	"errors"

	stripe "github.com/stripe/stripe-go/v82"
)

var (
	// ErrUnavailable marks transport failures, rate limits and 5xx answers; retry later.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrRejected marks 4xx answers: the request itself was refused.
	ErrRejected = errors.New("gateway rejected request")
)

// StripeGateway abstracts Stripe SDK operations needed by the app layer.
// Methods return values (not pointers) to respect the project's preference
// to avoid pointer types in public interfaces.
type StripeGateway interface {
	GetPaymentIntent(ctx context.Context, id string) (stripe.PaymentIntent, error)
	GetPrice(ctx context.Context, id string) (stripe.Price, error)
	GetProduct(ctx context.Context, id string) (stripe.Product, error)
	GetCustomer(ctx context.Context, id string) (stripe.Customer, error)
	ListPrices(ctx context.Context, productID string) ([]stripe.Price, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (stripe.CheckoutSession, error)
}

// CheckoutParams describes a single-line, payment-mode checkout session.
type CheckoutParams struct {
	Currency           string
	UnitAmount         int64
	ProductName        string
	Description        string
	PaymentMethodTypes []string
	SuccessURL         string
	CancelURL          string
	// Metadata is copied onto the resulting payment intent.
	Metadata map[string]string
}

// PaymentRef is the identifier a checkout session is tracked by: its payment
// intent when the gateway has created one, otherwise the session itself.
func PaymentRef(s stripe.CheckoutSession) string {
	if s.PaymentIntent != nil && s.PaymentIntent.ID != "" {
		return s.PaymentIntent.ID
	}
	return s.ID
}
