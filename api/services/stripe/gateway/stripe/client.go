package stripegw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/price"
	"github.com/stripe/stripe-go/v82/product"

	gw "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/gateway"
)

// SetKey configures the Stripe SDK key once during bootstrap.
func SetKey(key string) { stripe.Key = key }

// client is the Stripe SDK-backed implementation of the gateway.
type client struct{}

// New returns a StripeGateway backed by the official Stripe SDK.
func New() gw.StripeGateway { return client{} }

// classify maps SDK errors onto the gateway sentinels.
func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %s: %v", gw.ErrUnavailable, op, err)
		}
		return fmt.Errorf("%w: %s: %v", gw.ErrRejected, op, err)
	}
	return fmt.Errorf("%w: %s: %v", gw.ErrUnavailable, op, err)
}

func (client) GetPaymentIntent(ctx context.Context, id string) (stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return stripe.PaymentIntent{}, classify("retrieve payment intent", err)
	}
	if pi == nil {
		return stripe.PaymentIntent{}, nil
	}
	return *pi, nil
}

func (client) GetPrice(ctx context.Context, id string) (stripe.Price, error) {
	params := &stripe.PriceParams{}
	params.Context = ctx
	p, err := price.Get(id, params)
	if err != nil {
		return stripe.Price{}, classify("retrieve price", err)
	}
	if p == nil {
		return stripe.Price{}, nil
	}
	return *p, nil
}

func (client) GetProduct(ctx context.Context, id string) (stripe.Product, error) {
	params := &stripe.ProductParams{}
	params.Context = ctx
	p, err := product.Get(id, params)
	if err != nil {
		return stripe.Product{}, classify("retrieve product", err)
	}
	if p == nil {
		return stripe.Product{}, nil
	}
	return *p, nil
}

func (client) GetCustomer(ctx context.Context, id string) (stripe.Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	custPtr, err := customer.Get(id, params)
	if err != nil {
		return stripe.Customer{}, classify("retrieve customer", err)
	}
	if custPtr == nil {
		return stripe.Customer{}, nil
	}
	return *custPtr, nil
}

// ListPrices returns the active prices of a product.
func (client) ListPrices(ctx context.Context, productID string) ([]stripe.Price, error) {
	params := &stripe.PriceListParams{
		Product: stripe.String(productID),
		Active:  stripe.Bool(true),
	}
	params.Context = ctx
	var out []stripe.Price
	it := price.List(params)
	for it.Next() {
		out = append(out, *it.Price())
	}
	if err := it.Err(); err != nil {
		return nil, classify("list prices", err)
	}
	return out, nil
}

func (client) CreateCheckoutSession(ctx context.Context, p gw.CheckoutParams) (stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		SuccessURL:          stripe.String(p.SuccessURL),
		CancelURL:           stripe.String(p.CancelURL),
		AllowPromotionCodes: stripe.Bool(true),
		Mode:                stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes:  stripe.StringSlice(p.PaymentMethodTypes),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(p.Currency),
					UnitAmount: stripe.Int64(p.UnitAmount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(p.ProductName),
						Description: stripe.String(p.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: p.Metadata,
		},
	}
	if slices.Contains(p.PaymentMethodTypes, "wechat_pay") {
		params.PaymentMethodOptions = &stripe.CheckoutSessionPaymentMethodOptionsParams{
			WeChatPay: &stripe.CheckoutSessionPaymentMethodOptionsWeChatPayParams{Client: stripe.String("web")},
		}
	}
	params.Context = ctx
	s, err := session.New(params)
	if err != nil {
		return stripe.CheckoutSession{}, classify("create checkout session", err)
	}
	if s == nil {
		return stripe.CheckoutSession{}, nil
	}
	return *s, nil
}
