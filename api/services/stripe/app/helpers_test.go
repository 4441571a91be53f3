package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/tbeaudouin05/stripe-recurring/api/services/stripe/app/mocks"
	stripedb "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/db"
	gw "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/gateway"
)

const testSecret = "whsec_test_secret"

var fixedNow = time.Unix(1_700_000_000, 0)

func clock() time.Time { return fixedNow }

type fakeGateway struct {
	mu sync.Mutex

	prices    map[string]stripe.Price
	priceErr  map[string]error
	panicOn   map[string]bool
	customers map[string]stripe.Customer

	// checkoutErr fails sessions by currency.
	checkoutErr map[string]error
	sessions    []gw.CheckoutParams
	priceCalls  map[string]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		prices:      make(map[string]stripe.Price),
		priceErr:    make(map[string]error),
		panicOn:     make(map[string]bool),
		customers:   make(map[string]stripe.Customer),
		checkoutErr: make(map[string]error),
		priceCalls:  make(map[string]int),
	}
}

func (f *fakeGateway) GetPaymentIntent(_ context.Context, id string) (stripe.PaymentIntent, error) {
	return stripe.PaymentIntent{ID: id}, nil
}

func (f *fakeGateway) GetPrice(_ context.Context, id string) (stripe.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls[id]++
	if f.panicOn[id] {
		panic("corrupt price " + id)
	}
	if err := f.priceErr[id]; err != nil {
		return stripe.Price{}, err
	}
	p, ok := f.prices[id]
	if !ok {
		return stripe.Price{}, fmt.Errorf("%w: no such price %s", gw.ErrRejected, id)
	}
	return p, nil
}

func (f *fakeGateway) GetProduct(_ context.Context, id string) (stripe.Product, error) {
	return stripe.Product{ID: id}, nil
}

func (f *fakeGateway) GetCustomer(_ context.Context, id string) (stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.customers[id]; ok {
		return c, nil
	}
	return stripe.Customer{ID: id}, nil
}

func (f *fakeGateway) ListPrices(context.Context, string) ([]stripe.Price, error) { return nil, nil }

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, p gw.CheckoutParams) (stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkoutErr[p.Currency]; err != nil {
		return stripe.CheckoutSession{}, err
	}
	f.sessions = append(f.sessions, p)
	n := len(f.sessions)
	return stripe.CheckoutSession{
		ID:            fmt.Sprintf("cs_%d", n),
		URL:           fmt.Sprintf("https://checkout.test/%s/%d", p.Currency, n),
		PaymentIntent: &stripe.PaymentIntent{ID: fmt.Sprintf("pi_renew_%d", n)},
	}, nil
}

func (f *fakeGateway) checkouts() []gw.CheckoutParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gw.CheckoutParams(nil), f.sessions...)
}

func recurringPrice(id, interval, group string) stripe.Price {
	return stripe.Price{
		ID:         id,
		Nickname:   "Pro " + interval,
		Currency:   stripe.CurrencyUSD,
		UnitAmount: 1500,
		Product:    &stripe.Product{ID: "prod_" + id},
		Metadata: map[string]string{
			metaIsRecurring: "true",
			metaInterval:    interval,
			metaGroupName:   group,
		},
	}
}

type serviceFixture struct {
	svc   Service
	store *stripedb.MemoryStore
	gw    *fakeGateway
	ent   *mocks.MockEntitlements
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := serviceFixture{
		store: stripedb.NewMemoryStore(),
		gw:    newFakeGateway(),
		ent:   mocks.NewMockEntitlements(ctrl),
	}
	f.svc = NewService(f.store, f.gw, f.ent, Options{WebhookSecret: testSecret, Now: clock})
	return f
}

// signedEvent builds a webhook body and a valid Stripe-Signature header.
func signedEvent(t *testing.T, id string, typ stripe.EventType, object any) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return sign(body)
}

func sign(body []byte) ([]byte, string) {
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return sp.Payload, sp.Header
}

func paymentIntent(id, status string, metadata map[string]string) map[string]any {
	return map[string]any{
		"id":       id,
		"object":   "payment_intent",
		"status":   status,
		"metadata": metadata,
	}
}

func recurringMetadata(userID, planID, interval, group string) map[string]string {
	return map[string]string{
		metaRecurringPayment: "true",
		metaUserID:           userID,
		metaPlanID:           planID,
		metaInterval:         interval,
		metaGroupName:        group,
	}
}
