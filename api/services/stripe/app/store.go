package app

import (
	"context"
	"time"

	stripedb "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/db"
)

//go:generate mockgen -destination=mocks/mock_collaborators.go -package=mocks github.com/tbeaudouin05/stripe-recurring/api/services/stripe/app Notifier,Entitlements

// SubscriptionStore persists internal subscriptions. Every mutation is
// conditional and reports whether it changed the row.
type SubscriptionStore interface {
	FindByPaymentRef(ctx context.Context, ref string) (stripedb.InternalSubscription, error)
	GetSubscription(ctx context.Context, id int64) (stripedb.InternalSubscription, error)
	CreateSubscription(ctx context.Context, s stripedb.InternalSubscription) (stripedb.InternalSubscription, error)
	MarkSucceeded(ctx context.Context, id int64, nextDue int64) (bool, error)
	Cancel(ctx context.Context, id int64) (bool, error)
	Deactivate(ctx context.Context, id int64, from, to stripedb.Status) (bool, error)
	ScheduleCancel(ctx context.Context, id int64) (bool, error)
	BeginRenewal(ctx context.Context, id int64, refs stripedb.PaymentRefs, notifiedAt int64) (bool, error)
	ListActive(ctx context.Context, afterID int64, limit int) ([]stripedb.InternalSubscription, error)
	ListByUser(ctx context.Context, userID string) ([]stripedb.InternalSubscription, error)
}

// EventLog de-duplicates webhook deliveries.
type EventLog interface {
	RecordEvent(ctx context.Context, eventID, eventType string) (bool, error)
	ForgetEvent(ctx context.Context, eventID string) error
}

type PlanStore interface {
	GetAlternatePrice(ctx context.Context, planID string) (stripedb.AlternatePrice, error)
	ListPlanFeatures(ctx context.Context, planID string) ([]stripedb.PlanFeature, error)
}

// CustomerStore holds the native-subscription link records and synced products.
type CustomerStore interface {
	FindOrCreateCustomer(ctx context.Context, c stripedb.CustomerLink) (stripedb.CustomerLink, error)
	FindCustomer(ctx context.Context, customerID, productID string) (stripedb.CustomerLink, error)
	DeleteCustomer(ctx context.Context, id int64) error
	FindOrCreateNativeSubscription(ctx context.Context, s stripedb.NativeSubscription) (stripedb.NativeSubscription, bool, error)
	DeleteNativeSubscription(ctx context.Context, customerRowID int64, externalID string) error
	CreateProduct(ctx context.Context, externalID string) (bool, error)
}

// Store is implemented by stripedb.PostgresStore and stripedb.MemoryStore.
type Store interface {
	SubscriptionStore
	EventLog
	PlanStore
	CustomerStore
}

// Notifier delivers a private message to a user.
type Notifier interface {
	Send(ctx context.Context, userID, title, body string) error
}

// Entitlements manages group membership. Both calls are idempotent.
type Entitlements interface {
	Grant(ctx context.Context, userID, group string) error
	Revoke(ctx context.Context, userID, group string) error
}

// Locker is the fleet-wide lease used by the reconciliation loop. The lease
// context is cancelled when the lease is released or lost.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (lease context.Context, release func(), acquired bool, err error)
}
