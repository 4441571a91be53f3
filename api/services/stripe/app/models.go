package app

import (
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	stripedb "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/db"
)

// Metadata keys shared with the checkout flow and the Stripe price catalog.
const (
	metaRecurringPayment = "recurring_payment"
	metaInterval         = "system_recurring_interval"
	metaIsRecurring      = "is_system_recurring"
	metaGroupName        = "group_name"
	metaUserID           = "user_id"
	metaPlanID           = "plan_id"
	metaSubscriptionID   = "subscription_id"
)

const internalPrefix = "internal_"

// Business constants
const (
	// MinimumUnitAmount is charged when a plan's price is below one minor unit.
	MinimumUnitAmount = 100
	defaultPlanName   = "Plan"
)

// Plan is the subset of a Stripe price the reconciliation loop works with.
type Plan struct {
	ID         string
	ProductID  string
	Nickname   string
	Currency   string
	UnitAmount int64
	// Recurring is set for plans billed by this service through repeated checkout.
	Recurring bool
	Interval  string
	Group     string
}

func planFromPrice(p stripe.Price) Plan {
	plan := Plan{
		ID:         p.ID,
		Nickname:   p.Nickname,
		Currency:   string(p.Currency),
		UnitAmount: p.UnitAmount,
		Recurring:  p.Metadata[metaIsRecurring] == "true",
		Interval:   p.Metadata[metaInterval],
		Group:      p.Metadata[metaGroupName],
	}
	if p.Product != nil {
		plan.ProductID = p.Product.ID
	}
	return plan
}

// ChargeAmount is the unit amount used for renewal checkouts.
func (p Plan) ChargeAmount() int64 {
	if p.UnitAmount < 1 {
		return MinimumUnitAmount
	}
	return p.UnitAmount
}

func (p Plan) DisplayName() string {
	if p.Nickname != "" {
		return p.Nickname
	}
	return defaultPlanName
}

// UserSubscription is the user-facing view of an internal subscription.
// Keep value types to avoid pointer proliferation in domain.
type UserSubscription struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	Status    string    `json:"status"`
	State     string    `json:"state"`
	NextDue   int64     `json:"nextDue"`
	CreatedAt time.Time `json:"createdAt"`
}

func toUserSubscription(s stripedb.InternalSubscription) UserSubscription {
	status := "inactive"
	if s.Active {
		status = "active"
	}
	return UserSubscription{
		ID:        s.PublicID(),
		ProductID: s.ProductID,
		Status:    status,
		State:     string(s.Status),
		NextDue:   s.NextDue,
		CreatedAt: s.CreatedAt,
	}
}

// PlanDescription combines the gateway price with locally stored plan metadata.
type PlanDescription struct {
	Plan           Plan
	Features       []stripedb.PlanFeature
	HasAlternate   bool
	AlternatePrice stripedb.AlternatePrice
}

// WebhookResult tells the transport what happened to a delivery.
type WebhookResult struct {
	EventID string
	Type    string
	Outcome string
}

// TickReport summarises one reconciliation tick.
type TickReport struct {
	// Skipped is set when another holder owned the lease; nothing else is filled.
	Skipped      bool
	Scanned      int
	Renewed      int
	Expired      int
	GraceExpired int
	Failed       int
	Duration     time.Duration
}
