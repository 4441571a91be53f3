package db

import (
	"errors"
	"slices"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned by direct lookups that match no row.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when a unique key (payment ref, external id) is taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// Status is the lifecycle state of an internal subscription.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusCreated   Status = "created"
	// StatusCancelPending: cancellation requested, access runs until next_due.
	StatusCancelPending Status = "canceled"
	// StatusCancelled: terminated, access revoked.
	StatusCancelled Status = "cancelled"
	StatusInactive  Status = "inactive"
)

// Kind tags the two subscription variants.
type Kind string

const (
	KindInternal Kind = "internal"
	KindNative   Kind = "native"
)

// Subscription is what the entitlement and due-date logic needs from either variant.
type Subscription interface {
	Kind() Kind
	OwnerID() string
	IsDue(now int64) bool
}

// PaymentRefs holds the gateway payment ids of the current billing cycle, in
// checkout order (primary currency first).
type PaymentRefs []string

// Contains reports an exact match.
func (p PaymentRefs) Contains(ref string) bool {
	return slices.Contains(p, ref)
}

// Primary returns the first ref, or "" when empty.
func (p PaymentRefs) Primary() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// InternalSubscription is a recurring plan billed through repeated checkout sessions.
type InternalSubscription struct {
	ID          int64
	ProductID   string
	PaymentRefs PaymentRefs
	UserID      string
	Status      Status
	Active      bool
	NextDue     int64
	// LastNotification is 0 when the user has not been asked to pay this cycle.
	LastNotification int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (s InternalSubscription) Kind() Kind      { return KindInternal }
func (s InternalSubscription) OwnerID() string { return s.UserID }

// IsDue reports whether the next charge should be attempted at now.
func (s InternalSubscription) IsDue(now int64) bool {
	return s.Active && s.NextDue <= now
}

// PublicID is the identifier shown to users next to native gateway subscriptions.
func (s InternalSubscription) PublicID() string {
	return "internal_" + strconv.FormatInt(s.ID, 10)
}

// CustomerLink ties a gateway customer and product to a local user.
type CustomerLink struct {
	ID         int64
	CustomerID string
	ProductID  string
	UserID     string
	CreatedAt  time.Time
}

// NativeSubscription mirrors a gateway-managed subscription object.
type NativeSubscription struct {
	ID               int64
	CustomerRowID    int64
	ExternalID       string
	Status           string
	CurrentPeriodEnd int64
	UserID           string
	CreatedAt        time.Time
}

func (s NativeSubscription) Kind() Kind      { return KindNative }
func (s NativeSubscription) OwnerID() string { return s.UserID }

// IsDue reports whether the gateway period has ended.
func (s NativeSubscription) IsDue(now int64) bool {
	return s.CurrentPeriodEnd > 0 && s.CurrentPeriodEnd <= now
}

// AlternatePrice overrides a plan's price in a second currency.
type AlternatePrice struct {
	PlanID     string
	Currency   string
	UnitAmount int64
}

type PlanFeature struct {
	ID        int64
	PlanID    string
	Feature   string
	FeatureID int
}
