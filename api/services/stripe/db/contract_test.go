package db_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripedb "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/db"
)

// store is the surface shared by MemoryStore and PostgresStore.
type store interface {
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
	RecordEvent(ctx context.Context, eventID, eventType string) (bool, error)
	ForgetEvent(ctx context.Context, eventID string) error
	GetAlternatePrice(ctx context.Context, planID string) (stripedb.AlternatePrice, error)
	SetAlternatePrice(ctx context.Context, a stripedb.AlternatePrice) error
	ListPlanFeatures(ctx context.Context, planID string) ([]stripedb.PlanFeature, error)
	AddPlanFeature(ctx context.Context, f stripedb.PlanFeature) (stripedb.PlanFeature, error)
	FindOrCreateCustomer(ctx context.Context, c stripedb.CustomerLink) (stripedb.CustomerLink, error)
	FindCustomer(ctx context.Context, customerID, productID string) (stripedb.CustomerLink, error)
	DeleteCustomer(ctx context.Context, id int64) error
	FindOrCreateNativeSubscription(ctx context.Context, s stripedb.NativeSubscription) (stripedb.NativeSubscription, bool, error)
	DeleteNativeSubscription(ctx context.Context, customerRowID int64, externalID string) error
	CreateProduct(ctx context.Context, externalID string) (bool, error)
}

func unique(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func newSucceeded(t *testing.T, s store, userID string, refs ...string) stripedb.InternalSubscription {
	t.Helper()
	sub, err := s.CreateSubscription(context.Background(), stripedb.InternalSubscription{
		ProductID:   "price_monthly",
		UserID:      userID,
		PaymentRefs: refs,
		Status:      stripedb.StatusSucceeded,
		Active:      true,
		NextDue:     time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	return sub
}

func runStoreContract(t *testing.T, s store) {
	ctx := context.Background()

	t.Run("exact ref lookup", func(t *testing.T) {
		ref := unique("pi")
		sub := newSucceeded(t, s, unique("user"), ref)

		found, err := s.FindByPaymentRef(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, sub.ID, found.ID)
		assert.Equal(t, stripedb.PaymentRefs{ref}, found.PaymentRefs)

		// A prefix of a stored ref must not match.
		_, err = s.FindByPaymentRef(ctx, ref[:len(ref)-4])
		assert.ErrorIs(t, err, stripedb.ErrNotFound)
	})

	t.Run("duplicate ref rejected", func(t *testing.T) {
		ref := unique("pi")
		newSucceeded(t, s, unique("user"), ref)
		_, err := s.CreateSubscription(ctx, stripedb.InternalSubscription{
			ProductID: "price_monthly", UserID: unique("user"), PaymentRefs: stripedb.PaymentRefs{ref},
			Status: stripedb.StatusSucceeded, Active: true,
		})
		assert.ErrorIs(t, err, stripedb.ErrAlreadyExists)
	})

	t.Run("renewal replaces refs", func(t *testing.T) {
		oldRef := unique("pi")
		sub := newSucceeded(t, s, unique("user"), oldRef)
		newRefs := stripedb.PaymentRefs{unique("pi"), unique("pi")}
		notified := time.Now().Unix()

		ok, err := s.BeginRenewal(ctx, sub.ID, newRefs, notified)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, stripedb.StatusCreated, got.Status)
		assert.Equal(t, newRefs, got.PaymentRefs)
		assert.Equal(t, notified, got.LastNotification)
		assert.Equal(t, sub.NextDue, got.NextDue)

		_, err = s.FindByPaymentRef(ctx, oldRef)
		assert.ErrorIs(t, err, stripedb.ErrNotFound)

		// Second renewal attempt is refused: the row is no longer succeeded.
		ok, err = s.BeginRenewal(ctx, sub.ID, stripedb.PaymentRefs{unique("pi")}, notified)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("mark succeeded is conditional", func(t *testing.T) {
		sub := newSucceeded(t, s, unique("user"), unique("pi"))
		ok, err := s.MarkSucceeded(ctx, sub.ID, sub.NextDue+10)
		require.NoError(t, err)
		assert.False(t, ok, "already succeeded and active")

		_, err = s.BeginRenewal(ctx, sub.ID, stripedb.PaymentRefs{unique("pi")}, time.Now().Unix())
		require.NoError(t, err)
		ok, err = s.MarkSucceeded(ctx, sub.ID, sub.NextDue+10)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, stripedb.StatusSucceeded, got.Status)
		assert.Equal(t, int64(0), got.LastNotification)
		assert.Equal(t, sub.NextDue+10, got.NextDue)
	})

	t.Run("cancel and deactivate", func(t *testing.T) {
		sub := newSucceeded(t, s, unique("user"), unique("pi"))

		ok, err := s.Deactivate(ctx, sub.ID, stripedb.StatusCreated, stripedb.StatusCancelled)
		require.NoError(t, err)
		assert.False(t, ok, "status does not match")

		ok, err = s.ScheduleCancel(ctx, sub.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Deactivate(ctx, sub.ID, stripedb.StatusCancelPending, stripedb.StatusCancelPending)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.Equal(t, stripedb.StatusCancelPending, got.Status)

		ok, err = s.Cancel(ctx, sub.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.Cancel(ctx, sub.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("list active pages by id", func(t *testing.T) {
		user := unique("user")
		a := newSucceeded(t, s, user, unique("pi"))
		b := newSucceeded(t, s, user, unique("pi"))
		c := newSucceeded(t, s, user, unique("pi"))
		_, err := s.Cancel(ctx, b.ID)
		require.NoError(t, err)

		page, err := s.ListActive(ctx, a.ID-1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, a.ID, page[0].ID)

		page, err = s.ListActive(ctx, a.ID, 100)
		require.NoError(t, err)
		var ids []int64
		for _, p := range page {
			ids = append(ids, p.ID)
		}
		assert.Contains(t, ids, c.ID)
		assert.NotContains(t, ids, b.ID)

		mine, err := s.ListByUser(ctx, user)
		require.NoError(t, err)
		assert.Len(t, mine, 3)
	})

	t.Run("concurrent renewals apply once", func(t *testing.T) {
		sub := newSucceeded(t, s, unique("user"), unique("pi"))
		var wg sync.WaitGroup
		results := make(chan bool, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.BeginRenewal(ctx, sub.ID, stripedb.PaymentRefs{unique("pi")}, time.Now().Unix())
				if err != nil && !errors.Is(err, stripedb.ErrAlreadyExists) {
					t.Errorf("BeginRenewal: %v", err)
				}
				results <- ok
			}()
		}
		wg.Wait()
		close(results)
		wins := 0
		for ok := range results {
			if ok {
				wins++
			}
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("event log", func(t *testing.T) {
		id := unique("evt")
		first, err := s.RecordEvent(ctx, id, "payment_intent.succeeded")
		require.NoError(t, err)
		assert.True(t, first)
		again, err := s.RecordEvent(ctx, id, "payment_intent.succeeded")
		require.NoError(t, err)
		assert.False(t, again)
		require.NoError(t, s.ForgetEvent(ctx, id))
		retry, err := s.RecordEvent(ctx, id, "payment_intent.succeeded")
		require.NoError(t, err)
		assert.True(t, retry)
	})

	t.Run("plan metadata", func(t *testing.T) {
		plan := unique("price")
		_, err := s.GetAlternatePrice(ctx, plan)
		assert.ErrorIs(t, err, stripedb.ErrNotFound)

		require.NoError(t, s.SetAlternatePrice(ctx, stripedb.AlternatePrice{PlanID: plan, Currency: "cny", UnitAmount: 6800}))
		alt, err := s.GetAlternatePrice(ctx, plan)
		require.NoError(t, err)
		assert.Equal(t, int64(6800), alt.UnitAmount)

		_, err = s.AddPlanFeature(ctx, stripedb.PlanFeature{PlanID: plan, Feature: "second", FeatureID: 2})
		require.NoError(t, err)
		_, err = s.AddPlanFeature(ctx, stripedb.PlanFeature{PlanID: plan, Feature: "first", FeatureID: 1})
		require.NoError(t, err)
		features, err := s.ListPlanFeatures(ctx, plan)
		require.NoError(t, err)
		require.Len(t, features, 2)
		assert.Equal(t, "first", features[0].Feature)
	})

	t.Run("native links", func(t *testing.T) {
		cust := unique("cus")
		link, err := s.FindOrCreateCustomer(ctx, stripedb.CustomerLink{CustomerID: cust, ProductID: "prod_1", UserID: "u-native"})
		require.NoError(t, err)
		again, err := s.FindOrCreateCustomer(ctx, stripedb.CustomerLink{CustomerID: cust, ProductID: "prod_1", UserID: "u-native"})
		require.NoError(t, err)
		assert.Equal(t, link.ID, again.ID)

		ext := unique("sub")
		ns, created, err := s.FindOrCreateNativeSubscription(ctx, stripedb.NativeSubscription{CustomerRowID: link.ID, ExternalID: ext, Status: "active"})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "u-native", ns.OwnerID())
		_, created, err = s.FindOrCreateNativeSubscription(ctx, stripedb.NativeSubscription{CustomerRowID: link.ID, ExternalID: ext})
		require.NoError(t, err)
		assert.False(t, created)

		require.NoError(t, s.DeleteNativeSubscription(ctx, link.ID, ext))
		require.NoError(t, s.DeleteCustomer(ctx, link.ID))
		_, err = s.FindCustomer(ctx, cust, "prod_1")
		assert.ErrorIs(t, err, stripedb.ErrNotFound)

		prod := unique("prod")
		created, err = s.CreateProduct(ctx, prod)
		require.NoError(t, err)
		assert.True(t, created)
		created, err = s.CreateProduct(ctx, prod)
		require.NoError(t, err)
		assert.False(t, created)
	})
}
