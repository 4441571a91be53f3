package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbeaudouin05/stripe-recurring/api/lock"
	"github.com/tbeaudouin05/stripe-recurring/api/services/stripe/app/mocks"
	stripedb "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/db"
	gw "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/gateway"
)

var seedRefs atomic.Int64

type reconcileFixture struct {
	r        *Reconciler
	store    *stripedb.MemoryStore
	gw       *fakeGateway
	notifier *mocks.MockNotifier
	ent      *mocks.MockEntitlements
	locker   *lock.MemoryLock
}

func newReconcileFixture(t *testing.T, batchSize int) reconcileFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := reconcileFixture{
		store:    stripedb.NewMemoryStore(),
		gw:       newFakeGateway(),
		notifier: mocks.NewMockNotifier(ctrl),
		ent:      mocks.NewMockEntitlements(ctrl),
		locker:   lock.NewMemoryLock(),
	}
	f.gw.prices["price_month"] = recurringPrice("price_month", "month", "pro")
	f.r = NewReconciler(f.store, f.gw, f.notifier, f.ent, f.locker, ReconcilerConfig{
		LockKey:           "recurring:reconcile",
		LeaseTTL:          time.Minute,
		BatchSize:         batchSize,
		GraceWindow:       43200 * time.Second,
		BaseURL:           "https://forum.test",
		Currency:          "usd",
		AlternateCurrency: "cny",
		Now:               clock,
	}, nil)
	return f
}

func (f reconcileFixture) create(t *testing.T, s stripedb.InternalSubscription) stripedb.InternalSubscription {
	t.Helper()
	if s.ProductID == "" {
		s.ProductID = "price_month"
	}
	if s.UserID == "" {
		s.UserID = "u1"
	}
	if len(s.PaymentRefs) == 0 {
		s.PaymentRefs = stripedb.PaymentRefs{"pi_seed_" + strconv.FormatInt(seedRefs.Add(1), 10)}
	}
	sub, err := f.store.CreateSubscription(context.Background(), s)
	require.NoError(t, err)
	return sub
}

func (f reconcileFixture) get(t *testing.T, id int64) stripedb.InternalSubscription {
	t.Helper()
	sub, err := f.store.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func Test_Tick_RenewsDueSubscription(t *testing.T) {
	f := newReconcileFixture(t, 100)
	now := fixedNow.Unix()
	sub := f.create(t, stripedb.InternalSubscription{Status: stripedb.StatusSucceeded, Active: true, NextDue: now - 1})

	var body string
	f.notifier.EXPECT().Send(gomock.Any(), "u1", renewalTitle, gomock.Any()).
		Do(func(_ context.Context, _, _, b string) { body = b }).
		Return(nil).Times(1)

	report, err := f.r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)

	got := f.get(t, sub.ID)
	assert.Equal(t, stripedb.StatusCreated, got.Status)
	assert.Equal(t, now-1, got.NextDue, "next_due unchanged")
	assert.Equal(t, now, got.LastNotification)
	assert.Equal(t, stripedb.PaymentRefs{"pi_renew_1"}, got.PaymentRefs)
	assert.Contains(t, body, "https://checkout.test/usd/1")

	checkouts := f.gw.checkouts()
	require.Len(t, checkouts, 1)
	assert.Equal(t, "usd", checkouts[0].Currency)
	assert.Equal(t, int64(1500), checkouts[0].UnitAmount)
	assert.Equal(t, "https://forum.test/s?t=success", checkouts[0].SuccessURL)
	assert.Equal(t, []string{"card", "link"}, checkouts[0].PaymentMethodTypes)
	assert.Equal(t, map[string]string{
		metaRecurringPayment: "true",
		metaGroupName:        "pro",
		metaInterval:         "month",
		metaUserID:           "u1",
		metaPlanID:           "price_month",
		metaSubscriptionID:   strconv.FormatInt(sub.ID, 10),
	}, checkouts[0].Metadata)
}

func Test_Tick_RenewalWithAlternateCurrency(t *testing.T) {
	f := newReconcileFixture(t, 100)
	require.NoError(t, f.store.SetAlternatePrice(context.Background(), stripedb.AlternatePrice{PlanID: "price_month", Currency: "cny", UnitAmount: 9900}))
	sub := f.create(t, stripedb.InternalSubscription{Status: stripedb.StatusSucceeded, Active: true, NextDue: fixedNow.Unix()})

	var body string
	f.notifier.EXPECT().Send(gomock.Any(), "u1", renewalTitle, gomock.Any()).
		Do(func(_ context.Context, _, _, b string) { body = b }).
		Return(nil)

	_, err := f.r.Tick(context.Background())
	require.NoError(t, err)

	got := f.get(t, sub.ID)
	assert.Equal(t, stripedb.PaymentRefs{"pi_renew_1", "pi_renew_2"}, got.PaymentRefs)
	assert.Contains(t, body, "https://checkout.test/usd/1")
	assert.Contains(t, body, "https://checkout.test/cny/2")

	checkouts := f.gw.checkouts()
	require.Len(t, checkouts, 2)
	assert.Equal(t, int64(9900), checkouts[1].UnitAmount)
	assert.Equal(t, []string{"wechat_pay", "alipay"}, checkouts[1].PaymentMethodTypes)
}

func Test_Tick_AlternateCheckoutFailureKeepsPrimary(t *testing.T) {
	f := newReconcileFixture(t, 100)
	require.NoError(t, f.store.SetAlternatePrice(context.Background(), stripedb.AlternatePrice{PlanID: "price_month", Currency: "cny", UnitAmount: 9900}))
	f.gw.checkoutErr["cny"] = fmt.Errorf("%w: currency not enabled", gw.ErrRejected)
	sub := f.create(t, stripedb.InternalSubscription{Status: stripedb.StatusSucceeded, Active: true, NextDue: fixedNow.Unix()})
	f.notifier.EXPECT().Send(gomock.Any(), "u1", renewalTitle, gomock.Any()).Return(nil)

	report, err := f.r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)
	assert.Equal(t, stripedb.PaymentRefs{"pi_renew_1"}, f.get(t, sub.ID).PaymentRefs)
}

func Test_Tick_FailedRenewalSendsNothing(t *testing.T) {
	f := newReconcileFixture(t, 100)
	f.gw.checkoutErr["usd"] = fmt.Errorf("%w: stripe 503", gw.ErrUnavailable)
	sub := f.create(t, stripedb.InternalSubscription{Status: stripedb.StatusSucceeded, Active: true, NextDue: fixedNow.Unix() - 5})

	report, err := f.r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got := f.get(t, sub.ID)
	assert.Equal(t, stripedb.StatusSucceeded, got.Status)
	assert.Zero(t, got.LastNotification)
}

func Test_Tick_GraceExpiry(t *testing.T) {
	f := newReconcileFixture(t, 100)
	now := fixedNow.Unix()
	expired := f.create(t, stripedb.InternalSubscription{Status: stripedb.StatusCreated, Active: true, NextDue: now - 50000, LastNotification: now - 43201})
	waiting := f.create(t, stripedb.InternalSubscription{UserID: "u2", Status: stripedb.StatusCreated, Active: true, NextDue: now - 100, LastNotification: now - 100})

	f.ent.EXPECT().Revoke(gomock.Any(), "u1", "pro").Return(nil).Times(1)
	f.notifier.EXPECT().Send(gomock.Any(), "u1", expiredTitle, gomock.Any()).Return(nil).Times(1)

	report, err := f.r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.GraceExpired)

	got := f.get(t, expired.ID)
	assert.Equal(t, stripedb.StatusCancelled, got.Status)
	assert.False(t, got.Active)

	still := f.get(t, waiting.ID)
	assert.Equal(t, stripedb.StatusCreated, still.Status)
	assert.True(t, still.Active)

	// Next tick does not revoke again.
	report, err = f.r.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.GraceExpired)
}

func Test_Tick_ExpiresScheduledCancellation(t *testing.T) {
	f := newReconcileFixture(t, 100)
	now := fixedNow.Unix()
	due := f.create(t, stripedb.InternalSubscription{Status: stripedb.StatusCancelPending, Active: true, NextDue: now})
	later := f.create(t, stripedb.InternalSubscription{UserID: "u2", Status: stripedb.StatusCancelPending, Active: true, NextDue: now + 3600})

	f.ent.EXPECT().Revoke(gomock.Any(), "u1", "pro").Return(nil)
	f.notifier.EXPECT().Send(gomock.Any(), "u1", expiredTitle, gomock.Any()).Return(nil)

	report, err := f.r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)

	got := f.get(t, due.ID)
	assert.False(t, got.Active)
	assert.Equal(t, stripedb.StatusCancelPending, got.Status)
	assert.True(t, f.get(t, later.ID).Active)
}

func Test_Tick_IgnoresNonRecurringPlans(t *testing.T) {
	f := newReconcileFixture(t, 100)
	price := recurringPrice("price_once", "month", "pro")
	price.Metadata[metaIsRecurring] = "false"
	f.gw.prices["price_once"] = price
	sub := f.create(t, stripedb.InternalSubscription{ProductID: "price_once", Status: stripedb.StatusSucceeded, Active: true, NextDue: 0})

	_, err := f.r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stripedb.StatusSucceeded, f.get(t, sub.ID).Status)
	assert.Empty(t, f.gw.checkouts())
}

func Test_Tick_SkipsWhenLeaseHeld(t *testing.T) {
	f := newReconcileFixture(t, 100)
	sub := f.create(t, stripedb.InternalSubscription{Status: stripedb.StatusSucceeded, Active: true, NextDue: 0})

	_, release, ok, err := f.locker.TryAcquire(context.Background(), "recurring:reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.r.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	_, err = f.r.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrLockBusy)

	assert.Equal(t, stripedb.StatusSucceeded, f.get(t, sub.ID).Status)
	assert.Empty(t, f.gw.checkouts())
	release()
}

// lossyLocker grants every lease and lets the test take it away mid-tick.
type lossyLocker struct {
	lose context.CancelFunc
}

func (l *lossyLocker) TryAcquire(ctx context.Context, _ string, _ time.Duration) (context.Context, func(), bool, error) {
	lease, cancel := context.WithCancel(ctx)
	l.lose = cancel
	return lease, cancel, true, nil
}

func Test_Tick_StopsWhenLeaseLost(t *testing.T) {
	f := newReconcileFixture(t, 100)
	locker := &lossyLocker{}
	f.r.locker = locker
	first := f.create(t, stripedb.InternalSubscription{UserID: "u1", Status: stripedb.StatusSucceeded, Active: true, NextDue: 0})
	second := f.create(t, stripedb.InternalSubscription{UserID: "u2", Status: stripedb.StatusSucceeded, Active: true, NextDue: 0})
	f.notifier.EXPECT().Send(gomock.Any(), "u1", renewalTitle, gomock.Any()).
		Do(func(context.Context, string, string, string) { locker.lose() }).
		Return(nil)

	report, err := f.r.Tick(context.Background())
	require.ErrorIs(t, err, ErrLeaseLost)
	assert.Equal(t, 1, report.Renewed)
	assert.Equal(t, stripedb.StatusCreated, f.get(t, first.ID).Status)
	assert.Equal(t, stripedb.StatusSucceeded, f.get(t, second.ID).Status, "no work after the lease is gone")
	assert.Len(t, f.gw.checkouts(), 1)
}

func Test_Tick_ReleasesLease(t *testing.T) {
	f := newReconcileFixture(t, 100)
	_, err := f.r.Tick(context.Background())
	require.NoError(t, err)

	_, release, ok, err := f.locker.TryAcquire(context.Background(), "recurring:reconcile", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	release()
}

func Test_Tick_IsolatesFailures(t *testing.T) {
	f := newReconcileFixture(t, 100)
	now := fixedNow.Unix()
	f.gw.priceErr["price_broken"] = fmt.Errorf("%w: 500", gw.ErrUnavailable)
	f.gw.prices["price_panic"] = recurringPrice("price_panic", "month", "pro")
	f.gw.panicOn["price_panic"] = true

	f.create(t, stripedb.InternalSubscription{ProductID: "price_broken", Status: stripedb.StatusSucceeded, Active: true, NextDue: now})
	f.create(t, stripedb.InternalSubscription{ProductID: "price_panic", Status: stripedb.StatusSucceeded, Active: true, NextDue: now})
	good := f.create(t, stripedb.InternalSubscription{UserID: "u3", Status: stripedb.StatusSucceeded, Active: true, NextDue: now})
	f.notifier.EXPECT().Send(gomock.Any(), "u3", renewalTitle, gomock.Any()).Return(nil)

	report, err := f.r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Renewed)
	assert.Equal(t, stripedb.StatusCreated, f.get(t, good.ID).Status)
}

func Test_Tick_NotificationFailureDoesNotUndoRenewal(t *testing.T) {
	f := newReconcileFixture(t, 100)
	sub := f.create(t, stripedb.InternalSubscription{Status: stripedb.StatusSucceeded, Active: true, NextDue: 0})
	f.notifier.EXPECT().Send(gomock.Any(), "u1", renewalTitle, gomock.Any()).Return(errors.New("forum down"))

	report, err := f.r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)
	assert.Equal(t, stripedb.StatusCreated, f.get(t, sub.ID).Status)
}

func Test_Tick_BatchesAndMemoisesPrices(t *testing.T) {
	f := newReconcileFixture(t, 10)
	for i := 0; i < 25; i++ {
		f.create(t, stripedb.InternalSubscription{
			UserID:      "u" + strconv.Itoa(i),
			PaymentRefs: stripedb.PaymentRefs{"pi_" + strconv.Itoa(i)},
			Status:      stripedb.StatusSucceeded,
			Active:      true,
			NextDue:     fixedNow.Unix() + 3600,
		})
	}
	report, err := f.r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, report.Scanned)
	assert.Zero(t, report.Renewed)
	assert.Equal(t, 1, f.gw.priceCalls["price_month"])
}

func Test_Tick_StopsOnCancelledContext(t *testing.T) {
	f := newReconcileFixture(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.r.Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// The lease is still released.
	_, release, ok, err := f.locker.TryAcquire(context.Background(), "recurring:reconcile", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	release()
}

func Test_Run_TicksUntilCancelled(t *testing.T) {
	f := newReconcileFixture(t, 100)
	sub := f.create(t, stripedb.InternalSubscription{Status: stripedb.StatusSucceeded, Active: true, NextDue: 0})
	done := make(chan struct{})
	f.notifier.EXPECT().Send(gomock.Any(), "u1", renewalTitle, gomock.Any()).
		Do(func(context.Context, string, string, string) { close(done) }).
		Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.r.Run(ctx, 10*time.Millisecond) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("renewal was not attempted")
	}
	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, stripedb.StatusCreated, f.get(t, sub.ID).Status)
}
