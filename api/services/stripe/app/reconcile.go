package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tbeaudouin05/stripe-recurring/api/metrics"
	stripedb "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/db"
	gw "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/gateway"
)

// ReconcilerConfig carries the loop's tunables; see config.Config for sources.
type ReconcilerConfig struct {
	LockKey     string
	LeaseTTL    time.Duration
	BatchSize   int
	GraceWindow time.Duration

	BaseURL           string
	Currency          string
	AlternateCurrency string

	Now func() time.Time
}

// Reconciler drives internal subscriptions through renewal, grace expiry and
// scheduled cancellation.
type Reconciler struct {
	store    Store
	gw       gw.StripeGateway
	notifier Notifier
	ent      Entitlements
	locker   Locker
	cfg      ReconcilerConfig
	log      *slog.Logger
}

func NewReconciler(store Store, g gw.StripeGateway, notifier Notifier, ent Entitlements, locker Locker, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "recurring:reconcile"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		gw:       g,
		notifier: notifier,
		ent:      ent,
		locker:   locker,
		cfg:      cfg,
		log:      logger,
	}
}

// Run ticks immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reconcile tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce is Tick for direct callers: a busy lease is reported as ErrLockBusy.
func (r *Reconciler) RunOnce(ctx context.Context) (TickReport, error) {
	report, err := r.Tick(ctx)
	if err == nil && report.Skipped {
		return report, ErrLockBusy
	}
	return report, err
}

// Tick runs one pass over active subscriptions while holding the fleet-wide
// lease. A lease held elsewhere yields a Skipped report and no error; a lease
// lost mid-scan stops the scan with ErrLeaseLost.
func (r *Reconciler) Tick(ctx context.Context) (TickReport, error) {
	lease, release, acquired, err := r.locker.TryAcquire(ctx, r.cfg.LockKey, r.cfg.LeaseTTL)
	if err != nil {
		metrics.ReconcileTicksTotal.WithLabelValues(metrics.TickFailed).Inc()
		return TickReport{}, fmt.Errorf("acquire reconcile lease: %w", err)
	}
	if !acquired {
		metrics.ReconcileTicksTotal.WithLabelValues(metrics.TickSkipped).Inc()
		r.log.Debug("reconcile lease busy, tick skipped")
		return TickReport{Skipped: true}, nil
	}
	defer release()

	start := time.Now()
	report, err := r.scan(lease)
	if err != nil && ctx.Err() == nil && lease.Err() != nil {
		err = fmt.Errorf("%w: stopped after %d subscriptions", ErrLeaseLost, report.Scanned)
	}
	report.Duration = time.Since(start)
	metrics.ReconcileTickDuration.Observe(report.Duration.Seconds())
	if err != nil {
		metrics.ReconcileTicksTotal.WithLabelValues(metrics.TickFailed).Inc()
		return report, err
	}
	metrics.ReconcileTicksTotal.WithLabelValues(metrics.TickRan).Inc()
	r.log.Info("reconcile tick done",
		"scanned", report.Scanned, "renewed", report.Renewed, "expired", report.Expired,
		"grace_expired", report.GraceExpired, "failed", report.Failed, "duration", report.Duration)
	return report, nil
}

func (r *Reconciler) scan(ctx context.Context) (TickReport, error) {
	var report TickReport
	now := r.cfg.Now().Unix()
	plans := newPlanCache(r.gw)

	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := r.store.ListActive(ctx, after, r.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("%w: list active subscriptions after %d: %v", ErrDatabase, after, err)
		}
		for _, sub := range batch {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Scanned++
			action, err := r.processSafely(ctx, sub, plans, now)
			if err != nil {
				report.Failed++
				metrics.ReconcileActionsTotal.WithLabelValues(metrics.ActionError).Inc()
				r.log.Error("reconcile subscription failed", "subscription_id", sub.ID, "user_id", sub.UserID, "err", err)
				continue
			}
			switch action {
			case metrics.ActionRenewal:
				report.Renewed++
			case metrics.ActionExpired:
				report.Expired++
			case metrics.ActionGraceExpiry:
				report.GraceExpired++
			}
			if action != "" {
				metrics.ReconcileActionsTotal.WithLabelValues(action).Inc()
			}
		}
		if len(batch) < r.cfg.BatchSize {
			return report, nil
		}
		after = batch[len(batch)-1].ID
	}
}

// processSafely keeps one subscription's panic from ending the tick.
func (r *Reconciler) processSafely(ctx context.Context, sub stripedb.InternalSubscription, plans *planCache, now int64) (action string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic processing subscription %d: %v", sub.ID, p)
		}
	}()
	return r.process(ctx, sub, plans, now)
}

func (r *Reconciler) process(ctx context.Context, sub stripedb.InternalSubscription, plans *planCache, now int64) (string, error) {
	plan, err := plans.get(ctx, sub.ProductID)
	if err != nil {
		return "", err
	}
	if !plan.Recurring {
		return "", nil
	}

	switch {
	case sub.Status == stripedb.StatusSucceeded && sub.IsDue(now):
		return r.renew(ctx, sub, plan, now)
	case sub.Status == stripedb.StatusCancelPending && sub.IsDue(now):
		return r.expire(ctx, sub, plan, stripedb.StatusCancelPending, metrics.ActionExpired)
	case sub.Status == stripedb.StatusCreated && sub.LastNotification > 0 &&
		now-sub.LastNotification >= int64(r.cfg.GraceWindow/time.Second):
		return r.expire(ctx, sub, plan, stripedb.StatusCancelled, metrics.ActionGraceExpiry)
	}
	return "", nil
}

// renew opens the checkout session(s) for the next cycle, moves the
// subscription to created and tells the user where to pay.
func (r *Reconciler) renew(ctx context.Context, sub stripedb.InternalSubscription, plan Plan, now int64) (string, error) {
	meta := map[string]string{
		metaRecurringPayment: "true",
		metaGroupName:        plan.Group,
		metaInterval:         plan.Interval,
		metaUserID:           sub.UserID,
		metaPlanID:           sub.ProductID,
		metaSubscriptionID:   strconv.FormatInt(sub.ID, 10),
	}
	params := gw.CheckoutParams{
		Currency:           r.cfg.Currency,
		UnitAmount:         plan.ChargeAmount(),
		ProductName:        plan.DisplayName(),
		Description:        r.cfg.BaseURL,
		PaymentMethodTypes: []string{"card", "link"},
		SuccessURL:         r.cfg.BaseURL + "/s?t=success",
		CancelURL:          r.cfg.BaseURL + "/s?t=cancel",
		Metadata:           meta,
	}
	primary, err := r.gw.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: checkout for subscription %d: %w", ErrGateway, sub.ID, err)
	}
	refs := stripedb.PaymentRefs{gw.PaymentRef(primary)}
	altURL := ""

	alt, ok, err := r.alternatePrice(ctx, sub.ProductID)
	if err != nil {
		return "", err
	}
	if ok {
		altParams := params
		altParams.Currency = alt.Currency
		altParams.UnitAmount = alt.UnitAmount
		altParams.PaymentMethodTypes = []string{"wechat_pay", "alipay"}
		session, err := r.gw.CreateCheckoutSession(ctx, altParams)
		if err != nil {
			r.log.Warn("alternate currency checkout failed, renewing with primary only",
				"subscription_id", sub.ID, "currency", alt.Currency, "err", err)
		} else {
			refs = append(refs, gw.PaymentRef(session))
			altURL = session.URL
		}
	}

	changed, err := r.store.BeginRenewal(ctx, sub.ID, refs, now)
	if err != nil {
		return "", fmt.Errorf("%w: begin renewal %d: %v", ErrDatabase, sub.ID, err)
	}
	if !changed {
		r.log.Info("subscription changed during renewal, skipping", "subscription_id", sub.ID)
		return metrics.ActionSkipped, nil
	}
	r.notify(ctx, sub.UserID, renewalTitle, renewalBody(plan.DisplayName(), primary.URL, altURL))
	r.log.Info("renewal requested", "subscription_id", sub.ID, "user_id", sub.UserID, "payment_refs", refs)
	return metrics.ActionRenewal, nil
}

// expire deactivates the subscription, revokes its group and tells the user.
func (r *Reconciler) expire(ctx context.Context, sub stripedb.InternalSubscription, plan Plan, to stripedb.Status, action string) (string, error) {
	changed, err := r.store.Deactivate(ctx, sub.ID, sub.Status, to)
	if err != nil {
		return "", fmt.Errorf("%w: deactivate subscription %d: %v", ErrDatabase, sub.ID, err)
	}
	if !changed {
		r.log.Info("subscription changed before expiry, skipping", "subscription_id", sub.ID)
		return metrics.ActionSkipped, nil
	}
	if err := revokeFor(ctx, r.ent, sub, plan.Group); err != nil {
		// The row is already inactive; log and still tell the user.
		r.log.Error("revoke after expiry failed", "subscription_id", sub.ID, "err", err)
	}
	r.notify(ctx, sub.UserID, expiredTitle, expiredBody(plan.DisplayName()))
	r.log.Info("subscription expired", "subscription_id", sub.ID, "user_id", sub.UserID, "status", to)
	return action, nil
}

func (r *Reconciler) alternatePrice(ctx context.Context, planID string) (stripedb.AlternatePrice, bool, error) {
	alt, err := r.store.GetAlternatePrice(ctx, planID)
	if errors.Is(err, ErrRecordNotFound) {
		return alt, false, nil
	}
	if err != nil {
		return alt, false, fmt.Errorf("%w: alternate price %s: %v", ErrDatabase, planID, err)
	}
	if alt.Currency == "" {
		alt.Currency = r.cfg.AlternateCurrency
	}
	return alt, true, nil
}

// notify is fire-and-forget.
func (r *Reconciler) notify(ctx context.Context, userID, title, body string) {
	if err := r.notifier.Send(ctx, userID, title, body); err != nil {
		r.log.Error("send notification failed", "user_id", userID, "title", title, "err", err)
	}
}

// planCache memoises price lookups (and their failures) for one tick.
type planCache struct {
	gw    gw.StripeGateway
	plans map[string]Plan
	errs  map[string]error
}

func newPlanCache(g gw.StripeGateway) *planCache {
	return &planCache{gw: g, plans: make(map[string]Plan), errs: make(map[string]error)}
}

func (c *planCache) get(ctx context.Context, priceID string) (Plan, error) {
	if p, ok := c.plans[priceID]; ok {
		return p, nil
	}
	if err, ok := c.errs[priceID]; ok {
		return Plan{}, err
	}
	price, err := c.gw.GetPrice(ctx, priceID)
	if err != nil {
		err = fmt.Errorf("%w: retrieve price %s: %w", ErrGateway, priceID, err)
		c.errs[priceID] = err
		return Plan{}, err
	}
	p := planFromPrice(price)
	c.plans[priceID] = p
	return p, nil
}
