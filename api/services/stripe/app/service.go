package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/tbeaudouin05/stripe-recurring/api/metrics"
	stripedb "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/db"
	gw "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/gateway"
)

// Service defines the business operations for the Stripe domain.
type Service interface {
	// HandleWebhook verifies and applies one Stripe webhook delivery.
	HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error)
	ListUserSubscriptions(ctx context.Context, userID string) ([]UserSubscription, error)
	// CancelSubscription schedules cancellation at the end of the paid period.
	CancelSubscription(ctx context.Context, subscriptionID string) error
	DescribePlan(ctx context.Context, planID string) (PlanDescription, error)
}

// Options tune a Service. Zero values pick sensible defaults.
type Options struct {
	WebhookSecret string
	Now           func() time.Time
	Logger        *slog.Logger
}

type serviceImpl struct {
	store  Store
	gw     gw.StripeGateway
	ent    Entitlements
	secret string
	now    func() time.Time
	log    *slog.Logger
	keys   *keyedMutex
}

func NewService(store Store, g gw.StripeGateway, ent Entitlements, opts Options) Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &serviceImpl{
		store:  store,
		gw:     g,
		ent:    ent,
		secret: opts.WebhookSecret,
		now:    opts.Now,
		log:    opts.Logger,
		keys:   newKeyedMutex(),
	}
}

func (s *serviceImpl) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", metrics.OutcomeRejected).Inc()
		return WebhookResult{}, verificationError(err)
	}
	if event.ID == "" || event.Type == "" || event.Data == nil || len(event.Data.Raw) == 0 {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", metrics.OutcomeRejected).Inc()
		return WebhookResult{}, fmt.Errorf("%w: event id, type or data missing", ErrMalformedPayload)
	}

	res := WebhookResult{EventID: event.ID, Type: string(event.Type)}
	log := s.log.With("event_id", event.ID, "event_type", event.Type)

	fresh, err := s.store.RecordEvent(ctx, event.ID, string(event.Type))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(res.Type, metrics.OutcomeFailed).Inc()
		return res, fmt.Errorf("%w: record event %s: %v", ErrDatabase, event.ID, err)
	}
	if !fresh {
		log.Info("duplicate webhook delivery ignored")
		res.Outcome = metrics.OutcomeDuplicate
		metrics.WebhookEventsTotal.WithLabelValues(res.Type, res.Outcome).Inc()
		return res, nil
	}

	handled, err := s.dispatch(ctx, event)
	switch {
	case err == nil && handled:
		res.Outcome = metrics.OutcomeProcessed
	case err == nil:
		res.Outcome = metrics.OutcomeIgnored
	case errors.Is(err, ErrRecordNotFound):
		log.Warn("webhook references unknown record, nothing to do", "err", err)
		res.Outcome = metrics.OutcomeIgnored
	default:
		// Let the gateway retry re-run the whole event.
		if ferr := s.store.ForgetEvent(ctx, event.ID); ferr != nil {
			log.Error("forget failed webhook event", "err", ferr)
		}
		outcome := metrics.OutcomeFailed
		if errors.Is(err, ErrMalformedPayload) {
			outcome = metrics.OutcomeRejected
		}
		metrics.WebhookEventsTotal.WithLabelValues(res.Type, outcome).Inc()
		return res, err
	}
	metrics.WebhookEventsTotal.WithLabelValues(res.Type, res.Outcome).Inc()
	return res, nil
}

func verificationError(err error) error {
	switch {
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrTooOld):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
}

const (
	eventPaymentSucceeded      stripe.EventType = "payment_intent.succeeded"
	eventPaymentRequiresAction stripe.EventType = "payment_intent.requires_action"
	eventPaymentCanceled       stripe.EventType = "payment_intent.canceled"
	eventPaymentCancelledAlias stripe.EventType = "payment_intent.cancelled"
	eventSubscriptionCreated   stripe.EventType = "customer.subscription.created"
	eventSubscriptionUpdated   stripe.EventType = "customer.subscription.updated"
	eventSubscriptionDeleted   stripe.EventType = "customer.subscription.deleted"
	eventProductCreated        stripe.EventType = "product.created"
	eventProductUpdated        stripe.EventType = "product.updated"
)

// dispatch routes an event by type. handled is false for event types this
// service does not act on.
func (s *serviceImpl) dispatch(ctx context.Context, event stripe.Event) (bool, error) {
	raw := event.Data.Raw
	switch event.Type {
	case eventPaymentSucceeded:
		return true, s.handlePaymentSucceeded(ctx, raw)
	case eventPaymentRequiresAction, eventPaymentCanceled, eventPaymentCancelledAlias:
		return true, s.handlePaymentCancelled(ctx, raw)
	case eventSubscriptionCreated:
		return true, s.handleNativeCreated(ctx, raw)
	case eventSubscriptionUpdated:
		return true, s.handleNativeUpdated(ctx, raw)
	case eventSubscriptionDeleted:
		return true, s.handleNativeDeleted(ctx, raw)
	case eventProductCreated, eventProductUpdated:
		return true, s.handleProduct(ctx, raw)
	}
	return false, nil
}

func (s *serviceImpl) ListUserSubscriptions(ctx context.Context, userID string) ([]UserSubscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrMalformedPayload)
	}
	subs, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list subscriptions for user %s: %v", ErrDatabase, userID, err)
	}
	out := make([]UserSubscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toUserSubscription(sub))
	}
	return out, nil
}

func (s *serviceImpl) CancelSubscription(ctx context.Context, subscriptionID string) error {
	id, ok := parseSubscriptionID(subscriptionID)
	if !ok {
		return fmt.Errorf("%w: subscription id %q", ErrMalformedPayload, subscriptionID)
	}
	changed, err := s.store.ScheduleCancel(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: schedule cancel %d: %v", ErrDatabase, id, err)
	}
	if changed {
		s.log.Info("subscription cancellation scheduled", "subscription_id", id)
		return nil
	}
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return fmt.Errorf("subscription %d: %w", id, ErrRecordNotFound)
		}
		return fmt.Errorf("%w: get subscription %d: %v", ErrDatabase, id, err)
	}
	if sub.Status == stripedb.StatusCancelPending && sub.Active {
		// Already scheduled.
		return nil
	}
	return fmt.Errorf("%w: subscription %d is %s", ErrNotCancellable, id, sub.Status)
}

func (s *serviceImpl) DescribePlan(ctx context.Context, planID string) (PlanDescription, error) {
	if planID == "" {
		return PlanDescription{}, fmt.Errorf("%w: plan id is required", ErrMalformedPayload)
	}
	price, err := s.gw.GetPrice(ctx, planID)
	if err != nil {
		return PlanDescription{}, fmt.Errorf("%w: retrieve price %s: %w", ErrGateway, planID, err)
	}
	desc := PlanDescription{Plan: planFromPrice(price)}

	if desc.Features, err = s.store.ListPlanFeatures(ctx, planID); err != nil {
		return PlanDescription{}, fmt.Errorf("%w: list plan features %s: %v", ErrDatabase, planID, err)
	}
	alt, err := s.store.GetAlternatePrice(ctx, planID)
	switch {
	case err == nil:
		desc.HasAlternate, desc.AlternatePrice = true, alt
	case !errors.Is(err, ErrRecordNotFound):
		return PlanDescription{}, fmt.Errorf("%w: alternate price %s: %v", ErrDatabase, planID, err)
	}
	return desc, nil
}
