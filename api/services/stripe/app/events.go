package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	stripe "github.com/stripe/stripe-go/v82"
	stripedb "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/db"
)

// errStalePayment marks an intent that names a subscription which is no
// longer waiting for it: an abandoned alternate checkout or an earlier cycle.
var errStalePayment = errors.New("payment is not for the subscription's open billing cycle")

func decodePaymentIntent(raw json.RawMessage) (stripe.PaymentIntent, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return pi, fmt.Errorf("%w: error unmarshaling into PaymentIntent: %v", ErrMalformedPayload, err)
	}
	if pi.ID == "" {
		return pi, fmt.Errorf("%w: payment intent id not found", ErrMalformedPayload)
	}
	return pi, nil
}

// handlePaymentSucceeded records a paid billing cycle and grants the plan group.
func (s *serviceImpl) handlePaymentSucceeded(ctx context.Context, raw json.RawMessage) error {
	pi, err := decodePaymentIntent(raw)
	if err != nil {
		return err
	}
	unlock := s.keys.Lock(pi.ID)
	defer unlock()

	if pi.Metadata[metaRecurringPayment] == "true" {
		if err := s.recordRecurringPayment(ctx, pi); err != nil {
			return err
		}
	}
	return s.grant(ctx, pi.Metadata[metaUserID], pi.Metadata[metaGroupName])
}

func (s *serviceImpl) recordRecurringPayment(ctx context.Context, pi stripe.PaymentIntent) error {
	md := pi.Metadata
	seconds, ok := IntervalSeconds(md[metaInterval])
	if !ok {
		return fmt.Errorf("%w: unknown billing interval %q on %s", ErrMalformedPayload, md[metaInterval], pi.ID)
	}
	nextDue := s.now().Unix() + seconds

	sub, err := s.findForPayment(ctx, pi)
	switch {
	case errors.Is(err, errStalePayment):
		s.log.Warn("payment for a subscription not awaiting it, state unchanged", "payment_intent", pi.ID, "err", err)
		return nil
	case err == nil:
		changed, err := s.store.MarkSucceeded(ctx, sub.ID, nextDue)
		if err != nil {
			return fmt.Errorf("%w: mark subscription %d succeeded: %v", ErrDatabase, sub.ID, err)
		}
		if changed {
			s.log.Info("recurring payment succeeded", "subscription_id", sub.ID, "payment_intent", pi.ID, "next_due", nextDue)
		}
		return nil
	case !errors.Is(err, ErrRecordNotFound):
		return err
	}

	if md[metaUserID] == "" || md[metaPlanID] == "" {
		return fmt.Errorf("%w: user_id and plan_id metadata required on %s", ErrMalformedPayload, pi.ID)
	}
	created, err := s.store.CreateSubscription(ctx, stripedb.InternalSubscription{
		ProductID:   md[metaPlanID],
		PaymentRefs: stripedb.PaymentRefs{pi.ID},
		UserID:      md[metaUserID],
		Status:      stripedb.Status(pi.Status),
		Active:      true,
		NextDue:     nextDue,
	})
	if errors.Is(err, stripedb.ErrAlreadyExists) {
		// Another replica created it for the same intent.
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: create subscription for %s: %v", ErrDatabase, pi.ID, err)
	}
	s.log.Info("recurring subscription created", "subscription_id", created.ID, "user_id", created.UserID, "payment_intent", pi.ID)
	return nil
}

// findForPayment looks the subscription up by exact payment ref, then by the
// subscription id a renewal checkout stamped on the intent. The second path
// covers sessions tracked by session id before Stripe created the intent, so
// it only matches a subscription still in created; anything else is
// errStalePayment.
func (s *serviceImpl) findForPayment(ctx context.Context, pi stripe.PaymentIntent) (stripedb.InternalSubscription, error) {
	sub, err := s.store.FindByPaymentRef(ctx, pi.ID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return sub, fmt.Errorf("%w: find subscription by ref %s: %v", ErrDatabase, pi.ID, err)
	}

	raw := pi.Metadata[metaSubscriptionID]
	if raw == "" {
		return sub, fmt.Errorf("payment ref %s: %w", pi.ID, ErrRecordNotFound)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return sub, fmt.Errorf("%w: subscription_id metadata %q", ErrMalformedPayload, raw)
	}
	sub, err = s.store.GetSubscription(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return sub, fmt.Errorf("subscription %d: %w", id, ErrRecordNotFound)
		}
		return sub, fmt.Errorf("%w: get subscription %d: %v", ErrDatabase, id, err)
	}
	if uid := pi.Metadata[metaUserID]; uid != "" && uid != sub.UserID {
		return sub, fmt.Errorf("%w: subscription %d does not belong to user %s", ErrMalformedPayload, id, uid)
	}
	if sub.Status != stripedb.StatusCreated {
		return sub, fmt.Errorf("intent %s for subscription %d in status %s: %w", pi.ID, id, sub.Status, errStalePayment)
	}
	return sub, nil
}

// handlePaymentCancelled terminates the matching subscription and revokes the
// group. A stale intent touches neither.
func (s *serviceImpl) handlePaymentCancelled(ctx context.Context, raw json.RawMessage) error {
	pi, err := decodePaymentIntent(raw)
	if err != nil {
		return err
	}
	unlock := s.keys.Lock(pi.ID)
	defer unlock()

	if pi.Metadata[metaRecurringPayment] == "true" {
		sub, err := s.findForPayment(ctx, pi)
		switch {
		case errors.Is(err, errStalePayment):
			s.log.Info("ignoring cancelled payment for a subscription not awaiting it", "payment_intent", pi.ID, "err", err)
			return nil
		case err == nil:
			changed, err := s.store.Cancel(ctx, sub.ID)
			if err != nil {
				return fmt.Errorf("%w: cancel subscription %d: %v", ErrDatabase, sub.ID, err)
			}
			if changed {
				s.log.Info("recurring subscription cancelled by gateway", "subscription_id", sub.ID, "payment_intent", pi.ID)
			}
		case errors.Is(err, ErrRecordNotFound):
			s.log.Info("no subscription for cancelled payment", "payment_intent", pi.ID)
		default:
			return err
		}
	}
	return s.revoke(ctx, pi.Metadata[metaUserID], pi.Metadata[metaGroupName])
}

func (s *serviceImpl) grant(ctx context.Context, userID, group string) error {
	if userID == "" || group == "" {
		return nil
	}
	if err := s.ent.Grant(ctx, userID, group); err != nil {
		return fmt.Errorf("grant %s to user %s: %w", group, userID, err)
	}
	return nil
}

func (s *serviceImpl) revoke(ctx context.Context, userID, group string) error {
	if userID == "" || group == "" {
		return nil
	}
	if err := s.ent.Revoke(ctx, userID, group); err != nil {
		return fmt.Errorf("revoke %s from user %s: %w", group, userID, err)
	}
	return nil
}

// revokeFor removes the group from the owner of either subscription variant.
func revokeFor(ctx context.Context, ent Entitlements, sub stripedb.Subscription, group string) error {
	if sub.OwnerID() == "" || group == "" {
		return nil
	}
	if err := ent.Revoke(ctx, sub.OwnerID(), group); err != nil {
		return fmt.Errorf("revoke %s from %s subscription owner %s: %w", group, sub.Kind(), sub.OwnerID(), err)
	}
	return nil
}
