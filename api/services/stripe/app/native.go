package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	stripedb "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/db"
)

// Native gateway subscriptions are a pass-through: link records plus group
// membership. They never touch internal subscriptions.

func decodeSubscription(raw json.RawMessage) (stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return sub, fmt.Errorf("%w: error unmarshaling into Subscription: %v", ErrMalformedPayload, err)
	}
	if sub.ID == "" {
		return sub, fmt.Errorf("%w: subscription id not found", ErrMalformedPayload)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return sub, fmt.Errorf("%w: customer ID not found in Subscription %s", ErrMalformedPayload, sub.ID)
	}
	if itemProductID(firstItem(sub)) == "" {
		return sub, fmt.Errorf("%w: product not found in Subscription %s", ErrMalformedPayload, sub.ID)
	}
	return sub, nil
}

func (s *serviceImpl) handleNativeCreated(ctx context.Context, raw json.RawMessage) error {
	sub, err := decodeSubscription(raw)
	if err != nil {
		return err
	}
	unlock := s.keys.Lock(sub.ID)
	defer unlock()

	item := firstItem(sub)
	userID, err := s.nativeOwner(ctx, sub)
	if err != nil {
		return err
	}
	link, err := s.store.FindOrCreateCustomer(ctx, stripedb.CustomerLink{
		CustomerID: sub.Customer.ID,
		ProductID:  itemProductID(item),
		UserID:     userID,
	})
	if err != nil {
		return fmt.Errorf("%w: find or create customer %s: %v", ErrDatabase, sub.Customer.ID, err)
	}
	native, created, err := s.store.FindOrCreateNativeSubscription(ctx, stripedb.NativeSubscription{
		CustomerRowID:    link.ID,
		ExternalID:       sub.ID,
		Status:           string(sub.Status),
		CurrentPeriodEnd: item.CurrentPeriodEnd,
	})
	if err != nil {
		return fmt.Errorf("%w: find or create subscription link %s: %v", ErrDatabase, sub.ID, err)
	}
	if created {
		s.log.Info("native subscription linked", "external_id", sub.ID, "customer_id", sub.Customer.ID, "user_id", native.UserID)
	}
	return s.grant(ctx, native.OwnerID(), planGroup(item))
}

// nativeOwner resolves the local user from subscription metadata, then from
// the gateway customer's metadata.
func (s *serviceImpl) nativeOwner(ctx context.Context, sub stripe.Subscription) (string, error) {
	if uid := sub.Metadata[metaUserID]; uid != "" {
		return uid, nil
	}
	cust, err := s.gw.GetCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return "", fmt.Errorf("%w: retrieve customer %s: %w", ErrGateway, sub.Customer.ID, err)
	}
	if uid := cust.Metadata[metaUserID]; uid != "" {
		return uid, nil
	}
	return "", fmt.Errorf("user for customer %s: %w", sub.Customer.ID, ErrRecordNotFound)
}

func (s *serviceImpl) findLink(ctx context.Context, sub stripe.Subscription) (stripedb.CustomerLink, error) {
	productID := itemProductID(firstItem(sub))
	link, err := s.store.FindCustomer(ctx, sub.Customer.ID, productID)
	if errors.Is(err, ErrRecordNotFound) {
		return link, fmt.Errorf("customer %s for product %s: %w", sub.Customer.ID, productID, ErrRecordNotFound)
	}
	if err != nil {
		return link, fmt.Errorf("%w: find customer %s: %v", ErrDatabase, sub.Customer.ID, err)
	}
	return link, nil
}

func (s *serviceImpl) handleNativeUpdated(ctx context.Context, raw json.RawMessage) error {
	sub, err := decodeSubscription(raw)
	if err != nil {
		return err
	}
	unlock := s.keys.Lock(sub.ID)
	defer unlock()

	link, err := s.findLink(ctx, sub)
	if err != nil {
		return err
	}
	if sub.Status != stripe.SubscriptionStatusActive && sub.Status != stripe.SubscriptionStatusTrialing {
		return nil
	}
	if link.UserID == "" {
		return fmt.Errorf("user for customer %s: %w", link.CustomerID, ErrRecordNotFound)
	}
	return s.grant(ctx, link.UserID, planGroup(firstItem(sub)))
}

func (s *serviceImpl) handleNativeDeleted(ctx context.Context, raw json.RawMessage) error {
	sub, err := decodeSubscription(raw)
	if err != nil {
		return err
	}
	unlock := s.keys.Lock(sub.ID)
	defer unlock()

	link, err := s.findLink(ctx, sub)
	if err != nil {
		return err
	}
	if err := s.store.DeleteNativeSubscription(ctx, link.ID, sub.ID); err != nil {
		return fmt.Errorf("%w: delete subscription link %s: %v", ErrDatabase, sub.ID, err)
	}
	native := stripedb.NativeSubscription{CustomerRowID: link.ID, ExternalID: sub.ID, UserID: link.UserID}
	if err := revokeFor(ctx, s.ent, native, planGroup(firstItem(sub))); err != nil {
		return err
	}
	if err := s.store.DeleteCustomer(ctx, link.ID); err != nil {
		return fmt.Errorf("%w: delete customer %s: %v", ErrDatabase, link.CustomerID, err)
	}
	s.log.Info("native subscription removed", "external_id", sub.ID, "customer_id", link.CustomerID)
	return nil
}

func (s *serviceImpl) handleProduct(ctx context.Context, raw json.RawMessage) error {
	var p stripe.Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: error unmarshaling into Product: %v", ErrMalformedPayload, err)
	}
	if p.ID == "" {
		return fmt.Errorf("%w: product id not found", ErrMalformedPayload)
	}
	created, err := s.store.CreateProduct(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("%w: create product %s: %v", ErrDatabase, p.ID, err)
	}
	if created {
		s.log.Info("product synced", "product_id", p.ID)
	}
	return nil
}
