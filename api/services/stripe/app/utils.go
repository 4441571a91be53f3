package app

import (
	"strconv"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
)

// Billing interval lengths in seconds. Month and year are averages
// (year accounts for leap years).
var intervalSeconds = map[string]int64{
	"day":   86400,
	"week":  604800,
	"month": 2629800,
	"year":  31557600,
}

// IntervalSeconds maps a plan interval name onto its length in seconds.
func IntervalSeconds(interval string) (int64, bool) {
	s, ok := intervalSeconds[strings.ToLower(strings.TrimSpace(interval))]
	return s, ok
}

// parseSubscriptionID accepts both "internal_42" and "42".
func parseSubscriptionID(id string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimPrefix(id, internalPrefix), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// planGroup is the entitlement group of a native subscription item: the price's
// group_name metadata, else its nickname, else the legacy plan nickname.
func planGroup(item *stripe.SubscriptionItem) string {
	if item == nil {
		return ""
	}
	if p := item.Price; p != nil {
		if g := p.Metadata[metaGroupName]; g != "" {
			return g
		}
		if p.Nickname != "" {
			return p.Nickname
		}
	}
	if item.Plan != nil {
		return item.Plan.Nickname
	}
	return ""
}

func firstItem(sub stripe.Subscription) *stripe.SubscriptionItem {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	return sub.Items.Data[0]
}

// itemProductID reads the product from the price, falling back to the legacy plan.
func itemProductID(item *stripe.SubscriptionItem) string {
	if item == nil {
		return ""
	}
	if item.Price != nil && item.Price.Product != nil && item.Price.Product.ID != "" {
		return item.Price.Product.ID
	}
	if item.Plan != nil && item.Plan.Product != nil {
		return item.Plan.Product.ID
	}
	return ""
}
