package app

import (
	"errors"

	stripedb "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/db"
	gw "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/gateway"
)

// Typed errors for the Stripe app layer. These enable HTTP and gRPC mapping
// without relying on SDK-specific error types at the transport layer.
var (
	// ErrSignatureInvalid indicates the webhook signature does not match the shared secret.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrMalformedPayload indicates the incoming event payload is invalid or missing required fields.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrDatabase indicates a database-related failure.
	ErrDatabase = errors.New("database error")
	// ErrGateway indicates a failure from the Stripe gateway / API calls.
	ErrGateway = errors.New("gateway error")

	ErrGatewayUnavailable = gw.ErrUnavailable
	ErrGatewayRejected    = gw.ErrRejected

	// ErrRecordNotFound is "nothing to do" for webhook replays and an error for direct lookups.
	ErrRecordNotFound = stripedb.ErrNotFound

	// ErrNotCancellable is returned when the subscription is not in a state that can be cancelled.
	ErrNotCancellable = errors.New("subscription cannot be cancelled")

	// ErrLockBusy is not a failure: another replica is running the tick.
	ErrLockBusy = errors.New("reconcile lease held elsewhere")

	// ErrLeaseLost ends a tick whose lease expired or was taken over mid-scan.
	ErrLeaseLost = errors.New("reconcile lease lost")
)
