package billing

import "errors"

var (
	// ErrSignatureVerification is transport-fatal: the handler answers with a
	// client error so the provider retries the delivery.
	ErrSignatureVerification = errors.New("billing: webhook signature verification failed")

	// ErrMalformedEvent means a required identifying field (subscriber
	// linkage, status) is missing from the payload. Webhook handlers log it
	// and acknowledge anyway; the sweep skips the subscriber.
	ErrMalformedEvent = errors.New("billing: malformed provider event")

	// ErrUnmappedTrainer means a structurally valid event does not resolve to
	// a known trainer. Logged and acknowledged, never retried.
	ErrUnmappedTrainer = errors.New("billing: event does not map to a known trainer")

	// ErrStaleSignal is the expected no-op outcome of the ordering guard, not
	// a failure. Observable in logs, never surfaced to the transport.
	ErrStaleSignal = errors.New("billing: signal is older than the last applied signal")

	// ErrProviderQuery scopes a billing-provider failure to one subscriber
	// during the sweep.
	ErrProviderQuery = errors.New("billing: provider query failed")

	ErrTrainerNotFound   = errors.New("billing: trainer not found")
	ErrNoBillingCustomer = errors.New("billing: trainer has no billing customer yet")

	ErrMissingAPIKey        = errors.New("billing: provider API key is required")
	ErrMissingWebhookSecret = errors.New("billing: webhook secret is required")
	ErrNoCheckoutURL        = errors.New("billing: no checkout URL returned from provider")
	ErrNoPortalURL          = errors.New("billing: no portal URL returned from provider")
	ErrReceiptRejected      = errors.New("billing: app store rejected the receipt")
)
