package billing

import (
	"context"
	"time"
)

// CardBillingProvider is the card-channel billing port. The Stripe adapter is
// the production implementation; the interface keeps the reconciliation core
// testable and the vendor swappable.
type CardBillingProvider interface {
	// ParseWebhook verifies the delivery signature and normalizes the event
	// into a Signal. Returns (nil, nil) for event types the service does not
	// react to, ErrSignatureVerification for a bad signature, and
	// ErrMalformedEvent when subscriber linkage or status is missing.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Signal, error)

	// CurrentSubscription returns the customer's most recent subscription, or
	// (nil, nil) when the provider knows of none.
	CurrentSubscription(ctx context.Context, customerID string) (*SubscriptionSnapshot, error)

	// CreateCustomer creates a provider customer for the trainer and returns
	// its id.
	CreateCustomer(ctx context.Context, trainerID, email string) (string, error)

	UpdateCustomerEmail(ctx context.Context, customerID, email string) error

	// ClearCustomerBalance zeroes any credit balance so the full price is
	// charged on the next checkout.
	ClearCustomerBalance(ctx context.Context, customerID string) error

	CreateSubscriptionCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error)
	CreateOneTimeCheckout(ctx context.Context, req OneTimeCheckoutRequest) (*CheckoutLink, error)
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntentResult, error)
	IssueRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	CreatePortalLink(ctx context.Context, customerID string) (*PortalLink, error)
}

// SubscriptionSnapshot is the provider's authoritative view of one
// subscription, as returned by a reconciliation query.
type SubscriptionSnapshot struct {
	ID        string
	Status    string // provider status string, verbatim
	TrainerID string // from subscription metadata, may be empty
}

// CheckoutRequest asks for a subscription-mode hosted checkout.
type CheckoutRequest struct {
	TrainerID  string
	CustomerID string
}

// OneTimeCheckoutRequest asks for a payment-mode hosted checkout.
type OneTimeCheckoutRequest struct {
	TrainerID string
	Email     string
	Amount    int64  // smallest currency unit
	Currency  string // ISO 4217, lowercase
}

// CheckoutLink is a hosted checkout session.
type CheckoutLink struct {
	URL       string
	SessionID string
}

// PaymentIntentRequest asks for a direct payment intent.
type PaymentIntentRequest struct {
	TrainerID string
	Email     string
	Amount    int64
	Currency  string
}

// PaymentIntentResult carries what the mobile client needs to confirm the
// payment.
type PaymentIntentResult struct {
	ID           string
	ClientSecret string
}

// RefundRequest asks for a refund of a charge, full when Amount is zero.
type RefundRequest struct {
	ChargeID string
	Amount   int64
}

type RefundResult struct {
	ID     string
	Status string
}

// PortalLink is a pre-authenticated customer portal session.
type PortalLink struct {
	URL string
}

// AppStoreGateway is the app-store channel port: notification decoding and
// receipt verification against the verifyReceipt endpoint.
type AppStoreGateway interface {
	// ParseNotification decodes a server notification body. Decode failures
	// of the outer JSON or the embedded signed payloads are ErrMalformedEvent.
	ParseNotification(payload []byte) (*AppStoreNotification, error)

	// VerifyReceipt submits a raw receipt for verification and returns the
	// latest subscription state it attests to.
	VerifyReceipt(ctx context.Context, receipt string) (*ReceiptVerification, error)
}

// ReceiptVerification is the outcome of a verifyReceipt call.
type ReceiptVerification struct {
	OriginalTransactionID string
	ExpiresAt             time.Time
	PurchasedAt           time.Time
	LatestReceipt         string // base64 receipt to retain for sweep re-verification
	AutoRenewing          bool
}

// Active reports whether the verified purchase still covers the given time.
func (v ReceiptVerification) Active(now time.Time) bool {
	return v.ExpiresAt.After(now)
}
