package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// metadataTrainerID is the metadata key linking Stripe objects back to a
// trainer account. It is set on checkout sessions, subscriptions, customers
// and payment intents, and is the only way webhook events resolve to a
// trainer.
const metadataTrainerID = "trainerId"

// StripeConfig holds configuration for the Stripe billing provider.
type StripeConfig struct {
	APIKey              string `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret       string `env:"STRIPE_WEBHOOK_SECRET,required"`
	SubscriptionPriceID string `env:"STRIPE_SUBSCRIPTION_PRICE_ID,required"`
	SuccessURL          string `env:"BILLING_SUCCESS_URL" envDefault:"https://fitstack.app/billing/redirect?type=success"`
	CancelURL           string `env:"BILLING_CANCEL_URL" envDefault:"https://fitstack.app/billing/redirect?type=cancel"`
	PortalReturnURL     string `env:"BILLING_PORTAL_RETURN_URL" envDefault:"fitstack://dashboard"`
	DefaultCurrency     string `env:"BILLING_DEFAULT_CURRENCY" envDefault:"aud"`
	OneTimeProductName  string `env:"BILLING_ONE_TIME_PRODUCT_NAME" envDefault:"Trainer Payment"`
}

// StripeProvider implements CardBillingProvider on the official Stripe SDK.
type StripeProvider struct {
	api *client.API
	cfg StripeConfig
}

// StripeOption configures optional provider internals.
type StripeOption func(*StripeProvider)

// WithStripeBackends routes every API call through the given backends. Tests
// point this at a local server.
func WithStripeBackends(backends *stripe.Backends) StripeOption {
	return func(p *StripeProvider) {
		p.api = &client.API{}
		p.api.Init(p.cfg.APIKey, backends)
	}
}

// NewStripeProvider creates a Stripe-backed billing provider.
func NewStripeProvider(cfg StripeConfig, opts ...StripeOption) (*StripeProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}
	p := &StripeProvider{cfg: cfg}
	p.api = &client.API{}
	p.api.Init(cfg.APIKey, nil)
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Minimal views of the webhook payloads. Unmarshaling event.Data.Raw into
// our own structs keeps the normalizer independent of SDK field churn and
// fails closed on missing fields.
type stripeCheckoutSession struct {
	ID       string            `json:"id"`
	Mode     string            `json:"mode"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Subscription     string `json:"subscription"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
	Parent           struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

// ParseWebhook verifies the Stripe-Signature header and normalizes the event.
// Signature verification is the authentication mechanism for the webhook
// endpoint; nothing past this point trusts the payload's origin.
func (p *StripeProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Signal, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Join(ErrSignatureVerification, err)
	}
	return p.NormalizeEvent(ctx, event)
}

// NormalizeEvent converts a verified Stripe event into a canonical Signal.
// Returns (nil, nil) for event types the service does not react to.
func (p *StripeProvider) NormalizeEvent(ctx context.Context, event stripe.Event) (*Signal, error) {
	occurredAt := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "checkout.session.completed":
		var session stripeCheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		// One-time payment sessions don't touch subscription state.
		if session.Mode != string(stripe.CheckoutSessionModeSubscription) {
			return nil, nil
		}
		trainerID := session.Metadata[metadataTrainerID]
		if trainerID == "" {
			return nil, fmt.Errorf("%w: checkout session %s has no trainer metadata", ErrMalformedEvent, session.ID)
		}
		return &Signal{
			TrainerID:         trainerID,
			Kind:              KindActivated,
			RawStatus:         string(StatusActive),
			OccurredAt:        occurredAt,
			Source:            SourceCardBilling,
			SequenceHint:      event.ID,
			BillingCustomerID: session.Customer,
		}, nil

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		trainerID := sub.Metadata[metadataTrainerID]
		if trainerID == "" {
			return nil, fmt.Errorf("%w: subscription %s has no trainer metadata", ErrMalformedEvent, sub.ID)
		}
		if sub.Status == "" {
			return nil, fmt.Errorf("%w: subscription %s has no status", ErrMalformedEvent, sub.ID)
		}
		kind := KindForProviderStatus(sub.Status)
		if event.Type == "customer.subscription.deleted" {
			kind = KindDeleted
		}
		return &Signal{
			TrainerID:         trainerID,
			Kind:              kind,
			RawStatus:         sub.Status,
			OccurredAt:        occurredAt,
			Source:            SourceCardBilling,
			SequenceHint:      event.ID,
			BillingCustomerID: sub.Customer,
		}, nil

	case "invoice.payment_failed":
		sub, err := p.subscriptionForInvoice(ctx, event.Data.Raw)
		if err != nil {
			return nil, err
		}
		trainerID := sub.Metadata[metadataTrainerID]
		if trainerID == "" {
			return nil, fmt.Errorf("%w: subscription %s has no trainer metadata", ErrMalformedEvent, sub.ID)
		}
		return &Signal{
			TrainerID:         trainerID,
			Kind:              KindPaymentFailed,
			RawStatus:         string(sub.Status),
			OccurredAt:        occurredAt,
			Source:            SourceCardBilling,
			SequenceHint:      event.ID,
			BillingCustomerID: customerIDOf(sub),
		}, nil

	case "invoice.paid":
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		sub, err := p.subscriptionForInvoice(ctx, event.Data.Raw)
		if err != nil {
			return nil, err
		}
		trainerID := sub.Metadata[metadataTrainerID]
		if trainerID == "" {
			return nil, fmt.Errorf("%w: subscription %s has no trainer metadata", ErrMalformedEvent, sub.ID)
		}
		paidAt := occurredAt
		if inv.StatusTransitions.PaidAt > 0 {
			paidAt = time.Unix(inv.StatusTransitions.PaidAt, 0).UTC()
		}
		return &Signal{
			TrainerID:         trainerID,
			Kind:              KindRenewed,
			RawStatus:         string(sub.Status),
			OccurredAt:        occurredAt,
			Source:            SourceCardBilling,
			SequenceHint:      event.ID,
			BillingCustomerID: customerIDOf(sub),
			PaidAt:            &paidAt,
			ReceiptURL:        inv.HostedInvoiceURL,
		}, nil
	}

	return nil, nil
}

// subscriptionForInvoice resolves the invoice's owning subscription via the
// API. The subscription's metadata carries the trainer linkage; the invoice's
// own metadata may omit it.
func (p *StripeProvider) subscriptionForInvoice(ctx context.Context, raw json.RawMessage) (*stripe.Subscription, error) {
	var inv stripeInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	subID := inv.Subscription
	if subID == "" {
		subID = inv.Parent.SubscriptionDetails.Subscription
	}
	if subID == "" {
		return nil, fmt.Errorf("%w: invoice %s is not linked to a subscription", ErrMalformedEvent, inv.ID)
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Get(subID, params)
	if err != nil {
		return nil, errors.Join(ErrProviderQuery, err)
	}
	return sub, nil
}

func customerIDOf(sub *stripe.Subscription) string {
	if sub.Customer == nil {
		return ""
	}
	return sub.Customer.ID
}

// CurrentSubscription returns the most recent subscription for a customer,
// or (nil, nil) when the customer has none at all.
func (p *StripeProvider) CurrentSubscription(ctx context.Context, customerID string) (*SubscriptionSnapshot, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := p.api.Subscriptions.List(params)
	if iter.Next() {
		sub := iter.Subscription()
		return &SubscriptionSnapshot{
			ID:        sub.ID,
			Status:    string(sub.Status),
			TrainerID: sub.Metadata[metadataTrainerID],
		}, nil
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Join(ErrProviderQuery, err)
	}
	return nil, nil
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, trainerID, email string) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	params.AddMetadata(metadataTrainerID, trainerID)
	params.SetIdempotencyKey("cust_" + trainerID + "_" + uuid.NewString())

	c, err := p.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create customer for trainer %s: %w", trainerID, err)
	}
	return c.ID, nil
}

func (p *StripeProvider) UpdateCustomerEmail(ctx context.Context, customerID, email string) error {
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	if _, err := p.api.Customers.Update(customerID, params); err != nil {
		return fmt.Errorf("update customer %s email: %w", customerID, err)
	}
	return nil
}

func (p *StripeProvider) ClearCustomerBalance(ctx context.Context, customerID string) error {
	params := &stripe.CustomerParams{Balance: stripe.Int64(0)}
	params.Context = ctx
	if _, err := p.api.Customers.Update(customerID, params); err != nil {
		return fmt.Errorf("clear customer %s balance: %w", customerID, err)
	}
	return nil
}

// CreateSubscriptionCheckout creates a subscription-mode checkout session.
// The trainer id rides in the metadata of both the session and the future
// subscription so every later webhook can resolve the owner.
func (p *StripeProvider) CreateSubscriptionCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:           stripe.String(req.CustomerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(p.cfg.SubscriptionPriceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(p.cfg.SuccessURL),
		CancelURL:  stripe.String(p.cfg.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{metadataTrainerID: req.TrainerID},
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataTrainerID, req.TrainerID)
	params.SetIdempotencyKey("subsess_" + req.TrainerID + "_" + uuid.NewString())

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create subscription checkout for trainer %s: %w", req.TrainerID, err)
	}
	if sess.URL == "" {
		return nil, ErrNoCheckoutURL
	}
	return &CheckoutLink{URL: sess.URL, SessionID: sess.ID}, nil
}

func (p *StripeProvider) CreateOneTimeCheckout(ctx context.Context, req OneTimeCheckoutRequest) (*CheckoutLink, error) {
	currency := req.Currency
	if currency == "" {
		currency = p.cfg.DefaultCurrency
	}
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(p.cfg.OneTimeProductName),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(p.cfg.SuccessURL),
		CancelURL:  stripe.String(p.cfg.CancelURL),
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.AddMetadata(metadataTrainerID, req.TrainerID)
	params.SetIdempotencyKey("paysess_" + req.TrainerID + "_" + uuid.NewString())

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create one-time checkout for trainer %s: %w", req.TrainerID, err)
	}
	if sess.URL == "" {
		return nil, ErrNoCheckoutURL
	}
	return &CheckoutLink{URL: sess.URL, SessionID: sess.ID}, nil
}

func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntentResult, error) {
	currency := req.Currency
	if currency == "" {
		currency = p.cfg.DefaultCurrency
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(currency),
	}
	if req.Email != "" {
		params.ReceiptEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.AddMetadata(metadataTrainerID, req.TrainerID)
	params.SetIdempotencyKey("pi_" + req.TrainerID + "_" + uuid.NewString())

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent for trainer %s: %w", req.TrainerID, err)
	}
	return &PaymentIntentResult{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (p *StripeProvider) IssueRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	params := &stripe.RefundParams{Charge: stripe.String(req.ChargeID)}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund_" + req.ChargeID + "_" + uuid.NewString())

	refund, err := p.api.Refunds.New(params)
	if err != nil {
		return nil, fmt.Errorf("refund charge %s: %w", req.ChargeID, err)
	}
	return &RefundResult{ID: refund.ID, Status: string(refund.Status)}, nil
}

func (p *StripeProvider) CreatePortalLink(ctx context.Context, customerID string) (*PortalLink, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(p.cfg.PortalReturnURL),
	}
	params.Context = ctx

	sess, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create billing portal session for customer %s: %w", customerID, err)
	}
	if sess.URL == "" {
		return nil, ErrNoPortalURL
	}
	return &PortalLink{URL: sess.URL}, nil
}
