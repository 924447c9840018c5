package billing

import "time"

// Trainer is the billing view of a trainer account. Records are created
// implicitly when a trainer account appears; they are mutated by accepted
// signals and never deleted by this service.
type Trainer struct {
	ID                       string    `bson:"_id" json:"id"`
	Email                    string    `bson:"email,omitempty" json:"email,omitempty"`
	BillingCustomerID        string    `bson:"billing_customer_id,omitempty" json:"billingCustomerId,omitempty"`
	IOSOriginalTransactionID string    `bson:"ios_original_transaction_id,omitempty" json:"iosOriginalTransactionId,omitempty"`
	IOSLatestReceipt         string    `bson:"ios_latest_receipt,omitempty" json:"-"`
	IsActive                 bool      `bson:"is_active" json:"isActive"`
	SubscriptionStatus       Status    `bson:"subscription_status" json:"subscriptionStatus"`
	LastPaymentAt            *time.Time `bson:"last_payment_at,omitempty" json:"lastPaymentAt,omitempty"`
	ReceiptURL               string     `bson:"receipt_url,omitempty" json:"receiptUrl,omitempty"`
	IOSExpiry                *time.Time `bson:"ios_expiry,omitempty" json:"iosExpiry,omitempty"`

	// Ordering-guard bookkeeping, one mark per signal source.
	LastSignals      map[SignalSource]SignalMark `bson:"last_signals,omitempty" json:"-"`
	LastSignalSource SignalSource                `bson:"last_signal_source,omitempty" json:"-"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// SignalMark records the last signal applied from one source.
type SignalMark struct {
	At           time.Time `bson:"at" json:"at"`
	SequenceHint string    `bson:"seq,omitempty" json:"seq,omitempty"`
}

// Patch is the merge-patch an accepted signal produces. Nil fields are left
// untouched in the stored record; a Patch is never a full overwrite.
type Patch struct {
	IsActive           *bool
	SubscriptionStatus *Status

	BillingCustomerID        *string // append-only: set once, never cleared
	IOSOriginalTransactionID *string // append-only: set once, never cleared
	IOSLatestReceipt         *string
	LastPaymentAt            *time.Time
	ReceiptURL               *string
	IOSExpiry                *time.Time
}

// IsZero reports whether the patch writes nothing.
func (p Patch) IsZero() bool {
	return p.IsActive == nil &&
		p.SubscriptionStatus == nil &&
		p.BillingCustomerID == nil &&
		p.IOSOriginalTransactionID == nil &&
		p.IOSLatestReceipt == nil &&
		p.LastPaymentAt == nil &&
		p.ReceiptURL == nil &&
		p.IOSExpiry == nil
}

// applyTo mutates a trainer in place. Store implementations that cannot do a
// server-side merge (the in-memory store, tests) use it; the mongo store
// translates the patch to a $set document instead.
func (p Patch) applyTo(t *Trainer) {
	if p.IsActive != nil {
		t.IsActive = *p.IsActive
	}
	if p.SubscriptionStatus != nil {
		t.SubscriptionStatus = *p.SubscriptionStatus
	}
	if p.BillingCustomerID != nil && t.BillingCustomerID == "" {
		t.BillingCustomerID = *p.BillingCustomerID
	}
	if p.IOSOriginalTransactionID != nil && t.IOSOriginalTransactionID == "" {
		t.IOSOriginalTransactionID = *p.IOSOriginalTransactionID
	}
	if p.IOSLatestReceipt != nil {
		t.IOSLatestReceipt = *p.IOSLatestReceipt
	}
	if p.LastPaymentAt != nil {
		t.LastPaymentAt = p.LastPaymentAt
	}
	if p.ReceiptURL != nil {
		t.ReceiptURL = *p.ReceiptURL
	}
	if p.IOSExpiry != nil {
		t.IOSExpiry = p.IOSExpiry
	}
}
