package billing

import "time"

// Signal is the canonical, provider-agnostic representation of a billing
// lifecycle event. It is an ephemeral value produced by the normalizers and
// consumed by the state machine; it is never persisted as an entity.
type Signal struct {
	TrainerID    string
	Kind         SignalKind
	RawStatus    string    // provider's original status string, kept verbatim for storage
	OccurredAt   time.Time // when the provider asserts the event happened, not receipt time
	Source       SignalSource
	SequenceHint string // provider event id, breaks ties when timestamps collide

	// Informational fields, overwritten by the latest relevant signal.
	BillingCustomerID        string     // card channel: set on first activation
	IOSOriginalTransactionID string     // app-store channel purchase lineage
	IOSLatestReceipt         string     // app-store: raw receipt retained for sweep re-verification
	PaidAt                   *time.Time
	ReceiptURL               string
	IOSExpiry                *time.Time
}

// Validate reports whether the signal carries enough identity to be applied.
func (s Signal) Validate() error {
	if s.TrainerID == "" {
		return ErrUnmappedTrainer
	}
	if s.Kind == "" || s.Source == "" {
		return ErrMalformedEvent
	}
	if s.OccurredAt.IsZero() {
		return ErrMalformedEvent
	}
	return nil
}
