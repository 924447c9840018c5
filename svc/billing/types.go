package billing

// Status is the persisted subscription status of a trainer.
// IsActive is always derived from it and never set independently.
type Status string

const (
	StatusNone       Status = "none"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusUnpaid     Status = "unpaid"
	StatusIncomplete Status = "incomplete"
)

// IsActive reports whether the status grants access.
// This is the single source of truth for the isActive flag.
func (s Status) IsActive() bool {
	return s == StatusActive
}

// ParseStatus maps a provider status string to a known Status.
// Returns false for anything outside the persisted enum so callers can
// fall back to the per-kind default instead of storing junk.
func ParseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusNone, StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid, StatusIncomplete:
		return Status(raw), true
	}
	return "", false
}

// SignalKind classifies a billing lifecycle event independently of the
// provider that emitted it.
type SignalKind string

const (
	KindActivated     SignalKind = "activated"
	KindRenewed       SignalKind = "renewed"
	KindPaymentFailed SignalKind = "payment_failed"
	KindCanceled      SignalKind = "canceled"
	KindDeleted       SignalKind = "deleted"
	KindUnknown       SignalKind = "unknown"
)

// SignalSource identifies the purchase channel a signal belongs to.
// Each source keeps its own ordering timeline; signals are never ordered
// across sources because the channels are genuinely independent.
type SignalSource string

const (
	SourceCardBilling SignalSource = "card_billing"
	SourceAppStore    SignalSource = "app_store"
	SourceSweep       SignalSource = "reconciliation_sweep"
)

// KindForProviderStatus maps a card-billing subscription status to the
// signal kind that re-deriving state from that status implies.
func KindForProviderStatus(status string) SignalKind {
	switch Status(status) {
	case StatusCanceled, StatusUnpaid, StatusNone:
		return KindCanceled
	case StatusActive:
		return KindRenewed
	case StatusPastDue, StatusIncomplete:
		return KindPaymentFailed
	}
	return KindUnknown
}

// defaultStatusForKind is the resulting status when the signal carries no
// recognizable provider status of its own.
func defaultStatusForKind(kind SignalKind) (Status, bool) {
	switch kind {
	case KindActivated, KindRenewed:
		return StatusActive, true
	case KindPaymentFailed:
		return StatusPastDue, true
	case KindCanceled, KindDeleted:
		return StatusCanceled, true
	}
	return "", false
}
