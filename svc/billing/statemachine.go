package billing

// Apply computes the state change a signal implies. Pure and deterministic:
// no I/O, no clock reads. Any kind may fire from any state; the billing
// provider is the source of truth, so re-deriving state from the latest
// signal beats enforcing a transition graph that could desync from provider
// reality. Temporal ordering is Admit's job, not this table's.
//
// The returned Patch is a merge-patch limited to the derived flags and the
// informational fields relevant to the signal. The bool is false when the
// signal changes nothing (KindUnknown).
func Apply(t Trainer, sig Signal) (Patch, bool) {
	if sig.Kind == KindUnknown || sig.Kind == "" {
		return Patch{}, false
	}

	status := resolveStatus(sig)
	active := status.IsActive()

	patch := Patch{
		IsActive:           &active,
		SubscriptionStatus: &status,
	}

	switch sig.Source {
	case SourceCardBilling, SourceSweep:
		if sig.BillingCustomerID != "" && t.BillingCustomerID == "" {
			id := sig.BillingCustomerID
			patch.BillingCustomerID = &id
		}
		if sig.Kind == KindActivated || sig.Kind == KindRenewed {
			if sig.PaidAt != nil {
				patch.LastPaymentAt = sig.PaidAt
			}
			if sig.ReceiptURL != "" {
				url := sig.ReceiptURL
				patch.ReceiptURL = &url
			}
		}
	case SourceAppStore:
		if sig.IOSOriginalTransactionID != "" && t.IOSOriginalTransactionID == "" {
			id := sig.IOSOriginalTransactionID
			patch.IOSOriginalTransactionID = &id
		}
		if sig.IOSLatestReceipt != "" {
			r := sig.IOSLatestReceipt
			patch.IOSLatestReceipt = &r
		}
		if sig.IOSExpiry != nil {
			patch.IOSExpiry = sig.IOSExpiry
		}
	}

	return patch, true
}

// resolveStatus prefers the provider's own status string when it is one of
// the persisted values, so a payment_failed signal for a subscription the
// provider reports as "unpaid" stores "unpaid", not the table default.
func resolveStatus(sig Signal) Status {
	if s, ok := ParseStatus(sig.RawStatus); ok {
		return s
	}
	if s, ok := defaultStatusForKind(sig.Kind); ok {
		return s
	}
	return StatusNone
}
