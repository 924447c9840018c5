package billing

import "context"

// TrainerStore is the persistence port: a document store keyed by trainer id.
// ApplySignal is the single synchronization point of the whole service: it
// must perform the guard check and the merge-patch as one atomic conditional
// write so concurrent deliveries of the same or reordered events cannot both
// commit.
type TrainerStore interface {
	// Get returns the trainer record or ErrTrainerNotFound.
	Get(ctx context.Context, id string) (*Trainer, error)

	// Ensure creates the trainer record if it does not exist yet. Existing
	// records are left untouched.
	Ensure(ctx context.Context, t *Trainer) error

	// FindByOriginalTransactionID resolves an app-store purchase lineage to a
	// trainer, or returns ErrTrainerNotFound.
	FindByOriginalTransactionID(ctx context.Context, originalTransactionID string) (*Trainer, error)

	// ListWithBillingCustomer returns every trainer with a non-empty billing
	// customer id (the card-channel sweep population).
	ListWithBillingCustomer(ctx context.Context) ([]Trainer, error)

	// ListWithIOSReceipt returns every trainer with a stored app-store
	// receipt (the app-store sweep population).
	ListWithIOSReceipt(ctx context.Context) ([]Trainer, error)

	// SetBillingCustomerID records the provider customer id the first time a
	// customer is created for the trainer. The field is append-only: a second
	// call with a different id is a no-op.
	SetBillingCustomerID(ctx context.Context, id, customerID string) error

	// ApplySignal merges the patch and advances the per-source ordering mark
	// in one conditional write. Returns ErrStaleSignal when the signal is
	// equal-or-older than the stored mark for its source (or redelivers the
	// same sequence hint), and ErrTrainerNotFound when no record exists.
	ApplySignal(ctx context.Context, id string, sig Signal, patch Patch) error
}
