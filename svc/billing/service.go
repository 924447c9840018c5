package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fitstack/trainerbilling/pkg/logger"
)

// Service wires the normalizers, the ordering guard and the state machine to
// the persistence and billing ports. All state lives in the store; a Service
// holds no mutable state of its own and is safe for concurrent use.
type Service struct {
	store    TrainerStore
	card     CardBillingProvider
	appstore AppStoreGateway
	dedup    EventDeduper
	log      *slog.Logger
	now      func() time.Time
}

// ServiceOption configures optional Service dependencies.
type ServiceOption func(*Service)

// WithDeduper installs a fast-path duplicate filter in front of the guard.
func WithDeduper(d EventDeduper) ServiceOption {
	return func(s *Service) {
		if d != nil {
			s.dedup = d
		}
	}
}

// WithLogger supplies the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source, for tests with fixed time values.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the billing service. Panics on nil required ports to
// fail fast during initialization.
func NewService(store TrainerStore, card CardBillingProvider, appstore AppStoreGateway, opts ...ServiceOption) *Service {
	if store == nil {
		panic("billing: TrainerStore is required")
	}
	if card == nil {
		panic("billing: CardBillingProvider is required")
	}
	if appstore == nil {
		panic("billing: AppStoreGateway is required")
	}

	s := &Service{
		store:    store,
		card:     card,
		appstore: appstore,
		dedup:    NoopDeduper{},
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplySignal runs a canonical signal through the guard and the state
// machine and commits the resulting merge-patch. Returns ErrStaleSignal for
// the expected ordering no-op, ErrUnmappedTrainer/ErrTrainerNotFound when
// the signal resolves to nobody, and nil when nothing needed to change.
func (s *Service) ApplySignal(ctx context.Context, sig Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}

	if sig.SequenceHint != "" {
		seen, err := s.dedup.Seen(ctx, sig.Source, sig.SequenceHint)
		if err != nil {
			// The conditional merge still rejects duplicates; just note it.
			s.log.WarnContext(ctx, "event dedup unavailable", logger.Error(err), logger.Source(string(sig.Source)))
		} else if seen {
			return ErrStaleSignal
		}
	}

	t, err := s.store.Get(ctx, sig.TrainerID)
	if errors.Is(err, ErrTrainerNotFound) && sig.Kind == KindActivated {
		// First activation may land before the profile exists; the original
		// flow creates the document on the fly.
		if err := s.store.Ensure(ctx, &Trainer{ID: sig.TrainerID}); err != nil {
			return err
		}
		t, err = s.store.Get(ctx, sig.TrainerID)
	}
	if err != nil {
		if errors.Is(err, ErrTrainerNotFound) {
			return errors.Join(ErrUnmappedTrainer, err)
		}
		return err
	}

	if !Admit(t.LastSignals, sig) {
		return ErrStaleSignal
	}

	patch, ok := Apply(*t, sig)
	if !ok {
		s.log.DebugContext(ctx, "signal changes nothing",
			logger.TrainerID(sig.TrainerID), logger.EventType(string(sig.Kind)))
		return nil
	}

	if err := s.store.ApplySignal(ctx, sig.TrainerID, sig, patch); err != nil {
		return err
	}

	// Marking only after the commit keeps a transiently failed write
	// redeliverable: the provider's retry will not hit the fast path.
	if sig.SequenceHint != "" {
		if err := s.dedup.Mark(ctx, sig.Source, sig.SequenceHint); err != nil {
			s.log.WarnContext(ctx, "event dedup mark failed", logger.Error(err), logger.Source(string(sig.Source)))
		}
	}

	s.log.InfoContext(ctx, "subscription signal applied",
		logger.TrainerID(sig.TrainerID),
		logger.Source(string(sig.Source)),
		logger.EventType(string(sig.Kind)),
		slog.String("status", sig.RawStatus),
	)
	return nil
}

// HandleCardWebhook processes one card-billing webhook delivery.
//
// Only a signature failure propagates: that is the transport-level error the
// provider should retry. Every internal outcome (stale signal, unmapped
// trainer, malformed event) is logged and absorbed so at-least-once delivery
// never turns into a retry storm.
func (s *Service) HandleCardWebhook(ctx context.Context, payload []byte, signature string) error {
	sig, err := s.card.ParseWebhook(ctx, payload, signature)
	if err != nil {
		if errors.Is(err, ErrSignatureVerification) {
			return err
		}
		s.log.WarnContext(ctx, "card webhook not processable", logger.Error(err))
		return nil
	}
	if sig == nil {
		return nil
	}
	s.absorb(ctx, s.ApplySignal(ctx, *sig), *sig)
	return nil
}

// HandleAppStoreNotification processes one app-store server notification.
// Same absorption contract as the card webhook.
func (s *Service) HandleAppStoreNotification(ctx context.Context, payload []byte) error {
	n, err := s.appstore.ParseNotification(payload)
	if err != nil {
		if errors.Is(err, ErrSignatureVerification) {
			return err
		}
		s.log.WarnContext(ctx, "app store notification not processable", logger.Error(err))
		return nil
	}

	t, err := s.resolveAppStoreTrainer(ctx, n)
	if err != nil {
		s.log.WarnContext(ctx, "app store notification maps to no trainer",
			logger.Error(err), slog.String("original_transaction_id", n.OriginalTransactionID))
		return nil
	}

	sig := Signal{
		TrainerID:                t.ID,
		Kind:                     n.Kind(),
		RawStatus:                n.NotificationType,
		OccurredAt:               n.SignedAt,
		Source:                   SourceAppStore,
		SequenceHint:             n.UUID,
		IOSOriginalTransactionID: n.OriginalTransactionID,
		IOSExpiry:                n.ExpiresAt,
	}
	s.absorb(ctx, s.ApplySignal(ctx, sig), sig)
	return nil
}

// absorb logs an ApplySignal outcome without failing the delivery.
func (s *Service) absorb(ctx context.Context, err error, sig Signal) {
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleSignal):
		s.log.InfoContext(ctx, "stale signal rejected",
			logger.TrainerID(sig.TrainerID), logger.Source(string(sig.Source)),
			slog.String("seq", sig.SequenceHint))
	case errors.Is(err, ErrUnmappedTrainer), errors.Is(err, ErrTrainerNotFound):
		s.log.WarnContext(ctx, "signal maps to no trainer",
			logger.TrainerID(sig.TrainerID), logger.Source(string(sig.Source)))
	default:
		s.log.ErrorContext(ctx, "failed to apply signal",
			logger.Error(err), logger.TrainerID(sig.TrainerID), logger.Source(string(sig.Source)))
	}
}

func (s *Service) resolveAppStoreTrainer(ctx context.Context, n *AppStoreNotification) (*Trainer, error) {
	// The app sets appAccountToken to the trainer id at purchase time; older
	// purchases predate that and resolve through the stored lineage.
	if n.AppAccountToken != "" {
		if t, err := s.store.Get(ctx, n.AppAccountToken); err == nil {
			return t, nil
		}
	}
	return s.store.FindByOriginalTransactionID(ctx, n.OriginalTransactionID)
}

// ReceiptStatus is the response to a receipt-verification callable.
type ReceiptStatus struct {
	IsActive  bool      `json:"isActive"`
	Status    Status    `json:"subscriptionStatus"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// VerifyReceipt verifies a raw purchase receipt, feeds the outcome through
// the state machine and reports the resulting entitlement. The verified
// receipt is retained so the sweep can re-verify it later.
func (s *Service) VerifyReceipt(ctx context.Context, trainerID, receipt string) (*ReceiptStatus, error) {
	t, err := s.store.Get(ctx, trainerID)
	if err != nil {
		return nil, err
	}

	v, err := s.appstore.VerifyReceipt(ctx, receipt)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var kind SignalKind
	switch {
	case !v.Active(now):
		kind = KindCanceled
	case t.IOSOriginalTransactionID == "":
		kind = KindActivated
	default:
		kind = KindRenewed
	}

	latestReceipt := v.LatestReceipt
	if latestReceipt == "" {
		latestReceipt = receipt
	}
	expiresAt := v.ExpiresAt

	sig := Signal{
		TrainerID:                trainerID,
		Kind:                     kind,
		OccurredAt:               now,
		Source:                   SourceAppStore,
		IOSOriginalTransactionID: v.OriginalTransactionID,
		IOSLatestReceipt:         latestReceipt,
		IOSExpiry:                &expiresAt,
	}
	if err := s.ApplySignal(ctx, sig); err != nil && !errors.Is(err, ErrStaleSignal) {
		return nil, err
	}

	status := StatusCanceled
	if v.Active(now) {
		status = StatusActive
	}
	return &ReceiptStatus{
		IsActive:  status.IsActive(),
		Status:    status,
		ExpiresAt: v.ExpiresAt,
	}, nil
}

// EnsureCustomer creates the trainer's billing customer exactly once and
// returns its id. Safe to call on every account creation.
func (s *Service) EnsureCustomer(ctx context.Context, trainerID, email string) (string, error) {
	if err := s.store.Ensure(ctx, &Trainer{ID: trainerID, Email: email}); err != nil {
		return "", err
	}
	t, err := s.store.Get(ctx, trainerID)
	if err != nil {
		return "", err
	}
	if t.BillingCustomerID != "" {
		return t.BillingCustomerID, nil
	}

	customerID, err := s.card.CreateCustomer(ctx, trainerID, email)
	if err != nil {
		return "", err
	}
	if err := s.store.SetBillingCustomerID(ctx, trainerID, customerID); err != nil {
		return "", err
	}
	s.log.InfoContext(ctx, "billing customer created",
		logger.TrainerID(trainerID), logger.CustomerID(customerID))
	return customerID, nil
}

// CreateSubscriptionCheckout prepares a subscription checkout session for a
// trainer, creating the billing customer lazily on first use.
func (s *Service) CreateSubscriptionCheckout(ctx context.Context, trainerID, email string) (*CheckoutLink, error) {
	t, err := s.store.Get(ctx, trainerID)
	if err != nil {
		return nil, err
	}

	customerID := t.BillingCustomerID
	if customerID == "" {
		customerID, err = s.card.CreateCustomer(ctx, trainerID, email)
		if err != nil {
			return nil, err
		}
		if err := s.store.SetBillingCustomerID(ctx, trainerID, customerID); err != nil {
			return nil, err
		}
	}

	if email != "" {
		if err := s.card.UpdateCustomerEmail(ctx, customerID, email); err != nil {
			return nil, err
		}
	}
	// A leftover credit balance would discount the first invoice; clear it
	// so the full price is charged. Not worth failing the checkout over.
	if err := s.card.ClearCustomerBalance(ctx, customerID); err != nil {
		s.log.WarnContext(ctx, "failed to clear customer balance",
			logger.Error(err), logger.CustomerID(customerID))
	}

	return s.card.CreateSubscriptionCheckout(ctx, CheckoutRequest{
		TrainerID:  trainerID,
		CustomerID: customerID,
	})
}

// CreateOneTimeCheckout prepares a payment-mode checkout session.
func (s *Service) CreateOneTimeCheckout(ctx context.Context, req OneTimeCheckoutRequest) (*CheckoutLink, error) {
	if _, err := s.store.Get(ctx, req.TrainerID); err != nil {
		return nil, err
	}
	return s.card.CreateOneTimeCheckout(ctx, req)
}

// CreatePaymentIntent creates a direct payment intent for a trainer.
func (s *Service) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntentResult, error) {
	if _, err := s.store.Get(ctx, req.TrainerID); err != nil {
		return nil, err
	}
	return s.card.CreatePaymentIntent(ctx, req)
}

// IssueRefund refunds a charge, in full when req.Amount is zero.
func (s *Service) IssueRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	return s.card.IssueRefund(ctx, req)
}

// CreateBillingPortalLink returns a customer-portal session for the trainer.
func (s *Service) CreateBillingPortalLink(ctx context.Context, trainerID string) (*PortalLink, error) {
	t, err := s.store.Get(ctx, trainerID)
	if err != nil {
		return nil, err
	}
	if t.BillingCustomerID == "" {
		return nil, ErrNoBillingCustomer
	}
	return s.card.CreatePortalLink(ctx, t.BillingCustomerID)
}

// GetTrainer exposes the stored billing view of a trainer.
func (s *Service) GetTrainer(ctx context.Context, trainerID string) (*Trainer, error) {
	return s.store.Get(ctx, trainerID)
}
