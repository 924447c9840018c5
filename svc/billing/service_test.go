package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitstack/trainerbilling/svc/billing"
)

// fakeCard implements billing.CardBillingProvider with overridable funcs.
type fakeCard struct {
	parseWebhook        func(ctx context.Context, payload []byte, signature string) (*billing.Signal, error)
	currentSubscription func(ctx context.Context, customerID string) (*billing.SubscriptionSnapshot, error)
	createCustomer      func(ctx context.Context, trainerID, email string) (string, error)
	updateEmail         func(ctx context.Context, customerID, email string) error
	clearBalance        func(ctx context.Context, customerID string) error
}

func (f *fakeCard) ParseWebhook(ctx context.Context, payload []byte, signature string) (*billing.Signal, error) {
	if f.parseWebhook == nil {
		return nil, nil
	}
	return f.parseWebhook(ctx, payload, signature)
}

func (f *fakeCard) CurrentSubscription(ctx context.Context, customerID string) (*billing.SubscriptionSnapshot, error) {
	if f.currentSubscription == nil {
		return nil, nil
	}
	return f.currentSubscription(ctx, customerID)
}

func (f *fakeCard) CreateCustomer(ctx context.Context, trainerID, email string) (string, error) {
	if f.createCustomer == nil {
		return "cus_fake", nil
	}
	return f.createCustomer(ctx, trainerID, email)
}

func (f *fakeCard) UpdateCustomerEmail(ctx context.Context, customerID, email string) error {
	if f.updateEmail == nil {
		return nil
	}
	return f.updateEmail(ctx, customerID, email)
}

func (f *fakeCard) ClearCustomerBalance(ctx context.Context, customerID string) error {
	if f.clearBalance == nil {
		return nil
	}
	return f.clearBalance(ctx, customerID)
}

func (f *fakeCard) CreateSubscriptionCheckout(_ context.Context, req billing.CheckoutRequest) (*billing.CheckoutLink, error) {
	return &billing.CheckoutLink{URL: "https://checkout.example.com/" + req.TrainerID, SessionID: "cs_fake"}, nil
}

func (f *fakeCard) CreateOneTimeCheckout(_ context.Context, req billing.OneTimeCheckoutRequest) (*billing.CheckoutLink, error) {
	return &billing.CheckoutLink{URL: "https://checkout.example.com/ot/" + req.TrainerID, SessionID: "cs_ot"}, nil
}

func (f *fakeCard) CreatePaymentIntent(_ context.Context, _ billing.PaymentIntentRequest) (*billing.PaymentIntentResult, error) {
	return &billing.PaymentIntentResult{ID: "pi_fake", ClientSecret: "pi_fake_secret"}, nil
}

func (f *fakeCard) IssueRefund(_ context.Context, _ billing.RefundRequest) (*billing.RefundResult, error) {
	return &billing.RefundResult{ID: "re_fake", Status: "succeeded"}, nil
}

func (f *fakeCard) CreatePortalLink(_ context.Context, customerID string) (*billing.PortalLink, error) {
	return &billing.PortalLink{URL: "https://portal.example.com/" + customerID}, nil
}

// fakeAppStore implements billing.AppStoreGateway with overridable funcs.
type fakeAppStore struct {
	parseNotification func(payload []byte) (*billing.AppStoreNotification, error)
	verifyReceipt     func(ctx context.Context, receipt string) (*billing.ReceiptVerification, error)
}

func (f *fakeAppStore) ParseNotification(payload []byte) (*billing.AppStoreNotification, error) {
	if f.parseNotification == nil {
		return nil, billing.ErrMalformedEvent
	}
	return f.parseNotification(payload)
}

func (f *fakeAppStore) VerifyReceipt(ctx context.Context, receipt string) (*billing.ReceiptVerification, error) {
	if f.verifyReceipt == nil {
		return nil, billing.ErrReceiptRejected
	}
	return f.verifyReceipt(ctx, receipt)
}

// memoryDeduper implements billing.EventDeduper for tests.
type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemoryDeduper() *memoryDeduper {
	return &memoryDeduper{seen: make(map[string]bool)}
}

func (d *memoryDeduper) Seen(_ context.Context, source billing.SignalSource, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[string(source)+":"+eventID], nil
}

func (d *memoryDeduper) Mark(_ context.Context, source billing.SignalSource, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[string(source)+":"+eventID] = true
	return nil
}

// flakyStore fails the next ApplySignal once, then delegates.
type flakyStore struct {
	billing.TrainerStore
	failNext bool
}

func (s *flakyStore) ApplySignal(ctx context.Context, id string, sig billing.Signal, patch billing.Patch) error {
	if s.failNext {
		s.failNext = false
		return errors.New("write timeout")
	}
	return s.TrainerStore.ApplySignal(ctx, id, sig, patch)
}

func newTestService(t *testing.T, store billing.TrainerStore, card *fakeCard, appstore *fakeAppStore, opts ...billing.ServiceOption) *billing.Service {
	t.Helper()
	if card == nil {
		card = &fakeCard{}
	}
	if appstore == nil {
		appstore = &fakeAppStore{}
	}
	return billing.NewService(store, card, appstore, opts...)
}

func TestService_ApplySignal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("activation creates the trainer record on the fly", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		svc := newTestService(t, store, nil, nil)

		err := svc.ApplySignal(ctx, billing.Signal{
			TrainerID:         "tr_1",
			Kind:              billing.KindActivated,
			RawStatus:         "active",
			OccurredAt:        base,
			Source:            billing.SourceCardBilling,
			SequenceHint:      "evt_1",
			BillingCustomerID: "cus_1",
		})
		require.NoError(t, err)

		trainer, err := store.Get(ctx, "tr_1")
		require.NoError(t, err)
		assert.True(t, trainer.IsActive)
		assert.Equal(t, billing.StatusActive, trainer.SubscriptionStatus)
		assert.Equal(t, "cus_1", trainer.BillingCustomerID)
		assert.Equal(t, billing.SourceCardBilling, trainer.LastSignalSource)
	})

	t.Run("non-activation signal for an unknown trainer is unmapped", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		svc := newTestService(t, store, nil, nil)

		err := svc.ApplySignal(ctx, billing.Signal{
			TrainerID:  "tr_ghost",
			Kind:       billing.KindCanceled,
			OccurredAt: base,
			Source:     billing.SourceCardBilling,
		})
		assert.ErrorIs(t, err, billing.ErrUnmappedTrainer)
	})

	t.Run("out-of-order delivery cannot regress state", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		svc := newTestService(t, store, nil, nil)

		// Cancellation arrives first (it happened second).
		require.NoError(t, svc.ApplySignal(ctx, billing.Signal{
			TrainerID:    "tr_1",
			Kind:         billing.KindActivated,
			RawStatus:    "active",
			OccurredAt:   base,
			Source:       billing.SourceCardBilling,
			SequenceHint: "evt_1",
		}))
		require.NoError(t, svc.ApplySignal(ctx, billing.Signal{
			TrainerID:    "tr_1",
			Kind:         billing.KindCanceled,
			RawStatus:    "canceled",
			OccurredAt:   base.Add(2 * time.Hour),
			Source:       billing.SourceCardBilling,
			SequenceHint: "evt_3",
		}))

		// The delayed renewal from in between must be rejected.
		err := svc.ApplySignal(ctx, billing.Signal{
			TrainerID:    "tr_1",
			Kind:         billing.KindRenewed,
			RawStatus:    "active",
			OccurredAt:   base.Add(time.Hour),
			Source:       billing.SourceCardBilling,
			SequenceHint: "evt_2",
		})
		assert.ErrorIs(t, err, billing.ErrStaleSignal)

		trainer, err := store.Get(ctx, "tr_1")
		require.NoError(t, err)
		assert.False(t, trainer.IsActive)
		assert.Equal(t, billing.StatusCanceled, trainer.SubscriptionStatus)
	})

	t.Run("duplicate delivery is a stale no-op", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		svc := newTestService(t, store, nil, nil)

		sig := billing.Signal{
			TrainerID:    "tr_1",
			Kind:         billing.KindActivated,
			RawStatus:    "active",
			OccurredAt:   base,
			Source:       billing.SourceCardBilling,
			SequenceHint: "evt_1",
		}
		require.NoError(t, svc.ApplySignal(ctx, sig))
		assert.ErrorIs(t, svc.ApplySignal(ctx, sig), billing.ErrStaleSignal)
	})

	t.Run("channels keep independent timelines", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		svc := newTestService(t, store, nil, nil)

		require.NoError(t, svc.ApplySignal(ctx, billing.Signal{
			TrainerID:    "tr_1",
			Kind:         billing.KindActivated,
			RawStatus:    "active",
			OccurredAt:   base.Add(time.Hour),
			Source:       billing.SourceCardBilling,
			SequenceHint: "evt_1",
		}))

		// An app-store signal with an older timestamp still applies; the
		// channels are independent purchase channels.
		err := svc.ApplySignal(ctx, billing.Signal{
			TrainerID:                "tr_1",
			Kind:                     billing.KindCanceled,
			OccurredAt:               base,
			Source:                   billing.SourceAppStore,
			SequenceHint:             "note_1",
			IOSOriginalTransactionID: "orig_1",
		})
		require.NoError(t, err)

		trainer, err := store.Get(ctx, "tr_1")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, trainer.SubscriptionStatus)
		assert.Equal(t, billing.SourceAppStore, trainer.LastSignalSource)
	})

	t.Run("dedup marks only after the store write commits", func(t *testing.T) {
		t.Parallel()
		store := &flakyStore{TrainerStore: billing.NewMemoryTrainerStore(), failNext: true}
		dedup := newMemoryDeduper()
		svc := newTestService(t, store, nil, nil, billing.WithDeduper(dedup))

		sig := billing.Signal{
			TrainerID:    "tr_1",
			Kind:         billing.KindActivated,
			RawStatus:    "active",
			OccurredAt:   base,
			Source:       billing.SourceCardBilling,
			SequenceHint: "evt_1",
		}

		// The first delivery dies on a transient store failure; it must not
		// leave an event mark behind.
		require.Error(t, svc.ApplySignal(ctx, sig))
		seen, err := dedup.Seen(ctx, sig.Source, sig.SequenceHint)
		require.NoError(t, err)
		assert.False(t, seen)

		// The provider's redelivery goes through.
		require.NoError(t, svc.ApplySignal(ctx, sig))
		trainer, err := store.Get(ctx, "tr_1")
		require.NoError(t, err)
		assert.True(t, trainer.IsActive)

		// A third delivery is now caught by the fast path.
		assert.ErrorIs(t, svc.ApplySignal(ctx, sig), billing.ErrStaleSignal)
		seen, err = dedup.Seen(ctx, sig.Source, sig.SequenceHint)
		require.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("invalid signal is rejected before any store access", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t, billing.NewMemoryTrainerStore(), nil, nil)

		err := svc.ApplySignal(ctx, billing.Signal{
			Kind:       billing.KindActivated,
			OccurredAt: base,
			Source:     billing.SourceCardBilling,
		})
		assert.ErrorIs(t, err, billing.ErrUnmappedTrainer)
	})
}

func TestService_HandleCardWebhook(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("signature failure propagates for provider retry", func(t *testing.T) {
		t.Parallel()
		card := &fakeCard{
			parseWebhook: func(context.Context, []byte, string) (*billing.Signal, error) {
				return nil, billing.ErrSignatureVerification
			},
		}
		svc := newTestService(t, billing.NewMemoryTrainerStore(), card, nil)

		err := svc.HandleCardWebhook(ctx, []byte(`{}`), "bad-sig")
		assert.ErrorIs(t, err, billing.ErrSignatureVerification)
	})

	t.Run("unmapped trainer is absorbed with an ack", func(t *testing.T) {
		t.Parallel()
		card := &fakeCard{
			parseWebhook: func(context.Context, []byte, string) (*billing.Signal, error) {
				return &billing.Signal{
					TrainerID:  "tr_ghost",
					Kind:       billing.KindCanceled,
					OccurredAt: base,
					Source:     billing.SourceCardBilling,
				}, nil
			},
		}
		svc := newTestService(t, billing.NewMemoryTrainerStore(), card, nil)

		assert.NoError(t, svc.HandleCardWebhook(ctx, []byte(`{}`), "sig"))
	})

	t.Run("uninteresting event types are acked silently", func(t *testing.T) {
		t.Parallel()
		card := &fakeCard{
			parseWebhook: func(context.Context, []byte, string) (*billing.Signal, error) {
				return nil, nil
			},
		}
		svc := newTestService(t, billing.NewMemoryTrainerStore(), card, nil)

		assert.NoError(t, svc.HandleCardWebhook(ctx, []byte(`{}`), "sig"))
	})

	t.Run("valid event mutates state", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		card := &fakeCard{
			parseWebhook: func(context.Context, []byte, string) (*billing.Signal, error) {
				return &billing.Signal{
					TrainerID:         "tr_1",
					Kind:              billing.KindActivated,
					RawStatus:         "active",
					OccurredAt:        base,
					Source:            billing.SourceCardBilling,
					SequenceHint:      "evt_1",
					BillingCustomerID: "cus_1",
				}, nil
			},
		}
		svc := newTestService(t, store, card, nil)

		require.NoError(t, svc.HandleCardWebhook(ctx, []byte(`{}`), "sig"))
		trainer, err := store.Get(ctx, "tr_1")
		require.NoError(t, err)
		assert.True(t, trainer.IsActive)
	})
}

func TestService_HandleAppStoreNotification(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("resolves trainer via app account token", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		require.NoError(t, store.Ensure(ctx, &billing.Trainer{ID: "tr_1"}))

		appstore := &fakeAppStore{
			parseNotification: func([]byte) (*billing.AppStoreNotification, error) {
				return &billing.AppStoreNotification{
					NotificationType:      "SUBSCRIBED",
					UUID:                  "note_1",
					SignedAt:              base,
					OriginalTransactionID: "orig_1",
					AppAccountToken:       "tr_1",
				}, nil
			},
		}
		svc := newTestService(t, store, nil, appstore)

		require.NoError(t, svc.HandleAppStoreNotification(ctx, []byte(`{}`)))
		trainer, err := store.Get(ctx, "tr_1")
		require.NoError(t, err)
		assert.True(t, trainer.IsActive)
		assert.Equal(t, "orig_1", trainer.IOSOriginalTransactionID)
	})

	t.Run("falls back to the stored transaction lineage", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		require.NoError(t, store.Ensure(ctx, &billing.Trainer{ID: "tr_1"}))
		require.NoError(t, store.ApplySignal(ctx, "tr_1", billing.Signal{
			TrainerID:  "tr_1",
			Kind:       billing.KindActivated,
			OccurredAt: base.Add(-time.Hour),
			Source:     billing.SourceAppStore,
		}, billing.Patch{IOSOriginalTransactionID: ptr("orig_1")}))

		appstore := &fakeAppStore{
			parseNotification: func([]byte) (*billing.AppStoreNotification, error) {
				return &billing.AppStoreNotification{
					NotificationType:      "EXPIRED",
					UUID:                  "note_2",
					SignedAt:              base,
					OriginalTransactionID: "orig_1",
				}, nil
			},
		}
		svc := newTestService(t, store, nil, appstore)

		require.NoError(t, svc.HandleAppStoreNotification(ctx, []byte(`{}`)))
		trainer, err := store.Get(ctx, "tr_1")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, trainer.SubscriptionStatus)
	})

	t.Run("unmapped notification is absorbed", func(t *testing.T) {
		t.Parallel()
		appstore := &fakeAppStore{
			parseNotification: func([]byte) (*billing.AppStoreNotification, error) {
				return &billing.AppStoreNotification{
					NotificationType:      "DID_RENEW",
					SignedAt:              base,
					OriginalTransactionID: "orig_unknown",
				}, nil
			},
		}
		svc := newTestService(t, billing.NewMemoryTrainerStore(), nil, appstore)

		assert.NoError(t, svc.HandleAppStoreNotification(ctx, []byte(`{}`)))
	})
}

func TestService_VerifyReceipt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("active receipt activates the trainer and retains the receipt", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		require.NoError(t, store.Ensure(ctx, &billing.Trainer{ID: "tr_1"}))

		appstore := &fakeAppStore{
			verifyReceipt: func(_ context.Context, receipt string) (*billing.ReceiptVerification, error) {
				return &billing.ReceiptVerification{
					OriginalTransactionID: "orig_1",
					ExpiresAt:             now.Add(30 * 24 * time.Hour),
					LatestReceipt:         "latest-receipt-blob",
					AutoRenewing:          true,
				}, nil
			},
		}
		svc := newTestService(t, store, nil, appstore, billing.WithClock(func() time.Time { return now }))

		status, err := svc.VerifyReceipt(ctx, "tr_1", "submitted-receipt")
		require.NoError(t, err)
		assert.True(t, status.IsActive)
		assert.Equal(t, billing.StatusActive, status.Status)

		trainer, err := store.Get(ctx, "tr_1")
		require.NoError(t, err)
		assert.True(t, trainer.IsActive)
		assert.Equal(t, "latest-receipt-blob", trainer.IOSLatestReceipt)
		assert.Equal(t, "orig_1", trainer.IOSOriginalTransactionID)
	})

	t.Run("expired receipt reports inactive", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		require.NoError(t, store.Ensure(ctx, &billing.Trainer{ID: "tr_1"}))

		appstore := &fakeAppStore{
			verifyReceipt: func(_ context.Context, receipt string) (*billing.ReceiptVerification, error) {
				return &billing.ReceiptVerification{
					OriginalTransactionID: "orig_1",
					ExpiresAt:             now.Add(-time.Hour),
				}, nil
			},
		}
		svc := newTestService(t, store, nil, appstore, billing.WithClock(func() time.Time { return now }))

		status, err := svc.VerifyReceipt(ctx, "tr_1", "submitted-receipt")
		require.NoError(t, err)
		assert.False(t, status.IsActive)
		assert.Equal(t, billing.StatusCanceled, status.Status)
	})

	t.Run("rejected receipt surfaces the error", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		require.NoError(t, store.Ensure(ctx, &billing.Trainer{ID: "tr_1"}))
		svc := newTestService(t, store, nil, &fakeAppStore{})

		_, err := svc.VerifyReceipt(ctx, "tr_1", "garbage")
		assert.ErrorIs(t, err, billing.ErrReceiptRejected)
	})

	t.Run("unknown trainer", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t, billing.NewMemoryTrainerStore(), nil, nil)
		_, err := svc.VerifyReceipt(ctx, "tr_ghost", "receipt")
		assert.ErrorIs(t, err, billing.ErrTrainerNotFound)
	})
}

func TestService_EnsureCustomer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("creates the customer exactly once", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		calls := 0
		card := &fakeCard{
			createCustomer: func(_ context.Context, trainerID, email string) (string, error) {
				calls++
				return "cus_1", nil
			},
		}
		svc := newTestService(t, store, card, nil)

		id, err := svc.EnsureCustomer(ctx, "tr_1", "coach@example.com")
		require.NoError(t, err)
		assert.Equal(t, "cus_1", id)

		id, err = svc.EnsureCustomer(ctx, "tr_1", "coach@example.com")
		require.NoError(t, err)
		assert.Equal(t, "cus_1", id)
		assert.Equal(t, 1, calls)
	})

	t.Run("provider failure propagates", func(t *testing.T) {
		t.Parallel()
		card := &fakeCard{
			createCustomer: func(context.Context, string, string) (string, error) {
				return "", errors.New("stripe is down")
			},
		}
		svc := newTestService(t, billing.NewMemoryTrainerStore(), card, nil)

		_, err := svc.EnsureCustomer(ctx, "tr_1", "coach@example.com")
		assert.Error(t, err)
	})
}

func TestService_CreateSubscriptionCheckout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("creates the customer lazily", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		require.NoError(t, store.Ensure(ctx, &billing.Trainer{ID: "tr_1"}))
		svc := newTestService(t, store, &fakeCard{}, nil)

		link, err := svc.CreateSubscriptionCheckout(ctx, "tr_1", "coach@example.com")
		require.NoError(t, err)
		assert.NotEmpty(t, link.URL)

		trainer, err := store.Get(ctx, "tr_1")
		require.NoError(t, err)
		assert.Equal(t, "cus_fake", trainer.BillingCustomerID)
	})

	t.Run("balance clear failure does not block checkout", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		require.NoError(t, store.Ensure(ctx, &billing.Trainer{ID: "tr_1"}))
		card := &fakeCard{
			clearBalance: func(context.Context, string) error {
				return errors.New("balance endpoint down")
			},
		}
		svc := newTestService(t, store, card, nil)

		_, err := svc.CreateSubscriptionCheckout(ctx, "tr_1", "coach@example.com")
		assert.NoError(t, err)
	})
}

func TestService_CreateBillingPortalLink(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("requires an existing billing customer", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		require.NoError(t, store.Ensure(ctx, &billing.Trainer{ID: "tr_1"}))
		svc := newTestService(t, store, nil, nil)

		_, err := svc.CreateBillingPortalLink(ctx, "tr_1")
		assert.ErrorIs(t, err, billing.ErrNoBillingCustomer)
	})

	t.Run("returns the portal session", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryTrainerStore()
		require.NoError(t, store.Ensure(ctx, &billing.Trainer{ID: "tr_1"}))
		require.NoError(t, store.SetBillingCustomerID(ctx, "tr_1", "cus_1"))
		svc := newTestService(t, store, nil, nil)

		link, err := svc.CreateBillingPortalLink(ctx, "tr_1")
		require.NoError(t, err)
		assert.Equal(t, "https://portal.example.com/cus_1", link.URL)
	})
}

func ptr[T any](v T) *T { return &v }
