package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitstack/trainerbilling/svc/billing"
)

func TestApply_DerivedState(t *testing.T) {
	t.Parallel()

	occurred := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		sig        billing.Signal
		wantStatus billing.Status
		wantActive bool
	}{
		{
			name: "activation grants access",
			sig: billing.Signal{
				Kind:       billing.KindActivated,
				RawStatus:  "active",
				OccurredAt: occurred,
				Source:     billing.SourceCardBilling,
			},
			wantStatus: billing.StatusActive,
			wantActive: true,
		},
		{
			name: "renewal keeps access",
			sig: billing.Signal{
				Kind:       billing.KindRenewed,
				RawStatus:  "active",
				OccurredAt: occurred,
				Source:     billing.SourceCardBilling,
			},
			wantStatus: billing.StatusActive,
			wantActive: true,
		},
		{
			name: "payment failure stores the provider status verbatim",
			sig: billing.Signal{
				Kind:       billing.KindPaymentFailed,
				RawStatus:  "unpaid",
				OccurredAt: occurred,
				Source:     billing.SourceCardBilling,
			},
			wantStatus: billing.StatusUnpaid,
			wantActive: false,
		},
		{
			name: "payment failure without provider status falls back to past_due",
			sig: billing.Signal{
				Kind:       billing.KindPaymentFailed,
				OccurredAt: occurred,
				Source:     billing.SourceCardBilling,
			},
			wantStatus: billing.StatusPastDue,
			wantActive: false,
		},
		{
			name: "unrecognized provider status falls back to the kind default",
			sig: billing.Signal{
				Kind:       billing.KindRenewed,
				RawStatus:  "trialing",
				OccurredAt: occurred,
				Source:     billing.SourceCardBilling,
			},
			wantStatus: billing.StatusActive,
			wantActive: true,
		},
		{
			name: "cancellation revokes access",
			sig: billing.Signal{
				Kind:       billing.KindCanceled,
				RawStatus:  "canceled",
				OccurredAt: occurred,
				Source:     billing.SourceAppStore,
			},
			wantStatus: billing.StatusCanceled,
			wantActive: false,
		},
		{
			name: "deletion revokes access",
			sig: billing.Signal{
				Kind:       billing.KindDeleted,
				RawStatus:  "canceled",
				OccurredAt: occurred,
				Source:     billing.SourceCardBilling,
			},
			wantStatus: billing.StatusCanceled,
			wantActive: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			patch, ok := billing.Apply(billing.Trainer{ID: "tr_1"}, tt.sig)
			require.True(t, ok)
			require.NotNil(t, patch.SubscriptionStatus)
			require.NotNil(t, patch.IsActive)
			assert.Equal(t, tt.wantStatus, *patch.SubscriptionStatus)
			assert.Equal(t, tt.wantActive, *patch.IsActive)
		})
	}
}

func TestApply_UnknownKindIsNoop(t *testing.T) {
	t.Parallel()

	patch, ok := billing.Apply(billing.Trainer{ID: "tr_1"}, billing.Signal{
		Kind:       billing.KindUnknown,
		OccurredAt: time.Now(),
		Source:     billing.SourceCardBilling,
	})
	assert.False(t, ok)
	assert.True(t, patch.IsZero())
}

func TestApply_BillingCustomerIDIsAppendOnly(t *testing.T) {
	t.Parallel()

	sig := billing.Signal{
		Kind:              billing.KindActivated,
		RawStatus:         "active",
		OccurredAt:        time.Now(),
		Source:            billing.SourceCardBilling,
		BillingCustomerID: "cus_new",
	}

	t.Run("set on first activation", func(t *testing.T) {
		t.Parallel()
		patch, ok := billing.Apply(billing.Trainer{ID: "tr_1"}, sig)
		require.True(t, ok)
		require.NotNil(t, patch.BillingCustomerID)
		assert.Equal(t, "cus_new", *patch.BillingCustomerID)
	})

	t.Run("never overwritten once set", func(t *testing.T) {
		t.Parallel()
		patch, ok := billing.Apply(billing.Trainer{ID: "tr_1", BillingCustomerID: "cus_old"}, sig)
		require.True(t, ok)
		assert.Nil(t, patch.BillingCustomerID)
	})
}

func TestApply_ChannelFieldsFollowSource(t *testing.T) {
	t.Parallel()

	paidAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	expiry := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	t.Run("card signal carries payment fields", func(t *testing.T) {
		t.Parallel()
		patch, ok := billing.Apply(billing.Trainer{ID: "tr_1"}, billing.Signal{
			Kind:       billing.KindRenewed,
			RawStatus:  "active",
			OccurredAt: paidAt,
			Source:     billing.SourceCardBilling,
			PaidAt:     &paidAt,
			ReceiptURL: "https://pay.example.com/receipt/1",
		})
		require.True(t, ok)
		require.NotNil(t, patch.LastPaymentAt)
		assert.Equal(t, paidAt, *patch.LastPaymentAt)
		require.NotNil(t, patch.ReceiptURL)
		assert.Equal(t, "https://pay.example.com/receipt/1", *patch.ReceiptURL)
		assert.Nil(t, patch.IOSExpiry)
	})

	t.Run("cancellation does not update payment fields", func(t *testing.T) {
		t.Parallel()
		patch, ok := billing.Apply(billing.Trainer{ID: "tr_1"}, billing.Signal{
			Kind:       billing.KindCanceled,
			RawStatus:  "canceled",
			OccurredAt: paidAt,
			Source:     billing.SourceCardBilling,
			PaidAt:     &paidAt,
			ReceiptURL: "https://pay.example.com/receipt/1",
		})
		require.True(t, ok)
		assert.Nil(t, patch.LastPaymentAt)
		assert.Nil(t, patch.ReceiptURL)
	})

	t.Run("app store signal carries ios fields", func(t *testing.T) {
		t.Parallel()
		patch, ok := billing.Apply(billing.Trainer{ID: "tr_1"}, billing.Signal{
			Kind:                     billing.KindRenewed,
			OccurredAt:               paidAt,
			Source:                   billing.SourceAppStore,
			IOSOriginalTransactionID: "orig_1",
			IOSLatestReceipt:         "receipt-blob",
			IOSExpiry:                &expiry,
		})
		require.True(t, ok)
		require.NotNil(t, patch.IOSOriginalTransactionID)
		assert.Equal(t, "orig_1", *patch.IOSOriginalTransactionID)
		require.NotNil(t, patch.IOSLatestReceipt)
		assert.Equal(t, "receipt-blob", *patch.IOSLatestReceipt)
		require.NotNil(t, patch.IOSExpiry)
		assert.Equal(t, expiry, *patch.IOSExpiry)
	})
}
