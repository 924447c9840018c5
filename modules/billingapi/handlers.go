package billingapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fitstack/trainerbilling/pkg/logger"
	"github.com/fitstack/trainerbilling/svc/billing"
)

// maxBodyBytes bounds webhook and API request bodies. 1MB leaves headroom
// for large base64 receipt payloads.
const maxBodyBytes = 1 << 20

type handlers struct {
	svc   *billing.Service
	sweep *billing.Reconciler
	log   *slog.Logger
}

// stripeWebhook receives card-billing events. Internal failures are absorbed
// with a 200 so the provider does not retry events we can never process; only
// a signature failure asks for a retry.
func (h *handlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	err = h.svc.HandleCardWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrSignatureVerification) {
			respondError(w, http.StatusBadRequest, "signature verification failed")
			return
		}
		h.log.ErrorContext(r.Context(), "stripe webhook handler failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// appStoreNotification receives App Store server notifications. Same
// acknowledgement contract as the card webhook.
func (h *handlers) appStoreNotification(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	err = h.svc.HandleAppStoreNotification(r.Context(), payload)
	if err != nil {
		if errors.Is(err, billing.ErrSignatureVerification) {
			respondError(w, http.StatusBadRequest, "signature verification failed")
			return
		}
		h.log.ErrorContext(r.Context(), "app store notification handler failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type verifyReceiptRequest struct {
	TrainerID string `json:"trainerId"`
	Receipt   string `json:"receipt"`
}

func (h *handlers) verifyReceipt(w http.ResponseWriter, r *http.Request) {
	var req verifyReceiptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TrainerID == "" || req.Receipt == "" {
		respondError(w, http.StatusBadRequest, "trainerId and receipt are required")
		return
	}

	status, err := h.svc.VerifyReceipt(r.Context(), req.TrainerID, req.Receipt)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type ensureCustomerRequest struct {
	TrainerID string `json:"trainerId"`
	Email     string `json:"email"`
}

func (h *handlers) ensureCustomer(w http.ResponseWriter, r *http.Request) {
	var req ensureCustomerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TrainerID == "" {
		respondError(w, http.StatusBadRequest, "trainerId is required")
		return
	}

	customerID, err := h.svc.EnsureCustomer(r.Context(), req.TrainerID, req.Email)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"customerId": customerID})
}

type checkoutRequest struct {
	TrainerID string `json:"trainerId"`
	Email     string `json:"email"`
}

func (h *handlers) subscriptionCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TrainerID == "" {
		respondError(w, http.StatusBadRequest, "trainerId is required")
		return
	}

	link, err := h.svc.CreateSubscriptionCheckout(r.Context(), req.TrainerID, req.Email)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"url":       link.URL,
		"sessionId": link.SessionID,
	})
}

type oneTimeCheckoutRequest struct {
	TrainerID string `json:"trainerId"`
	Email     string `json:"email"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

func (h *handlers) oneTimeCheckout(w http.ResponseWriter, r *http.Request) {
	var req oneTimeCheckoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TrainerID == "" || req.Amount <= 0 {
		respondError(w, http.StatusBadRequest, "trainerId and a positive amount are required")
		return
	}

	link, err := h.svc.CreateOneTimeCheckout(r.Context(), billing.OneTimeCheckoutRequest{
		TrainerID: req.TrainerID,
		Email:     req.Email,
		Amount:    req.Amount,
		Currency:  strings.ToLower(req.Currency),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"url":       link.URL,
		"sessionId": link.SessionID,
	})
}

type paymentIntentRequest struct {
	TrainerID string `json:"trainerId"`
	Email     string `json:"email"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

func (h *handlers) paymentIntent(w http.ResponseWriter, r *http.Request) {
	var req paymentIntentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TrainerID == "" || req.Amount <= 0 {
		respondError(w, http.StatusBadRequest, "trainerId and a positive amount are required")
		return
	}

	res, err := h.svc.CreatePaymentIntent(r.Context(), billing.PaymentIntentRequest{
		TrainerID: req.TrainerID,
		Email:     req.Email,
		Amount:    req.Amount,
		Currency:  strings.ToLower(req.Currency),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"id":           res.ID,
		"clientSecret": res.ClientSecret,
	})
}

type refundRequest struct {
	ChargeID string `json:"chargeId"`
	Amount   int64  `json:"amount"`
}

func (h *handlers) refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ChargeID == "" {
		respondError(w, http.StatusBadRequest, "chargeId is required")
		return
	}

	res, err := h.svc.IssueRefund(r.Context(), billing.RefundRequest{
		ChargeID: req.ChargeID,
		Amount:   req.Amount,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"id":     res.ID,
		"status": res.Status,
	})
}

type portalRequest struct {
	TrainerID string `json:"trainerId"`
}

func (h *handlers) portalLink(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TrainerID == "" {
		respondError(w, http.StatusBadRequest, "trainerId is required")
		return
	}

	link, err := h.svc.CreateBillingPortalLink(r.Context(), req.TrainerID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": link.URL})
}

func (h *handlers) trainer(w http.ResponseWriter, r *http.Request) {
	trainerID := chi.URLParam(r, "trainerID")
	t, err := h.svc.GetTrainer(r.Context(), trainerID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// reconcile triggers one sweep run synchronously and reports the counters.
// Meant to be called by a scheduler, not end users.
func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request) {
	if h.sweep == nil {
		respondError(w, http.StatusNotImplemented, "reconciliation is not configured")
		return
	}

	report, err := h.sweep.Run(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "reconciliation run failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	respondJSON(w, http.StatusOK, report)
}
