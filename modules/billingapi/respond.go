package billingapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fitstack/trainerbilling/svc/billing"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// respondServiceError maps domain errors to HTTP statuses. Provider and
// store failures stay opaque to the caller.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrTrainerNotFound), errors.Is(err, billing.ErrUnmappedTrainer):
		respondError(w, http.StatusNotFound, "trainer not found")
	case errors.Is(err, billing.ErrNoBillingCustomer):
		respondError(w, http.StatusConflict, "trainer has no billing customer")
	case errors.Is(err, billing.ErrReceiptRejected):
		respondError(w, http.StatusUnprocessableEntity, "receipt rejected")
	case errors.Is(err, billing.ErrMalformedEvent):
		respondError(w, http.StatusBadRequest, "malformed payload")
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
