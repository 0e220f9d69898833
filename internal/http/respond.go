package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fjod/go_cart/storefront/internal/logger"
	"github.com/fjod/go_cart/storefront/internal/service"
	"github.com/fjod/go_cart/storefront/internal/store"
	"github.com/rs/zerolog/log"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// respondServiceError maps service and store errors to HTTP responses. Internal
// causes are logged, never returned to the client.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *service.ValidationError
		stockErr      *service.InsufficientStockError
		txErr         *service.TransactionError
	)

	switch {
	case errors.As(err, &validationErr):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: validationErr.Error(),
			Details: map[string]string{"field": validationErr.Field},
		})
	case errors.As(err, &stockErr):
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "insufficient_stock",
			Message: "some items are no longer available in the requested quantity",
			Details: stockErr.Shortfalls,
		})
	case errors.Is(err, service.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, store.ErrProductNotFound), errors.Is(err, store.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrIllegalTransition):
		respondError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, store.ErrDuplicateOrder):
		respondError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.As(err, &txErr):
		logger.Ctx(r.Context()).Error().Err(err).Msg("order transaction failed")
		respondError(w, http.StatusInternalServerError, "transaction_failed", "could not place the order, please try again")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		logger.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) bool {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}
