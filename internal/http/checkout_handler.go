package http

import (
	"net/http"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/fjod/go_cart/storefront/internal/service"
)

type CheckoutHandler struct {
	checkout    service.CheckoutService
	maxBodySize int64
}

func NewCheckoutHandler(checkout service.CheckoutService, maxBodySize int64) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout, maxBodySize: maxBodySize}
}

// CheckoutItemDTO is one cart line. Any price or name the client sends alongside
// is ignored: the order is priced from the product records.
type CheckoutItemDTO struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type PlaceOrderRequestDTO struct {
	Items          []CheckoutItemDTO `json:"items"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type AvailabilityRequestDTO struct {
	Items []CheckoutItemDTO `json:"items"`
}

type AvailabilityResponseDTO struct {
	Items []domain.LineAvailability `json:"items"`
}

// POST /api/v1/checkout
func (h *CheckoutHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	var req PlaceOrderRequestDTO
	if !decodeJSON(w, r, h.maxBodySize, &req) {
		return
	}
	key := req.IdempotencyKey
	if header := r.Header.Get("Idempotency-Key"); header != "" {
		key = header
	}

	result, err := h.checkout.PlaceOrder(r.Context(), domain.CheckoutRequest{
		UserID:         principal.UserID,
		IdempotencyKey: key,
		Lines:          toLines(req.Items),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

// POST /api/v1/products/availability
func (h *CheckoutHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	var req AvailabilityRequestDTO
	if !decodeJSON(w, r, h.maxBodySize, &req) {
		return
	}

	items, err := h.checkout.CheckAvailability(r.Context(), toLines(req.Items))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, AvailabilityResponseDTO{Items: items})
}

func toLines(items []CheckoutItemDTO) []domain.CheckoutLine {
	lines := make([]domain.CheckoutLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.CheckoutLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}
