package http

import (
	"net/http"
	"strconv"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/fjod/go_cart/storefront/internal/service"
	"github.com/go-chi/chi/v5"
)

type OrdersHandler struct {
	orders      service.OrderService
	maxBodySize int64
}

func NewOrdersHandler(orders service.OrderService, maxBodySize int64) *OrdersHandler {
	return &OrdersHandler{orders: orders, maxBodySize: maxBodySize}
}

type OrdersResponseDTO struct {
	Orders []*domain.Order `json:"orders"`
	Total  int             `json:"total"`
	Page   int             `json:"page,omitempty"`
}

type StatusUpdateDTO struct {
	Status         domain.OrderStatus `json:"status"`
	TrackingNumber *string            `json:"tracking_number,omitempty"`
}

// GET /api/v1/orders
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	orders, err := h.orders.ListUserOrders(r.Context(), principal)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if orders == nil {
		orders = make([]*domain.Order, 0)
	}
	respondJSON(w, http.StatusOK, OrdersResponseDTO{Orders: orders, Total: len(orders)})
}

// GET /api/v1/orders/{order_id}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	orderID := chi.URLParam(r, "order_id")
	if orderID == "" {
		respondError(w, http.StatusBadRequest, "missing_order_id", "order_id is required")
		return
	}

	order, err := h.orders.GetOrder(r.Context(), principal, orderID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// GET /api/v1/admin/orders
func (h *OrdersHandler) ListAllOrders(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	q := r.URL.Query()
	filter := domain.OrderFilter{Status: domain.OrderStatus(q.Get("status"))}
	for name, dst := range map[string]*int{"page": &filter.Page, "limit": &filter.Limit} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				respondError(w, http.StatusBadRequest, "invalid_argument", "invalid "+name)
				return
			}
			*dst = n
		}
	}

	orders, total, err := h.orders.ListOrders(r.Context(), principal, filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if orders == nil {
		orders = make([]*domain.Order, 0)
	}
	respondJSON(w, http.StatusOK, OrdersResponseDTO{Orders: orders, Total: total, Page: filter.Normalize().Page})
}

// PATCH /api/v1/admin/orders/{order_id}
func (h *OrdersHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	var req StatusUpdateDTO
	if !decodeJSON(w, r, h.maxBodySize, &req) {
		return
	}

	order, err := h.orders.UpdateStatus(r.Context(), principal, chi.URLParam(r, "order_id"), domain.StatusUpdate{
		Status:         req.Status,
		TrackingNumber: req.TrackingNumber,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// GET /api/v1/admin/stats
func (h *OrdersHandler) Stats(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	stats, err := h.orders.Stats(r.Context(), principal)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
