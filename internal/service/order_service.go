package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/fjod/go_cart/storefront/internal/logger"
	"github.com/fjod/go_cart/storefront/internal/store"
)

const maxTrackingNumber = 64

type OrderService interface {
	GetOrder(ctx context.Context, caller domain.Principal, id string) (*domain.Order, error)
	ListUserOrders(ctx context.Context, caller domain.Principal) ([]*domain.Order, error)
	ListOrders(ctx context.Context, caller domain.Principal, filter domain.OrderFilter) ([]*domain.Order, int, error)
	UpdateStatus(ctx context.Context, caller domain.Principal, id string, update domain.StatusUpdate) (*domain.Order, error)
	Stats(ctx context.Context, caller domain.Principal) (*domain.OrderStats, error)
}

type OrderServiceImpl struct {
	store store.Store
}

func NewOrderService(s store.Store) *OrderServiceImpl {
	return &OrderServiceImpl{store: s}
}

// GetOrder returns the order when caller owns it or is an admin.
func (s *OrderServiceImpl) GetOrder(ctx context.Context, caller domain.Principal, id string) (*domain.Order, error) {
	if id == "" {
		return nil, invalid("order_id", "order id is required")
	}
	order, err := s.store.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.UserID != caller.UserID && !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	return order, nil
}

func (s *OrderServiceImpl) ListUserOrders(ctx context.Context, caller domain.Principal) ([]*domain.Order, error) {
	if caller.UserID == "" {
		return nil, invalid("user_id", "user is required")
	}
	orders, err := s.store.ListOrdersByUserID(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("list orders of %s: %w", caller.UserID, err)
	}
	return orders, nil
}

func (s *OrderServiceImpl) ListOrders(ctx context.Context, caller domain.Principal, filter domain.OrderFilter) ([]*domain.Order, int, error) {
	if !caller.IsAdmin() {
		return nil, 0, ErrForbidden
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, invalid("status", "unknown order status %q", filter.Status)
	}
	orders, total, err := s.store.ListOrders(ctx, filter.Normalize())
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	return orders, total, nil
}

// UpdateStatus changes status and tracking number only. Items, totals and stock
// are untouched, so cancelling does not restock.
func (s *OrderServiceImpl) UpdateStatus(ctx context.Context, caller domain.Principal, id string, update domain.StatusUpdate) (*domain.Order, error) {
	if !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	if !update.Status.Valid() {
		return nil, invalid("status", "unknown order status %q", update.Status)
	}
	if update.TrackingNumber != nil && len(*update.TrackingNumber) > maxTrackingNumber {
		return nil, invalid("tracking_number", "must be at most %d characters", maxTrackingNumber)
	}

	order, err := s.store.UpdateOrderStatus(ctx, id, update)
	if err != nil {
		if !errors.Is(err, store.ErrOrderNotFound) && !errors.Is(err, store.ErrIllegalTransition) {
			err = fmt.Errorf("update order %s: %w", id, err)
		}
		return nil, err
	}
	logger.Ctx(ctx).Info().
		Str("order_id", id).
		Str("status", order.Status.String()).
		Str("admin_id", caller.UserID).
		Msg("Order status updated")
	return order, nil
}

func (s *OrderServiceImpl) Stats(ctx context.Context, caller domain.Principal) (*domain.OrderStats, error) {
	if !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("order stats: %w", err)
	}
	return stats, nil
}
