package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/fjod/go_cart/storefront/internal/cache"
	"github.com/fjod/go_cart/storefront/internal/logger"
	"github.com/fjod/go_cart/storefront/internal/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultTxTimeout  = 5 * time.Second
	MaxCheckoutLines  = 100
	MaxLineQuantity   = 10000
	tracerName        = "github.com/fjod/go_cart/storefront/internal/service"
	maxIdempotencyKey = 128
)

type CheckoutService interface {
	PlaceOrder(ctx context.Context, request domain.CheckoutRequest) (*domain.CheckoutResult, error)
	CheckAvailability(ctx context.Context, lines []domain.CheckoutLine) ([]domain.LineAvailability, error)
}

type CheckoutServiceImpl struct {
	store     store.Store
	cache     cache.ProductCache
	txTimeout time.Duration
}

// NewCheckoutService wires the workflow. productCache may be nil.
func NewCheckoutService(s store.Store, productCache cache.ProductCache, txTimeout time.Duration) *CheckoutServiceImpl {
	if txTimeout <= 0 {
		txTimeout = DefaultTxTimeout
	}
	return &CheckoutServiceImpl{store: s, cache: productCache, txTimeout: txTimeout}
}

// orderPlacedEvent is the outbox payload of a committed order.
type orderPlacedEvent struct {
	OrderID   string             `json:"order_id"`
	UserID    string             `json:"user_id"`
	Items     []domain.OrderItem `json:"items"`
	Total     decimal.Decimal    `json:"total"`
	Currency  string             `json:"currency"`
	CreatedAt time.Time          `json:"created_at"`
}

func (s *CheckoutServiceImpl) PlaceOrder(ctx context.Context, request domain.CheckoutRequest) (*domain.CheckoutResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "checkout.PlaceOrder")
	defer span.End()

	if request.UserID == "" {
		return nil, invalid("user_id", "user is required")
	}
	if len(request.IdempotencyKey) > maxIdempotencyKey {
		return nil, invalid("idempotency_key", "must be at most %d characters", maxIdempotencyKey)
	}
	lines, err := coalesce(request.Lines)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("checkout.lines", len(lines)))

	// check the idempotency key before touching stock
	if request.IdempotencyKey != "" {
		result, err := s.replay(ctx, request.UserID, request.IdempotencyKey)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, &TransactionError{Err: err}
		}
		if result != nil {
			return result, nil
		}
	}

	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	var result *domain.CheckoutResult
	err = s.store.WithinTx(txCtx, func(ctx context.Context, tx store.Tx) error {
		result = nil
		placed, err := placeOrder(ctx, tx, request, lines)
		if err != nil {
			return err
		}
		result = placed
		return nil
	})
	if err != nil {
		var stockErr *InsufficientStockError
		if errors.As(err, &stockErr) {
			span.SetAttributes(attribute.Int("checkout.shortfalls", len(stockErr.Shortfalls)))
			return nil, stockErr
		}
		// a concurrent request with the same key won the race
		if errors.Is(err, store.ErrDuplicateOrder) && request.IdempotencyKey != "" {
			replayed, replayErr := s.replay(ctx, request.UserID, request.IdempotencyKey)
			if replayErr == nil && replayed != nil {
				return replayed, nil
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "order transaction failed")
		logger.Ctx(ctx).Error().Err(err).
			Str("user_id", request.UserID).
			Msg("Order transaction rolled back")
		return nil, &TransactionError{Err: err}
	}

	s.invalidate(ctx, lines)
	span.SetAttributes(attribute.String("order.id", result.Order.ID))
	logger.Ctx(ctx).Info().
		Str("order_id", result.Order.ID).
		Str("user_id", request.UserID).
		Str("total", result.Order.Total.StringFixed(2)).
		Msg("Order placed")
	return result, nil
}

// placeOrder is the body of the transactional scope. Every error it returns rolls
// back all decrements made so far.
func placeOrder(ctx context.Context, tx store.Tx, request domain.CheckoutRequest, lines []domain.CheckoutLine) (*domain.CheckoutResult, error) {
	ids := lineIDs(lines)
	existing, err := tx.GetProducts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, p := range existing {
		known[p.ID] = true
	}

	// decrement in id order so concurrent scopes lock rows in the same sequence
	order := slices.Clone(lines)
	slices.SortFunc(order, func(a, b domain.CheckoutLine) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})

	decremented := make(map[string]*domain.Product, len(lines))
	shortfalls := make(map[string]domain.Shortfall)
	for _, line := range order {
		if !known[line.ProductID] {
			shortfalls[line.ProductID] = domain.Shortfall{ProductID: line.ProductID, Requested: line.Quantity, Missing: true}
			continue
		}
		p, err := tx.DecrementIfAvailable(ctx, line.ProductID, line.Quantity)
		if err != nil {
			return nil, fmt.Errorf("decrement %s: %w", line.ProductID, err)
		}
		if p != nil {
			decremented[line.ProductID] = p
			continue
		}
		current, err := tx.GetProduct(ctx, line.ProductID)
		switch {
		case errors.Is(err, store.ErrProductNotFound):
			shortfalls[line.ProductID] = domain.Shortfall{ProductID: line.ProductID, Requested: line.Quantity, Missing: true}
		case err != nil:
			return nil, fmt.Errorf("re-read %s: %w", line.ProductID, err)
		default:
			shortfalls[line.ProductID] = domain.Shortfall{ProductID: line.ProductID, Requested: line.Quantity, Available: current.Stock}
		}
	}

	if len(shortfalls) > 0 {
		report := make([]domain.Shortfall, 0, len(shortfalls))
		for _, line := range lines {
			if sf, ok := shortfalls[line.ProductID]; ok {
				report = append(report, sf)
			}
		}
		return nil, &InsufficientStockError{Shortfalls: report}
	}

	items := make([]domain.OrderItem, 0, len(lines))
	availability := make([]domain.Availability, 0, len(lines))
	for _, line := range lines {
		p := decremented[line.ProductID]
		items = append(items, domain.OrderItem{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  line.Quantity,
			UnitPrice: p.Price,
		})
		availability = append(availability, domain.Availability{ID: p.ID, Stock: p.Stock, Name: p.Name})
	}

	placed := &domain.Order{
		UserID:         request.UserID,
		IdempotencyKey: request.IdempotencyKey,
		Items:          items,
		Total:          domain.ComputeTotal(items),
		Currency:       domain.DefaultCurrency,
		Status:         domain.OrderStatusPending,
	}
	if err := tx.CreateOrder(ctx, placed); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	payload, err := json.Marshal(orderPlacedEvent{
		OrderID:   placed.ID,
		UserID:    placed.UserID,
		Items:     placed.Items,
		Total:     placed.Total,
		Currency:  placed.Currency,
		CreatedAt: placed.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order event: %w", err)
	}
	event := &domain.OutboxEvent{
		AggregateID: placed.ID,
		EventType:   domain.EventOrderPlaced,
		Payload:     payload,
		CreatedAt:   placed.CreatedAt,
	}
	if err := tx.AddOutboxEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("write outbox event: %w", err)
	}

	return &domain.CheckoutResult{Order: placed, Availability: availability}, nil
}

// replay returns the order already placed under key, or nil when there is none.
func (s *CheckoutServiceImpl) replay(ctx context.Context, userID, key string) (*domain.CheckoutResult, error) {
	existing, err := s.store.GetOrderByIdempotencyKey(ctx, userID, key)
	if errors.Is(err, store.ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("idempotency_key", key).
		Str("order_id", existing.ID).
		Str("status", existing.Status.String()).
		Msg("Duplicate request detected")

	ids := make([]string, 0, len(existing.Items))
	for _, item := range existing.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.store.GetProducts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	byID := make(map[string]*domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	availability := make([]domain.Availability, 0, len(existing.Items))
	for _, item := range existing.Items {
		a := domain.Availability{ID: item.ProductID, Name: item.Name}
		if p, ok := byID[item.ProductID]; ok {
			a.Stock = p.Stock
			a.Name = p.Name
		}
		availability = append(availability, a)
	}
	return &domain.CheckoutResult{Order: existing, Availability: availability, Replayed: true}, nil
}

// invalidate drops cached copies of products whose stock just changed. A failure
// only costs staleness until the TTL expires.
func (s *CheckoutServiceImpl) invalidate(ctx context.Context, lines []domain.CheckoutLine) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, lineIDs(lines)...); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("Failed to invalidate product cache")
	}
}

func (s *CheckoutServiceImpl) CheckAvailability(ctx context.Context, lines []domain.CheckoutLine) ([]domain.LineAvailability, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "checkout.CheckAvailability")
	defer span.End()

	coalesced, err := coalesce(lines)
	if err != nil {
		return nil, err
	}
	products, err := s.store.GetProducts(ctx, lineIDs(coalesced))
	if err != nil {
		span.RecordError(err)
		return nil, &TransactionError{Err: err}
	}
	byID := make(map[string]*domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	result := make([]domain.LineAvailability, 0, len(coalesced))
	for _, line := range coalesced {
		la := domain.LineAvailability{ID: line.ProductID, Requested: line.Quantity}
		if p, ok := byID[line.ProductID]; ok {
			la.Name = p.Name
			la.Stock = p.Stock
			la.Sufficient = p.Stock >= line.Quantity
		} else {
			la.Missing = true
		}
		result = append(result, la)
	}
	return result, nil
}

// coalesce validates lines and merges duplicate product ids, keeping the order in
// which each id first appeared.
func coalesce(lines []domain.CheckoutLine) ([]domain.CheckoutLine, error) {
	if len(lines) == 0 {
		return nil, invalid("items", "at least one item is required")
	}
	if len(lines) > MaxCheckoutLines {
		return nil, invalid("items", "at most %d items per order", MaxCheckoutLines)
	}

	merged := make([]domain.CheckoutLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for i, line := range lines {
		if !domain.ValidProductID(line.ProductID) {
			return nil, invalid(fmt.Sprintf("items[%d].product_id", i), "invalid product id %q", line.ProductID)
		}
		if line.Quantity <= 0 {
			return nil, invalid(fmt.Sprintf("items[%d].quantity", i), "quantity must be positive")
		}
		if line.Quantity > MaxLineQuantity {
			return nil, invalid(fmt.Sprintf("items[%d].quantity", i), "quantity must be at most %d", MaxLineQuantity)
		}
		pos, ok := index[line.ProductID]
		if !ok {
			index[line.ProductID] = len(merged)
			merged = append(merged, line)
			continue
		}
		// compared before adding so the sum cannot overflow
		if merged[pos].Quantity > MaxLineQuantity-line.Quantity {
			return nil, invalid(fmt.Sprintf("items[%d].quantity", i), "total quantity for %s must be at most %d", line.ProductID, MaxLineQuantity)
		}
		merged[pos].Quantity += line.Quantity
	}
	return merged, nil
}

func lineIDs(lines []domain.CheckoutLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}
