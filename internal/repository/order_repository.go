package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/fjod/go_cart/storefront/internal/store"
	"github.com/google/uuid"
)

const orderColumns = `id, user_id, idempotency_key, items, total_cents, currency, status, tracking_number, created_at, updated_at`

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order          domain.Order
		idempotencyKey sql.NullString
		itemsJSON      []byte
		totalCents     int64
	)
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&idempotencyKey,
		&itemsJSON,
		&totalCents,
		&order.Currency,
		&order.Status,
		&order.TrackingNumber,
		timestamp(&order.CreatedAt),
		timestamp(&order.UpdatedAt),
	)
	if err != nil {
		return nil, err
	}
	order.IdempotencyKey = idempotencyKey.String
	order.Total = domain.FromCents(totalCents)

	if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	return &order, nil
}

func (r *Repository) CreateOrder(ctx context.Context, order *domain.Order) error {
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal order items: %w", err)
	}

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now()
	}
	order.UpdatedAt = order.CreatedAt

	var idempotencyKey sql.NullString
	if order.IdempotencyKey != "" {
		idempotencyKey = sql.NullString{String: order.IdempotencyKey, Valid: true}
	}

	query := `INSERT INTO orders (id, user_id, idempotency_key, items, total_cents, currency, status, tracking_number, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, insertErr := r.exec(ctx, query,
		order.ID,
		order.UserID,
		idempotencyKey,
		string(itemsJSON),
		domain.Cents(order.Total),
		order.Currency,
		string(order.Status),
		order.TrackingNumber,
		order.CreatedAt,
		order.UpdatedAt)

	if insertErr != nil {
		if isUniqueViolation(insertErr) {
			return store.ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", insertErr)
	}
	return nil
}

func (r *Repository) GetOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrOrderNotFound
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(r.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by id: %w", err)
	}
	return order, nil
}

func (r *Repository) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 AND idempotency_key = $2`

	order, err := scanOrder(r.queryRow(ctx, query, userID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by idempotency key: %w", err)
	}
	return order, nil
}

func (r *Repository) ListOrdersByUserID(ctx context.Context, userID string) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id`

	rows, err := r.query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query orders by user id: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

func (r *Repository) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, int, error) {
	f := filter.Normalize()

	where := ""
	args := []any{}
	if f.Status != "" {
		where = " WHERE status = $1"
		args = append(args, string(f.Status))
	}

	var total int
	if err := r.queryRow(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		orderColumns, where, n+1, n+2)
	args = append(args, f.Limit, f.Offset())

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// UpdateOrderStatus applies the transition as one conditional write: the row only
// changes when its current status is a legal source of the requested one.
func (r *Repository) UpdateOrderStatus(ctx context.Context, id string, update domain.StatusUpdate) (*domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrOrderNotFound
	}

	sources := domain.SourcesOf(update.Status)
	if len(sources) == 0 {
		return nil, store.ErrIllegalTransition
	}

	var tracking sql.NullString
	if update.TrackingNumber != nil {
		tracking = sql.NullString{String: *update.TrackingNumber, Valid: true}
	}

	args := []any{string(update.Status), tracking, now(), id}
	for _, s := range sources {
		args = append(args, string(s))
	}

	query := `UPDATE orders SET status = $1, tracking_number = COALESCE($2, tracking_number), updated_at = $3
	          WHERE id = $4 AND status IN (` + placeholders(5, len(sources)) + `)
	          RETURNING ` + orderColumns

	order, err := scanOrder(r.queryRow(ctx, query, args...))
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update order status: %w", err)
	}

	// nothing matched: either the order is missing or its status forbids the move
	if _, getErr := r.GetOrderByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, store.ErrIllegalTransition
}

func (r *Repository) Stats(ctx context.Context) (*domain.OrderStats, error) {
	query := `SELECT status, COUNT(*), COALESCE(SUM(total_cents), 0) FROM orders GROUP BY status`

	rows, err := r.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query order stats: %w", err)
	}
	defer rows.Close()

	stats := &domain.OrderStats{ByStatus: make(map[domain.OrderStatus]int)}
	for rows.Next() {
		var (
			status string
			count  int
			cents  int64
		)
		if err := rows.Scan(&status, &count, &cents); err != nil {
			return nil, fmt.Errorf("scan order stats: %w", err)
		}
		stats.AddGroup(domain.OrderStatus(status), count, domain.FromCents(cents))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order stats: %w", err)
	}
	return stats, nil
}

func collectOrders(rows *sql.Rows) ([]*domain.Order, error) {
	orders := make([]*domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}
