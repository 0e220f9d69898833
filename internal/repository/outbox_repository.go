package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fjod/go_cart/storefront/domain"
)

func (r *Repository) AddOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now()
	}

	query := `INSERT INTO outbox (aggregate_id, event_type, payload, created_at)
	          VALUES ($1, $2, $3, $4) RETURNING id`

	var id int64
	err := r.queryRow(ctx, query,
		event.AggregateID,
		event.EventType,
		string(event.Payload),
		event.CreatedAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	event.ID = strconv.FormatInt(id, 10)
	return nil
}

func (r *Repository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	query := `SELECT id, aggregate_id, event_type, payload, created_at
	          FROM outbox WHERE processed_at IS NULL ORDER BY id LIMIT $1`

	rows, err := r.query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed events: %w", err)
	}
	defer rows.Close()

	events := make([]*domain.OutboxEvent, 0)
	for rows.Next() {
		var (
			event domain.OutboxEvent
			id    int64
		)
		if err := rows.Scan(&id, &event.AggregateID, &event.EventType, &event.Payload, timestamp(&event.CreatedAt)); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		event.ID = strconv.FormatInt(id, 10)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}
	return events, nil
}

func (r *Repository) MarkEventAsProcessed(ctx context.Context, id string) error {
	eventID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid outbox event id %q: %w", id, err)
	}

	if _, err := r.exec(ctx, `UPDATE outbox SET processed_at = $1 WHERE id = $2`, now(), eventID); err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}
	return nil
}
