package domain

import "time"

// CheckoutLine is one {productId, quantity} pair of a client cart. Price and name
// echoed by the client are accepted on the wire but never used for pricing.
type CheckoutLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CheckoutRequest struct {
	UserID         string
	IdempotencyKey string
	Lines          []CheckoutLine
}

// Availability is the post-decrement stock of a requested product, returned so the
// client can reconcile its local cart.
type Availability struct {
	ID    string `json:"id"`
	Stock int    `json:"stock"`
	Name  string `json:"name"`
}

type CheckoutResult struct {
	Order        *Order         `json:"order"`
	Availability []Availability `json:"availability"`
	// Replayed is set when the idempotency key matched an order placed earlier.
	Replayed bool `json:"replayed"`
}

// Shortfall describes a line that could not be satisfied at current stock.
type Shortfall struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Missing   bool   `json:"missing,omitempty"`
}

// LineAvailability is the read-only answer of an availability check.
type LineAvailability struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Stock      int    `json:"stock"`
	Requested  int    `json:"requested"`
	Sufficient bool   `json:"sufficient"`
	Missing    bool   `json:"missing,omitempty"`
}

const EventOrderPlaced = "order.placed"

type OutboxEvent struct {
	ID          string
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}
