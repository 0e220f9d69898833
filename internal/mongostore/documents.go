package mongostore

import (
	"fmt"
	"time"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type productDoc struct {
	ID          string               `bson:"_id"`
	Name        string               `bson:"name"`
	Description string               `bson:"description"`
	Price       primitive.Decimal128 `bson:"price"`
	Image       string               `bson:"image"`
	Category    string               `bson:"category"`
	Stock       int                  `bson:"stock"`
	Featured    bool                 `bson:"featured"`
	SKU         string               `bson:"sku,omitempty"`
	Tags        []string             `bson:"tags,omitempty"`
	CreatedAt   time.Time            `bson:"created_at"`
	UpdatedAt   time.Time            `bson:"updated_at"`
}

type orderItemDoc struct {
	ProductID string               `bson:"product_id"`
	Name      string               `bson:"name"`
	Quantity  int                  `bson:"quantity"`
	UnitPrice primitive.Decimal128 `bson:"unit_price"`
}

type orderDoc struct {
	ID             string               `bson:"_id"`
	UserID         string               `bson:"user_id"`
	IdempotencyKey string               `bson:"idempotency_key,omitempty"`
	Items          []orderItemDoc       `bson:"items"`
	Total          primitive.Decimal128 `bson:"total"`
	Currency       string               `bson:"currency"`
	Status         string               `bson:"status"`
	TrackingNumber string               `bson:"tracking_number"`
	CreatedAt      time.Time            `bson:"created_at"`
	UpdatedAt      time.Time            `bson:"updated_at"`
}

type outboxDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	AggregateID string             `bson:"aggregate_id"`
	EventType   string             `bson:"event_type"`
	Payload     []byte             `bson:"payload"`
	Processed   bool               `bson:"processed"`
	CreatedAt   time.Time          `bson:"created_at"`
	ProcessedAt *time.Time         `bson:"processed_at,omitempty"`
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("convert %s to decimal128: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("convert decimal128 %s: %w", v, err)
	}
	return d, nil
}

func newProductDoc(p *domain.Product) (*productDoc, error) {
	price, err := toDecimal128(p.Price)
	if err != nil {
		return nil, err
	}
	return &productDoc{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       price,
		Image:       p.Image,
		Category:    p.Category,
		Stock:       p.Stock,
		Featured:    p.Featured,
		SKU:         p.SKU,
		Tags:        p.Tags,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}, nil
}

func (d *productDoc) toDomain() (*domain.Product, error) {
	price, err := fromDecimal128(d.Price)
	if err != nil {
		return nil, err
	}
	return &domain.Product{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Price:       price,
		Image:       d.Image,
		Category:    d.Category,
		Stock:       d.Stock,
		Featured:    d.Featured,
		SKU:         d.SKU,
		Tags:        d.Tags,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}, nil
}

func newOrderDoc(o *domain.Order) (*orderDoc, error) {
	total, err := toDecimal128(o.Total)
	if err != nil {
		return nil, err
	}
	items := make([]orderItemDoc, 0, len(o.Items))
	for _, item := range o.Items {
		price, err := toDecimal128(item.UnitPrice)
		if err != nil {
			return nil, err
		}
		items = append(items, orderItemDoc{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: price,
		})
	}
	return &orderDoc{
		ID:             o.ID,
		UserID:         o.UserID,
		IdempotencyKey: o.IdempotencyKey,
		Items:          items,
		Total:          total,
		Currency:       o.Currency,
		Status:         string(o.Status),
		TrackingNumber: o.TrackingNumber,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}, nil
}

func (d *orderDoc) toDomain() (*domain.Order, error) {
	total, err := fromDecimal128(d.Total)
	if err != nil {
		return nil, err
	}
	items := make([]domain.OrderItem, 0, len(d.Items))
	for _, item := range d.Items {
		price, err := fromDecimal128(item.UnitPrice)
		if err != nil {
			return nil, err
		}
		items = append(items, domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: price,
		})
	}
	return &domain.Order{
		ID:             d.ID,
		UserID:         d.UserID,
		IdempotencyKey: d.IdempotencyKey,
		Items:          items,
		Total:          total,
		Currency:       d.Currency,
		Status:         domain.OrderStatus(d.Status),
		TrackingNumber: d.TrackingNumber,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}, nil
}
