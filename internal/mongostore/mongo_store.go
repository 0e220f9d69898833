package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/fjod/go_cart/storefront/internal/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements store.Store on a MongoDB replica set. Inside WithinTx the
// session context carries the transaction, so the same value serves as the Tx.
type MongoStore struct {
	db       *mongo.Database
	products *mongo.Collection
	orders   *mongo.Collection
	outbox   *mongo.Collection
}

var _ store.Store = (*MongoStore)(nil)

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		db:       db,
		products: db.Collection("products"),
		orders:   db.Collection("orders"),
		outbox:   db.Collection("outbox"),
	}
}

func (m *MongoStore) CreateIndexes(ctx context.Context) error {
	productIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "sku", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"sku": bson.M{"$type": "string"}}),
		},
		{Keys: bson.D{{Key: "category", Value: 1}}},
		{Keys: bson.D{{Key: "featured", Value: 1}}},
		{Keys: bson.D{{Key: "price", Value: 1}}},
	}
	if _, err := m.products.Indexes().CreateMany(ctx, productIndexes); err != nil {
		return fmt.Errorf("failed to create product indexes: %w", err)
	}

	orderIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$type": "string"}}),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}
	if _, err := m.orders.Indexes().CreateMany(ctx, orderIndexes); err != nil {
		return fmt.Errorf("failed to create order indexes: %w", err)
	}

	outboxIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "processed", Value: 1}, {Key: "_id", Value: 1}}},
	}
	if _, err := m.outbox.Indexes().CreateMany(ctx, outboxIndexes); err != nil {
		return fmt.Errorf("failed to create outbox indexes: %w", err)
	}

	return nil
}

// WithinTx runs fn in a multi-document transaction. The driver retries fn on
// transient transaction errors such as write conflicts.
func (m *MongoStore) WithinTx(ctx context.Context, fn store.TxFunc) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx, m)
	}

	session, err := m.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(context.Background())

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx, m)
	})
	return err
}

func (m *MongoStore) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var doc productDoc
	err := m.products.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return doc.toDomain()
}

func (m *MongoStore) GetProducts(ctx context.Context, ids []string) ([]*domain.Product, error) {
	if len(ids) == 0 {
		return []*domain.Product{}, nil
	}
	cursor, err := m.products.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}
	return decodeProducts(ctx, cursor)
}

// DecrementIfAvailable relies on the single-document atomicity of findAndModify:
// the stock predicate and the $inc are applied together.
func (m *MongoStore) DecrementIfAvailable(ctx context.Context, id string, amount int) (*domain.Product, error) {
	if amount <= 0 {
		return nil, store.ErrInvalidAmount
	}
	filter := bson.M{"_id": id, "stock": bson.M{"$gte": amount}}
	update := bson.M{
		"$inc": bson.M{"stock": -amount},
		"$set": bson.M{"updated_at": now()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc productDoc
	err := m.products.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decrement stock: %w", err)
	}
	return doc.toDomain()
}

func (m *MongoStore) ListProducts(ctx context.Context, filter domain.ProductFilter) (*domain.ProductPage, error) {
	f := filter.Normalize()

	query, err := productQuery(f)
	if err != nil {
		return nil, err
	}

	total, err := m.products.CountDocuments(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}

	opts := options.Find().
		SetSort(productSort(f.Sort)).
		SetSkip(int64(f.Offset())).
		SetLimit(int64(f.Limit))

	cursor, err := m.products.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	products, err := decodeProducts(ctx, cursor)
	if err != nil {
		return nil, err
	}
	return domain.NewProductPage(products, int(total), f), nil
}

func (m *MongoStore) DeleteProduct(ctx context.Context, id string) error {
	res, err := m.products.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrProductNotFound
	}
	return nil
}

func (m *MongoStore) UpsertProduct(ctx context.Context, product *domain.Product) error {
	if product.ID == "" {
		product.ID = primitive.NewObjectID().Hex()
	}
	ts := now()
	product.UpdatedAt = ts

	doc, err := newProductDoc(product)
	if err != nil {
		return err
	}

	set := bson.M{
		"name":        doc.Name,
		"description": doc.Description,
		"price":       doc.Price,
		"image":       doc.Image,
		"category":    doc.Category,
		"stock":       doc.Stock,
		"featured":    doc.Featured,
		"tags":        doc.Tags,
		"updated_at":  ts,
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": ts},
	}
	if doc.SKU != "" {
		set["sku"] = doc.SKU
	} else {
		update["$unset"] = bson.M{"sku": ""}
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var stored productDoc
	if err := m.products.FindOneAndUpdate(ctx, bson.M{"_id": product.ID}, update, opts).Decode(&stored); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("failed to upsert product: sku %q already in use", doc.SKU)
		}
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	product.CreatedAt = stored.CreatedAt.UTC()
	return nil
}

func (m *MongoStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now()
	}
	order.UpdatedAt = order.CreatedAt

	doc, err := newOrderDoc(order)
	if err != nil {
		return err
	}

	if _, err := m.orders.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrDuplicateOrder
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (m *MongoStore) GetOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	return m.findOrder(ctx, bson.M{"_id": id})
}

func (m *MongoStore) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error) {
	return m.findOrder(ctx, bson.M{"user_id": userID, "idempotency_key": key})
}

func (m *MongoStore) findOrder(ctx context.Context, filter bson.M) (*domain.Order, error) {
	var doc orderDoc
	err := m.orders.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return doc.toDomain()
}

func (m *MongoStore) ListOrdersByUserID(ctx context.Context, userID string) ([]*domain.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	cursor, err := m.orders.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return decodeOrders(ctx, cursor)
}

func (m *MongoStore) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, int, error) {
	f := filter.Normalize()

	query := bson.M{}
	if f.Status != "" {
		query["status"] = string(f.Status)
	}

	total, err := m.orders.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(f.Offset())).
		SetLimit(int64(f.Limit))
	cursor, err := m.orders.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	orders, err := decodeOrders(ctx, cursor)
	if err != nil {
		return nil, 0, err
	}
	return orders, int(total), nil
}

func (m *MongoStore) UpdateOrderStatus(ctx context.Context, id string, update domain.StatusUpdate) (*domain.Order, error) {
	sources := domain.SourcesOf(update.Status)
	if len(sources) == 0 {
		return nil, store.ErrIllegalTransition
	}
	from := make([]string, 0, len(sources))
	for _, s := range sources {
		from = append(from, string(s))
	}

	set := bson.M{"status": string(update.Status), "updated_at": now()}
	if update.TrackingNumber != nil {
		set["tracking_number"] = *update.TrackingNumber
	}

	filter := bson.M{"_id": id, "status": bson.M{"$in": from}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc orderDoc
	err := m.orders.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&doc)
	if err == nil {
		return doc.toDomain()
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	if _, getErr := m.GetOrderByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, store.ErrIllegalTransition
}

func (m *MongoStore) Stats(ctx context.Context) (*domain.OrderStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.M{"$sum": 1}},
			{Key: "revenue", Value: bson.M{"$sum": "$total"}},
		}}},
	}

	cursor, err := m.orders.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate order stats: %w", err)
	}
	defer cursor.Close(ctx)

	stats := &domain.OrderStats{ByStatus: make(map[domain.OrderStatus]int)}
	for cursor.Next(ctx) {
		var group struct {
			Status  string               `bson:"_id"`
			Count   int                  `bson:"count"`
			Revenue primitive.Decimal128 `bson:"revenue"`
		}
		if err := cursor.Decode(&group); err != nil {
			return nil, fmt.Errorf("failed to decode order stats: %w", err)
		}
		revenue, err := fromDecimal128(group.Revenue)
		if err != nil {
			return nil, err
		}
		stats.AddGroup(domain.OrderStatus(group.Status), group.Count, revenue)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order stats: %w", err)
	}
	return stats, nil
}

func (m *MongoStore) AddOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now()
	}
	doc := outboxDoc{
		ID:          primitive.NewObjectID(),
		AggregateID: event.AggregateID,
		EventType:   event.EventType,
		Payload:     event.Payload,
		CreatedAt:   event.CreatedAt,
	}
	if _, err := m.outbox.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	event.ID = doc.ID.Hex()
	return nil
}

func (m *MongoStore) GetUnprocessedEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))
	cursor, err := m.outbox.Find(ctx, bson.M{"processed": false}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get unprocessed events: %w", err)
	}
	defer cursor.Close(ctx)

	events := make([]*domain.OutboxEvent, 0)
	for cursor.Next(ctx) {
		var doc outboxDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode outbox event: %w", err)
		}
		events = append(events, &domain.OutboxEvent{
			ID:          doc.ID.Hex(),
			AggregateID: doc.AggregateID,
			EventType:   doc.EventType,
			Payload:     doc.Payload,
			CreatedAt:   doc.CreatedAt.UTC(),
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox events: %w", err)
	}
	return events, nil
}

func (m *MongoStore) MarkEventAsProcessed(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("invalid outbox event id %q: %w", id, err)
	}
	update := bson.M{"$set": bson.M{"processed": true, "processed_at": now()}}
	if _, err := m.outbox.UpdateByID(ctx, oid, update); err != nil {
		return fmt.Errorf("failed to mark outbox event processed: %w", err)
	}
	return nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.db.Client().Disconnect(ctx)
}

func productQuery(f domain.ProductFilter) (bson.M, error) {
	query := bson.M{}
	if f.Category != "" {
		query["category"] = f.Category
	}
	if f.Featured != nil {
		query["featured"] = *f.Featured
	}
	if f.MinPrice != nil || f.MaxPrice != nil {
		price := bson.M{}
		if f.MinPrice != nil {
			v, err := toDecimal128(*f.MinPrice)
			if err != nil {
				return nil, err
			}
			price["$gte"] = v
		}
		if f.MaxPrice != nil {
			v, err := toDecimal128(*f.MaxPrice)
			if err != nil {
				return nil, err
			}
			price["$lte"] = v
		}
		query["price"] = price
	}
	if f.Search != "" {
		rx := primitive.Regex{Pattern: regexp.QuoteMeta(f.Search), Options: "i"}
		query["$or"] = bson.A{
			bson.M{"name": rx},
			bson.M{"description": rx},
			bson.M{"category": rx},
		}
	}
	return query, nil
}

func productSort(s domain.ProductSort) bson.D {
	switch s {
	case domain.SortOldest:
		return bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}
	case domain.SortPriceLow:
		return bson.D{{Key: "price", Value: 1}, {Key: "_id", Value: 1}}
	case domain.SortPriceHigh:
		return bson.D{{Key: "price", Value: -1}, {Key: "_id", Value: 1}}
	case domain.SortNameAsc:
		return bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}}
	case domain.SortNameDesc:
		return bson.D{{Key: "name", Value: -1}, {Key: "_id", Value: 1}}
	case domain.SortFeatured:
		return bson.D{{Key: "featured", Value: -1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}
	default:
		return bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}
	}
}

func decodeProducts(ctx context.Context, cursor *mongo.Cursor) ([]*domain.Product, error) {
	defer cursor.Close(ctx)

	products := make([]*domain.Product, 0)
	for cursor.Next(ctx) {
		var doc productDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode product: %w", err)
		}
		p, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate products: %w", err)
	}
	return products, nil
}

func decodeOrders(ctx context.Context, cursor *mongo.Cursor) ([]*domain.Order, error) {
	defer cursor.Close(ctx)

	orders := make([]*domain.Order, 0)
	for cursor.Next(ctx) {
		var doc orderDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode order: %w", err)
		}
		o, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	return orders, nil
}

// now is truncated to BSON datetime precision
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
