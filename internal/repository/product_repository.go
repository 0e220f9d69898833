package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/fjod/go_cart/storefront/internal/store"
	"github.com/google/uuid"
)

const productColumns = `id, name, description, price_cents, image, category, stock, featured, sku, tags, created_at, updated_at`

// likeEscaper makes search input match literally inside a LIKE pattern
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

var productOrderBy = map[domain.ProductSort]string{
	domain.SortNewest:    "created_at DESC, id",
	domain.SortOldest:    "created_at ASC, id",
	domain.SortPriceLow:  "price_cents ASC, id",
	domain.SortPriceHigh: "price_cents DESC, id",
	domain.SortNameAsc:   "name ASC, id",
	domain.SortNameDesc:  "name DESC, id",
	domain.SortFeatured:  "featured DESC, created_at DESC, id",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var (
		p          domain.Product
		priceCents int64
		tagsJSON   []byte
	)
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&priceCents,
		&p.Image,
		&p.Category,
		&p.Stock,
		&p.Featured,
		&p.SKU,
		&tagsJSON,
		timestamp(&p.CreatedAt),
		timestamp(&p.UpdatedAt),
	)
	if err != nil {
		return nil, err
	}
	p.Price = domain.FromCents(priceCents)
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &p.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal product tags: %w", err)
		}
	}
	return &p, nil
}

func (r *Repository) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	p, err := scanProduct(r.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product by id: %w", err)
	}
	return p, nil
}

func (r *Repository) GetProducts(ctx context.Context, ids []string) ([]*domain.Product, error) {
	if len(ids) == 0 {
		return []*domain.Product{}, nil
	}

	seen := make(map[string]struct{}, len(ids))
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		args = append(args, id)
	}

	query := `SELECT ` + productColumns + ` FROM products WHERE id IN (` + placeholders(1, len(args)) + `)`
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products by ids: %w", err)
	}
	defer rows.Close()

	return collectProducts(rows)
}

// DecrementIfAvailable is a single conditional UPDATE; concurrent writers on the same
// row are serialized by the row lock and re-check the predicate.
func (r *Repository) DecrementIfAvailable(ctx context.Context, id string, amount int) (*domain.Product, error) {
	if amount <= 0 {
		return nil, store.ErrInvalidAmount
	}
	query := `UPDATE products SET stock = stock - $1, updated_at = $2
	          WHERE id = $3 AND stock >= $1
	          RETURNING ` + productColumns

	p, err := scanProduct(r.queryRow(ctx, query, amount, now(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decrement stock: %w", err)
	}
	return p, nil
}

func (r *Repository) ListProducts(ctx context.Context, filter domain.ProductFilter) (*domain.ProductPage, error) {
	f := filter.Normalize()

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Category != "" {
		conds = append(conds, "category = "+arg(f.Category))
	}
	if f.Featured != nil {
		conds = append(conds, "featured = "+arg(*f.Featured))
	}
	if f.MinPrice != nil {
		conds = append(conds, "price_cents >= "+arg(domain.Cents(*f.MinPrice)))
	}
	if f.MaxPrice != nil {
		conds = append(conds, "price_cents <= "+arg(domain.Cents(*f.MaxPrice)))
	}
	if f.Search != "" {
		p := arg("%" + likeEscaper.Replace(strings.ToLower(f.Search)) + "%")
		conds = append(conds, fmt.Sprintf(
			`(LOWER(name) LIKE %[1]s ESCAPE '\' OR LOWER(description) LIKE %[1]s ESCAPE '\' OR LOWER(category) LIKE %[1]s ESCAPE '\')`, p))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.queryRow(ctx, `SELECT COUNT(*) FROM products`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	query := `SELECT ` + productColumns + ` FROM products` + where +
		` ORDER BY ` + productOrderBy[f.Sort] +
		` LIMIT ` + arg(f.Limit) + ` OFFSET ` + arg(f.Offset())

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	products, err := collectProducts(rows)
	if err != nil {
		return nil, err
	}
	return domain.NewProductPage(products, total, f), nil
}

func (r *Repository) DeleteProduct(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if n == 0 {
		return store.ErrProductNotFound
	}
	return nil
}

func (r *Repository) UpsertProduct(ctx context.Context, product *domain.Product) error {
	if product.ID == "" {
		product.ID = uuid.New().String()
	}
	tags := product.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to marshal product tags: %w", err)
	}

	ts := now()
	query := `INSERT INTO products (id, name, description, price_cents, image, category, stock, featured, sku, tags, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	          ON CONFLICT (id) DO UPDATE SET
	              name = excluded.name,
	              description = excluded.description,
	              price_cents = excluded.price_cents,
	              image = excluded.image,
	              category = excluded.category,
	              stock = excluded.stock,
	              featured = excluded.featured,
	              sku = excluded.sku,
	              tags = excluded.tags,
	              updated_at = excluded.updated_at
	          RETURNING created_at, updated_at`

	err = r.queryRow(ctx, query,
		product.ID,
		product.Name,
		product.Description,
		domain.Cents(product.Price),
		product.Image,
		product.Category,
		product.Stock,
		product.Featured,
		product.SKU,
		string(tagsJSON),
		ts,
	).Scan(timestamp(&product.CreatedAt), timestamp(&product.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func collectProducts(rows *sql.Rows) ([]*domain.Product, error) {
	products := make([]*domain.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

// placeholders renders "$from, $from+1, ..." for n arguments
func placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ps, ", ")
}

// now is truncated to the precision postgres keeps so values read back compare equal
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
