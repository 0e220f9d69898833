package domain

import (
	"errors"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyProductName = errors.New("product name is required")
	ErrNegativePrice    = errors.New("price cannot be negative")
	ErrPricePrecision   = errors.New("price must have at most 2 decimal places")
	ErrNegativeStock    = errors.New("stock cannot be negative")
)

var productIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidProductID reports whether id is well formed. It says nothing about existence.
func ValidProductID(id string) bool {
	return productIDPattern.MatchString(id)
}

type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Image       string          `json:"image"`
	Category    string          `json:"category"`
	Stock       int             `json:"stock"`
	Featured    bool            `json:"featured"`
	SKU         string          `json:"sku,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (p *Product) Validate() error {
	if p.Name == "" {
		return ErrEmptyProductName
	}
	if p.Price.IsNegative() {
		return ErrNegativePrice
	}
	if !p.Price.Equal(p.Price.Round(2)) {
		return ErrPricePrecision
	}
	if p.Stock < 0 {
		return ErrNegativeStock
	}
	return nil
}

// Cents converts a price to the integer representation used by the SQL store.
func Cents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

type ProductSort string

const (
	SortNewest    ProductSort = "newest"
	SortOldest    ProductSort = "oldest"
	SortPriceLow  ProductSort = "price-low"
	SortPriceHigh ProductSort = "price-high"
	SortNameAsc   ProductSort = "name-asc"
	SortNameDesc  ProductSort = "name-desc"
	SortFeatured  ProductSort = "featured"
)

const (
	DefaultPageSize = 12
	MaxPageSize     = 100
)

// ProductFilter narrows a catalog listing. Nil pointers mean "no constraint".
type ProductFilter struct {
	Category string
	Featured *bool
	Search   string
	MinPrice *decimal.Decimal
	MaxPrice *decimal.Decimal
	Sort     ProductSort
	Page     int
	Limit    int
}

// Normalize fills defaults and clamps paging.
func (f ProductFilter) Normalize() ProductFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	switch f.Sort {
	case SortNewest, SortOldest, SortPriceLow, SortPriceHigh, SortNameAsc, SortNameDesc, SortFeatured:
	default:
		f.Sort = SortNewest
	}
	return f
}

func (f ProductFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

type ProductPage struct {
	Products []*Product `json:"products"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	Pages    int        `json:"pages"`
}

func NewProductPage(products []*Product, total int, f ProductFilter) *ProductPage {
	if products == nil {
		products = make([]*Product, 0)
	}
	pages := 0
	if f.Limit > 0 {
		pages = (total + f.Limit - 1) / f.Limit
	}
	return &ProductPage{Products: products, Total: total, Page: f.Page, Pages: pages}
}
