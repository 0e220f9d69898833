package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/fjod/go_cart/storefront/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type ProductHandler struct {
	catalog     service.CatalogService
	maxBodySize int64
}

func NewProductHandler(catalog service.CatalogService, maxBodySize int64) *ProductHandler {
	return &ProductHandler{catalog: catalog, maxBodySize: maxBodySize}
}

type ProductRequestDTO struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Image       string          `json:"image"`
	Category    string          `json:"category"`
	Stock       int             `json:"stock"`
	Featured    bool            `json:"featured"`
	SKU         string          `json:"sku"`
	Tags        []string        `json:"tags"`
}

// GET /api/v1/products
func (h *ProductHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, field, ok := parseProductFilter(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_argument", "invalid "+field)
		return
	}

	page, err := h.catalog.ListProducts(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// GET /api/v1/products/{product_id}
func (h *ProductHandler) Get(w http.ResponseWriter, r *http.Request) {
	product, err := h.catalog.GetProduct(r.Context(), chi.URLParam(r, "product_id"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

// PUT /api/v1/admin/products/{product_id}
func (h *ProductHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	var req ProductRequestDTO
	if !decodeJSON(w, r, h.maxBodySize, &req) {
		return
	}
	product := &domain.Product{
		ID:          chi.URLParam(r, "product_id"),
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Image:       req.Image,
		Category:    req.Category,
		Stock:       req.Stock,
		Featured:    req.Featured,
		SKU:         req.SKU,
		Tags:        req.Tags,
	}
	if err := h.catalog.UpsertProduct(r.Context(), principal, product); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

// DELETE /api/v1/admin/products/{product_id}
func (h *ProductHandler) Delete(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	if err := h.catalog.DeleteProduct(r.Context(), principal, chi.URLParam(r, "product_id")); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseProductFilter(r *http.Request) (domain.ProductFilter, string, bool) {
	q := r.URL.Query()
	filter := domain.ProductFilter{
		Category: q.Get("category"),
		Search:   strings.TrimSpace(q.Get("search")),
		Sort:     domain.ProductSort(q.Get("sort")),
	}
	if v := q.Get("featured"); v != "" {
		featured, err := strconv.ParseBool(v)
		if err != nil {
			return filter, "featured", false
		}
		filter.Featured = &featured
	}
	for name, dst := range map[string]**decimal.Decimal{"min_price": &filter.MinPrice, "max_price": &filter.MaxPrice} {
		if v := q.Get(name); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return filter, name, false
			}
			*dst = &d
		}
	}
	for name, dst := range map[string]*int{"page": &filter.Page, "limit": &filter.Limit} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return filter, name, false
			}
			*dst = n
		}
	}
	return filter, "", true
}
