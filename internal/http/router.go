package http

import (
	"net/http"
	"time"

	"github.com/fjod/go_cart/storefront/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type RouterConfig struct {
	ServiceName        string
	JWTSecret          string
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
}

type Services struct {
	Checkout service.CheckoutService
	Orders   service.OrderService
	Catalog  service.CatalogService
}

// NewRouter builds the public API and wraps it in OpenTelemetry instrumentation.
func NewRouter(cfg RouterConfig, svc Services) http.Handler {
	checkoutHandler := NewCheckoutHandler(svc.Checkout, cfg.MaxRequestBodySize)
	ordersHandler := NewOrdersHandler(svc.Orders, cfg.MaxRequestBodySize)
	productHandler := NewProductHandler(svc.Catalog, cfg.MaxRequestBodySize)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	r.Use(middleware.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Get("/", productHandler.List)
			r.Get("/{product_id}", productHandler.Get)
			r.Post("/availability", checkoutHandler.CheckAvailability)
		})

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.JWTSecret))

			r.Post("/checkout", checkoutHandler.PlaceOrder)
			r.Route("/orders", func(r chi.Router) {
				r.Get("/", ordersHandler.ListOrders)
				r.Get("/{order_id}", ordersHandler.GetOrder)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Get("/orders", ordersHandler.ListAllOrders)
				r.Patch("/orders/{order_id}", ordersHandler.UpdateStatus)
				r.Get("/stats", ordersHandler.Stats)
				r.Put("/products/{product_id}", productHandler.Upsert)
				r.Delete("/products/{product_id}", productHandler.Delete)
			})
		})
	})

	return otelhttp.NewHandler(r, cfg.ServiceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "HTTP " + r.Method + " " + r.URL.Path
		}),
	)
}
