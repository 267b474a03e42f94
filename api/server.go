// Package api exposes the storefront services over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/service"
	storesync "github.com/c0deZ3R0/storefront-sync/sync"
)

// DefaultMaxRequestSize caps request bodies.
const DefaultMaxRequestSize = 1 << 20

// UserHeader carries the authenticated user id. Token verification happens
// in front of this service.
const UserHeader = "X-User-ID"

// SyncController runs and reports drain passes. *sync.Manager satisfies it.
type SyncController interface {
	Sync(ctx context.Context) (*storesync.Result, error)
	Status(ctx context.Context) (storesync.Status, error)
}

// MetricsSource exposes drain counters. *sync.Counters satisfies it.
type MetricsSource interface {
	Snapshot() storesync.CountersSnapshot
}

// Config holds the handler dependencies.
type Config struct {
	Users    *service.UserService
	Products *service.ProductService
	Cart     *service.CartService
	Sync     SyncController
	Metrics  MetricsSource
	Logger   *slog.Logger

	// Events enables GET /api/v1/sync/events when set.
	Events EventSource

	// MaxRequestSize caps request bodies. Zero selects DefaultMaxRequestSize.
	MaxRequestSize int64
}

func (c *Config) validate() error {
	switch {
	case c.Users == nil:
		return fmt.Errorf("api: user service is required")
	case c.Products == nil:
		return fmt.Errorf("api: product service is required")
	case c.Cart == nil:
		return fmt.Errorf("api: cart service is required")
	case c.Sync == nil:
		return fmt.Errorf("api: sync controller is required")
	}
	return nil
}

type server struct {
	users    *service.UserService
	products *service.ProductService
	cart     *service.CartService
	sync     SyncController
	metrics  MetricsSource
	events   *hub
	logger   *slog.Logger
	maxBody  int64
}

// NewServer returns the storefront router.
func NewServer(cfg Config) (http.Handler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &server{
		users:    cfg.Users,
		products: cfg.Products,
		cart:     cfg.Cart,
		sync:     cfg.Sync,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		maxBody:  cfg.MaxRequestSize,
	}
	if s.logger == nil {
		s.logger = logging.WithComponent(logging.ComponentAPI).Logger
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxRequestSize
	}
	if cfg.Events != nil {
		s.events = newHub()
		if err := cfg.Events.Subscribe(s.events.publish); err != nil {
			return nil, fmt.Errorf("api: subscribe to sync events: %w", err)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// Event streams must not be buffered by the compressor.
	if s.events != nil {
		r.Get("/api/v1/sync/events", s.handleSyncEvents)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/metrics", s.handleMetrics)

		r.Route("/api/v1/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/google", s.handleGoogle)
		})
		r.Get("/api/v1/users", s.handleUserByEmail)
		r.Get("/api/v1/users/{id}", s.handleGetUser)

		r.Get("/api/v1/products", s.handleListProducts)
		r.Post("/api/v1/products", s.handleCreateProduct)
		r.Get("/api/v1/products/{id}", s.handleGetProduct)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Get("/api/v1/cart", s.handleListCart)
			r.Post("/api/v1/cart", s.handleAddToCart)
			r.Put("/api/v1/cart/{itemID}", s.handleUpdateCartItem)
			r.Delete("/api/v1/cart/{itemID}", s.handleRemoveCartItem)
		})

		r.Post("/api/v1/sync", s.handleSync)
		r.Get("/api/v1/sync/status", s.handleSyncStatus)
	})
	return r, nil
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		ctx := logging.ContextWithRequestID(r.Context(), reqID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		s.logger.InfoContext(ctx, "HTTP request",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
