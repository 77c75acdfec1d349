// Package server exposes the marketplace over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/digitalmarket/internal/crypto"
	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/server/handler"
	"github.com/alanyoungcy/digitalmarket/internal/server/middleware"
	"github.com/alanyoungcy/digitalmarket/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards /api routes other than health. Empty (with no HMAC)
	// disables auth.
	APIKey string
	HMAC   *crypto.HMACAuth
	// RateLimit is the per-client request budget per RateWindow. Zero
	// disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers are the route handlers.
type Handlers struct {
	Health   *handler.HealthHandler
	Listings *handler.ListingHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and builds the middleware chain. Health and
// the WebSocket feed are public; everything else under /api passes auth and
// the rate limiter.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Routes(cfg, handlers, hub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Routes returns the fully wrapped handler tree.
func Routes(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	api := http.NewServeMux()
	l := handlers.Listings
	api.HandleFunc("GET /api/accounts", l.ListAccounts)
	api.HandleFunc("GET /api/listings", l.ListListings)
	api.HandleFunc("POST /api/listings", l.CreateListing)
	api.HandleFunc("GET /api/listings/{id}", l.GetListing)
	api.HandleFunc("DELETE /api/listings/{id}", l.DeleteListing)
	api.HandleFunc("POST /api/listings/{id}/resume", l.ResumeListing)
	api.HandleFunc("POST /api/listings/{id}/buy", l.Buy)
	api.HandleFunc("PUT /api/listings/{id}/price", l.SetPrice)
	api.HandleFunc("GET /api/listings/{id}/purchases", l.ListPurchases)
	api.HandleFunc("GET /api/listings/{id}/archives", l.ListArchives)

	var protected http.Handler = api
	protected = middleware.Auth(cfg.APIKey, cfg.HMAC)(protected)
	protected = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(protected)

	root := http.NewServeMux()
	root.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if hub != nil {
		root.HandleFunc("GET /ws", hub.HandleWS)
	}
	root.Handle("/", protected)

	var h http.Handler = root
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
