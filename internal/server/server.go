// Package server exposes the operator API, the signed payment webhook,
// Prometheus metrics and the live event WebSocket over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/server/handler"
	"github.com/alanyoungcy/escrowbot/internal/server/middleware"
	"github.com/alanyoungcy/escrowbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	// APIKey protects /api. It may be a bcrypt hash. Empty disables auth.
	APIKey string

	// WebhookLimit requests per WebhookWindow per client IP. Zero disables.
	WebhookLimit  int
	WebhookWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Trades      *handler.TradeHandler
	Webhook     *handler.WebhookHandler
	Bridge      *handler.BridgeHandler
	Settlements *handler.SettlementHandler
	Metrics     http.Handler
}

// Server is the HTTP + WebSocket server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain. wsHub and
// limiter may be nil.
func NewServer(cfg Config, h Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewRouter(cfg, h, wsHub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// NewRouter returns the fully wrapped handler. Exposed for tests.
func NewRouter(cfg Config, h Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/trades", h.Trades.Create)
	api.HandleFunc("GET /api/trades", h.Trades.List)
	api.HandleFunc("GET /api/trades/{id}", h.Trades.Get)
	api.HandleFunc("GET /api/trades/{id}/audit", h.Trades.Audit)
	api.HandleFunc("GET /api/trades/{id}/verifications", h.Trades.Verifications)
	api.HandleFunc("GET /api/trades/{id}/settlements", h.Trades.Settlements)
	api.HandleFunc("POST /api/trades/{id}/release", h.Trades.Release)
	api.HandleFunc("POST /api/trades/{id}/dispute", h.Trades.Dispute)
	api.HandleFunc("POST /api/trades/{id}/adjudicate", h.Trades.Adjudicate)
	api.HandleFunc("POST /api/trades/{id}/cancel", h.Trades.Cancel)
	api.HandleFunc("POST /api/trades/{id}/freeze", h.Trades.Freeze)
	api.HandleFunc("POST /api/trades/{id}/unfreeze", h.Trades.Unfreeze)
	api.HandleFunc("POST /api/trades/{id}/close-ticket", h.Trades.CloseTicket)
	api.HandleFunc("GET /api/bridge", h.Bridge.Status)
	api.HandleFunc("POST /api/bridge/restart", h.Bridge.Restart)
	if h.Settlements != nil {
		api.HandleFunc("GET /api/settlements/unconfirmed", h.Settlements.Unconfirmed)
		api.HandleFunc("POST /api/settlements/{id}/confirm", h.Settlements.Confirm)
		api.HandleFunc("POST /api/settlements/{id}/requeue", h.Settlements.Requeue)
	}
	api.HandleFunc("GET /api/status", h.Status.GetStatus)
	if wsHub != nil {
		api.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	mux := http.NewServeMux()
	// Unauthenticated: health checks, scrapes and the HMAC-signed webhook.
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	webhook := middleware.RateLimit(limiter, "webhook", cfg.WebhookLimit, cfg.WebhookWindow, logger)(
		http.HandlerFunc(h.Webhook.Payment))
	mux.Handle("POST /webhook/payment", webhook)
	mux.Handle("/", middleware.Auth(cfg.APIKey)(api))

	var out http.Handler = mux
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
