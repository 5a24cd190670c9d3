// Package server exposes order submission, book snapshots and settlement
// state over HTTP, plus a websocket feed of bus events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polymatch/internal/crypto"
	"github.com/alanyoungcy/polymatch/internal/domain"
	"github.com/alanyoungcy/polymatch/internal/server/handler"
	"github.com/alanyoungcy/polymatch/internal/server/middleware"
	"github.com/alanyoungcy/polymatch/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string

	// APIKey guards operator routes. Empty disables the check.
	APIKey string

	// Clients are the submitter credentials. Empty disables request signing.
	Clients      []crypto.HMACAuth
	MaxClockSkew time.Duration

	// PublicLimit caps unauthenticated reads per IP per PublicWindow.
	PublicLimit  int
	PublicWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Orders  *handler.OrderHandler
	Books   *handler.BookHandler
	Trades  *handler.TradeHandler
	Metrics http.Handler
}

// Server is the HTTP + websocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in logging and CORS.
// hub and limiter may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	signed := middleware.Signed(cfg.Clients, cfg.MaxClockSkew, time.Now)
	operator := middleware.APIKey(cfg.APIKey)
	public := middleware.RateLimit(limiter, cfg.PublicLimit, cfg.PublicWindow)

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	if h.Status != nil {
		mux.Handle("GET /api/status", operator(http.HandlerFunc(h.Status.GetStatus)))
	}

	mux.Handle("POST /api/orders", signed(http.HandlerFunc(h.Orders.SubmitOrder)))
	mux.Handle("GET /api/orders/{id}", signed(http.HandlerFunc(h.Orders.GetOrder)))
	mux.Handle("DELETE /api/orders/{id}", signed(http.HandlerFunc(h.Orders.CancelOrder)))

	mux.Handle("GET /api/books", public(http.HandlerFunc(h.Books.ListBooks)))
	mux.Handle("GET /api/books/{market}/{outcome}", public(http.HandlerFunc(h.Books.GetBook)))
	mux.Handle("POST /api/books/{market}/{outcome}/resume", operator(http.HandlerFunc(h.Books.ResumeBook)))

	mux.Handle("GET /api/trades", operator(http.HandlerFunc(h.Trades.ListTrades)))
	mux.Handle("GET /api/trades/{id}", operator(http.HandlerFunc(h.Trades.GetTrade)))

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if hub != nil {
		mux.Handle("GET /ws", public(http.HandlerFunc(hub.HandleWS)))
	}

	var root http.Handler = mux
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
