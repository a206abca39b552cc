// Package api is the inbound HTTP surface: candle ingest, subscription
// and position management, read endpoints for the dashboard and a
// websocket stream of bus events. It stays thin; every operation lands
// in a service owned by another package.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fxsage/fxadvisor/internal/bus"
	"github.com/fxsage/fxadvisor/internal/config"
	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/position"
	"github.com/fxsage/fxadvisor/internal/registry"
	"github.com/fxsage/fxadvisor/internal/signal"
	"github.com/fxsage/fxadvisor/internal/subscription"
)

// MarketService is the candle surface the API consumes.
type MarketService interface {
	Upsert(ctx context.Context, candles []market.Candle) (market.UpsertResult, error)
	GetCandles(ctx context.Context, pair market.Pair, tf market.Timeframe, n int) ([]market.Candle, bool, error)
	GetRange(ctx context.Context, pair market.Pair, tf market.Timeframe, from, to time.Time) ([]market.Candle, bool, error)
	Health(ctx context.Context) error
}

// SubscriptionService covers subscription CRUD and user policies.
type SubscriptionService interface {
	Create(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
	List(ctx context.Context, userID uuid.UUID) ([]subscription.Subscription, error)
	Policy(ctx context.Context, userID uuid.UUID) (*subscription.UserPolicy, error)
	SetPolicy(ctx context.Context, policy *subscription.UserPolicy) (*subscription.UserPolicy, error)
}

// PositionService covers the position lifecycle.
type PositionService interface {
	Open(ctx context.Context, p *position.Position) error
	Get(ctx context.Context, userID, id uuid.UUID) (*position.Position, error)
	ListOpen(ctx context.Context, userID uuid.UUID) ([]position.Position, error)
	AdjustStops(ctx context.Context, userID, id uuid.UUID, stopLoss, takeProfit *float64) (*position.Position, error)
	Close(ctx context.Context, userID, id uuid.UUID, closePrice float64) (*position.Position, error)
	PartialClose(ctx context.Context, userID, id uuid.UUID, fraction, closePrice float64) (closed, remainder *position.Position, err error)
}

// SignalReader serves the recent-signals read endpoint.
type SignalReader interface {
	RecentSignals(ctx context.Context, limit int) ([]signal.Signal, error)
}

// ModelReader serves the model and A/B test read endpoints.
type ModelReader interface {
	ListVersions(ctx context.Context, limit int) ([]registry.ModelVersion, error)
	ListABTests(ctx context.Context, limit int) ([]registry.ABTest, error)
}

// EventSource feeds the websocket stream. *bus.Bus satisfies it.
type EventSource interface {
	Subscribe(topic string, handler bus.Handler) (*bus.Subscription, error)
}

// Deps are the services the server fronts. A nil Events disables the
// websocket stream; everything else is required.
type Deps struct {
	Market        MarketService
	Subscriptions SubscriptionService
	Positions     PositionService
	Signals       SignalReader
	Models        ModelReader
	Events        EventSource
}

// Server is the REST and websocket server
type Server struct {
	router *gin.Engine
	deps   Deps
	hub    *streamHub
	addr   string
	server *http.Server
}

// NewServer builds the server with its middleware and routes
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router: router,
		deps:   deps,
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	if deps.Events != nil {
		s.hub = newStreamHub(deps.Events)
	}

	s.setupRoutes()
	return s
}

// Start runs the websocket hub and serves until Stop or failure
func (s *Server) Start() error {
	if s.hub != nil {
		if err := s.hub.start(); err != nil {
			return fmt.Errorf("failed to start event stream: %w", err)
		}
	}

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server and the stream hub
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.hub != nil {
		s.hub.stop()
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware logs every request through the global logger
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}

// statusFor maps error kinds onto HTTP status codes
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.InvalidInput:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Conflict:
		return http.StatusConflict
	case errs.Unavailable, errs.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondErr writes the error with its mapped status
func respondErr(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// badRequest writes a parse-level 400 before any service is reached
func badRequest(c *gin.Context, format string, args ...interface{}) {
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf(format, args...)})
}
