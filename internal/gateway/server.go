// Package gateway exposes the engine over REST and WebSocket. All numeric
// fields on this boundary travel as decimal strings; the codec converts to
// engine fixed-point at the edge so handlers never touch floats.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"curvex/internal/engine"
	"curvex/internal/event"
	"curvex/internal/marketdata"
	"curvex/internal/observability"
	"curvex/internal/stream"
)

type Config struct {
	Addr string

	// Per-IP token bucket
	RatePerSec float64
	Burst      int

	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		RatePerSec:     20,
		Burst:          50,
		RequestTimeout: 30 * time.Second,
	}
}

// FundingHistorySource serves settled funding records, usually backed by
// the persistence layer.
type FundingHistorySource interface {
	FundingHistory(ctx context.Context, instrument string, limit int) ([]event.FundingRecord, error)
}

// Server wires HTTP endpoints around the engine and the marketdata
// aggregator.
type Server struct {
	cfg     Config
	router  *gin.Engine
	eng     *engine.Engine
	agg     *marketdata.Aggregator
	hub     *stream.Hub
	funding FundingHistorySource
	health  *observability.HealthChecker
	logger  zerolog.Logger
	metrics *observability.Metrics

	limiters *ipLimiters
	clock    func() int64
}

func NewServer(
	cfg Config,
	eng *engine.Engine,
	agg *marketdata.Aggregator,
	hub *stream.Hub,
	funding FundingHistorySource,
	health *observability.HealthChecker,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	s := &Server{
		cfg:      cfg,
		router:   r,
		eng:      eng,
		agg:      agg,
		hub:      hub,
		funding:  funding,
		health:   health,
		logger:   logger,
		metrics:  metrics,
		limiters: newIPLimiters(cfg.RatePerSec, cfg.Burst),
		clock:    func() int64 { return time.Now().UnixMicro() },
	}

	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(s.rateLimit())

	s.routes()
	return s
}

// Router exposes the gin engine for tests and embedding.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) routes() {
	s.router.GET("/healthz", gin.WrapF(s.health.LivenessHandler))
	s.router.GET("/readyz", gin.WrapF(s.health.ReadinessHandler))
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.websocket)

	api := s.router.Group("/api")
	{
		api.POST("/order/submit", s.submitOrder)
		api.POST("/order/cancel", s.cancelOrder)

		api.GET("/tokens", s.listInstruments)
		api.POST("/token/launch", s.launchInstrument)
		api.GET("/token/:instrument/params", s.instrumentParams)

		api.GET("/user/:trader/nonce", s.traderNonce)
		api.GET("/user/:trader/balance", s.traderBalance)
		api.GET("/user/:trader/positions", s.traderPositions)

		api.GET("/kline/:instrument", s.kline)
		api.GET("/stats/:instrument", s.stats)
		api.GET("/liquidation-heatmap/:instrument", s.heatmap)
		api.GET("/funding/:instrument", s.fundingInfo)
	}
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("gateway listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
