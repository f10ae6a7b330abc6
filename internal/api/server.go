// Package api serves the read-only snapshot queries, signal statistics and
// the operator status report over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yanun0323/logs"

	"tickrelay/internal/aggregator"
	"tickrelay/internal/broker"
	"tickrelay/internal/model"
	"tickrelay/internal/resolver"
)

const (
	RequestIDHeaderKey  = "X-Request-ID"
	RequestIDContextKey = "request_id"
)

// MarketData is the aggregator surface the API reads.
type MarketData interface {
	ActiveInstruments() []aggregator.Summary
	Snapshot(instrument string) (aggregator.InstrumentState, error)
	Health(instrument string) aggregator.Health
	SpreadDifferential(instrument string) (aggregator.SpreadReport, error)
}

// Outcomes is the resolver surface the API reads.
type Outcomes interface {
	Stats(horizon string) (resolver.Stats, error)
	Horizons() []string
	Get(id string) (model.Signal, error)
}

// Broadcaster pushes commands to connected clients.
type Broadcaster interface {
	Broadcast(cmd broker.Command) (int, error)
}

// Deps wires the server. Outcomes, Commands and Status are optional; their
// routes answer 503 when unset.
type Deps struct {
	Market   MarketData
	Outcomes Outcomes
	Commands Broadcaster
	Status   func() any
	Clock    func() time.Time
}

// Server is the gin query surface.
type Server struct {
	deps      Deps
	startedAt time.Time
	engine    *gin.Engine
}

// New builds the router.
func New(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	s := &Server{deps: deps, startedAt: deps.Clock()}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(accessLogMiddleware())
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.GET("/status", s.status)

	instruments := router.Group("/instruments")
	instruments.GET("", s.listInstruments)
	instruments.GET("/:symbol", s.instrument)
	instruments.GET("/:symbol/orderflow", s.orderFlow)
	instruments.GET("/:symbol/liquidity", s.liquidity)
	instruments.GET("/:symbol/spreads", s.spreads)
	instruments.GET("/:symbol/health", s.instrumentHealth)

	signals := router.Group("/signals")
	signals.GET("/stats", s.signalStats)
	signals.GET("/:id", s.signal)

	router.POST("/commands", s.broadcast)
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return router
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on addr until ctx is done, then shuts down within grace.
func (s *Server) Serve(ctx context.Context, addr string, readTimeout, writeTimeout, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("api listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
