package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"TradeEngine/internal/engine"
	"TradeEngine/internal/observability"
	"TradeEngine/internal/persistence"
	"TradeEngine/internal/query"
	"TradeEngine/internal/reconcile"
	"TradeEngine/internal/venue"
)

// Server is the HTTP surface: order submission, reads, reconciliation
// trigger and operational probes.
type Server struct {
	eng     *engine.Engine
	queries *query.Service
	daemon  *reconcile.Daemon
	health  *observability.HealthChecker
	logger  zerolog.Logger

	httpSrv *http.Server
}

func New(eng *engine.Engine, queries *query.Service, daemon *reconcile.Daemon,
	health *observability.HealthChecker, logger zerolog.Logger) *Server {
	return &Server{
		eng:     eng,
		queries: queries,
		daemon:  daemon,
		health:  health,
		logger:  logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.POST("/orders/market", s.submitMarket)
	r.POST("/orders/limit", s.submitLimit)
	r.GET("/orders", s.listOrders)
	r.GET("/orders/:id", s.getOrder)

	r.GET("/positions", s.getPositions)
	r.GET("/equity", s.getEquity)
	r.GET("/venues", s.getVenues)
	r.POST("/marks", s.setMark)

	r.POST("/reconcile/manual", s.triggerReconcile)

	r.GET("/health", s.liveness)
	r.GET("/readyz", s.readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

// orderBody is the submission payload shared by market and limit orders.
type orderBody struct {
	Venue    string          `json:"venue" binding:"required"`
	Symbol   string          `json:"symbol" binding:"required"`
	Side     string          `json:"side" binding:"required"`
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
	Price    decimal.Decimal `json:"price"`
}

func (s *Server) submitMarket(c *gin.Context) {
	s.submit(c, venue.OrderTypeMarket)
}

func (s *Server) submitLimit(c *gin.Context) {
	s.submit(c, venue.OrderTypeLimit)
}

func (s *Server) submit(c *gin.Context, orderType venue.OrderType) {
	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key header required"})
		return
	}

	var body orderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	side := venue.Side(body.Side)
	if side != venue.SideBuy && side != venue.SideSell {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be BUY or SELL"})
		return
	}
	if body.Quantity.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be positive"})
		return
	}
	if orderType == venue.OrderTypeLimit && body.Price.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit orders require a positive price"})
		return
	}

	if !s.health.IsReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine not ready"})
		return
	}

	receipt, err := s.eng.Submit(c.Request.Context(), engine.Intent{
		IdempotencyKey: key,
		Venue:          body.Venue,
		Symbol:         body.Symbol,
		Side:           side,
		Type:           orderType,
		Quantity:       body.Quantity,
		Price:          body.Price,
	})
	s.writeSubmitResult(c, receipt, err)
}

// writeSubmitResult maps engine outcomes onto HTTP statuses: rejections
// are 422, retryable venue failures 503, ledger halts 503, ambiguous
// pending outcomes 202.
func (s *Server) writeSubmitResult(c *gin.Context, receipt *engine.Receipt, err error) {
	if err != nil {
		if engine.IsHalted(err) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "halted": true})
			return
		}
		if rejected, ok := engine.IsRejected(err); ok {
			resp := gin.H{"error": rejected.Reason, "code": rejected.Code}
			if receipt != nil {
				resp["receipt"] = receipt
			}
			c.JSON(http.StatusUnprocessableEntity, resp)
			return
		}
		if engine.IsUnavailable(err) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if receipt.Status == persistence.OrderStatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, receipt)
}

func (s *Server) getOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	detail, found, err := s.queries.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) listOrders(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	orders, err := s.queries.ListOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.queries.Positions())
}

func (s *Server) getEquity(c *gin.Context) {
	c.JSON(http.StatusOK, s.queries.Equity())
}

func (s *Server) getVenues(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"venues": s.queries.Venues()})
}

// markBody feeds valuation prices into the ledger. In production this is
// called by the market data sidecar.
type markBody struct {
	Symbol string          `json:"symbol" binding:"required"`
	Price  decimal.Decimal `json:"price" binding:"required"`
}

func (s *Server) setMark(c *gin.Context) {
	var body markBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sym, err := venue.ParseSymbol(body.Symbol)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.eng.Portfolio().SetMarkPrice(sym.String(), body.Price); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": sym.String(), "price": body.Price})
}

// triggerReconcile runs a synchronous pass so the operator gets the
// counts back in the response.
func (s *Server) triggerReconcile(c *gin.Context) {
	res, err := s.daemon.RunManual(c.Request.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrPassInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": s.daemon.State()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "state": s.daemon.State()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":            s.daemon.State(),
		"fills_applied":    res.FillsApplied,
		"pending_resolved": res.PendingResolved,
		"drift":            res.Drift,
		"took":             res.Took,
	})
}

func (s *Server) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive", "uptime": s.health.Uptime().String()})
}

func (s *Server) readiness(c *gin.Context) {
	halted, reason := s.eng.Portfolio().Halted()
	if halted {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "halted", "reason": reason})
		return
	}
	if !s.health.IsReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reconcile_state": s.daemon.State()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "reconcile_state": s.daemon.State()})
}
