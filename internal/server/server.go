// Package server exposes the thin HTTP surface: health, metrics, balance
// lookups and payment recording. All domain behaviour lives in the services;
// handlers only translate HTTP.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	balancedomain "github.com/smallbiznis/voltara/internal/balance/domain"
	"github.com/smallbiznis/voltara/internal/config"
	"github.com/smallbiznis/voltara/internal/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config         config.Config
	Log            *zap.Logger
	BalanceService balancedomain.Service
	Metrics        *metrics.Metrics `optional:"true"`
}

type Server struct {
	cfg      config.Config
	log      *zap.Logger
	balances balancedomain.Service
	metrics  *metrics.Metrics
}

func New(p Params) *Server {
	return &Server{
		cfg:      p.Config,
		log:      p.Log.Named("server"),
		balances: p.BalanceService,
		metrics:  p.Metrics,
	}
}

func NewEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	return engine
}

func (s *Server) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/healthz", s.health)
	if s.metrics != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	v1 := engine.Group("/v1")
	v1.GET("/accounts/:account_number/balance", s.getBalance)
	v1.POST("/payments", s.recordPayment)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": s.cfg.AppName})
}

func (s *Server) getBalance(c *gin.Context) {
	balance, err := s.balances.GetBalance(c.Request.Context(), c.Param("account_number"))
	if err != nil {
		if errors.Is(err, balancedomain.ErrInvalidAccount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.log.Error("balance lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	if s.metrics != nil {
		s.metrics.BalanceQueries.Inc()
	}
	c.JSON(http.StatusOK, balance)
}

func (s *Server) recordPayment(c *gin.Context) {
	var req balancedomain.RecordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body"})
		return
	}

	resp, err := s.balances.RecordPayment(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, balancedomain.ErrInvalidAccount),
			errors.Is(err, balancedomain.ErrInvalidAmount),
			errors.Is(err, balancedomain.ErrInvalidRate):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			s.log.Error("payment failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	status := http.StatusCreated
	if resp.Deduplicated {
		status = http.StatusOK
	} else if s.metrics != nil {
		s.metrics.PaymentsRecorded.Inc()
	}
	c.JSON(status, gin.H{
		"account_number": resp.Snapshot.AccountNumber,
		"external_id":    resp.Snapshot.ExternalID,
		"kwh_vended":     resp.KWhVended,
		"new_balance":    resp.NewBalance,
		"deduplicated":   resp.Deduplicated,
	})
}

func runHTTP(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server, engine *gin.Engine) {
	s.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("server",
	fx.Provide(New),
	fx.Provide(NewEngine),
	fx.Invoke(runHTTP),
)
