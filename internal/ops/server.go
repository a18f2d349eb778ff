// Package ops serves the operator control plane: kill-switch state,
// risk status, position snapshots, and prometheus metrics. It binds to
// localhost for a single operator and deliberately exposes nothing
// else.
package ops

import (
	"context"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Aidin1998/scalpex/internal/controls"
	"github.com/Aidin1998/scalpex/internal/position"
	"github.com/Aidin1998/scalpex/internal/risk"
)

// Server is the ops HTTP server.
type Server struct {
	controls   *controls.Controls
	risk       *risk.Profile
	supervisor *position.Supervisor
	logger     *zap.Logger
	http       *http.Server
}

// NewServer wires routes onto a gin engine.
func NewServer(address string, ctl *controls.Controls, profile *risk.Profile, sup *position.Supervisor, logger *zap.Logger) *Server {
	s := &Server{
		controls:   ctl,
		risk:       profile,
		supervisor: sup,
		logger:     logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	router.GET("/healthz", s.healthz)
	router.GET("/risk", s.riskStatus)
	router.GET("/positions", s.positions)
	router.POST("/controls/disable", s.disable)
	router.POST("/controls/enable", s.enable)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", zap.String("address", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"trading_enabled": s.controls.Enabled(),
		"reason":          s.controls.Reason(),
	})
}

func (s *Server) riskStatus(c *gin.Context) {
	stats := s.risk.DayStats(c.Request.Context(), time.Now())
	c.JSON(http.StatusOK, gin.H{
		"day":             stats.Day,
		"trades":          stats.Trades,
		"realized_pnl":    stats.RealizedPnL,
		"losers":          stats.Losers,
		"loss_streak":     stats.ConsecutiveLosses,
		"last_loss_at":    stats.LastLossAt,
		"trading_enabled": s.controls.Enabled(),
	})
}

func (s *Server) positions(c *gin.Context) {
	c.JSON(http.StatusOK, s.supervisor.Snapshots())
}

func (s *Server) disable(c *gin.Context) {
	var body struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	s.controls.Disable("operator: " + body.Reason)
	c.JSON(http.StatusOK, gin.H{"trading_enabled": false, "reason": s.controls.Reason()})
}

func (s *Server) enable(c *gin.Context) {
	s.controls.Enable()
	c.JSON(http.StatusOK, gin.H{"trading_enabled": true})
}
