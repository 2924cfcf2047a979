package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"strata/internal/config"
	"strata/internal/gateway/database"
	"strata/internal/ledger"
	"strata/internal/limiter"
	"strata/internal/logger"
	"strata/internal/report"
	"strata/internal/risk"
	"strata/internal/trader"
)

// Server 提供只读的运行状态 API 与持仓图表。
// 交易周期由定时器驱动，这里只暴露观测面，唯一的写操作是人工解除挂起。
type Server struct {
	cfg    *config.Config
	book   *ledger.Ledger
	lim    *limiter.EntryLimiter
	gate   *risk.Gate
	trader *trader.Trader
	store  *database.Store
	prices trader.PriceProvider

	srv *http.Server
}

// NewServer 构造状态服务。
func NewServer(cfg *config.Config, book *ledger.Ledger, lim *limiter.EntryLimiter, gate *risk.Gate,
	t *trader.Trader, store *database.Store, prices trader.PriceProvider) *Server {
	return &Server{cfg: cfg, book: book, lim: lim, gate: gate, trader: t, store: store, prices: prices}
}

// Run 阻塞运行 HTTP 服务，ctx 取消时优雅退出。
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	api := r.Group("/api")
	{
		api.GET("/position", s.handlePosition)
		api.GET("/layers", s.handleLayers)
		api.GET("/limiter", s.handleLimiter)
		api.GET("/risk", s.handleRisk)
		api.GET("/trades", s.handleTrades)
		api.POST("/reset-halt", s.handleResetHalt)
	}
	r.GET("/chart", s.handleChart)

	s.srv = &http.Server{Addr: s.cfg.App.HTTPAddr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("状态服务监听 %s", s.cfg.App.HTTPAddr)
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	halted, reason := s.trader.Halted()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"halted":      halted,
		"halt_reason": reason,
	})
}

func (s *Server) handlePosition(c *gin.Context) {
	pos := s.book.Position(s.cfg.Pair.Asset)
	c.JSON(http.StatusOK, pos)
}

func (s *Server) handleLayers(c *gin.Context) {
	price, err := s.prices.CurrentPrice(c.Request.Context(), s.cfg.Pair.Symbol)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"price":  price,
		"layers": s.trader.LastLayers(price, time.Now()),
	})
}

func (s *Server) handleLimiter(c *gin.Context) {
	c.JSON(http.StatusOK, s.lim.State())
}

func (s *Server) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.gate.State())
}

func (s *Server) handleTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recs, err := s.store.ListTradeLogs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": recs})
}

// handleResetHalt 人工解除不变量挂起。只允许显式调用，不做自动恢复。
func (s *Server) handleResetHalt(c *gin.Context) {
	halted, reason := s.trader.Halted()
	if !halted {
		c.JSON(http.StatusOK, gin.H{"halted": false})
		return
	}
	s.trader.ResetHalt()
	logger.Warnf("人工解除交易挂起，原因曾为: %s", reason)
	c.JSON(http.StatusOK, gin.H{"halted": false, "previous_reason": reason})
}

func (s *Server) handleChart(c *gin.Context) {
	pos := s.book.Position(s.cfg.Pair.Asset)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := report.RenderPositionChart(c.Writer, pos); err != nil {
		c.String(http.StatusInternalServerError, "渲染图表失败: %v", err)
	}
}
