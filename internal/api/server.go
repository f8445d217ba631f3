package api

import (
	"context"
	"net/http"
	"time"

	"grid-engine-go/internal/engine"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/rebalance"
	"grid-engine-go/internal/risk"
	"grid-engine-go/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine 是接口层读取和操作的引擎视图
type Engine interface {
	Status() engine.Status
	Levels() []models.GridLevel
	Orders() []models.Order
	Positions() []models.Position
	Cycles() []models.ManagedCycle
	Risk() risk.Status
	Rebalances() []models.RebalanceAction
	Alerts() []models.RiskAlert
	AcknowledgeAlert(id string) error
	ManualRebalance(ctx context.Context, center decimal.Decimal) (models.RebalanceAction, error)
	EmergencyStop(ctx context.Context, reason string) (risk.EmergencyResult, error)
	ResetRisk(target string) error
}

// Dispatcher 把修改引擎状态的命令交给调度器串行执行
type Dispatcher interface {
	Do(ctx context.Context, cmd scheduler.Command) (interface{}, error)
}

// History 提供每日日志
type History interface {
	History(from, to string) ([]models.DailyRecord, error)
}

// Server 是运维 HTTP 接口
type Server struct {
	router     *gin.Engine
	engine     Engine
	dispatcher Dispatcher
	history    History
	logger     *zap.Logger
	httpServer *http.Server
	timeout    time.Duration
}

// NewServer 创建接口服务; history 可以为 nil
func NewServer(eng Engine, dispatcher Dispatcher, history History, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:     router,
		engine:     eng,
		dispatcher: dispatcher,
		history:    history,
		logger:     logger.Named("api"),
		timeout:    30 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/grid", s.handleGrid)
		api.GET("/orders", s.handleOrders)
		api.GET("/positions", s.handlePositions)
		api.GET("/cycles", s.handleCycles)
		api.GET("/risk", s.handleRisk)
		api.GET("/rebalances", s.handleRebalances)
		api.GET("/alerts", s.handleAlerts)
		api.GET("/report", s.handleReport)

		api.POST("/rebalance", s.handleRebalance)
		api.POST("/emergency-stop", s.handleEmergencyStop)
		api.POST("/risk/reset", s.handleRiskReset)
		api.POST("/alerts/:id/ack", s.handleAcknowledge)
	}
}

// Handler 返回路由, 测试时直接使用
func (s *Server) Handler() http.Handler { return s.router }

// Start 在后台监听 addr
func (s *Server) Start(addr string) {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		s.logger.Info("api server listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handleGrid(c *gin.Context) {
	st := s.engine.Status()
	c.JSON(http.StatusOK, gin.H{
		"grid":   st.Grid,
		"levels": s.engine.Levels(),
	})
}

func (s *Server) handleOrders(c *gin.Context) {
	orders := s.engine.Orders()
	if c.Query("active") == "true" {
		active := orders[:0:0]
		for _, o := range orders {
			if o.Status.IsActive() {
				active = append(active, o)
			}
		}
		orders = active
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"positions": s.engine.Positions(),
		"metrics":   s.engine.Status().Positions,
	})
}

func (s *Server) handleCycles(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Cycles())
}

func (s *Server) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Risk())
}

func (s *Server) handleRebalances(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Rebalances())
}

func (s *Server) handleAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Alerts())
}

func (s *Server) handleReport(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "daily log disabled"})
		return
	}
	records, err := s.history.History(c.Query("from"), c.Query("to"))
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []models.DailyRecord{}
	}
	c.JSON(http.StatusOK, records)
}

type rebalanceRequest struct {
	Center string `json:"center"`
}

func (s *Server) handleRebalance(c *gin.Context) {
	var req rebalanceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, http.StatusBadRequest, err)
			return
		}
	}
	center := decimal.Zero
	if req.Center != "" {
		v, err := decimal.NewFromString(req.Center)
		if err != nil || v.IsNegative() {
			s.fail(c, http.StatusBadRequest, errors.Errorf("invalid center %q", req.Center))
			return
		}
		center = v
	}
	v, err := s.do(c, func(ctx context.Context) (interface{}, error) {
		return s.engine.ManualRebalance(ctx, center)
	})
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type emergencyRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req emergencyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, http.StatusBadRequest, err)
			return
		}
	}
	v, err := s.do(c, func(ctx context.Context) (interface{}, error) {
		return s.engine.EmergencyStop(ctx, req.Reason)
	})
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type resetRequest struct {
	Target string `json:"target" binding:"required"`
	// Rearm 解除后立即围绕最新价格重建网格
	Rearm bool `json:"rearm"`
}

func (s *Server) handleRiskReset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	v, err := s.do(c, func(ctx context.Context) (interface{}, error) {
		if err := s.engine.ResetRisk(req.Target); err != nil {
			return nil, err
		}
		if !req.Rearm {
			return nil, nil
		}
		action, err := s.engine.ManualRebalance(ctx, decimal.Zero)
		return &action, err
	})
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk": s.engine.Risk(), "rebalance": v})
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	id := c.Param("id")
	_, err := s.do(c, func(context.Context) (interface{}, error) {
		return nil, s.engine.AcknowledgeAlert(id)
	})
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": id})
}

func (s *Server) do(c *gin.Context, cmd scheduler.Command) (interface{}, error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	return s.dispatcher.Do(ctx, cmd)
}

func (s *Server) fail(c *gin.Context, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// statusFor 把领域错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, risk.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrUnknownReset):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotStarted),
		errors.Is(err, scheduler.ErrNotStarted),
		errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, risk.ErrEmergencyInProgress),
		errors.Is(err, risk.ErrTradingHalted),
		errors.Is(err, rebalance.ErrRebalanceInProgress):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
