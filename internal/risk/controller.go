package risk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/ledger"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/position"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidOrder        = errors.New("order quantity and price must be positive")
	ErrOrderTooLarge       = errors.New("order notional exceeds per-order limit")
	ErrExposureExceeded    = errors.New("order would exceed exposure ceiling")
	ErrTradingHalted       = errors.New("trading halted by risk controller")
	ErrEmergencyInProgress = errors.New("emergency stop already in progress")
	ErrAlertNotFound       = errors.New("alert not found")

	hundred   = decimal.NewFromInt(100)
	maxAlerts = 500
)

// Config 风控阈值, 百分比均以 0-100 表示
type Config struct {
	Symbol                  string
	TotalCapital            decimal.Decimal
	DailyLossLimit          decimal.Decimal // 计价货币
	GlobalStopPercent       decimal.Decimal
	MaxDrawdownPercent      decimal.Decimal
	MaxExposurePercent      decimal.Decimal
	WarningThresholdPercent decimal.Decimal // 指标达到其限额的该比例时告警
	MaxOrderNotionalPercent decimal.Decimal
	AlertCoalesceWindow     time.Duration
}

// ConfigFromSettings 由引擎配置构造风控参数
func ConfigFromSettings(cfg *models.Config) Config {
	r := cfg.Risk
	return Config{
		Symbol:                  cfg.Symbol,
		TotalCapital:            decimal.NewFromFloat(cfg.Grid.TotalCapital),
		DailyLossLimit:          decimal.NewFromFloat(r.DailyLossLimit),
		GlobalStopPercent:       decimal.NewFromFloat(r.GlobalStopPercent),
		MaxDrawdownPercent:      decimal.NewFromFloat(r.MaxDrawdownPercent),
		MaxExposurePercent:      decimal.NewFromFloat(r.MaxExposurePercent),
		WarningThresholdPercent: decimal.NewFromFloat(r.WarningThresholdPercent),
		MaxOrderNotionalPercent: decimal.NewFromFloat(r.MaxOrderNotionalPercent),
		AlertCoalesceWindow:     time.Duration(r.AlertCoalesceWindowSeconds) * time.Second,
	}
}

// Status 一次风险评估的结果
type Status struct {
	Level                 models.RiskLevel `json:"level"`
	TodayPnL              decimal.Decimal  `json:"today_pnl"`
	DailyLimitUsedPercent decimal.Decimal  `json:"daily_limit_used_percent"`
	TotalPnL              decimal.Decimal  `json:"total_pnl"`
	TotalPnLPercent       decimal.Decimal  `json:"total_pnl_percent"`
	DistanceToGlobalStop  decimal.Decimal  `json:"distance_to_global_stop"` // 百分点, 负数表示已触发
	CurrentDrawdown       decimal.Decimal  `json:"current_drawdown"`
	MaxDrawdown           decimal.Decimal  `json:"max_drawdown"`
	Exposure              decimal.Decimal  `json:"exposure"`
	ExposurePercent       decimal.Decimal  `json:"exposure_percent"`
	TradingAllowed        bool             `json:"trading_allowed"`
	DailyPaused           bool             `json:"daily_paused"`
	GlobalStopped         bool             `json:"global_stopped"`
	EmergencyStopped      bool             `json:"emergency_stopped"`
	EmergencyReason       string           `json:"emergency_reason,omitempty"`
	Reasons               []string         `json:"reasons,omitempty"`
	CheckedAt             time.Time        `json:"checked_at"`
}

// EmergencyResult 紧急停止的执行结果
type EmergencyResult struct {
	Reason              string          `json:"reason"`
	OrdersCanceled      int             `json:"orders_canceled"`
	CancelFailures      int             `json:"cancel_failures"`
	PositionsClosed     int             `json:"positions_closed"`
	LiquidationFailures int             `json:"liquidation_failures"`
	LiquidationPrice    decimal.Decimal `json:"liquidation_price"`
	RealizedPnL         decimal.Decimal `json:"realized_pnl"`
	Errors              []string        `json:"errors,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
}

// AlertHandler 接收新产生的告警
type AlertHandler func(models.RiskAlert)

// Controller 根据持仓指标评估风险等级, 维护暂停与止损锁存, 并执行紧急停止
type Controller struct {
	mu      *sync.RWMutex
	cfg     Config
	tracker *position.Tracker
	ledger  *ledger.Ledger
	ex      exchange.Exchange
	logger  *zap.Logger
	now     func() time.Time

	stopping atomic.Bool

	dailyPauseDay    string
	globalStopped    bool
	emergencyStopped bool
	emergencyReason  string
	alerts           []models.RiskAlert
	subscribers      []AlertHandler
}

type Option func(*Controller)

// WithLock 与其它组件共享锁
func WithLock(mu *sync.RWMutex) Option { return func(c *Controller) { c.mu = mu } }

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func NewController(cfg Config, tracker *position.Tracker, l *ledger.Ledger, ex exchange.Exchange, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AlertCoalesceWindow <= 0 {
		cfg.AlertCoalesceWindow = 5 * time.Minute
	}
	c := &Controller{
		mu:      &sync.RWMutex{},
		cfg:     cfg,
		tracker: tracker,
		ledger:  l,
		ex:      ex,
		logger:  logger.Named("risk"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe 注册告警回调
func (c *Controller) Subscribe(h AlertHandler) {
	c.mu.Lock()
	c.subscribers = append(c.subscribers, h)
	c.mu.Unlock()
}

type pendingAlert struct {
	typ       models.AlertType
	severity  models.RiskLevel
	message   string
	value     decimal.Decimal
	threshold decimal.Decimal
}

// assessment 一次只读的指标评估, 尚未写入锁存状态
type assessment struct {
	status         Status
	metrics        position.Metrics
	day            string
	dailyBreach    bool
	globalBreach   bool
	drawdownBreach bool
	raise          []pendingAlert
}

func (c *Controller) assess() assessment {
	m := c.tracker.Metrics()
	today := c.tracker.TodayPnL()
	now := c.now()

	s := Status{
		TodayPnL:        today,
		TotalPnL:        m.TotalPnL,
		CurrentDrawdown: m.CurrentDrawdown,
		MaxDrawdown:     m.MaxDrawdown,
		Exposure:        m.Exposure,
		ExposurePercent: m.ExposurePercent,
		CheckedAt:       now,
	}
	if c.cfg.DailyLossLimit.IsPositive() && today.IsNegative() {
		s.DailyLimitUsedPercent = today.Neg().Div(c.cfg.DailyLossLimit).Mul(hundred)
	}
	if c.cfg.TotalCapital.IsPositive() {
		s.TotalPnLPercent = m.TotalPnL.Div(c.cfg.TotalCapital).Mul(hundred)
	}
	s.DistanceToGlobalStop = c.cfg.GlobalStopPercent.Add(s.TotalPnLPercent)

	a := assessment{
		status:         s,
		metrics:        m,
		day:            now.UTC().Format(position.DateLayout),
		dailyBreach:    c.cfg.DailyLossLimit.IsPositive() && today.Neg().GreaterThanOrEqual(c.cfg.DailyLossLimit),
		globalBreach:   c.cfg.GlobalStopPercent.IsPositive() && s.TotalPnLPercent.LessThanOrEqual(c.cfg.GlobalStopPercent.Neg()),
		drawdownBreach: c.cfg.MaxDrawdownPercent.IsPositive() && m.CurrentDrawdown.GreaterThanOrEqual(c.cfg.MaxDrawdownPercent),
	}
	exposureBreach := c.cfg.MaxExposurePercent.IsPositive() && m.ExposurePercent.GreaterThanOrEqual(c.cfg.MaxExposurePercent)

	if a.dailyBreach {
		a.raise = append(a.raise, pendingAlert{models.AlertDailyLoss, models.RiskCritical,
			fmt.Sprintf("daily loss %s reached limit %s, trading paused until UTC midnight", today.Neg().StringFixed(2), c.cfg.DailyLossLimit),
			today, c.cfg.DailyLossLimit.Neg()})
	}
	if a.globalBreach {
		a.raise = append(a.raise, pendingAlert{models.AlertGlobalStop, models.RiskEmergency,
			fmt.Sprintf("total P&L %s%% breached global stop -%s%%", s.TotalPnLPercent.StringFixed(2), c.cfg.GlobalStopPercent),
			s.TotalPnLPercent, c.cfg.GlobalStopPercent.Neg()})
	}
	if a.drawdownBreach {
		a.raise = append(a.raise, pendingAlert{models.AlertDrawdown, models.RiskCritical,
			fmt.Sprintf("drawdown %s%% at or above ceiling %s%%", m.CurrentDrawdown.StringFixed(2), c.cfg.MaxDrawdownPercent),
			m.CurrentDrawdown, c.cfg.MaxDrawdownPercent})
	}
	if exposureBreach {
		a.raise = append(a.raise, pendingAlert{models.AlertExposure, models.RiskWarning,
			fmt.Sprintf("exposure %s%% at or above ceiling %s%%", m.ExposurePercent.StringFixed(2), c.cfg.MaxExposurePercent),
			m.ExposurePercent, c.cfg.MaxExposurePercent})
	}
	return a
}

func (c *Controller) finish(a assessment) Status {
	s := a.status
	s.TradingAllowed = !s.GlobalStopped && !s.EmergencyStopped && !s.DailyPaused
	s.Level, s.Reasons = c.classify(s, a.drawdownBreach, a.metrics)
	return s
}

// Evaluate 只读地评估当前风险, 不写锁存、不产生告警。
// 已越过但尚未锁存的阈值按下一次 CheckRisk 的结果报告。
func (c *Controller) Evaluate() Status {
	a := c.assess()
	c.mu.RLock()
	a.status.DailyPaused = c.dailyPauseDay == a.day || a.dailyBreach
	a.status.GlobalStopped = c.globalStopped || a.globalBreach
	a.status.EmergencyStopped = c.emergencyStopped
	a.status.EmergencyReason = c.emergencyReason
	c.mu.RUnlock()
	return c.finish(a)
}

// CheckRisk 评估当前风险并执行越限的副作用: 日亏损超限暂停当天交易, 总亏损超限锁存停止交易, 同时产生告警。
// 只应由事件循环和下单前检查调用, 查询状态用 Evaluate。
func (c *Controller) CheckRisk() Status {
	a := c.assess()
	now := a.status.CheckedAt

	c.mu.Lock()
	if a.dailyBreach && c.dailyPauseDay != a.day {
		c.dailyPauseDay = a.day
		c.logger.Warn("daily loss limit reached, trading paused", zap.String("day", a.day), zap.String("pnl", a.status.TodayPnL.String()))
	}
	if a.globalBreach && !c.globalStopped {
		c.globalStopped = true
		c.logger.Error("global stop triggered", zap.String("pnlPercent", a.status.TotalPnLPercent.String()))
	}
	a.status.DailyPaused = c.dailyPauseDay == a.day
	a.status.GlobalStopped = c.globalStopped
	a.status.EmergencyStopped = c.emergencyStopped
	a.status.EmergencyReason = c.emergencyReason

	var created []models.RiskAlert
	for _, p := range a.raise {
		if alert, isNew := c.raiseLocked(p, now); isNew {
			created = append(created, alert)
		}
	}
	handlers := append([]AlertHandler(nil), c.subscribers...)
	c.mu.Unlock()

	s := c.finish(a)
	for _, alert := range created {
		for _, h := range handlers {
			h(alert)
		}
	}
	return s
}

// classify 按 EMERGENCY > CRITICAL > WARNING > NORMAL 归类
func (c *Controller) classify(s Status, drawdownBreach bool, m position.Metrics) (models.RiskLevel, []string) {
	var reasons []string
	if s.EmergencyStopped {
		reasons = append(reasons, "emergency stopped: "+s.EmergencyReason)
	}
	if s.GlobalStopped {
		reasons = append(reasons, "global stop latched")
	}
	if len(reasons) > 0 {
		return models.RiskEmergency, reasons
	}

	if s.DailyPaused {
		reasons = append(reasons, "daily loss limit reached")
	}
	if drawdownBreach {
		reasons = append(reasons, "drawdown at ceiling")
	}
	if len(reasons) > 0 {
		return models.RiskCritical, reasons
	}

	warn := c.cfg.WarningThresholdPercent
	if !warn.IsPositive() {
		return models.RiskNormal, nil
	}
	ratio := func(value, limit decimal.Decimal) decimal.Decimal {
		if !limit.IsPositive() {
			return decimal.Zero
		}
		return value.Div(limit).Mul(hundred)
	}
	if s.DailyLimitUsedPercent.GreaterThanOrEqual(warn) {
		reasons = append(reasons, "daily loss past warning threshold")
	}
	if s.TotalPnLPercent.IsNegative() && ratio(s.TotalPnLPercent.Neg(), c.cfg.GlobalStopPercent).GreaterThanOrEqual(warn) {
		reasons = append(reasons, "total loss past warning threshold")
	}
	if ratio(m.CurrentDrawdown, c.cfg.MaxDrawdownPercent).GreaterThanOrEqual(warn) && m.CurrentDrawdown.IsPositive() {
		reasons = append(reasons, "drawdown past warning threshold")
	}
	if ratio(m.ExposurePercent, c.cfg.MaxExposurePercent).GreaterThanOrEqual(warn) && m.ExposurePercent.IsPositive() {
		reasons = append(reasons, "exposure past warning threshold")
	}
	if len(reasons) > 0 {
		return models.RiskWarning, reasons
	}
	return models.RiskNormal, nil
}

// raiseLocked 在合并窗口内返回同类型的最近告警, 否则创建新告警。需要持有写锁。
func (c *Controller) raiseLocked(a pendingAlert, now time.Time) (models.RiskAlert, bool) {
	for i := len(c.alerts) - 1; i >= 0; i-- {
		existing := c.alerts[i]
		if existing.Type == a.typ && now.Sub(existing.Timestamp) < c.cfg.AlertCoalesceWindow {
			return existing, false
		}
	}
	alert := models.RiskAlert{
		ID:        uuid.NewString(),
		Type:      a.typ,
		Severity:  a.severity,
		Message:   a.message,
		Value:     a.value,
		Threshold: a.threshold,
		Timestamp: now,
	}
	c.alerts = append(c.alerts, alert)
	if len(c.alerts) > maxAlerts {
		c.alerts = c.alerts[len(c.alerts)-maxAlerts:]
	}
	c.logger.Warn("risk alert", zap.String("type", string(a.typ)), zap.Stringer("severity", a.severity), zap.String("message", a.message))
	return alert, true
}

// IsTradingAllowed 实时评估风险后判断是否允许开新仓
func (c *Controller) IsTradingAllowed() bool {
	return c.CheckRisk().TradingAllowed
}

// ValidateOrder 检查单笔订单的名义价值和买单对敞口的影响, 与风险等级无关
func (c *Controller) ValidateOrder(quantity, price decimal.Decimal, side models.Side) error {
	if !quantity.IsPositive() || !price.IsPositive() {
		return errors.Wrapf(ErrInvalidOrder, "qty %s price %s", quantity, price)
	}
	notional := quantity.Mul(price)
	if c.cfg.TotalCapital.IsPositive() && c.cfg.MaxOrderNotionalPercent.IsPositive() {
		limit := c.cfg.TotalCapital.Mul(c.cfg.MaxOrderNotionalPercent).Div(hundred)
		if notional.GreaterThan(limit) {
			return errors.Wrapf(ErrOrderTooLarge, "notional %s > %s", notional.StringFixed(2), limit.StringFixed(2))
		}
	}
	if side == models.Buy && c.cfg.TotalCapital.IsPositive() && c.cfg.MaxExposurePercent.IsPositive() {
		after := c.tracker.Exposure().Add(notional).Div(c.cfg.TotalCapital).Mul(hundred)
		if after.GreaterThan(c.cfg.MaxExposurePercent) {
			return errors.Wrapf(ErrExposureExceeded, "exposure would be %s%% > %s%%", after.StringFixed(2), c.cfg.MaxExposurePercent)
		}
	}
	return nil
}

// EmergencyStop 撤销全部挂单并按最新标记价平掉全部持仓, 锁存到手动复位。
// 单笔撤单或平仓失败只计数, 整个流程总会执行完毕。
func (c *Controller) EmergencyStop(ctx context.Context, reason string) (EmergencyResult, error) {
	if !c.stopping.CompareAndSwap(false, true) {
		return EmergencyResult{}, ErrEmergencyInProgress
	}
	defer c.stopping.Store(false)

	now := c.now()
	res := EmergencyResult{Reason: reason, Timestamp: now}

	c.mu.Lock()
	c.emergencyStopped = true
	c.emergencyReason = reason
	alert, isNew := c.raiseLocked(pendingAlert{models.AlertEmergencyStop, models.RiskEmergency,
		"emergency stop: " + reason, decimal.Zero, decimal.Zero}, now)
	handlers := append([]AlertHandler(nil), c.subscribers...)
	c.mu.Unlock()
	c.logger.Error("emergency stop", zap.String("reason", reason))
	if isNew {
		for _, h := range handlers {
			h(alert)
		}
	}

	canceled := c.ledger.CancelAllOrders(ctx)
	res.OrdersCanceled = canceled.Canceled
	res.CancelFailures = canceled.Failed
	res.Errors = append(res.Errors, canceled.Errors...)

	price := c.tracker.MarkPrice()
	if !price.IsPositive() {
		if t, err := c.ex.GetTicker(ctx, c.cfg.Symbol); err == nil {
			price = t.Last
		} else {
			res.Errors = append(res.Errors, errors.Wrap(err, "fetch liquidation price").Error())
		}
	}
	res.LiquidationPrice = price
	if price.IsPositive() {
		liq := c.tracker.Liquidate(ctx, c.ex, c.cfg.Symbol, price, models.TradeEmergency)
		res.PositionsClosed = liq.Closed
		res.LiquidationFailures = liq.Failed
		res.RealizedPnL = liq.RealizedPnL
		res.Errors = append(res.Errors, liq.Errors...)
	} else {
		res.LiquidationFailures = len(c.tracker.OpenPositions())
	}

	c.logger.Error("emergency stop completed",
		zap.Int("canceled", res.OrdersCanceled), zap.Int("cancelFailures", res.CancelFailures),
		zap.Int("closed", res.PositionsClosed), zap.Int("liquidationFailures", res.LiquidationFailures),
		zap.String("pnl", res.RealizedPnL.String()))
	return res, nil
}

// ResetGlobalStop 手动解除总止损锁存
func (c *Controller) ResetGlobalStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalStopped = false
	c.logger.Info("global stop reset")
}

// ResetEmergencyStop 手动解除紧急停止
func (c *Controller) ResetEmergencyStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emergencyStopped = false
	c.emergencyReason = ""
	c.logger.Info("emergency stop reset")
}

// ResetDailyPause 手动解除当日暂停; 若亏损仍超限, 下一次评估会再次暂停
func (c *Controller) ResetDailyPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dailyPauseDay = ""
}

// IsEmergencyStopped reports the emergency latch.
func (c *Controller) IsEmergencyStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.emergencyStopped
}

// AcknowledgeAlert 确认告警
func (c *Controller) AcknowledgeAlert(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.alerts {
		if c.alerts[i].ID == id {
			c.alerts[i].Acknowledged = true
			return nil
		}
	}
	return errors.Wrap(ErrAlertNotFound, id)
}

// Alerts 返回全部告警
func (c *Controller) Alerts() []models.RiskAlert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.RiskAlert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// ActiveAlerts 返回未确认的告警
func (c *Controller) ActiveAlerts() []models.RiskAlert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.RiskAlert
	for _, a := range c.alerts {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out
}

// Latches 返回需要持久化的锁存状态
func (c *Controller) Latches() models.RiskLatches {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.RiskLatches{
		DailyPauseDay:    c.dailyPauseDay,
		GlobalStopped:    c.globalStopped,
		EmergencyStopped: c.emergencyStopped,
		EmergencyReason:  c.emergencyReason,
	}
}

// RestoreLatches 重启后恢复锁存状态和告警
func (c *Controller) RestoreLatches(l models.RiskLatches, alerts []models.RiskAlert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dailyPauseDay = l.DailyPauseDay
	c.globalStopped = l.GlobalStopped
	c.emergencyStopped = l.EmergencyStopped
	c.emergencyReason = l.EmergencyReason
	c.alerts = append([]models.RiskAlert(nil), alerts...)
	if l.GlobalStopped || l.EmergencyStopped {
		c.logger.Warn("restored risk latches",
			zap.Bool("globalStopped", l.GlobalStopped), zap.Bool("emergencyStopped", l.EmergencyStopped))
	}
}
