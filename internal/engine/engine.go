package engine

import (
	"context"
	"sync"
	"time"

	"grid-engine-go/internal/cycle"
	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/ledger"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/position"
	"grid-engine-go/internal/rebalance"
	"grid-engine-go/internal/risk"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNotStarted     = errors.New("engine not started")
	ErrAlreadyStarted = errors.New("engine already started")
	ErrSymbolMismatch = errors.New("snapshot symbol does not match engine")
	ErrUnknownReset   = errors.New("unknown risk reset target")
)

// Status 引擎的汇总状态, 供接口和定时状态日志使用
type Status struct {
	Symbol           string           `json:"symbol"`
	Mode             string           `json:"mode"`
	Running          bool             `json:"running"`
	StartedAt        time.Time        `json:"started_at"`
	Uptime           string           `json:"uptime"`
	LastPrice        decimal.Decimal  `json:"last_price"`
	LastTick         time.Time        `json:"last_tick"`
	Ticks            int64            `json:"ticks"`
	FailedTicks      int64            `json:"failed_ticks"`
	UptimePercent    float64          `json:"uptime_percent"`
	ErrorRatePercent float64          `json:"error_rate_percent"`
	Grid             *grid.Status     `json:"grid,omitempty"`
	Ledger           ledger.Status    `json:"ledger"`
	Positions        position.Metrics `json:"positions"`
	Risk             risk.Status      `json:"risk"`
	Cycles           cycle.Stats      `json:"cycles"`
	Rebalances       int              `json:"rebalances"`
	LastRebalance    time.Time        `json:"last_rebalance,omitempty"`
}

// TickResult 一次调度周期的处理结果
type TickResult struct {
	Price      decimal.Decimal         `json:"price"`
	Risk       models.RiskLevel        `json:"risk"`
	Rebalanced bool                    `json:"rebalanced"`
	Sync       ledger.SyncResult       `json:"sync"`
	Cycles     cycle.Summary           `json:"cycles"`
	Emergency  *risk.EmergencyResult   `json:"emergency,omitempty"`
	Rebalance  *models.RebalanceAction `json:"rebalance,omitempty"`
}

// Engine 组合网格计算、订单账本、持仓、周期、再平衡和风控。
// 所有组件共享同一把读写锁; 引擎本身不持锁调用组件。
type Engine struct {
	mu     *sync.RWMutex
	cfg    *models.Config
	ex     exchange.Exchange
	logger *zap.Logger
	now    func() time.Time

	calc       *grid.Calculator
	ledger     *ledger.Ledger
	tracker    *position.Tracker
	cycles     *cycle.Manager
	rebalancer *rebalance.Rebalancer
	risk       *risk.Controller

	stateMu        sync.RWMutex
	running        bool
	startedAt      time.Time
	lastPrice      decimal.Decimal
	lastTick       time.Time
	ticks          int64
	failedTicks    int64
	restoredCenter decimal.Decimal
}

type Option func(*Engine)

// WithClock 替换时间来源, 回测时使用模拟交易所的时间
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New 根据配置构造引擎及其全部组件, 配置错误直接返回
func New(cfg *models.Config, ex exchange.Exchange, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		mu:     &sync.RWMutex{},
		cfg:    cfg,
		ex:     ex,
		logger: logger.Named("engine"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	calc, err := grid.NewCalculator(cfg.GridConfig(), logger)
	if err != nil {
		return nil, errors.Wrap(err, "grid calculator")
	}
	calc.SetClock(e.now)
	e.calc = calc

	gc := calc.Config()
	strategy, err := ledger.NewStrategy(cfg.Reinvest.Strategy, cfg.Reinvest.SellLevelOffset,
		gc.ProfitTargetPercent.Div(decimal.NewFromInt(100)), gc.FeePercent.Div(decimal.NewFromInt(100)))
	if err != nil {
		return nil, errors.Wrap(err, "reinvest strategy")
	}

	e.ledger = ledger.New(ex, ledger.Config{Symbol: cfg.Symbol, BaseAsset: cfg.BaseAsset}, strategy, logger,
		ledger.WithLock(e.mu), ledger.WithClock(e.now))
	e.tracker = position.NewTracker(gc.TotalCapital, logger,
		position.WithLock(e.mu), position.WithClock(e.now), position.WithQuoteAsset(cfg.QuoteAsset))
	e.cycles = cycle.NewManager(e.ledger, logger, cycle.WithLock(e.mu), cycle.WithClock(e.now))
	e.rebalancer = rebalance.New(rebalance.Config{
		Symbol:           cfg.Symbol,
		ThresholdPercent: decimal.NewFromFloat(cfg.Rebalance.ThresholdPercent),
		MinInterval:      time.Duration(cfg.Rebalance.MinIntervalSeconds) * time.Second,
		Liquidate:        cfg.Rebalance.LiquidateOnRebalance,
	}, calc, e.ledger, e.tracker, ex, logger, rebalance.WithLock(e.mu), rebalance.WithClock(e.now))
	e.risk = risk.NewController(risk.ConfigFromSettings(cfg), e.tracker, e.ledger, ex, logger,
		risk.WithLock(e.mu), risk.WithClock(e.now))

	e.ledger.Subscribe(e.tracker.OnFill)
	e.ledger.SetValidator(e.validateOrder)
	return e, nil
}

// validateOrder 是账本下单前的风控检查: 暂停交易时拒绝买单, 其余按单笔限额和敞口检查
func (e *Engine) validateOrder(side models.Side, qty, price decimal.Decimal) error {
	if side == models.Buy && !e.risk.IsTradingAllowed() {
		return risk.ErrTradingHalted
	}
	return e.risk.ValidateOrder(qty, price, side)
}

// Start 获取当前价格, 计算网格, 撤掉交易所上遗留的挂单并挂出初始网格订单
func (e *Engine) Start(ctx context.Context) error {
	e.stateMu.Lock()
	if e.running {
		e.stateMu.Unlock()
		return ErrAlreadyStarted
	}
	center := e.restoredCenter
	e.stateMu.Unlock()

	ticker, err := e.ex.GetTicker(ctx, e.cfg.Symbol)
	if err != nil {
		return errors.Wrap(err, "fetch initial price")
	}
	if !center.IsPositive() {
		center = ticker.Last
	}

	g, err := e.calc.CalculateGrid(center)
	if err != nil {
		return errors.Wrap(err, "calculate grid")
	}
	e.tracker.UpdatePrices(ticker.Last)
	e.cancelStaleOrders(ctx)
	e.ledger.ResetLevels(g)

	if e.risk.IsTradingAllowed() {
		res, err := e.ledger.InitializeGridOrders(ctx)
		if err != nil {
			return errors.Wrap(err, "initialize grid orders")
		}
		e.logger.Info("grid orders initialized",
			zap.Int("placed", res.Placed), zap.Int("skipped", res.Skipped), zap.Int("failed", res.Failed))
	} else {
		e.logger.Warn("trading not allowed at start, grid orders not placed")
	}

	e.stateMu.Lock()
	e.running = true
	e.startedAt = e.now()
	e.lastPrice = ticker.Last
	e.stateMu.Unlock()

	lower, upper := g.Bounds()
	e.logger.Info("engine started",
		zap.String("symbol", e.cfg.Symbol), zap.String("mode", e.cfg.Mode),
		zap.String("center", center.String()), zap.String("lower", lower.String()), zap.String("upper", upper.String()))
	return nil
}

// cancelStaleOrders 撤掉交易所上的遗留挂单, 失败只记录
func (e *Engine) cancelStaleOrders(ctx context.Context) {
	open, err := e.ex.GetOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("list open orders failed", zap.Error(err))
		return
	}
	for _, o := range open {
		if err := e.ex.CancelOrder(ctx, e.cfg.Symbol, o.ClientOrderID); err != nil {
			e.logger.Warn("cancel stale order failed", zap.String("order", o.ClientOrderID), zap.Error(err))
		}
	}
	if len(open) > 0 {
		e.logger.Info("stale orders canceled", zap.Int("count", len(open)))
	}
}

// Tick 从交易所拉取最新价格并执行一次调度周期
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	ticker, err := e.ex.GetTicker(ctx, e.cfg.Symbol)
	if err != nil {
		e.countTick(false)
		return TickResult{}, errors.Wrap(err, "fetch price")
	}
	return e.OnPrice(ctx, ticker.Last)
}

// OnPrice 用给定价格执行一次调度周期: 重估持仓, 风控评估, 必要时再平衡, 对账并推进周期
func (e *Engine) OnPrice(ctx context.Context, price decimal.Decimal) (TickResult, error) {
	res, err := e.process(ctx, price)
	e.countTick(err == nil)
	if err != nil {
		e.logger.Error("tick failed", zap.String("price", price.String()), zap.Error(err))
	}
	return res, err
}

func (e *Engine) process(ctx context.Context, price decimal.Decimal) (TickResult, error) {
	res := TickResult{Price: price}
	if !e.IsRunning() {
		return res, ErrNotStarted
	}
	if !price.IsPositive() {
		return res, errors.Errorf("invalid price %s", price)
	}
	e.stateMu.Lock()
	e.lastPrice = price
	e.stateMu.Unlock()

	e.tracker.UpdatePrices(price)

	st := e.risk.CheckRisk()
	res.Risk = st.Level
	if st.GlobalStopped && e.cfg.Risk.EmergencyOnGlobalStop && !st.EmergencyStopped {
		er, err := e.risk.EmergencyStop(ctx, "global stop-loss breached")
		if err != nil && !errors.Is(err, risk.ErrEmergencyInProgress) {
			return res, errors.Wrap(err, "emergency stop")
		}
		if err == nil {
			res.Emergency = &er
		}
		return res, nil
	}

	var failure error
	if st.TradingAllowed {
		if ok, reason := e.rebalancer.ShouldRebalance(price); ok {
			action, err := e.rebalancer.ExecuteRebalance(ctx, price, reason)
			res.Rebalance = &action
			res.Rebalanced = err == nil
			if err != nil && !errors.Is(err, rebalance.ErrRebalanceInProgress) {
				failure = errors.Wrap(err, "rebalance")
			}
		}
	}

	res.Sync = e.ledger.SyncOrders(ctx)
	summary, err := e.cycles.RunCycle(ctx)
	if err != nil {
		return res, err
	}
	res.Cycles = summary
	if failure == nil && res.Sync.Errors > 0 && res.Sync.Errors == res.Sync.Checked {
		failure = errors.Errorf("order sync failed for all %d orders", res.Sync.Checked)
	}
	return res, failure
}

func (e *Engine) countTick(ok bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.ticks++
	e.lastTick = e.now()
	if !ok {
		e.failedTicks++
	}
}

// ManualRebalance 围绕给定中心价重建网格; center 为零时使用最新价格
func (e *Engine) ManualRebalance(ctx context.Context, center decimal.Decimal) (models.RebalanceAction, error) {
	if !e.IsRunning() {
		return models.RebalanceAction{}, ErrNotStarted
	}
	if !center.IsPositive() {
		center = e.LastPrice()
	}
	return e.rebalancer.ExecuteRebalance(ctx, center, models.ReasonManual)
}

// EmergencyStop 手动触发紧急停止
func (e *Engine) EmergencyStop(ctx context.Context, reason string) (risk.EmergencyResult, error) {
	if reason == "" {
		reason = "manual"
	}
	return e.risk.EmergencyStop(ctx, reason)
}

// ResetRisk 解除风控锁存: global, emergency, daily 或 all
func (e *Engine) ResetRisk(target string) error {
	switch target {
	case "global":
		e.risk.ResetGlobalStop()
	case "emergency":
		e.risk.ResetEmergencyStop()
	case "daily":
		e.risk.ResetDailyPause()
	case "all":
		e.risk.ResetGlobalStop()
		e.risk.ResetEmergencyStop()
		e.risk.ResetDailyPause()
	default:
		return errors.Wrap(ErrUnknownReset, target)
	}
	e.logger.Info("risk latch reset", zap.String("target", target))
	return nil
}

// Stop 撤销全部挂单并停止处理
func (e *Engine) Stop(ctx context.Context) ledger.CancelResult {
	e.stateMu.Lock()
	e.running = false
	e.stateMu.Unlock()
	res := e.ledger.CancelAllOrders(ctx)
	e.logger.Info("engine stopped", zap.Int("canceled", res.Canceled), zap.Int("failed", res.Failed))
	return res
}

func (e *Engine) IsRunning() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.running
}

// LastPrice 最近一次处理的价格
func (e *Engine) LastPrice() decimal.Decimal {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.lastPrice
}

// Status 汇总各组件状态
func (e *Engine) Status() Status {
	e.stateMu.RLock()
	s := Status{
		Symbol:      e.cfg.Symbol,
		Mode:        e.cfg.Mode,
		Running:     e.running,
		StartedAt:   e.startedAt,
		LastPrice:   e.lastPrice,
		LastTick:    e.lastTick,
		Ticks:       e.ticks,
		FailedTicks: e.failedTicks,
	}
	e.stateMu.RUnlock()

	if !s.StartedAt.IsZero() {
		s.Uptime = e.now().Sub(s.StartedAt).Truncate(time.Second).String()
	}
	s.UptimePercent, s.ErrorRatePercent = e.Reliability()
	if g := e.calc.Current(); g != nil {
		gs := g.Status()
		s.Grid = &gs
	}
	s.Ledger = e.ledger.Status()
	s.Positions = e.tracker.Metrics()
	s.Risk = e.risk.Evaluate()
	s.Cycles = e.cycles.Stats()
	s.Rebalances = len(e.rebalancer.History())
	s.LastRebalance = e.rebalancer.LastRebalance()
	return s
}

// Reliability 返回运行率和错误率 (百分比)。
// 运行率 = 成功周期数 * 调度间隔 / 运行时长, 上限 100; 错误率 = 失败周期 / 全部周期。
func (e *Engine) Reliability() (uptime, errorRate float64) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.ticks > 0 {
		errorRate = float64(e.failedTicks) / float64(e.ticks) * 100
	}
	interval := e.cfg.TickInterval()
	elapsed := e.now().Sub(e.startedAt)
	if e.startedAt.IsZero() || interval <= 0 || elapsed < interval {
		return 100 - errorRate, errorRate
	}
	uptime = float64(e.ticks-e.failedTicks) * float64(interval) / float64(elapsed) * 100
	if uptime > 100 {
		uptime = 100
	}
	return uptime, errorRate
}

// Snapshot 生成需要持久化的状态
func (e *Engine) Snapshot() models.EngineSnapshot {
	account := e.tracker.State()
	s := models.EngineSnapshot{
		Symbol:           e.cfg.Symbol,
		Version:          models.SnapshotVersion,
		Positions:        e.tracker.OpenPositions(),
		Account:          &account,
		RebalanceHistory: e.rebalancer.History(),
		LastRebalance:    e.rebalancer.LastRebalance(),
		Alerts:           e.risk.Alerts(),
		Latches:          e.risk.Latches(),
		SavedAt:          e.now(),
	}
	if g := e.calc.Current(); g != nil {
		s.Center = g.Center()
		s.Lower, s.Upper = g.Bounds()
	}
	return s
}

// Restore 在 Start 之前恢复快照: 风控锁存和告警, 再平衡历史, 未平仓批次, 账户累计盈亏以及网格中心价。
// 订单不恢复, 启动时会撤掉交易所上的遗留挂单并重新挂单。
func (e *Engine) Restore(s *models.EngineSnapshot) error {
	if s == nil {
		return nil
	}
	if s.Symbol != e.cfg.Symbol {
		return errors.Wrapf(ErrSymbolMismatch, "snapshot %s, engine %s", s.Symbol, e.cfg.Symbol)
	}
	e.stateMu.Lock()
	if e.running {
		e.stateMu.Unlock()
		return ErrAlreadyStarted
	}
	e.restoredCenter = s.Center
	e.stateMu.Unlock()

	e.risk.RestoreLatches(s.Latches, s.Alerts)
	e.rebalancer.Restore(s.RebalanceHistory, s.LastRebalance)
	e.tracker.Restore(s.Positions, s.Account)
	e.logger.Info("snapshot restored",
		zap.Time("savedAt", s.SavedAt), zap.String("center", s.Center.String()),
		zap.Bool("globalStopped", s.Latches.GlobalStopped), zap.Bool("emergencyStopped", s.Latches.EmergencyStopped))
	return nil
}

// OnFill 注册成交回调
func (e *Engine) OnFill(h ledger.FillHandler) { e.ledger.Subscribe(h) }

// OnRebalance 注册再平衡回调
func (e *Engine) OnRebalance(h rebalance.Handler) { e.rebalancer.Subscribe(h) }

// OnAlert 注册风控告警回调
func (e *Engine) OnAlert(h risk.AlertHandler) { e.risk.Subscribe(h) }

func (e *Engine) Config() *models.Config                  { return e.cfg }
func (e *Engine) Grid() *grid.Grid                        { return e.calc.Current() }
func (e *Engine) Orders() []models.Order                  { return e.ledger.Orders() }
func (e *Engine) Levels() []models.GridLevel              { return e.ledger.Levels() }
func (e *Engine) Positions() []models.Position            { return e.tracker.Positions() }
func (e *Engine) Metrics() position.Metrics               { return e.tracker.Metrics() }
func (e *Engine) Days() []position.DailyStats             { return e.tracker.Days() }
func (e *Engine) TradesOn(date string) []models.Trade     { return e.tracker.TradesOn(date) }
func (e *Engine) Trades() []models.Trade                  { return e.tracker.Trades() }
func (e *Engine) Cycles() []models.ManagedCycle           { return e.cycles.Cycles() }
func (e *Engine) Rebalances() []models.RebalanceAction    { return e.rebalancer.History() }
func (e *Engine) Risk() risk.Status                       { return e.risk.Evaluate() }
func (e *Engine) Alerts() []models.RiskAlert              { return e.risk.ActiveAlerts() }
func (e *Engine) AcknowledgeAlert(id string) error        { return e.risk.AcknowledgeAlert(id) }
func (e *Engine) ValidateOrder(qty, price decimal.Decimal, side models.Side) error {
	return e.risk.ValidateOrder(qty, price, side)
}
