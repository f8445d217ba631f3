package rebalance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/ledger"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/position"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrRebalanceInProgress = errors.New("rebalance already in progress")

// Config 再平衡参数
type Config struct {
	Symbol           string
	ThresholdPercent decimal.Decimal
	MinInterval      time.Duration
	Liquidate        bool // 再平衡时是否市价平掉全部持仓
}

// Handler 接收每一次再平衡记录
type Handler func(models.RebalanceAction)

// Rebalancer 在价格明显离开网格区间时围绕新价格重建网格
type Rebalancer struct {
	mu      *sync.RWMutex
	cfg     Config
	calc    *grid.Calculator
	ledger  *ledger.Ledger
	tracker *position.Tracker
	ex      exchange.Exchange
	logger  *zap.Logger
	now     func() time.Time

	inProgress    atomic.Bool
	lastRebalance time.Time
	history       []models.RebalanceAction
	subscribers   []Handler
}

type Option func(*Rebalancer)

// WithLock 与其它组件共享锁
func WithLock(mu *sync.RWMutex) Option { return func(r *Rebalancer) { r.mu = mu } }

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option { return func(r *Rebalancer) { r.now = now } }

func New(cfg Config, calc *grid.Calculator, l *ledger.Ledger, tracker *position.Tracker, ex exchange.Exchange, logger *zap.Logger, opts ...Option) *Rebalancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Rebalancer{
		mu:      &sync.RWMutex{},
		cfg:     cfg,
		calc:    calc,
		ledger:  l,
		tracker: tracker,
		ex:      ex,
		logger:  logger.Named("rebalance"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe 注册再平衡回调
func (r *Rebalancer) Subscribe(h Handler) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, h)
	r.mu.Unlock()
}

// InProgress reports whether a rebalance is currently running.
func (r *Rebalancer) InProgress() bool { return r.inProgress.Load() }

// ShouldRebalance 判断价格是否超出网格边界加阈值。
// 再平衡进行中或距上次再平衡不足最小间隔时返回 false。
func (r *Rebalancer) ShouldRebalance(price decimal.Decimal) (bool, models.RebalanceReason) {
	if r.inProgress.Load() || !price.IsPositive() {
		return false, ""
	}
	g := r.calc.Current()
	if g == nil {
		return false, ""
	}

	r.mu.RLock()
	last := r.lastRebalance
	r.mu.RUnlock()
	if !last.IsZero() && r.now().Sub(last) < r.cfg.MinInterval {
		return false, ""
	}

	factor := decimal.NewFromInt(1).Add(r.cfg.ThresholdPercent.Div(decimal.NewFromInt(100)))
	switch {
	case price.GreaterThan(g.Upper().Mul(factor)):
		return true, models.ReasonPriceAboveGrid
	case price.LessThan(g.Lower().Div(factor)):
		return true, models.ReasonPriceBelowGrid
	}
	return false, ""
}

// ExecuteRebalance 撤销全部挂单, 可选平仓, 围绕 center 重建网格并重新挂单。
// 任何一步出错都会把记录标为 FAILED 并返回错误, 已完成的步骤不会回滚。
func (r *Rebalancer) ExecuteRebalance(ctx context.Context, center decimal.Decimal, reason models.RebalanceReason) (models.RebalanceAction, error) {
	if !r.inProgress.CompareAndSwap(false, true) {
		return models.RebalanceAction{}, ErrRebalanceInProgress
	}
	defer r.inProgress.Store(false)

	action := models.RebalanceAction{
		ID:        uuid.NewString(),
		Reason:    reason,
		NewCenter: center,
		Status:    models.RebalanceInProgress,
		StartedAt: r.now(),
	}
	if old := r.calc.Current(); old != nil {
		action.OldCenter = old.Center()
		action.OldLower, action.OldUpper = old.Bounds()
	}

	r.mu.Lock()
	r.lastRebalance = action.StartedAt
	r.mu.Unlock()

	r.logger.Info("rebalance started",
		zap.String("id", action.ID), zap.String("reason", string(reason)),
		zap.String("oldCenter", action.OldCenter.String()), zap.String("newCenter", center.String()))

	err := r.run(ctx, center, &action)

	action.CompletedAt = r.now()
	if err != nil {
		action.Status = models.RebalanceFailed
		action.Error = err.Error()
		r.logger.Error("rebalance failed", zap.String("id", action.ID), zap.Error(err))
	} else {
		action.Status = models.RebalanceCompleted
		r.logger.Info("rebalance completed",
			zap.String("id", action.ID), zap.Int("canceled", action.OrdersCanceled),
			zap.Int("placed", action.OrdersPlaced), zap.Int("closed", action.PositionsClosed))
	}

	r.mu.Lock()
	r.history = append(r.history, action)
	handlers := append([]Handler(nil), r.subscribers...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(action)
	}
	return action, err
}

func (r *Rebalancer) run(ctx context.Context, center decimal.Decimal, action *models.RebalanceAction) error {
	if !center.IsPositive() {
		return errors.Wrapf(grid.ErrInvalidCenterPrice, "rebalance center %s", center)
	}

	canceled := r.ledger.CancelAllOrders(ctx)
	action.OrdersCanceled = canceled.Canceled
	action.CancelFailures = canceled.Failed
	if canceled.Failed > 0 {
		r.logger.Warn("some orders could not be canceled", zap.Strings("errors", canceled.Errors))
	}

	if r.cfg.Liquidate && r.tracker != nil {
		liq := r.tracker.Liquidate(ctx, r.ex, r.cfg.Symbol, center, models.TradeRebalance)
		action.PositionsClosed = liq.Closed
		action.RealizedPnL = liq.RealizedPnL
		if liq.Failed > 0 {
			return errors.Errorf("liquidation failed for %d positions", liq.Failed)
		}
	}

	g, err := r.calc.RecalculateGrid(center)
	if err != nil {
		return errors.Wrap(err, "recalculate grid")
	}
	action.NewLower, action.NewUpper = g.Bounds()
	r.ledger.ResetLevels(g)

	res, err := r.ledger.InitializeGridOrders(ctx)
	action.OrdersPlaced = res.Placed
	if err != nil {
		return errors.Wrap(err, "initialize grid orders")
	}
	if res.Placed == 0 && res.Failed > 0 {
		return errors.Errorf("no grid orders placed, %d failed", res.Failed)
	}
	return nil
}

// History 返回全部再平衡记录
func (r *Rebalancer) History() []models.RebalanceAction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.RebalanceAction, len(r.history))
	copy(out, r.history)
	return out
}

// LastRebalance returns the start time of the most recent attempt.
func (r *Rebalancer) LastRebalance() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRebalance
}

// Restore 从快照恢复历史记录和最小间隔计时
func (r *Rebalancer) Restore(history []models.RebalanceAction, last time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append([]models.RebalanceAction(nil), history...)
	r.lastRebalance = last
}
