package cycle

import (
	"context"
	"sync"
	"time"

	"grid-engine-go/internal/ledger"
	"grid-engine-go/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Summary 一次周期检查的结果
type Summary struct {
	NewSells    int             `json:"new_sells"`
	Completed   int             `json:"completed"`
	Open        int             `json:"open"`
	TotalProfit decimal.Decimal `json:"total_profit"`
}

// Stats 周期统计
type Stats struct {
	Total       int             `json:"total"`
	Open        int             `json:"open"`
	Closed      int             `json:"closed"`
	Errored     int             `json:"errored"`
	TotalProfit decimal.Decimal `json:"total_profit"`
}

// Manager 把每张网格买单跟踪到其反向卖单成交为止。
// 反向卖单优先采用账本在成交时挂出的订单, 只有账本未能挂单时才自行补挂。
type Manager struct {
	mu     *sync.RWMutex
	ledger *ledger.Ledger
	logger *zap.Logger
	now    func() time.Time

	cycles      map[string]*models.ManagedCycle
	byBuy       map[string]string
	seq         []string
	total       int
	completed   int
	errored     int
	totalProfit decimal.Decimal
}

// 已结束的周期最多保留的数量
var (
	maxRetainedCycles = 500
	cyclePruneBatch   = 50
)

type Option func(*Manager)

// WithLock 与其它组件共享锁
func WithLock(mu *sync.RWMutex) Option { return func(m *Manager) { m.mu = mu } }

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(l *ledger.Ledger, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		mu:     &sync.RWMutex{},
		ledger: l,
		logger: logger.Named("cycle"),
		now:    time.Now,
		cycles: make(map[string]*models.ManagedCycle),
		byBuy:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckAndProcessFills 跟踪新的买单, 推进已成交买单并确保每个成交买单都有反向卖单。
// 返回本次新挂出或采用的卖单数量。
func (m *Manager) CheckAndProcessFills(ctx context.Context) int {
	orders := m.ledger.Orders()
	byID := make(map[string]models.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}

	m.mu.Lock()
	now := m.now()
	for _, o := range orders {
		if o.Side != models.Buy {
			continue
		}
		if _, tracked := m.byBuy[o.ID]; tracked {
			continue
		}
		if !o.Status.IsActive() && o.Status != models.OrderFilled {
			continue
		}
		c := &models.ManagedCycle{
			ID:          uuid.NewString(),
			BuyLevelID:  o.LevelID,
			SellLevelID: -1,
			BuyOrderID:  o.ID,
			Status:      models.CycleWaitingBuyFill,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.cycles[c.ID] = c
		m.byBuy[o.ID] = c.ID
		m.seq = append(m.seq, c.ID)
		m.total++
	}

	var pending []models.ManagedCycle
	for _, id := range m.seq {
		c := m.cycles[id]
		if c.Status == models.CycleWaitingBuyFill {
			buy := byID[c.BuyOrderID]
			switch {
			case buy.Status == models.OrderFilled:
				c.Status = models.CycleBuyFilled
				c.BuyFillPrice = buy.FillPrice()
				c.Volume = m.ledger.SellableQuantity(buy)
				c.UpdatedAt = now
			case buy.Status.IsTerminal():
				m.failLocked(c, "buy order "+string(buy.Status))
			}
		}
		if c.Status == models.CycleBuyFilled {
			pending = append(pending, *c)
		}
	}
	m.mu.Unlock()

	newSells := 0
	for _, c := range pending {
		if m.attachSell(ctx, c, byID) {
			newSells++
		}
	}
	return newSells
}

// attachSell 为 BUY_FILLED 周期采用或补挂反向卖单, 成功时返回 true
func (m *Manager) attachSell(ctx context.Context, c models.ManagedCycle, byID map[string]models.Order) bool {
	buy := byID[c.BuyOrderID]

	if counter, ok := byID[buy.CounterOrderID]; ok && (counter.Status.IsActive() || counter.Status == models.OrderFilled) {
		m.markSellPlaced(c.ID, buy, counter)
		return true
	}

	if buy.Epoch != m.ledger.Epoch() {
		m.fail(c.ID, "grid rebalanced before counter sell was placed")
		return false
	}

	levelID, price, err := m.ledger.Strategy().CounterSell(m.ledger.Grid(), buy)
	if err != nil {
		m.fail(c.ID, err.Error())
		return false
	}
	sell, err := m.ledger.PlaceCounterSell(ctx, buy.ID, levelID, price, c.Volume)
	if err != nil {
		if sell != nil && sell.Status == models.OrderRejected {
			m.fail(c.ID, sell.Error)
			return false
		}
		// 档位被占用或风控拒绝, 下次检查时重试
		m.logger.Warn("counter sell deferred", zap.String("cycle", c.ID), zap.Int("level", levelID), zap.Error(err))
		return false
	}
	m.markSellPlaced(c.ID, buy, *sell)
	return true
}

func (m *Manager) markSellPlaced(id string, buy, sell models.Order) {
	expected := sell.Price.Sub(buy.FillPrice()).Mul(sell.Quantity).Sub(m.ledger.FeeInQuote(buy))

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[id]
	if !ok || c.Status != models.CycleBuyFilled {
		return
	}
	c.Status = models.CycleSellPlaced
	c.SellOrderID = sell.ID
	c.SellLevelID = sell.LevelID
	c.TargetSellPrice = sell.Price
	c.ExpectedProfit = expected
	c.UpdatedAt = m.now()
	m.logger.Info("cycle sell placed",
		zap.String("cycle", id), zap.Int("buyLevel", c.BuyLevelID), zap.Int("sellLevel", c.SellLevelID),
		zap.String("target", c.TargetSellPrice.String()))
}

// CheckSellFills 结算反向卖单已成交的周期, 返回本次完成的周期数和利润
func (m *Manager) CheckSellFills(ctx context.Context) (int, decimal.Decimal) {
	m.mu.RLock()
	var open []models.ManagedCycle
	for _, id := range m.seq {
		if c := m.cycles[id]; c.Status == models.CycleSellPlaced {
			open = append(open, *c)
		}
	}
	m.mu.RUnlock()

	completed := 0
	profit := decimal.Zero
	for _, c := range open {
		if ctx.Err() != nil {
			break
		}
		sell, ok := m.ledger.Order(c.SellOrderID)
		if !ok {
			m.fail(c.ID, "sell order missing from ledger")
			continue
		}
		switch {
		case sell.Status == models.OrderFilled:
			buy, _ := m.ledger.Order(c.BuyOrderID)
			realized := m.ledger.CycleProfit(buy, sell)
			if m.close(c.ID, sell, realized) {
				completed++
				profit = profit.Add(realized)
			}
		case sell.Status.IsTerminal():
			m.fail(c.ID, "sell order "+string(sell.Status))
		}
	}
	return completed, profit
}

func (m *Manager) close(id string, sell models.Order, realized decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[id]
	if !ok || c.Status != models.CycleSellPlaced {
		return false
	}
	now := m.now()
	c.Status = models.CycleClosed
	c.SellFillPrice = sell.FillPrice()
	c.RealizedProfit = realized
	c.UpdatedAt = now
	c.ClosedAt = now
	m.completed++
	m.totalProfit = m.totalProfit.Add(realized)
	m.logger.Info("cycle closed",
		zap.String("cycle", id), zap.String("buy", c.BuyFillPrice.String()),
		zap.String("sell", c.SellFillPrice.String()), zap.String("profit", realized.String()))
	return true
}

func (m *Manager) fail(id, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cycles[id]; ok && !c.Status.IsTerminal() {
		m.failLocked(c, reason)
	}
}

func (m *Manager) failLocked(c *models.ManagedCycle, reason string) {
	c.Status = models.CycleError
	m.errored++
	c.Error = reason
	c.UpdatedAt = m.now()
	c.ClosedAt = c.UpdatedAt
	m.logger.Warn("cycle failed", zap.String("cycle", c.ID), zap.Int("buyLevel", c.BuyLevelID), zap.String("reason", reason))
}

// RunCycle 依次执行买单成交处理和卖单结算
func (m *Manager) RunCycle(ctx context.Context) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, errors.Wrap(err, "run cycle")
	}
	newSells := m.CheckAndProcessFills(ctx)
	completed, _ := m.CheckSellFills(ctx)
	m.Prune()

	st := m.Stats()
	return Summary{
		NewSells:    newSells,
		Completed:   completed,
		Open:        st.Open,
		TotalProfit: st.TotalProfit,
	}, nil
}

// Cycles 按创建顺序返回全部周期
func (m *Manager) Cycles() []models.ManagedCycle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ManagedCycle, 0, len(m.seq))
	for _, id := range m.seq {
		out = append(out, *m.cycles[id])
	}
	return out
}

// Cycle returns a copy of the cycle with the given id.
func (m *Manager) Cycle(id string) (models.ManagedCycle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cycles[id]
	if !ok {
		return models.ManagedCycle{}, false
	}
	return *c, true
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Total: m.total, Closed: m.completed, Errored: m.errored, TotalProfit: m.totalProfit}
	for _, c := range m.cycles {
		if !c.Status.IsTerminal() {
			s.Open++
		}
	}
	return s
}

// Prune 淘汰账本中多余的终态订单和最早结束的周期。
// 买单仍留在账本中的周期保留 byBuy 记录, 以免下次检查时重复建档。
func (m *Manager) Prune() {
	m.mu.RLock()
	keep := make(map[string]bool)
	for _, c := range m.cycles {
		if !c.Status.IsTerminal() {
			keep[c.BuyOrderID] = true
			if c.SellOrderID != "" {
				keep[c.SellOrderID] = true
			}
		}
	}
	overflow := len(m.seq) > maxRetainedCycles+cyclePruneBatch
	m.mu.RUnlock()

	if m.ledger.PruneOrders(keep) == 0 && !overflow {
		return
	}
	inLedger := make(map[string]bool)
	for _, o := range m.ledger.Orders() {
		if o.Side == models.Buy {
			inLedger[o.ID] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if excess := len(m.seq) - maxRetainedCycles; excess > 0 {
		kept := make([]string, 0, maxRetainedCycles+cyclePruneBatch)
		for _, id := range m.seq {
			if excess > 0 && m.cycles[id].Status.IsTerminal() {
				delete(m.cycles, id)
				excess--
				continue
			}
			kept = append(kept, id)
		}
		m.seq = kept
	}
	for buyID, cycleID := range m.byBuy {
		if _, live := m.cycles[cycleID]; !live && !inLedger[buyID] {
			delete(m.byBuy, buyID)
		}
	}
}
