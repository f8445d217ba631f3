package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DateLayout 每日统计使用的 UTC 日期格式
const DateLayout = "2006-01-02"

var (
	ErrInvalidTrade = errors.New("invalid trade")

	// epsilon 以下的剩余持仓视为已平仓
	epsilon = decimal.New(1, -9)
	// 市价平仓按 8 位小数截断, 截断后剩下的零头直接注销
	dust    = decimal.New(1, -8)
	hundred = decimal.NewFromInt(100)

	maxClosedLots = 500
)

// DailyStats 是某个 UTC 日的成交统计
type DailyStats = models.DailyStats

// Metrics 持仓与收益的汇总指标
type Metrics struct {
	TotalCapital           decimal.Decimal `json:"total_capital"`
	RealizedPnL            decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL          decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL               decimal.Decimal `json:"total_pnl"`
	TotalFees              decimal.Decimal `json:"total_fees"`
	Equity                 decimal.Decimal `json:"equity"`
	PeakEquity             decimal.Decimal `json:"peak_equity"`
	CurrentDrawdown        decimal.Decimal `json:"current_drawdown"` // 百分比
	MaxDrawdown            decimal.Decimal `json:"max_drawdown"`     // 百分比, 只增不减
	Exposure               decimal.Decimal `json:"exposure"`         // 持仓市值
	ExposurePercent        decimal.Decimal `json:"exposure_percent"`
	OpenPositions          int             `json:"open_positions"`
	TotalTrades            int             `json:"total_trades"`
	ClosedTrades           int             `json:"closed_trades"`
	Wins                   int             `json:"wins"`
	Losses                 int             `json:"losses"`
	WinRate                decimal.Decimal `json:"win_rate"` // 百分比
	ProjectedMonthlyReturn decimal.Decimal `json:"projected_monthly_return"`
	TradingDays            int             `json:"trading_days"`
	MarkPrice              decimal.Decimal `json:"mark_price"`
}

// LiquidationResult 平仓结果
type LiquidationResult struct {
	Closed      int             `json:"closed"`
	Failed      int             `json:"failed"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Errors      []string        `json:"errors,omitempty"`
}

// Tracker 按持仓批次跟踪持仓、成交和权益曲线。
// 每笔买单成交开一个批次, 卖单只平掉它对应买单的批次, 网格重建后新旧批次互不合并。
type Tracker struct {
	mu         *sync.RWMutex
	capital    decimal.Decimal
	quoteAsset string
	logger     *zap.Logger
	now        func() time.Time

	positions map[string]*models.Position // 未平仓批次
	closed    []models.Position           // 最近平仓的批次
	trades    []models.Trade
	daily     map[string]*DailyStats

	// 重启前累计的成交笔数, 成交明细本身不持久化
	priorTrades int
	priorClosed int

	realized decimal.Decimal
	fees     decimal.Decimal
	mark     decimal.Decimal
	equity   decimal.Decimal
	peak     decimal.Decimal
	drawdown decimal.Decimal
	maxDD    decimal.Decimal
}

// Option 配置跟踪器
type Option func(*Tracker)

// WithLock 与其它组件共享锁
func WithLock(mu *sync.RWMutex) Option { return func(t *Tracker) { t.mu = mu } }

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithQuoteAsset 设置计价货币, 其它币种收取的平仓手续费按成交价折算
func WithQuoteAsset(asset string) Option { return func(t *Tracker) { t.quoteAsset = asset } }

func NewTracker(capital decimal.Decimal, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		mu:        &sync.RWMutex{},
		capital:   capital,
		logger:    logger.Named("position"),
		now:       time.Now,
		positions: make(map[string]*models.Position),
		daily:     make(map[string]*DailyStats),
		equity:    capital,
		peak:      capital,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Capital returns the configured total capital.
func (t *Tracker) Capital() decimal.Decimal { return t.capital }

// levelLot 是没有买单ID的成交使用的批次键
func levelLot(levelID int) string { return fmt.Sprintf("level-%d", levelID) }

// RecordTrade 记录一笔成交。
// 买入按成交量加权更新所在批次的均价, 买入手续费计为负的已实现盈亏;
// 卖出减少对应批次并计入 (卖价-批次均价)*数量-手续费。
func (t *Tracker) RecordTrade(trade models.Trade) (models.Trade, error) {
	if !trade.Quantity.IsPositive() || !trade.Price.IsPositive() {
		return trade, errors.Wrapf(ErrInvalidTrade, "qty %s price %s", trade.Quantity, trade.Price)
	}
	if trade.Side != models.Buy && trade.Side != models.Sell {
		return trade, errors.Wrapf(ErrInvalidTrade, "side %q", trade.Side)
	}
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.Timestamp.IsZero() {
		trade.Timestamp = t.now()
	}
	if trade.Kind == "" {
		trade.Kind = models.TradeGrid
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch trade.Side {
	case models.Buy:
		if trade.LotID == "" {
			trade.LotID = levelLot(trade.LevelID)
		}
		pos, ok := t.positions[trade.LotID]
		if !ok {
			pos = &models.Position{LotID: trade.LotID, LevelID: trade.LevelID, Open: true, OpenedAt: trade.Timestamp}
			t.positions[trade.LotID] = pos
		}
		newQty := pos.Quantity.Add(trade.Quantity)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(trade.Price.Mul(trade.Quantity)).Div(newQty)
		pos.Quantity = newQty
		trade.RealizedPnL = trade.Fee.Neg()
		pos.RealizedPnL = pos.RealizedPnL.Add(trade.RealizedPnL)
	case models.Sell:
		pos := t.lotForSellLocked(trade)
		closeQty := decimal.Zero
		if pos != nil {
			closeQty = decimal.Min(trade.Quantity, pos.Quantity)
		}
		if !closeQty.IsPositive() {
			t.logger.Warn("sell without open position", zap.Int("level", trade.LevelID),
				zap.String("lot", trade.LotID), zap.String("order", trade.OrderID))
			trade.RealizedPnL = trade.Fee.Neg()
			break
		}
		trade.LotID = pos.LotID
		trade.RealizedPnL = trade.Price.Sub(pos.EntryPrice).Mul(closeQty).Sub(trade.Fee)
		pos.RealizedPnL = pos.RealizedPnL.Add(trade.RealizedPnL)
		pos.Quantity = pos.Quantity.Sub(closeQty)
		if pos.Quantity.LessThan(epsilon) {
			t.closeLotLocked(pos, trade.Timestamp)
		}
	}

	t.realized = t.realized.Add(trade.RealizedPnL)
	t.fees = t.fees.Add(trade.Fee)
	t.trades = append(t.trades, trade)

	day := t.dayLocked(trade.Timestamp)
	day.Trades++
	day.RealizedPnL = day.RealizedPnL.Add(trade.RealizedPnL)
	day.Fees = day.Fees.Add(trade.Fee)
	if trade.Side == models.Sell {
		switch trade.RealizedPnL.Sign() {
		case 1:
			day.Wins++
		case -1:
			day.Losses++
		}
	}

	t.revalueLocked()

	t.logger.Debug("trade recorded",
		zap.String("side", string(trade.Side)), zap.String("kind", string(trade.Kind)),
		zap.Int("level", trade.LevelID), zap.String("qty", trade.Quantity.String()),
		zap.String("price", trade.Price.String()), zap.String("pnl", trade.RealizedPnL.String()))
	return trade, nil
}

// lotForSellLocked 卖单优先平掉指定批次, 找不到时平掉同档位最早开仓的批次
func (t *Tracker) lotForSellLocked(trade models.Trade) *models.Position {
	if trade.LotID != "" {
		if pos, ok := t.positions[trade.LotID]; ok {
			return pos
		}
	}
	var oldest *models.Position
	for _, p := range t.positions {
		if p.LevelID != trade.LevelID {
			continue
		}
		if oldest == nil || p.OpenedAt.Before(oldest.OpenedAt) ||
			(p.OpenedAt.Equal(oldest.OpenedAt) && p.LotID < oldest.LotID) {
			oldest = p
		}
	}
	return oldest
}

// closeLotLocked 把批次移入已平仓列表, 只保留最近 maxClosedLots 个
func (t *Tracker) closeLotLocked(pos *models.Position, at time.Time) {
	pos.Quantity = decimal.Zero
	pos.UnrealizedPnL = decimal.Zero
	pos.Open = false
	pos.ClosedAt = at
	delete(t.positions, pos.LotID)
	t.closed = append(t.closed, *pos)
	if len(t.closed) > maxClosedLots {
		t.closed = append([]models.Position(nil), t.closed[len(t.closed)-maxClosedLots:]...)
	}
}

// OnFill 把账本的成交事件记为网格成交
func (t *Tracker) OnFill(ev models.FillEvent) {
	_, err := t.RecordTrade(models.Trade{
		LotID:     ev.LotID,
		LevelID:   ev.PositionLevelID,
		Side:      ev.Order.Side,
		Kind:      models.TradeGrid,
		Quantity:  ev.Quantity,
		Price:     ev.Price,
		Fee:       ev.FeeQuote,
		OrderID:   ev.Order.ID,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		t.logger.Error("record fill failed", zap.String("order", ev.Order.ID), zap.Error(err))
	}
}

// UpdatePrices 用最新标记价格重估未实现盈亏、权益和回撤
func (t *Tracker) UpdatePrices(mark decimal.Decimal) {
	if !mark.IsPositive() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mark = mark
	t.revalueLocked()
}

// revalueLocked 需要持有写锁
func (t *Tracker) revalueLocked() {
	unrealized := decimal.Zero
	for _, p := range t.positions {
		if t.mark.IsPositive() {
			p.MarkPrice = t.mark
			p.UnrealizedPnL = t.mark.Sub(p.EntryPrice).Mul(p.Quantity)
		}
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}
	t.equity = t.capital.Add(t.realized).Add(unrealized)
	if t.equity.GreaterThan(t.peak) {
		t.peak = t.equity
	}
	if t.peak.IsPositive() {
		t.drawdown = t.peak.Sub(t.equity).Div(t.peak).Mul(hundred)
	}
	if t.drawdown.GreaterThan(t.maxDD) {
		t.maxDD = t.drawdown
	}
}

func (t *Tracker) dayLocked(ts time.Time) *DailyStats {
	key := ts.UTC().Format(DateLayout)
	day, ok := t.daily[key]
	if !ok {
		day = &DailyStats{Date: key}
		t.daily[key] = day
	}
	return day
}

// Metrics 返回汇总指标
func (t *Tracker) Metrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := Metrics{
		TotalCapital:    t.capital,
		RealizedPnL:     t.realized,
		TotalFees:       t.fees,
		Equity:          t.equity,
		PeakEquity:      t.peak,
		CurrentDrawdown: t.drawdown,
		MaxDrawdown:     t.maxDD,
		TotalTrades:     t.priorTrades + len(t.trades),
		ClosedTrades:    t.priorClosed,
		TradingDays:     len(t.daily),
		MarkPrice:       t.mark,
	}
	for _, p := range t.positions {
		m.OpenPositions++
		m.UnrealizedPnL = m.UnrealizedPnL.Add(p.UnrealizedPnL)
		m.Exposure = m.Exposure.Add(p.Quantity.Mul(t.valuationPrice(p)))
	}
	m.TotalPnL = m.RealizedPnL.Add(m.UnrealizedPnL)
	if t.capital.IsPositive() {
		m.ExposurePercent = m.Exposure.Div(t.capital).Mul(hundred)
	}

	dailyReturns := decimal.Zero
	for _, day := range t.daily {
		m.Wins += day.Wins
		m.Losses += day.Losses
		if t.capital.IsPositive() {
			dailyReturns = dailyReturns.Add(day.RealizedPnL.Div(t.capital).Mul(hundred))
		}
	}
	for _, tr := range t.trades {
		if tr.Side == models.Sell {
			m.ClosedTrades++
		}
	}
	if decided := m.Wins + m.Losses; decided > 0 {
		m.WinRate = decimal.NewFromInt(int64(m.Wins)).Div(decimal.NewFromInt(int64(decided))).Mul(hundred)
	}
	if len(t.daily) > 0 {
		m.ProjectedMonthlyReturn = dailyReturns.Div(decimal.NewFromInt(int64(len(t.daily)))).Mul(decimal.NewFromInt(30))
	}
	return m
}

func (t *Tracker) valuationPrice(p *models.Position) decimal.Decimal {
	if t.mark.IsPositive() {
		return t.mark
	}
	return p.EntryPrice
}

// Exposure 返回持仓市值
func (t *Tracker) Exposure() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for _, p := range t.positions {
		total = total.Add(p.Quantity.Mul(t.valuationPrice(p)))
	}
	return total
}

// TodayPnL 当前 UTC 日的已实现盈亏
func (t *Tracker) TodayPnL() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if day, ok := t.daily[t.now().UTC().Format(DateLayout)]; ok {
		return day.RealizedPnL
	}
	return decimal.Zero
}

// Day 返回指定日期的统计
func (t *Tracker) Day(date string) DailyStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if day, ok := t.daily[date]; ok {
		return *day
	}
	return DailyStats{Date: date}
}

// Days 按日期升序返回所有每日统计
func (t *Tracker) Days() []DailyStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]DailyStats, 0, len(t.daily))
	for _, day := range t.daily {
		out = append(out, *day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Positions 按档位和开仓时间返回未平仓批次和最近平仓的批次
func (t *Tracker) Positions() []models.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Position, 0, len(t.positions)+len(t.closed))
	out = append(out, t.closed...)
	for _, p := range t.positions {
		out = append(out, *p)
	}
	sortLots(out)
	return out
}

// OpenPositions 只返回未平仓的批次
func (t *Tracker) OpenPositions() []models.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	sortLots(out)
	return out
}

func sortLots(lots []models.Position) {
	sort.SliceStable(lots, func(i, j int) bool {
		if lots[i].LevelID != lots[j].LevelID {
			return lots[i].LevelID < lots[j].LevelID
		}
		if !lots[i].OpenedAt.Equal(lots[j].OpenedAt) {
			return lots[i].OpenedAt.Before(lots[j].OpenedAt)
		}
		return lots[i].LotID < lots[j].LotID
	})
}

// Trades 返回成交记录副本
func (t *Tracker) Trades() []models.Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Trade, len(t.trades))
	copy(out, t.trades)
	return out
}

// TradesOn 返回指定 UTC 日期的成交
func (t *Tracker) TradesOn(date string) []models.Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []models.Trade
	for _, tr := range t.trades {
		if tr.Timestamp.UTC().Format(DateLayout) == date {
			out = append(out, tr)
		}
	}
	return out
}

// MarkPrice 返回最近的标记价格
func (t *Tracker) MarkPrice() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mark
}

// Liquidate 以市价卖出全部持仓, 每笔按给定价格入账; 单笔失败只计数, 不中断其余平仓
func (t *Tracker) Liquidate(ctx context.Context, ex exchange.Exchange, symbol string, price decimal.Decimal, kind models.TradeKind) LiquidationResult {
	var res LiquidationResult
	for _, p := range t.OpenPositions() {
		qty := p.Quantity.Truncate(8)
		if !qty.IsPositive() {
			continue
		}
		report, err := ex.CreateOrder(ctx, exchange.OrderRequest{
			ClientOrderID: models.NewClientOrderID("x"),
			Symbol:        symbol,
			Side:          models.Sell,
			Type:          models.Market,
			Quantity:      qty,
		})
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, errors.Wrapf(err, "liquidate lot %s level %d", p.LotID, p.LevelID).Error())
			t.logger.Error("liquidation order failed", zap.String("lot", p.LotID), zap.Int("level", p.LevelID), zap.Error(err))
			continue
		}
		fee := report.Fee
		if t.quoteAsset != "" && report.FeeCurrency != "" && report.FeeCurrency != t.quoteAsset {
			fee = fee.Mul(report.FillPriceOr(price))
		}
		sold := qty
		if report.FilledQuantity.IsPositive() {
			sold = decimal.Min(report.FilledQuantity, p.Quantity)
		}
		trade, err := t.RecordTrade(models.Trade{
			LotID:    p.LotID,
			LevelID:  p.LevelID,
			Side:     models.Sell,
			Kind:     kind,
			Quantity: sold,
			Price:    price,
			Fee:      fee,
			OrderID:  report.ClientOrderID,
		})
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		t.writeOffDust(p.LotID)
		res.Closed++
		res.RealizedPnL = res.RealizedPnL.Add(trade.RealizedPnL)
	}
	t.logger.Info("positions liquidated",
		zap.String("kind", string(kind)), zap.Int("closed", res.Closed),
		zap.Int("failed", res.Failed), zap.String("pnl", res.RealizedPnL.String()))
	return res
}

// writeOffDust 平仓后不足最小数量精度的剩余无法再卖出, 按已平仓处理
func (t *Tracker) writeOffDust(lotID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[lotID]
	if !ok || pos.Quantity.GreaterThanOrEqual(dust) {
		return
	}
	t.logger.Info("dust written off", zap.String("lot", lotID), zap.String("qty", pos.Quantity.String()))
	t.closeLotLocked(pos, t.now())
	t.revalueLocked()
}

// State 返回需要持久化的账户累计状态
func (t *Tracker) State() models.AccountState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := models.AccountState{
		RealizedPnL:  t.realized,
		Fees:         t.fees,
		PeakEquity:   t.peak,
		MaxDrawdown:  t.maxDD,
		TotalTrades:  t.priorTrades + len(t.trades),
		ClosedTrades: t.priorClosed,
		Days:         make([]DailyStats, 0, len(t.daily)),
	}
	for _, tr := range t.trades {
		if tr.Side == models.Sell {
			s.ClosedTrades++
		}
	}
	for _, day := range t.daily {
		s.Days = append(s.Days, *day)
	}
	sort.Slice(s.Days, func(i, j int) bool { return s.Days[i].Date < s.Days[j].Date })
	return s
}

// Restore 重启后恢复未平仓批次和账户累计状态; 成交明细不恢复
func (t *Tracker) Restore(positions []models.Position, account *models.AccountState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	restored := 0
	for _, p := range positions {
		if !p.Open || !p.Quantity.IsPositive() {
			continue
		}
		cp := p
		if cp.LotID == "" {
			cp.LotID = levelLot(cp.LevelID)
		}
		t.positions[cp.LotID] = &cp
		restored++
	}
	if account != nil {
		t.realized = account.RealizedPnL
		t.fees = account.Fees
		t.priorTrades = account.TotalTrades
		t.priorClosed = account.ClosedTrades
		if account.PeakEquity.GreaterThan(t.peak) {
			t.peak = account.PeakEquity
		}
		t.maxDD = account.MaxDrawdown
		t.daily = make(map[string]*DailyStats, len(account.Days))
		for _, day := range account.Days {
			cp := day
			t.daily[cp.Date] = &cp
		}
	}
	t.revalueLocked()
	t.logger.Info("positions restored", zap.Int("open", restored),
		zap.String("realized", t.realized.String()), zap.Int("days", len(t.daily)))
}
