package engine

import (
	"context"
	"testing"
	"time"

	"grid-engine-go/internal/config"
	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/risk"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	now    time.Time
	cfg    *models.Config
	ex     *exchange.PaperExchange
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	f.cfg = config.Default()
	f.ex = exchange.NewPaperExchange(exchange.PaperConfigFromSettings(f.cfg), zap.NewNop())
	f.ex.SetLastPrice(d("50000"), f.now)

	e, err := New(f.cfg, f.ex, zap.NewNop(), WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.engine = e
	return f
}

// move 推进时间和价格, 然后执行一次调度周期
func (f *fixture) move(t *testing.T, price string) TickResult {
	t.Helper()
	f.now = f.now.Add(10 * time.Second)
	f.ex.SetLastPrice(d(price), f.now)
	res, err := f.engine.Tick(context.Background())
	require.NoError(t, err)
	return res
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Reinvest.Strategy = "martingale"
	_, err := New(cfg, nil, zap.NewNop())
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Grid.NumLevels = 1
	_, err = New(cfg, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestStartPlacesInitialGrid(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background()))
	assert.True(t, errors.Is(f.engine.Start(context.Background()), ErrAlreadyStarted))

	st := f.engine.Status()
	assert.True(t, st.Running)
	require.NotNil(t, st.Grid)
	assert.True(t, st.Grid.Lower.Equal(d("46500")))
	assert.True(t, st.Grid.Upper.Equal(d("53500")))
	assert.Equal(t, 7, st.Ledger.ActiveOrders)
	assert.Equal(t, models.RiskNormal, st.Risk.Level)

	open, err := f.ex.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 7)
}

func TestTickRunsCyclesEndToEnd(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background()))

	res := f.move(t, "46400")
	assert.Equal(t, 7, res.Sync.Filled)
	assert.Equal(t, 7, res.Cycles.NewSells)
	assert.Len(t, f.engine.Positions(), 7)

	res = f.move(t, "47000")
	assert.Equal(t, 1, res.Cycles.Completed)
	assert.True(t, res.Cycles.TotalProfit.IsPositive())

	st := f.engine.Status()
	assert.Equal(t, int64(2), st.Ticks)
	assert.Equal(t, int64(0), st.FailedTicks)
	assert.Equal(t, 0.0, st.ErrorRatePercent)
	assert.Equal(t, 1, st.Cycles.Closed)
	assert.True(t, st.Ledger.TotalProfit.Equal(st.Cycles.TotalProfit))
}

func TestTickRebalancesWhenPriceLeavesGrid(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background()))

	res := f.move(t, "60000")
	require.True(t, res.Rebalanced)
	require.NotNil(t, res.Rebalance)
	assert.Equal(t, models.RebalanceCompleted, res.Rebalance.Status)
	assert.True(t, f.engine.Grid().Center().Equal(d("60000")))
	assert.Equal(t, 2, f.engine.Status().Ledger.Epoch)
	assert.Len(t, f.engine.Rebalances(), 1)

	// 最小间隔内价格继续上涨不会再次再平衡
	res = f.move(t, "70000")
	assert.False(t, res.Rebalanced)
}

func TestRebalancedLotsKeepTheirOwnCost(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background()))
	f.move(t, "46400")
	oldLots := f.engine.tracker.OpenPositions()
	require.Len(t, oldLots, 7)

	res := f.move(t, "40000")
	require.True(t, res.Rebalanced)
	f.move(t, "37000")
	f.move(t, "40000")

	profit := f.engine.Status().Ledger.TotalProfit
	require.True(t, profit.IsPositive())

	// 每笔卖出只平掉自己买单开出的批次, 跟踪器的盈亏与账本利润一致
	buys := make(map[string]models.Trade)
	realized := decimal.Zero
	for _, tr := range f.engine.Trades() {
		if tr.Side == models.Buy {
			buys[tr.LotID] = tr
			continue
		}
		buy, ok := buys[tr.LotID]
		require.True(t, ok, "sell %s has no buy lot", tr.OrderID)
		realized = realized.Add(tr.RealizedPnL).Add(buy.RealizedPnL)
	}
	assert.True(t, realized.Equal(profit), "tracker %s ledger %s", realized, profit)

	// 上一个网格的批次保持原来的数量和成本
	open := make(map[string]models.Position)
	for _, p := range f.engine.tracker.OpenPositions() {
		open[p.LotID] = p
	}
	for _, lot := range oldLots {
		p, ok := open[lot.LotID]
		require.True(t, ok, "lot %s at level %d", lot.LotID, lot.LevelID)
		assert.True(t, p.Quantity.Equal(lot.Quantity))
		assert.True(t, p.EntryPrice.Equal(lot.EntryPrice))
	}
}

func TestStatusQueriesDoNotLatchRisk(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background()))
	_, err := f.engine.tracker.RecordTrade(models.Trade{LevelID: 0, Side: models.Buy, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)
	_, err = f.engine.tracker.RecordTrade(models.Trade{LevelID: 0, Side: models.Sell, Quantity: d("1"), Price: d("49")})
	require.NoError(t, err)

	st := f.engine.Status()
	assert.True(t, st.Risk.DailyPaused)
	assert.False(t, f.engine.Risk().TradingAllowed)
	assert.Equal(t, models.RiskLatches{}, f.engine.risk.Latches())
	assert.Empty(t, f.engine.Alerts())

	// 事件循环的下一次调度才锁存暂停并产生告警
	f.move(t, "50000")
	assert.Equal(t, "2026-04-01", f.engine.risk.Latches().DailyPauseDay)
	assert.Len(t, f.engine.Alerts(), 1)
}

func TestGlobalStopTriggersEmergencyStop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background()))
	f.move(t, "46400")

	var alerts []models.RiskAlert
	f.engine.OnAlert(func(a models.RiskAlert) { alerts = append(alerts, a) })

	res := f.move(t, "20000")
	require.NotNil(t, res.Emergency)
	assert.Equal(t, 7, res.Emergency.PositionsClosed)
	assert.Equal(t, 7, res.Emergency.OrdersCanceled)

	st := f.engine.Risk()
	assert.Equal(t, models.RiskEmergency, st.Level)
	assert.True(t, st.GlobalStopped)
	assert.True(t, st.EmergencyStopped)
	assert.NotEmpty(t, alerts)

	// 锁存期间价格回到区间外也不会再平衡或下单
	res = f.move(t, "60000")
	assert.Nil(t, res.Emergency)
	assert.False(t, res.Rebalanced)
	assert.Equal(t, 0, f.engine.Status().Ledger.ActiveOrders)
	assert.True(t, errors.Is(f.engine.validateOrder(models.Buy, d("0.0005"), d("60000")), risk.ErrTradingHalted))
}

func TestSnapshotRestoreKeepsLatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.engine.Start(ctx))
	_, err := f.engine.EmergencyStop(ctx, "operator")
	require.NoError(t, err)

	snap := f.engine.Snapshot()
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, models.SnapshotVersion, snap.Version)
	assert.True(t, snap.Latches.EmergencyStopped)
	assert.True(t, snap.Center.Equal(d("50000")))

	g := newFixture(t)
	g.ex.SetLastPrice(d("51000"), g.now)
	require.NoError(t, g.engine.Restore(&snap))
	require.NoError(t, g.engine.Start(ctx))

	assert.True(t, g.engine.Grid().Center().Equal(d("50000")), "restored center wins over the ticker")
	assert.True(t, g.engine.Risk().EmergencyStopped)
	assert.Equal(t, 0, g.engine.Status().Ledger.ActiveOrders, "no orders while latched")

	other := snap
	other.Symbol = "ETHUSDT"
	assert.True(t, errors.Is(newFixture(t).engine.Restore(&other), ErrSymbolMismatch))
}

func TestSnapshotRestoreKeepsDailyLoss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.engine.Start(ctx))
	_, err := f.engine.tracker.RecordTrade(models.Trade{LevelID: 0, Side: models.Buy, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)
	_, err = f.engine.tracker.RecordTrade(models.Trade{LevelID: 0, Side: models.Sell, Quantity: d("1"), Price: d("60")})
	require.NoError(t, err)
	before := f.engine.Risk()
	require.True(t, before.TodayPnL.Equal(d("-40")))

	snap := f.engine.Snapshot()
	require.NotNil(t, snap.Account)

	g := newFixture(t)
	require.NoError(t, g.engine.Restore(&snap))
	after := g.engine.Risk()
	assert.True(t, after.TodayPnL.Equal(d("-40")), after.TodayPnL.String())
	assert.True(t, after.DailyLimitUsedPercent.Equal(d("80")), after.DailyLimitUsedPercent.String())
	assert.True(t, after.MaxDrawdown.Equal(before.MaxDrawdown))
	assert.True(t, g.engine.Metrics().RealizedPnL.Equal(d("-40")))
	assert.True(t, g.engine.Metrics().PeakEquity.Equal(f.engine.Metrics().PeakEquity))

	// 同一天再亏 11 即达到日亏损上限
	_, err = g.engine.tracker.RecordTrade(models.Trade{LevelID: 1, Side: models.Buy, Quantity: d("1"), Price: d("100")})
	require.NoError(t, err)
	_, err = g.engine.tracker.RecordTrade(models.Trade{LevelID: 1, Side: models.Sell, Quantity: d("1"), Price: d("89")})
	require.NoError(t, err)
	assert.True(t, g.engine.Risk().DailyPaused)
}

func TestResetRisk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.engine.Start(ctx))
	_, err := f.engine.EmergencyStop(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "manual", f.engine.Risk().EmergencyReason)

	assert.True(t, errors.Is(f.engine.ResetRisk("everything"), ErrUnknownReset))
	require.NoError(t, f.engine.ResetRisk("all"))
	assert.True(t, f.engine.Risk().TradingAllowed)
}

func TestTickBeforeStartCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.OnPrice(context.Background(), d("50000"))
	assert.True(t, errors.Is(err, ErrNotStarted))

	st := f.engine.Status()
	assert.Equal(t, int64(1), st.Ticks)
	assert.Equal(t, int64(1), st.FailedTicks)
	assert.Equal(t, 100.0, st.ErrorRatePercent)
}

func TestReliability(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background()))
	for i := 0; i < 9; i++ {
		f.move(t, "50000")
	}
	f.now = f.now.Add(10 * time.Second)
	f.engine.countTick(false)

	// 100 秒内 9 个成功周期, 间隔 10 秒
	uptime, errRate := f.engine.Reliability()
	assert.InDelta(t, 90.0, uptime, 0.001)
	assert.InDelta(t, 10.0, errRate, 0.001)
}

func TestManualRebalanceUsesLastPrice(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ManualRebalance(context.Background(), decimal.Zero)
	assert.True(t, errors.Is(err, ErrNotStarted))

	require.NoError(t, f.engine.Start(context.Background()))
	f.move(t, "51000")
	action, err := f.engine.ManualRebalance(context.Background(), decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonManual, action.Reason)
	assert.True(t, action.NewCenter.Equal(d("51000")))
}
