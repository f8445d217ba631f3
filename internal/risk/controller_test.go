package risk

import (
	"context"
	"testing"
	"time"

	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/ledger"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/position"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	now     time.Time
	ex      *exchange.PaperExchange
	ledger  *ledger.Ledger
	tracker *position.Tracker
	risk    *Controller
}

func testConfig() Config {
	return Config{
		Symbol:                  "BTCUSDT",
		TotalCapital:            d("1000"),
		DailyLossLimit:          d("50"),
		GlobalStopPercent:       d("20"),
		MaxDrawdownPercent:      d("10"),
		MaxExposurePercent:      d("80"),
		WarningThresholdPercent: d("50"),
		MaxOrderNotionalPercent: d("20"),
		AlertCoalesceWindow:     5 * time.Minute,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.ex = exchange.NewPaperExchange(exchange.PaperConfig{
		Symbol:       "BTCUSDT",
		BaseAsset:    "BTC",
		QuoteAsset:   "USDT",
		InitialQuote: d("1000"),
		MakerFeeRate: d("0.001"),
		TakerFeeRate: d("0.001"),
	}, zap.NewNop())
	f.ex.SetLastPrice(d("50000"), f.now)

	calc, err := grid.NewCalculator(models.GridConfig{
		Symbol:              "BTCUSDT",
		TotalCapital:        d("500"),
		NumLevels:           15,
		RangePercent:        d("14"),
		ProfitTargetPercent: d("0.8"),
		MinOrderSize:        d("0.00001"),
		FeePercent:          d("0.1"),
	}, zap.NewNop())
	require.NoError(t, err)
	g, err := calc.CalculateGrid(d("50000"))
	require.NoError(t, err)

	f.ledger = ledger.New(f.ex, ledger.Config{Symbol: "BTCUSDT", BaseAsset: "BTC"},
		&ledger.SameLevel{ProfitRate: d("0.008"), FeeRate: d("0.001")}, zap.NewNop(), ledger.WithClock(clock))
	f.ledger.ResetLevels(g)
	f.tracker = position.NewTracker(d("1000"), zap.NewNop(), position.WithClock(clock), position.WithQuoteAsset("USDT"))
	f.ledger.Subscribe(f.tracker.OnFill)
	f.risk = NewController(testConfig(), f.tracker, f.ledger, f.ex, zap.NewNop(), WithClock(clock))
	return f
}

func (f *fixture) trade(t *testing.T, side models.Side, qty, price string) {
	t.Helper()
	_, err := f.tracker.RecordTrade(models.Trade{LevelID: 0, Side: side, Quantity: d(qty), Price: d(price)})
	require.NoError(t, err)
}

func TestDailyLossPausesUntilRollover(t *testing.T) {
	f := newFixture(t)
	f.trade(t, models.Buy, "1", "100")
	f.trade(t, models.Sell, "1", "49.99")
	require.True(t, f.tracker.TodayPnL().Equal(d("-50.01")))

	s := f.risk.CheckRisk()
	assert.False(t, s.TradingAllowed)
	assert.True(t, s.DailyPaused)
	assert.Equal(t, models.RiskCritical, s.Level)
	assert.True(t, s.DailyLimitUsedPercent.Equal(d("100.02")))
	assert.False(t, f.risk.IsTradingAllowed())
	assert.Equal(t, "2026-03-10", f.risk.Latches().DailyPauseDay)

	// 同一天稍晚仍然暂停
	f.now = time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	assert.False(t, f.risk.IsTradingAllowed())

	f.now = time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC)
	s = f.risk.CheckRisk()
	assert.True(t, s.TradingAllowed)
	assert.False(t, s.DailyPaused)
	assert.True(t, s.TodayPnL.IsZero())
}

func TestEvaluateLeavesLatchesAndAlertsAlone(t *testing.T) {
	f := newFixture(t)
	var notified int
	f.risk.Subscribe(func(models.RiskAlert) { notified++ })
	f.trade(t, models.Buy, "1", "100")
	f.trade(t, models.Sell, "1", "49")

	s := f.risk.Evaluate()
	assert.True(t, s.DailyPaused, "breach is reported before it is latched")
	assert.False(t, s.TradingAllowed)
	assert.Equal(t, models.RiskCritical, s.Level)
	assert.Equal(t, models.RiskLatches{}, f.risk.Latches())
	assert.Empty(t, f.risk.Alerts())
	assert.Zero(t, notified)

	f.risk.CheckRisk()
	assert.Equal(t, "2026-03-10", f.risk.Latches().DailyPauseDay)
	assert.Len(t, f.risk.Alerts(), 1)
	assert.Equal(t, 1, notified)
}

func TestLossBelowDailyLimitKeepsTrading(t *testing.T) {
	f := newFixture(t)
	f.trade(t, models.Buy, "1", "100")
	f.trade(t, models.Sell, "1", "70")

	s := f.risk.CheckRisk()
	assert.True(t, s.TradingAllowed)
	assert.Equal(t, models.RiskWarning, s.Level, "60 percent of the daily limit used")
	assert.Empty(t, f.risk.Alerts())
}

func TestGlobalStopLatchesUntilReset(t *testing.T) {
	f := newFixture(t)
	f.trade(t, models.Buy, "3", "100")
	f.tracker.UpdatePrices(d("30"))

	s := f.risk.CheckRisk()
	assert.True(t, s.TotalPnLPercent.Equal(d("-21")))
	assert.True(t, s.DistanceToGlobalStop.Equal(d("-1")))
	assert.True(t, s.GlobalStopped)
	assert.False(t, s.TradingAllowed)
	assert.Equal(t, models.RiskEmergency, s.Level)

	// 价格回升后仍保持锁存
	f.tracker.UpdatePrices(d("200"))
	s = f.risk.CheckRisk()
	assert.True(t, s.TotalPnL.IsPositive())
	assert.True(t, s.GlobalStopped)
	assert.False(t, s.TradingAllowed)
	assert.Equal(t, models.RiskEmergency, s.Level)

	f.risk.ResetGlobalStop()
	s = f.risk.CheckRisk()
	assert.False(t, s.GlobalStopped)
	assert.True(t, s.TradingAllowed)
	assert.NotEqual(t, models.RiskEmergency, s.Level)
}

func TestValidateOrder(t *testing.T) {
	f := newFixture(t)

	assert.NoError(t, f.risk.ValidateOrder(d("0.003"), d("50000"), models.Buy))
	assert.True(t, errors.Is(f.risk.ValidateOrder(d("0.005"), d("50000"), models.Buy), ErrOrderTooLarge))
	assert.True(t, errors.Is(f.risk.ValidateOrder(decimal.Zero, d("50000"), models.Buy), ErrInvalidOrder))
	assert.True(t, errors.Is(f.risk.ValidateOrder(d("0.001"), d("-1"), models.Sell), ErrInvalidOrder))

	f.trade(t, models.Buy, "0.012", "50000")
	assert.NoError(t, f.risk.ValidateOrder(d("0.003"), d("50000"), models.Buy), "600 + 150 stays under 800")

	f.trade(t, models.Buy, "0.002", "50000")
	err := f.risk.ValidateOrder(d("0.003"), d("50000"), models.Buy)
	assert.True(t, errors.Is(err, ErrExposureExceeded), "700 + 150 is 85 percent")
	assert.NoError(t, f.risk.ValidateOrder(d("0.003"), d("50000"), models.Sell), "sells never add exposure")
}

func TestAlertsCoalesceWithinWindow(t *testing.T) {
	f := newFixture(t)
	var delivered []models.RiskAlert
	f.risk.Subscribe(func(a models.RiskAlert) { delivered = append(delivered, a) })

	f.trade(t, models.Buy, "1", "100")
	f.trade(t, models.Sell, "1", "40")

	f.risk.CheckRisk()
	first := f.risk.Alerts()
	require.Len(t, first, 1)
	assert.Equal(t, models.AlertDailyLoss, first[0].Type)
	assert.Equal(t, models.RiskCritical, first[0].Severity)

	f.now = f.now.Add(4 * time.Minute)
	f.risk.CheckRisk()
	assert.Len(t, f.risk.Alerts(), 1)
	assert.Len(t, delivered, 1)

	f.now = f.now.Add(2 * time.Minute)
	f.risk.CheckRisk()
	all := f.risk.Alerts()
	require.Len(t, all, 2)
	assert.NotEqual(t, all[0].ID, all[1].ID)
	assert.Len(t, delivered, 2)

	require.NoError(t, f.risk.AcknowledgeAlert(all[0].ID))
	active := f.risk.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, all[1].ID, active[0].ID)
	assert.True(t, errors.Is(f.risk.AcknowledgeAlert("missing"), ErrAlertNotFound))
}

func TestRiskLevelClassification(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, models.RiskNormal, f.risk.CheckRisk().Level)

	// 45% 敞口达到 80% 上限的一半以上
	f.trade(t, models.Buy, "0.009", "50000")
	s := f.risk.CheckRisk()
	assert.Equal(t, models.RiskWarning, s.Level)
	assert.True(t, s.TradingAllowed)
	assert.NotEmpty(t, s.Reasons)

	// 回撤达到上限
	f.tracker.UpdatePrices(d("38000"))
	s = f.risk.CheckRisk()
	assert.Equal(t, models.RiskCritical, s.Level)
	assert.True(t, s.CurrentDrawdown.GreaterThanOrEqual(d("10")))
}

func TestEmergencyStopCancelsAndLiquidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ledger.InitializeGridOrders(ctx)
	require.NoError(t, err)
	f.ex.SetLastPrice(d("46400"), f.now)
	f.ledger.SyncOrders(ctx)
	f.tracker.UpdatePrices(d("46400"))
	require.Len(t, f.tracker.OpenPositions(), 7)
	require.Len(t, f.ledger.ActiveOrders(), 7, "counter sells resting")

	var alerts []models.RiskAlert
	f.risk.Subscribe(func(a models.RiskAlert) { alerts = append(alerts, a) })

	res, err := f.risk.EmergencyStop(ctx, "operator request")
	require.NoError(t, err)
	assert.Equal(t, 7, res.OrdersCanceled)
	assert.Equal(t, 0, res.CancelFailures)
	assert.Equal(t, 7, res.PositionsClosed)
	assert.Equal(t, 0, res.LiquidationFailures)
	assert.True(t, res.LiquidationPrice.Equal(d("46400")))
	assert.True(t, res.RealizedPnL.IsNegative())

	assert.Empty(t, f.ledger.ActiveOrders())
	assert.Empty(t, f.tracker.OpenPositions())
	for _, tr := range f.tracker.Trades() {
		if tr.Kind == models.TradeEmergency {
			assert.True(t, tr.Price.Equal(d("46400")))
		}
	}

	s := f.risk.CheckRisk()
	assert.True(t, s.EmergencyStopped)
	assert.Equal(t, "operator request", s.EmergencyReason)
	assert.Equal(t, models.RiskEmergency, s.Level)
	assert.False(t, s.TradingAllowed)
	require.NotEmpty(t, alerts)
	assert.Equal(t, models.AlertEmergencyStop, alerts[0].Type)

	f.risk.ResetEmergencyStop()
	assert.False(t, f.risk.IsEmergencyStopped())
}

func TestEmergencyStopRejectsReentry(t *testing.T) {
	f := newFixture(t)
	f.risk.stopping.Store(true)
	_, err := f.risk.EmergencyStop(context.Background(), "again")
	assert.True(t, errors.Is(err, ErrEmergencyInProgress))
	assert.False(t, f.risk.IsEmergencyStopped())
}

func TestRestoreLatches(t *testing.T) {
	f := newFixture(t)
	f.risk.RestoreLatches(models.RiskLatches{GlobalStopped: true}, []models.RiskAlert{{ID: "a1", Type: models.AlertGlobalStop, Timestamp: f.now}})

	s := f.risk.CheckRisk()
	assert.True(t, s.GlobalStopped)
	assert.False(t, s.TradingAllowed)
	assert.Len(t, f.risk.ActiveAlerts(), 1)

	f.risk.RestoreLatches(models.RiskLatches{DailyPauseDay: "2026-03-10"}, nil)
	s = f.risk.CheckRisk()
	assert.True(t, s.DailyPaused)
	f.risk.ResetDailyPause()
	assert.True(t, f.risk.IsTradingAllowed())
}
