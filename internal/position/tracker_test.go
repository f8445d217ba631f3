package position

import (
	"context"
	"testing"
	"time"

	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestTracker(c *clock) *Tracker {
	return NewTracker(d("500"), zap.NewNop(), WithClock(c.now))
}

func trade(level int, side models.Side, qty, price, fee string) models.Trade {
	return models.Trade{LevelID: level, Side: side, Quantity: d(qty), Price: d(price), Fee: d(fee)}
}

func TestBuyAveragesEntryAndBooksFee(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)

	_, err := tr.RecordTrade(trade(0, models.Buy, "0.01", "100", "0.001"))
	require.NoError(t, err)
	_, err = tr.RecordTrade(trade(0, models.Buy, "0.03", "200", "0.006"))
	require.NoError(t, err)

	pos := tr.Positions()
	require.Len(t, pos, 1)
	assert.True(t, pos[0].Open)
	assert.True(t, pos[0].Quantity.Equal(d("0.04")))
	assert.True(t, pos[0].EntryPrice.Equal(d("175")), pos[0].EntryPrice.String())
	assert.True(t, pos[0].RealizedPnL.Equal(d("-0.007")))

	m := tr.Metrics()
	assert.True(t, m.RealizedPnL.Equal(d("-0.007")))
	assert.True(t, m.TotalFees.Equal(d("0.007")))
	assert.Equal(t, 0, m.ClosedTrades)
}

func TestSellClosesPositionWithinEpsilon(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)

	_, err := tr.RecordTrade(trade(2, models.Buy, "0.01", "46500", "0.465"))
	require.NoError(t, err)
	sold, err := tr.RecordTrade(trade(2, models.Sell, "0.0099999999995", "46918.872", "0.46918872"))
	require.NoError(t, err)

	// (46918.872-46500)*0.0099999999995 - 0.46918872
	want := d("418.872").Mul(d("0.0099999999995")).Sub(d("0.46918872"))
	assert.True(t, sold.RealizedPnL.Equal(want), sold.RealizedPnL.String())

	pos := tr.Positions()[0]
	assert.False(t, pos.Open)
	assert.True(t, pos.Quantity.IsZero())
	assert.Empty(t, tr.OpenPositions())

	m := tr.Metrics()
	assert.Equal(t, 1, m.Wins)
	assert.True(t, m.WinRate.Equal(d("100")))
	assert.Equal(t, 1, m.ClosedTrades)
}

func TestDrawdownIsMonotone(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)
	_, err := tr.RecordTrade(trade(0, models.Buy, "1", "100", "0"))
	require.NoError(t, err)

	tr.UpdatePrices(d("150")) // equity 550, new peak
	tr.UpdatePrices(d("95"))  // equity 495
	m := tr.Metrics()
	assert.True(t, m.PeakEquity.Equal(d("550")))
	assert.True(t, m.CurrentDrawdown.Equal(d("10")), m.CurrentDrawdown.String())
	assert.True(t, m.MaxDrawdown.Equal(d("10")))
	assert.True(t, m.UnrealizedPnL.Equal(d("-5")))
	assert.True(t, m.Exposure.Equal(d("95")))
	assert.True(t, m.ExposurePercent.Equal(d("19")))

	tr.UpdatePrices(d("140"))
	m = tr.Metrics()
	assert.True(t, m.CurrentDrawdown.LessThan(d("10")))
	assert.True(t, m.MaxDrawdown.Equal(d("10")), "max drawdown never decreases")
}

func TestDailyBucketsUseUTCDate(t *testing.T) {
	shanghai := time.FixedZone("UTC+8", 8*3600)
	c := &clock{t: time.Date(2026, 3, 2, 7, 0, 0, 0, shanghai)} // 2026-03-01 23:00 UTC
	tr := newTestTracker(c)

	_, err := tr.RecordTrade(trade(0, models.Buy, "1", "100", "0"))
	require.NoError(t, err)
	_, err = tr.RecordTrade(trade(0, models.Sell, "1", "90", "0.01"))
	require.NoError(t, err)

	assert.True(t, tr.TodayPnL().Equal(d("-10.01")))
	day := tr.Day("2026-03-01")
	assert.Equal(t, 2, day.Trades)
	assert.Equal(t, 1, day.Losses)
	assert.Len(t, tr.TradesOn("2026-03-01"), 2)

	c.t = time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)
	assert.True(t, tr.TodayPnL().IsZero())
	require.Len(t, tr.Days(), 1)

	// -10.01 / 500 * 100 * 30
	assert.True(t, tr.Metrics().ProjectedMonthlyReturn.Equal(d("-60.06")))
}

func TestOnFillReconcilesWithLedgerProfit(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)
	qty := d("0.00071684")
	buyFee := d("46500").Mul(qty).Mul(d("0.001"))
	sellFee := d("46918.872").Mul(qty).Mul(d("0.001"))

	tr.OnFill(models.FillEvent{
		Order: models.Order{ID: "b", Side: models.Buy, LevelID: 0}, PositionLevelID: 0,
		Quantity: qty, Price: d("46500"), FeeQuote: buyFee,
	})
	tr.OnFill(models.FillEvent{
		Order: models.Order{ID: "s", Side: models.Sell, LevelID: 0}, PositionLevelID: 0,
		Quantity: qty, Price: d("46918.872"), FeeQuote: sellFee,
	})

	ledgerProfit := d("418.872").Mul(qty).Sub(buyFee).Sub(sellFee)
	assert.True(t, tr.Metrics().RealizedPnL.Equal(ledgerProfit))
	trades := tr.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, models.TradeGrid, trades[0].Kind)
	assert.NotEmpty(t, trades[0].ID)
}

func TestRecordTradeRejectsInvalid(t *testing.T) {
	tr := newTestTracker(&clock{t: time.Now()})
	_, err := tr.RecordTrade(trade(0, models.Buy, "0", "100", "0"))
	assert.True(t, errors.Is(err, ErrInvalidTrade))
	_, err = tr.RecordTrade(trade(0, models.Center, "1", "100", "0"))
	assert.True(t, errors.Is(err, ErrInvalidTrade))
	assert.Empty(t, tr.Trades())
}

func TestLiquidateBooksAtGivenPrice(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(d("1000"), zap.NewNop(), WithClock(c.now), WithQuoteAsset("USDT"))

	ex := exchange.NewPaperExchange(exchange.PaperConfig{
		Symbol:       "BTCUSDT",
		BaseAsset:    "BTC",
		QuoteAsset:   "USDT",
		InitialQuote: d("0"),
		InitialBase:  d("0.03"),
		MakerFeeRate: d("0.001"),
		TakerFeeRate: d("0.001"),
	}, zap.NewNop())
	ex.SetLastPrice(d("50000"), c.t)

	_, err := tr.RecordTrade(trade(1, models.Buy, "0.01", "48000", "0"))
	require.NoError(t, err)
	_, err = tr.RecordTrade(trade(3, models.Buy, "0.02", "49000", "0"))
	require.NoError(t, err)

	res := tr.Liquidate(ctx, ex, "BTCUSDT", d("50000"), models.TradeEmergency)
	assert.Equal(t, 2, res.Closed)
	assert.Equal(t, 0, res.Failed)
	// 20 + 20 毛利, 减去两笔吃单手续费 0.5 + 1
	assert.True(t, res.RealizedPnL.Equal(d("38.5")), res.RealizedPnL.String())
	assert.Empty(t, tr.OpenPositions())

	trades := tr.Trades()
	assert.Equal(t, models.TradeEmergency, trades[len(trades)-1].Kind)

	// 没有持仓可卖时下单失败只计数
	_, err = tr.RecordTrade(trade(4, models.Buy, "1", "100", "0"))
	require.NoError(t, err)
	res = tr.Liquidate(ctx, ex, "BTCUSDT", d("100"), models.TradeRebalance)
	assert.Equal(t, 0, res.Closed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Len(t, tr.OpenPositions(), 1)
}

func TestRestoreKeepsOnlyOpenLots(t *testing.T) {
	tr := NewTracker(decimal.NewFromInt(500), zap.NewNop())
	tr.Restore([]models.Position{
		{LevelID: 1, Quantity: decimal.RequireFromString("0.001"), EntryPrice: decimal.NewFromInt(47000), Open: true},
		{LevelID: 2, Quantity: decimal.Zero, Open: false},
	}, nil)
	open := tr.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, 1, open[0].LevelID)
	assert.Equal(t, "level-1", open[0].LotID)
	assert.True(t, tr.Exposure().Equal(decimal.NewFromInt(47)))

	// 旧快照里没有批次ID的持仓仍可按档位平仓
	sold, err := tr.RecordTrade(trade(1, models.Sell, "0.001", "48000", "0"))
	require.NoError(t, err)
	assert.True(t, sold.RealizedPnL.Equal(d("1")))
	assert.Empty(t, tr.OpenPositions())
}

func TestLotsOnSameLevelStaySeparate(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)

	old := trade(0, models.Buy, "0.001", "46000", "0")
	old.LotID = "old"
	_, err := tr.RecordTrade(old)
	require.NoError(t, err)
	c.t = c.t.Add(time.Hour)
	fresh := trade(0, models.Buy, "0.002", "40000", "0")
	fresh.LotID = "new"
	_, err = tr.RecordTrade(fresh)
	require.NoError(t, err)

	open := tr.OpenPositions()
	require.Len(t, open, 2)
	assert.Equal(t, "old", open[0].LotID)
	assert.True(t, open[0].EntryPrice.Equal(d("46000")))
	assert.True(t, open[1].EntryPrice.Equal(d("40000")))

	sell := trade(0, models.Sell, "0.002", "40320", "0")
	sell.LotID = "new"
	sold, err := tr.RecordTrade(sell)
	require.NoError(t, err)
	// 按新批次的成本 40000 计算, 而不是两个批次的均价
	assert.True(t, sold.RealizedPnL.Equal(d("0.64")), sold.RealizedPnL.String())
	assert.Equal(t, "new", sold.LotID)

	open = tr.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "old", open[0].LotID)
	assert.True(t, open[0].Quantity.Equal(d("0.001")))

	// 未指定批次的卖单平掉同档位最早的批次
	sold, err = tr.RecordTrade(trade(0, models.Sell, "0.001", "46500", "0"))
	require.NoError(t, err)
	assert.Equal(t, "old", sold.LotID)
	assert.True(t, sold.RealizedPnL.Equal(d("0.5")))
	assert.Empty(t, tr.OpenPositions())
	assert.Len(t, tr.Positions(), 2)
}

func TestClosedLotsAreBounded(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)
	for i := 0; i < maxClosedLots+20; i++ {
		_, err := tr.RecordTrade(trade(0, models.Buy, "0.001", "100", "0"))
		require.NoError(t, err)
		_, err = tr.RecordTrade(trade(0, models.Sell, "0.001", "101", "0"))
		require.NoError(t, err)
	}
	assert.Len(t, tr.Positions(), maxClosedLots)
	m := tr.Metrics()
	assert.Equal(t, maxClosedLots+20, m.ClosedTrades)
	assert.True(t, m.RealizedPnL.Equal(d("0.001").Mul(decimal.NewFromInt(int64(maxClosedLots+20)))))
}

func TestLiquidateRecordsTruncatedQuantity(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(d("1000"), zap.NewNop(), WithClock(c.now), WithQuoteAsset("USDT"))

	ex := exchange.NewPaperExchange(exchange.PaperConfig{
		Symbol:       "BTCUSDT",
		BaseAsset:    "BTC",
		QuoteAsset:   "USDT",
		InitialBase:  d("0.02"),
		TakerFeeRate: d("0"),
	}, zap.NewNop())
	ex.SetLastPrice(d("50000"), c.t)

	_, err := tr.RecordTrade(trade(2, models.Buy, "0.012345678912", "50000", "0"))
	require.NoError(t, err)

	res := tr.Liquidate(ctx, ex, "BTCUSDT", d("50000"), models.TradeRebalance)
	assert.Equal(t, 1, res.Closed)

	trades := tr.Trades()
	last := trades[len(trades)-1]
	assert.True(t, last.Quantity.Equal(d("0.01234567")), last.Quantity.String())
	assert.Empty(t, tr.OpenPositions(), "sub-precision remainder is written off")

	bal, err := ex.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal["BTC"].Equal(d("0.02").Sub(d("0.01234567"))))
}

func TestStateRoundTripsAccountTotals(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)
	_, err := tr.RecordTrade(trade(0, models.Buy, "1", "100", "0.1"))
	require.NoError(t, err)
	_, err = tr.RecordTrade(trade(0, models.Sell, "1", "60", "0.1"))
	require.NoError(t, err)
	_, err = tr.RecordTrade(trade(1, models.Buy, "1", "50", "0"))
	require.NoError(t, err)
	tr.UpdatePrices(d("40"))
	before := tr.Metrics()

	restored := newTestTracker(c)
	state := tr.State()
	restored.Restore(tr.OpenPositions(), &state)
	restored.UpdatePrices(d("40"))
	after := restored.Metrics()

	assert.True(t, restored.TodayPnL().Equal(tr.TodayPnL()))
	assert.True(t, after.RealizedPnL.Equal(before.RealizedPnL))
	assert.True(t, after.TotalFees.Equal(before.TotalFees))
	assert.True(t, after.PeakEquity.Equal(before.PeakEquity))
	assert.True(t, after.MaxDrawdown.Equal(before.MaxDrawdown))
	assert.True(t, after.CurrentDrawdown.Equal(before.CurrentDrawdown))
	assert.Equal(t, before.TotalTrades, after.TotalTrades)
	assert.Equal(t, before.ClosedTrades, after.ClosedTrades)
	assert.Equal(t, before.Losses, after.Losses)
	assert.Equal(t, tr.Days(), restored.Days())
	assert.Empty(t, restored.Trades())
}
