package backtest

import (
	"context"
	"database/sql"
	"time"

	"grid-engine-go/internal/downloader"
	"grid-engine-go/internal/engine"
	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/position"
	"grid-engine-go/internal/reporter"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrNoData = errors.New("backtest needs at least two klines")

// Result 回测结果
type Result struct {
	Symbol         string
	Start          time.Time
	End            time.Time
	Candles        int
	InitialEquity  decimal.Decimal
	FinalEquity    decimal.Decimal
	ReturnPercent  decimal.Decimal
	TotalFees      decimal.Decimal
	EquityDrawdown decimal.Decimal // 权益曲线最大回撤百分比
	Halted         bool            // 紧急停止后提前结束
	Records        []models.DailyRecord
	Status         engine.Status
}

// Run 用历史K线驱动模拟交易所和引擎, 每个 UTC 日生成一条日志记录; db 为 nil 时不保存
func Run(ctx context.Context, cfg *models.Config, klines []downloader.Kline, db *sql.DB, logger *zap.Logger) (*Result, error) {
	if len(klines) < 2 {
		return nil, ErrNoData
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("backtest")

	// 每根K线是一次调度周期, 在线率按K线间隔计算
	btCfg := *cfg
	if step := klines[1].OpenTime.Sub(klines[0].OpenTime); step >= time.Second {
		btCfg.Scheduler.TickIntervalSeconds = int(step / time.Second)
	}

	ex := exchange.NewPaperExchange(exchange.PaperConfigFromSettings(&btCfg), logger)
	first := klines[0]
	ex.SetPrice(first.Open, first.High, first.Low, first.Close, first.OpenTime)

	eng, err := engine.New(&btCfg, ex, logger, engine.WithClock(ex.CurrentTime))
	if err != nil {
		return nil, errors.Wrap(err, "create engine")
	}
	if err := eng.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "start engine")
	}

	res := &Result{
		Symbol:        btCfg.Symbol,
		Start:         first.OpenTime,
		InitialEquity: ex.Equity(),
	}
	rep := reporter.New(db, eng, reporter.DefaultThresholds(), logger)
	day := first.OpenTime.UTC().Format(position.DateLayout)

	logger.Info("backtest started", zap.String("symbol", btCfg.Symbol), zap.Int("klines", len(klines)),
		zap.String("price", first.Close.String()))

	for _, k := range klines[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if kDay := k.OpenTime.UTC().Format(position.DateLayout); kDay != day {
			rec, err := rep.Generate(day, k.OpenTime)
			if err != nil {
				return nil, err
			}
			res.Records = append(res.Records, rec)
			day = kDay
		}

		ex.SetPrice(k.Open, k.High, k.Low, k.Close, k.OpenTime)
		// 单个周期失败只计入错误率
		_, _ = eng.OnPrice(ctx, k.Close)
		res.Candles++
		res.End = k.OpenTime

		if eng.Risk().EmergencyStopped {
			logger.Warn("emergency stop triggered, ending backtest early", zap.Time("at", k.OpenTime))
			res.Halted = true
			break
		}
	}

	rec, err := rep.Generate(day, res.End)
	if err != nil {
		return nil, err
	}
	res.Records = append(res.Records, rec)

	res.FinalEquity = ex.Equity()
	res.TotalFees = ex.TotalFees()
	if res.InitialEquity.IsPositive() {
		res.ReturnPercent = res.FinalEquity.Sub(res.InitialEquity).Div(res.InitialEquity).Mul(decimal.NewFromInt(100))
	}
	res.EquityDrawdown = maxDrawdown(ex.EquityCurve())
	res.Status = eng.Status()

	logger.Info("backtest finished",
		zap.Int("candles", res.Candles), zap.Int("days", len(res.Records)),
		zap.String("finalEquity", res.FinalEquity.StringFixed(2)),
		zap.String("return", res.ReturnPercent.StringFixed(2)), zap.Bool("halted", res.Halted))
	return res, nil
}

// maxDrawdown 计算权益曲线的最大回撤百分比
func maxDrawdown(equityCurve []decimal.Decimal) decimal.Decimal {
	if len(equityCurve) < 2 {
		return decimal.Zero
	}
	peak := equityCurve[0]
	maxDD := decimal.Zero

	for _, equity := range equityCurve {
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if !peak.IsPositive() {
			continue
		}
		drawdown := peak.Sub(equity).Div(peak)
		if drawdown.GreaterThan(maxDD) {
			maxDD = drawdown
		}
	}
	return maxDD.Mul(decimal.NewFromInt(100))
}
