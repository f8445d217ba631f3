package reporter

import (
	"database/sql"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"grid-engine-go/internal/models"
	"grid-engine-go/internal/position"
	"grid-engine-go/internal/storage"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxProfitFactor 没有亏损交易时盈利因子取的上限
const maxProfitFactor = 100.0

var hundred = decimal.NewFromInt(100)

// Thresholds 是上线判断的各项门槛
type Thresholds struct {
	MinTrades            int
	MinWinRate           float64 // 百分比
	MaxDrawdown          float64 // 百分比
	MinProfitFactor      float64
	MinSharpe            float64
	MaxConsecutiveLosses int
	MinUptime            float64 // 百分比
	MaxErrorRate         float64 // 百分比
}

// DefaultThresholds 默认门槛
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinTrades:            50,
		MinWinRate:           50,
		MaxDrawdown:          20,
		MinProfitFactor:      1.2,
		MinSharpe:            0.5,
		MaxConsecutiveLosses: 10,
		MinUptime:            95,
		MaxErrorRate:         5,
	}
}

// Input 是生成某日记录所需的全部数据
type Input struct {
	Date             string
	Symbol           string
	Capital          decimal.Decimal
	Days             []position.DailyStats // 截止到 Date 的所有日期, 之后的日期会被忽略
	Trades           []models.Trade
	CurrentDrawdown  decimal.Decimal // 百分比
	MaxDrawdown      decimal.Decimal // 百分比
	UptimePercent    float64
	ErrorRatePercent float64
	GeneratedAt      time.Time
}

// Build 计算某个 UTC 日的日志记录
func Build(in Input, th Thresholds) models.DailyRecord {
	rec := models.DailyRecord{
		Date:        in.Date,
		Symbol:      in.Symbol,
		GeneratedAt: in.GeneratedAt,
	}

	var days []position.DailyStats
	for _, d := range in.Days {
		if d.Date <= in.Date {
			days = append(days, d)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })

	var trades []models.Trade
	for _, tr := range in.Trades {
		date := tr.Timestamp.UTC().Format(position.DateLayout)
		if date == in.Date {
			rec.Trades = append(rec.Trades, tr)
		}
		if date <= in.Date {
			trades = append(trades, tr)
		}
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Timestamp.Before(trades[j].Timestamp) })

	for _, d := range days {
		if d.Date == in.Date {
			rec.Daily = models.DailyMetrics{
				Trades:      d.Trades,
				Wins:        d.Wins,
				Losses:      d.Losses,
				RealizedPnL: d.RealizedPnL,
				Fees:        d.Fees,
			}
		}
	}
	rec.Daily.Drawdown = in.CurrentDrawdown
	if in.Capital.IsPositive() {
		rec.Daily.ROI = rec.Daily.RealizedPnL.Div(in.Capital).Mul(hundred)
	}

	rec.Cumulative = cumulative(days, trades, in)
	rec.Recommendation, rec.FailedChecks = Recommend(rec.Cumulative, th)
	return rec
}

func cumulative(days []position.DailyStats, trades []models.Trade, in Input) models.CumulativeMetrics {
	c := models.CumulativeMetrics{
		Days:             len(days),
		Trades:           len(trades),
		MaxDrawdown:      in.MaxDrawdown.InexactFloat64(),
		UptimePercent:    in.UptimePercent,
		ErrorRatePercent: in.ErrorRatePercent,
	}
	for _, d := range days {
		c.RealizedPnL = c.RealizedPnL.Add(d.RealizedPnL)
		c.Fees = c.Fees.Add(d.Fees)
	}

	var grossProfit, grossLoss decimal.Decimal
	winStreak, lossStreak := 0, 0
	for _, tr := range trades {
		if tr.Side != models.Sell {
			continue
		}
		c.ClosedTrades++
		switch tr.RealizedPnL.Sign() {
		case 1:
			c.Wins++
			grossProfit = grossProfit.Add(tr.RealizedPnL)
			winStreak++
			lossStreak = 0
		case -1:
			c.Losses++
			grossLoss = grossLoss.Add(tr.RealizedPnL.Abs())
			lossStreak++
			winStreak = 0
		default:
			winStreak, lossStreak = 0, 0
		}
		c.MaxConsecutiveWins = max(c.MaxConsecutiveWins, winStreak)
		c.MaxConsecutiveLosses = max(c.MaxConsecutiveLosses, lossStreak)
	}
	if decided := c.Wins + c.Losses; decided > 0 {
		c.WinRate = float64(c.Wins) / float64(decided) * 100
	}
	c.ProfitFactor = profitFactor(grossProfit, grossLoss)
	c.SharpeRatio = sharpe(days, in.Capital)
	return c
}

func profitFactor(grossProfit, grossLoss decimal.Decimal) float64 {
	if !grossLoss.IsPositive() {
		if grossProfit.IsPositive() {
			return maxProfitFactor
		}
		return 0
	}
	return math.Min(grossProfit.Div(grossLoss).InexactFloat64(), maxProfitFactor)
}

// sharpe 用每日收益率估计年化夏普比率 (无风险利率取 0)
func sharpe(days []position.DailyStats, capital decimal.Decimal) float64 {
	if len(days) < 2 || !capital.IsPositive() {
		return 0
	}
	returns := make([]float64, len(days))
	mean := 0.0
	for i, d := range days {
		returns[i] = d.RealizedPnL.Div(capital).InexactFloat64()
		mean += returns[i]
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(365)
}

// Recommend 根据累计指标给出 GO / REVIEW / NO-GO。
// 最大回撤和错误率超限直接 NO-GO, 三项及以上不达标也是 NO-GO, 全部达标为 GO, 其余为 REVIEW。
func Recommend(c models.CumulativeMetrics, th Thresholds) (models.Recommendation, []string) {
	var failed []string
	hard := false
	check := func(ok bool, isHard bool, format string, args ...interface{}) {
		if ok {
			return
		}
		failed = append(failed, fmt.Sprintf(format, args...))
		if isHard {
			hard = true
		}
	}

	check(c.ClosedTrades >= th.MinTrades, false, "trades %d < %d", c.ClosedTrades, th.MinTrades)
	check(c.WinRate >= th.MinWinRate, false, "win rate %.2f%% < %.2f%%", c.WinRate, th.MinWinRate)
	check(c.MaxDrawdown <= th.MaxDrawdown, true, "max drawdown %.2f%% > %.2f%%", c.MaxDrawdown, th.MaxDrawdown)
	check(c.ProfitFactor >= th.MinProfitFactor, false, "profit factor %.2f < %.2f", c.ProfitFactor, th.MinProfitFactor)
	check(c.SharpeRatio >= th.MinSharpe, false, "sharpe %.2f < %.2f", c.SharpeRatio, th.MinSharpe)
	check(c.MaxConsecutiveLosses <= th.MaxConsecutiveLosses, false, "consecutive losses %d > %d", c.MaxConsecutiveLosses, th.MaxConsecutiveLosses)
	check(c.UptimePercent >= th.MinUptime, false, "uptime %.2f%% < %.2f%%", c.UptimePercent, th.MinUptime)
	check(c.ErrorRatePercent <= th.MaxErrorRate, true, "error rate %.2f%% > %.2f%%", c.ErrorRatePercent, th.MaxErrorRate)

	switch {
	case len(failed) == 0:
		return models.RecommendGo, nil
	case hard || len(failed) >= 3:
		return models.RecommendNoGo, failed
	default:
		return models.RecommendReview, failed
	}
}

// Render 把日志记录输出为表格
func Render(w io.Writer, records []models.DailyRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Date", "Trades", "W/L", "PnL", "Fees", "ROI %", "DD %", "Win %", "PF", "Sharpe", "Rec"})
	for _, r := range records {
		t.AppendRow(table.Row{
			r.Date,
			r.Daily.Trades,
			fmt.Sprintf("%d/%d", r.Daily.Wins, r.Daily.Losses),
			r.Daily.RealizedPnL.StringFixed(4),
			r.Daily.Fees.StringFixed(4),
			r.Daily.ROI.StringFixed(2),
			r.Daily.Drawdown.StringFixed(2),
			fmt.Sprintf("%.2f", r.Cumulative.WinRate),
			fmt.Sprintf("%.2f", r.Cumulative.ProfitFactor),
			fmt.Sprintf("%.2f", r.Cumulative.SharpeRatio),
			string(r.Recommendation),
		})
	}
	if n := len(records); n > 0 {
		last := records[n-1].Cumulative
		t.AppendSeparator()
		t.AppendFooter(table.Row{
			fmt.Sprintf("%d days", last.Days), last.Trades, fmt.Sprintf("%d/%d", last.Wins, last.Losses),
			last.RealizedPnL.StringFixed(4), last.Fees.StringFixed(4), "",
			fmt.Sprintf("%.2f", last.MaxDrawdown), fmt.Sprintf("%.2f", last.WinRate),
			fmt.Sprintf("%.2f", last.ProfitFactor), fmt.Sprintf("%.2f", last.SharpeRatio),
			string(records[n-1].Recommendation),
		})
	}
	t.Render()
}

// Source 提供生成日志所需数据, 由引擎实现
type Source interface {
	Config() *models.Config
	Days() []position.DailyStats
	Trades() []models.Trade
	Metrics() position.Metrics
	Reliability() (uptime, errorRate float64)
}

// Reporter 在 UTC 日切换时把前一天的记录写入 sqlite
type Reporter struct {
	db         *sql.DB
	source     Source
	thresholds Thresholds
	logger     *zap.Logger
	lastDay    string
}

// New 创建 Reporter; db 为 nil 时只生成不保存
func New(db *sql.DB, source Source, th Thresholds, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{db: db, source: source, thresholds: th, logger: logger.Named("reporter")}
}

// Generate 生成并保存指定日期的记录
func (r *Reporter) Generate(date string, now time.Time) (models.DailyRecord, error) {
	cfg := r.source.Config()
	m := r.source.Metrics()
	uptime, errRate := r.source.Reliability()
	rec := Build(Input{
		Date:             date,
		Symbol:           cfg.Symbol,
		Capital:          m.TotalCapital,
		Days:             r.source.Days(),
		Trades:           r.source.Trades(),
		CurrentDrawdown:  m.CurrentDrawdown,
		MaxDrawdown:      m.MaxDrawdown,
		UptimePercent:    uptime,
		ErrorRatePercent: errRate,
		GeneratedAt:      now.UTC(),
	}, r.thresholds)

	if r.db != nil {
		if err := storage.SaveDailyRecord(r.db, &rec); err != nil {
			return rec, errors.Wrap(err, "save daily record")
		}
	}
	r.logger.Info("daily record generated",
		zap.String("date", date),
		zap.Int("trades", rec.Daily.Trades),
		zap.String("pnl", rec.Daily.RealizedPnL.StringFixed(4)),
		zap.String("recommendation", string(rec.Recommendation)),
		zap.Strings("failed", rec.FailedChecks))
	return rec, nil
}

// Rollover 在 UTC 日期变化时为前一天生成记录, 第一次调用只记下当天
func (r *Reporter) Rollover(now time.Time) (*models.DailyRecord, error) {
	today := now.UTC().Format(position.DateLayout)
	if r.lastDay == "" {
		r.lastDay = today
		return nil, nil
	}
	if today == r.lastDay {
		return nil, nil
	}
	prev := r.lastDay
	r.lastDay = today
	rec, err := r.Generate(prev, now)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// History 读取已保存的记录
func (r *Reporter) History(from, to string) ([]models.DailyRecord, error) {
	if r.db == nil {
		return nil, nil
	}
	return storage.ListDailyRecords(r.db, r.source.Config().Symbol, from, to)
}
