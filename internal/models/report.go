package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recommendation 是对策略是否可以上线的判断
type Recommendation string

const (
	RecommendGo     Recommendation = "GO"
	RecommendReview Recommendation = "REVIEW"
	RecommendNoGo   Recommendation = "NO-GO"
)

// DailyMetrics 单日指标
type DailyMetrics struct {
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Fees        decimal.Decimal `json:"fees"`
	Drawdown    decimal.Decimal `json:"drawdown"` // 当日结束时的最大回撤百分比
	ROI         decimal.Decimal `json:"roi"`      // 当日已实现盈亏 / 总资金 * 100
}

// CumulativeMetrics 自启动以来的累计指标
type CumulativeMetrics struct {
	Days                 int             `json:"days"`
	Trades               int             `json:"trades"`
	ClosedTrades         int             `json:"closed_trades"`
	Wins                 int             `json:"wins"`
	Losses               int             `json:"losses"`
	WinRate              float64         `json:"win_rate"`
	RealizedPnL          decimal.Decimal `json:"realized_pnl"`
	Fees                 decimal.Decimal `json:"fees"`
	MaxDrawdown          float64         `json:"max_drawdown"`
	SharpeRatio          float64         `json:"sharpe_ratio"`
	ProfitFactor         float64         `json:"profit_factor"`
	MaxConsecutiveWins   int             `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int             `json:"max_consecutive_losses"`
	UptimePercent        float64         `json:"uptime_percent"`
	ErrorRatePercent     float64         `json:"error_rate_percent"`
}

// DailyRecord 是每个 UTC 日写入一次的日志记录
type DailyRecord struct {
	Date           string            `json:"date"`
	Symbol         string            `json:"symbol"`
	Trades         []Trade           `json:"trades"`
	Daily          DailyMetrics      `json:"daily"`
	Cumulative     CumulativeMetrics `json:"cumulative"`
	Recommendation Recommendation    `json:"recommendation"`
	FailedChecks   []string          `json:"failed_checks,omitempty"`
	GeneratedAt    time.Time         `json:"generated_at"`
}
