package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EngineSnapshot 定义了需要持久化的所有关键数据
type EngineSnapshot struct {
	Symbol           string            `json:"symbol"`
	Version          int               `json:"version"` // 状态模型的版本号，用于未来迁移
	Center           decimal.Decimal   `json:"center"`
	Upper            decimal.Decimal   `json:"upper"`
	Lower            decimal.Decimal   `json:"lower"`
	Positions        []Position        `json:"positions"`
	Account          *AccountState     `json:"account,omitempty"`
	RebalanceHistory []RebalanceAction `json:"rebalance_history"`
	LastRebalance    time.Time         `json:"last_rebalance"`
	Alerts           []RiskAlert       `json:"alerts"`
	Latches          RiskLatches       `json:"latches"`
	SavedAt          time.Time         `json:"saved_at"`
}

// AccountState 是持仓跟踪器的累计账户状态, 重启后风控的日亏损和回撤从这里继续计算
type AccountState struct {
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Fees         decimal.Decimal `json:"fees"`
	PeakEquity   decimal.Decimal `json:"peak_equity"`
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"`
	TotalTrades  int             `json:"total_trades"`
	ClosedTrades int             `json:"closed_trades"`
	Days         []DailyStats    `json:"days"`
}

// SnapshotVersion is bumped whenever EngineSnapshot changes incompatibly.
const SnapshotVersion = 1

// RiskLatches 是重启后必须恢复的风控锁存状态
type RiskLatches struct {
	DailyPauseDay    string `json:"daily_pause_day,omitempty"` // UTC 日期, 当天暂停开新仓
	GlobalStopped    bool   `json:"global_stopped"`
	EmergencyStopped bool   `json:"emergency_stopped"`
	EmergencyReason  string `json:"emergency_reason,omitempty"`
}
