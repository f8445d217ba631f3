package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config 结构体定义了引擎的所有配置参数
type Config struct {
	Mode         string `json:"mode" mapstructure:"mode"`             // 运行模式: live, paper, backtest
	IsTestnet    bool   `json:"is_testnet" mapstructure:"is_testnet"` // 是否使用测试网
	DBPath       string `json:"db_path" mapstructure:"db_path"`       // 状态快照 (badger) 目录
	DailyLogPath string `json:"daily_log_path" mapstructure:"daily_log_path"`
	Symbol       string `json:"symbol" mapstructure:"symbol"` // 交易对，如 "BTCUSDT"
	BaseAsset    string `json:"base_asset" mapstructure:"base_asset"`
	QuoteAsset   string `json:"quote_asset" mapstructure:"quote_asset"`

	Grid      GridSettings      `json:"grid" mapstructure:"grid"`
	Reinvest  ReinvestSettings  `json:"reinvest" mapstructure:"reinvest"`
	Rebalance RebalanceSettings `json:"rebalance" mapstructure:"rebalance"`
	Risk      RiskSettings      `json:"risk" mapstructure:"risk"`
	Scheduler SchedulerSettings `json:"scheduler" mapstructure:"scheduler"`
	Paper     PaperSettings     `json:"paper" mapstructure:"paper"`
	API       APISettings       `json:"api" mapstructure:"api"`
	Notify    NotifySettings    `json:"notify" mapstructure:"notify"`
	WebSocket WebSocketSettings `json:"websocket" mapstructure:"websocket"`
	Log       LogConfig         `json:"log" mapstructure:"log"`
}

// GridSettings 网格参数
type GridSettings struct {
	TotalCapital        float64 `json:"total_capital" mapstructure:"total_capital"`
	NumLevels           int     `json:"num_levels" mapstructure:"num_levels"`
	RangePercent        float64 `json:"range_percent" mapstructure:"range_percent"`
	ProfitTargetPercent float64 `json:"profit_target_percent" mapstructure:"profit_target_percent"`
	MinOrderSize        float64 `json:"min_order_size" mapstructure:"min_order_size"`
	FeePercent          float64 `json:"fee_percent" mapstructure:"fee_percent"`
}

// ReinvestSettings 选择成交后的再投资策略
type ReinvestSettings struct {
	Strategy        string `json:"strategy" mapstructure:"strategy"` // same_level 或 offset_level
	SellLevelOffset int    `json:"sell_level_offset" mapstructure:"sell_level_offset"`
}

// RebalanceSettings 再平衡参数
type RebalanceSettings struct {
	ThresholdPercent     float64 `json:"threshold_percent" mapstructure:"threshold_percent"`
	MinIntervalSeconds   int     `json:"min_interval_seconds" mapstructure:"min_interval_seconds"`
	LiquidateOnRebalance bool    `json:"liquidate_on_rebalance" mapstructure:"liquidate_on_rebalance"`
}

// RiskSettings 风控参数
type RiskSettings struct {
	DailyLossLimit             float64 `json:"daily_loss_limit" mapstructure:"daily_loss_limit"`       // 单日最大亏损 (计价货币)
	GlobalStopPercent          float64 `json:"global_stop_percent" mapstructure:"global_stop_percent"` // 总亏损百分比止损线
	MaxDrawdownPercent         float64 `json:"max_drawdown_percent" mapstructure:"max_drawdown_percent"`
	MaxExposurePercent         float64 `json:"max_exposure_percent" mapstructure:"max_exposure_percent"`
	WarningThresholdPercent    float64 `json:"warning_threshold_percent" mapstructure:"warning_threshold_percent"`
	MaxOrderNotionalPercent    float64 `json:"max_order_notional_percent" mapstructure:"max_order_notional_percent"`
	AlertCoalesceWindowSeconds int     `json:"alert_coalesce_window_seconds" mapstructure:"alert_coalesce_window_seconds"`
	EmergencyOnGlobalStop      bool    `json:"emergency_on_global_stop" mapstructure:"emergency_on_global_stop"`
}

// SchedulerSettings 调度循环参数
type SchedulerSettings struct {
	TickIntervalSeconds   int `json:"tick_interval_seconds" mapstructure:"tick_interval_seconds"`
	StatusIntervalSeconds int `json:"status_interval_seconds" mapstructure:"status_interval_seconds"`
}

// PaperSettings 模拟盘和回测撮合参数
type PaperSettings struct {
	InitialQuote float64 `json:"initial_quote" mapstructure:"initial_quote"`
	InitialBase  float64 `json:"initial_base" mapstructure:"initial_base"`
	MakerFeeRate float64 `json:"maker_fee_rate" mapstructure:"maker_fee_rate"` // 挂单手续费率
	TakerFeeRate float64 `json:"taker_fee_rate" mapstructure:"taker_fee_rate"` // 吃单手续费率
	SlippageRate float64 `json:"slippage_rate" mapstructure:"slippage_rate"`   // 滑点率
}

// APISettings 运维 HTTP 接口
type APISettings struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// NotifySettings Telegram 通知
type NotifySettings struct {
	TelegramToken  string `json:"telegram_token" mapstructure:"telegram_token"`
	TelegramChatID int64  `json:"telegram_chat_id" mapstructure:"telegram_chat_id"`
}

// WebSocketSettings 行情推送连接参数
type WebSocketSettings struct {
	LiveURL         string `json:"live_url" mapstructure:"live_url"`
	TestnetURL      string `json:"testnet_url" mapstructure:"testnet_url"`
	PingIntervalSec int    `json:"ping_interval_sec" mapstructure:"ping_interval_sec"`
	PongTimeoutSec  int    `json:"pong_timeout_sec" mapstructure:"pong_timeout_sec"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" mapstructure:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" mapstructure:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" mapstructure:"compress"`       // 是否压缩旧日志文件
}

// GridConfig 将浮点配置转换为网格计算使用的十进制参数
func (c *Config) GridConfig() GridConfig {
	return GridConfig{
		Symbol:              c.Symbol,
		TotalCapital:        decimal.NewFromFloat(c.Grid.TotalCapital),
		NumLevels:           c.Grid.NumLevels,
		RangePercent:        decimal.NewFromFloat(c.Grid.RangePercent),
		ProfitTargetPercent: decimal.NewFromFloat(c.Grid.ProfitTargetPercent),
		MinOrderSize:        decimal.NewFromFloat(c.Grid.MinOrderSize),
		FeePercent:          decimal.NewFromFloat(c.Grid.FeePercent),
	}
}

// TickInterval 返回调度周期
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalSeconds) * time.Second
}

// StreamURL 根据是否为测试网选择行情推送地址
func (c *Config) StreamURL() string {
	if c.IsTestnet {
		return c.WebSocket.TestnetURL
	}
	return c.WebSocket.LiveURL
}
