package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 定义了网格档位和订单的方向
type Side string

const (
	Buy    Side = "BUY"
	Sell   Side = "SELL"
	Center Side = "CENTER" // 奇数网格的中点档位，不挂单
)

// OrderType 订单类型
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// OrderStatus 是订单的有限状态机状态
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// IsActive 判断订单是否仍占用其网格档位
func (s OrderStatus) IsActive() bool {
	return s == OrderPending || s == OrderOpen || s == OrderPartiallyFilled
}

// IsTerminal 判断订单是否已进入终态
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected || s == OrderExpired
}

// GridConfig 是单个网格实例的不可变参数
type GridConfig struct {
	Symbol              string          `json:"symbol"`
	TotalCapital        decimal.Decimal `json:"total_capital"`         // 总资金 (计价货币)
	NumLevels           int             `json:"num_levels"`            // 网格档位数量, 至少为3
	RangePercent        decimal.Decimal `json:"range_percent"`         // 总价格区间百分比, 14 表示 ±7%
	ProfitTargetPercent decimal.Decimal `json:"profit_target_percent"` // 每格目标利润百分比
	MinOrderSize        decimal.Decimal `json:"min_order_size"`        // 最小下单数量 (基础货币)
	FeePercent          decimal.Decimal `json:"fee_percent"`           // 手续费百分比
}

var hundred = decimal.NewFromInt(100)

// CapitalPerLevel 返回每个档位分配的资金
func (c GridConfig) CapitalPerLevel() decimal.Decimal {
	if c.NumLevels <= 0 {
		return decimal.Zero
	}
	return c.TotalCapital.Div(decimal.NewFromInt(int64(c.NumLevels)))
}

// ProfitRate 将目标利润百分比转换为比例
func (c GridConfig) ProfitRate() decimal.Decimal { return c.ProfitTargetPercent.Div(hundred) }

// FeeRate 将手续费百分比转换为比例
func (c GridConfig) FeeRate() decimal.Decimal { return c.FeePercent.Div(hundred) }

// GridLevel 代表网格中的一个价格档位
type GridLevel struct {
	ID               int             `json:"id"`
	Price            decimal.Decimal `json:"price"`
	Side             Side            `json:"side"`
	AllocatedCapital decimal.Decimal `json:"allocated_capital"`
	Quantity         decimal.Decimal `json:"quantity"`
	Active           bool            `json:"active"`
	OrderID          string          `json:"order_id,omitempty"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity"`
	LastFillAt       time.Time       `json:"last_fill_at,omitempty"`
}

// Order 是账本中记录的一张订单
type Order struct {
	ID              string          `json:"id"` // 客户端订单ID
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	LevelID         int             `json:"level_id"`
	Epoch           int             `json:"epoch"` // 下单时的网格版本, 每次重建网格递增
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Type            OrderType       `json:"type"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	Fee             decimal.Decimal `json:"fee"`
	FeeCurrency     string          `json:"fee_currency,omitempty"`
	Status          OrderStatus     `json:"status"`
	ParentOrderID   string          `json:"parent_order_id,omitempty"`  // 反向卖单所对应的买单
	CounterOrderID  string          `json:"counter_order_id,omitempty"` // 买单成交后挂出的反向卖单
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// FillPrice 返回成交均价, 没有成交均价时退回挂单价
func (o Order) FillPrice() decimal.Decimal {
	if o.AvgFillPrice.IsPositive() {
		return o.AvgFillPrice
	}
	return o.Price
}

// Position 是一笔买单成交形成的持仓批次, 同一档位在不同网格版本下可以同时持有多个批次
type Position struct {
	LotID         string          `json:"lot_id,omitempty"` // 开仓买单的客户端订单ID
	LevelID       int             `json:"level_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"` // 成交量加权均价
	MarkPrice     decimal.Decimal `json:"mark_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Open          bool            `json:"open"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at,omitempty"`
}

// TradeKind 区分成交的来源
type TradeKind string

const (
	TradeGrid      TradeKind = "GRID"
	TradeRebalance TradeKind = "REBALANCE"
	TradeEmergency TradeKind = "EMERGENCY"
)

// Trade 是持仓跟踪器记录的一次成交
type Trade struct {
	ID          string          `json:"id"`
	LotID       string          `json:"lot_id,omitempty"`
	LevelID     int             `json:"level_id"`
	Side        Side            `json:"side"`
	Kind        TradeKind       `json:"kind"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	OrderID     string          `json:"order_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// FillEvent 在订单进入 filled 状态时由账本发布
type FillEvent struct {
	Order Order `json:"order"`
	// PositionLevelID 是该成交应计入的持仓档位; 反向卖单计入其买单所在档位
	PositionLevelID int             `json:"position_level_id"`
	LotID           string          `json:"lot_id,omitempty"` // 买单自身ID, 或卖单所平的买单ID
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	FeeQuote        decimal.Decimal `json:"fee_quote"` // 折算为计价货币的手续费
	Profit          decimal.Decimal `json:"profit"`    // 仅卖单: 相对买单的已实现利润
	Timestamp       time.Time       `json:"timestamp"`
}

// DailyStats 是某个 UTC 日的成交统计
type DailyStats struct {
	Date        string          `json:"date"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Fees        decimal.Decimal `json:"fees"`
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
}
