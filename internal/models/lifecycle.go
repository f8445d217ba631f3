package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus 是买入到卖出完整周期的状态
type CycleStatus string

const (
	CycleWaitingBuyFill CycleStatus = "WAITING_BUY_FILL"
	CycleBuyFilled      CycleStatus = "BUY_FILLED"
	CycleSellPlaced     CycleStatus = "SELL_PLACED"
	CycleClosed         CycleStatus = "CLOSED" // 反向卖单已成交, 利润已结算
	CycleError          CycleStatus = "ERROR"
)

// IsTerminal reports whether the cycle no longer needs reconciliation.
func (s CycleStatus) IsTerminal() bool { return s == CycleClosed || s == CycleError }

// ManagedCycle tracks one buy→sell round trip.
type ManagedCycle struct {
	ID              string          `json:"id"`
	BuyLevelID      int             `json:"buy_level_id"`
	SellLevelID     int             `json:"sell_level_id"`
	BuyOrderID      string          `json:"buy_order_id"`
	SellOrderID     string          `json:"sell_order_id,omitempty"`
	BuyFillPrice    decimal.Decimal `json:"buy_fill_price"`
	TargetSellPrice decimal.Decimal `json:"target_sell_price"`
	SellFillPrice   decimal.Decimal `json:"sell_fill_price"`
	Volume          decimal.Decimal `json:"volume"`
	Status          CycleStatus     `json:"status"`
	ExpectedProfit  decimal.Decimal `json:"expected_profit"`
	RealizedProfit  decimal.Decimal `json:"realized_profit"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ClosedAt        time.Time       `json:"closed_at,omitempty"`
}

// RebalanceReason 再平衡触发原因
type RebalanceReason string

const (
	ReasonPriceAboveGrid RebalanceReason = "PRICE_ABOVE_GRID"
	ReasonPriceBelowGrid RebalanceReason = "PRICE_BELOW_GRID"
	ReasonManual         RebalanceReason = "MANUAL"
)

// RebalanceStatus 再平衡动作状态
type RebalanceStatus string

const (
	RebalancePending    RebalanceStatus = "PENDING"
	RebalanceInProgress RebalanceStatus = "IN_PROGRESS"
	RebalanceCompleted  RebalanceStatus = "COMPLETED"
	RebalanceFailed     RebalanceStatus = "FAILED"
	RebalanceCanceled   RebalanceStatus = "CANCELED"
)

// RebalanceAction 是只追加的再平衡审计记录
type RebalanceAction struct {
	ID              string          `json:"id"`
	Reason          RebalanceReason `json:"reason"`
	OldCenter       decimal.Decimal `json:"old_center"`
	NewCenter       decimal.Decimal `json:"new_center"`
	OldUpper        decimal.Decimal `json:"old_upper"`
	OldLower        decimal.Decimal `json:"old_lower"`
	NewUpper        decimal.Decimal `json:"new_upper"`
	NewLower        decimal.Decimal `json:"new_lower"`
	OrdersCanceled  int             `json:"orders_canceled"`
	CancelFailures  int             `json:"cancel_failures"`
	OrdersPlaced    int             `json:"orders_placed"`
	PositionsClosed int             `json:"positions_closed"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	Status          RebalanceStatus `json:"status"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     time.Time       `json:"completed_at,omitempty"`
}

// RiskLevel 风险等级, 数值越大越严重
type RiskLevel int

const (
	RiskNormal RiskLevel = iota
	RiskWarning
	RiskCritical
	RiskEmergency
)

func (l RiskLevel) String() string {
	switch l {
	case RiskWarning:
		return "WARNING"
	case RiskCritical:
		return "CRITICAL"
	case RiskEmergency:
		return "EMERGENCY"
	default:
		return "NORMAL"
	}
}

// MarshalText 让风险等级在 JSON 中以名称输出
func (l RiskLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText parses the name written by MarshalText.
func (l *RiskLevel) UnmarshalText(b []byte) error {
	switch string(b) {
	case "WARNING":
		*l = RiskWarning
	case "CRITICAL":
		*l = RiskCritical
	case "EMERGENCY":
		*l = RiskEmergency
	default:
		*l = RiskNormal
	}
	return nil
}

// AlertType 风险告警类型
type AlertType string

const (
	AlertDailyLoss     AlertType = "DAILY_LOSS_LIMIT"
	AlertGlobalStop    AlertType = "GLOBAL_STOP_LOSS"
	AlertDrawdown      AlertType = "MAX_DRAWDOWN"
	AlertExposure      AlertType = "EXPOSURE_LIMIT"
	AlertEmergencyStop AlertType = "EMERGENCY_STOP"
)

// RiskAlert 风险告警
type RiskAlert struct {
	ID           string          `json:"id"`
	Type         AlertType       `json:"type"`
	Severity     RiskLevel       `json:"severity"`
	Message      string          `json:"message"`
	Value        decimal.Decimal `json:"value"`
	Threshold    decimal.Decimal `json:"threshold"`
	Timestamp    time.Time       `json:"timestamp"`
	Acknowledged bool            `json:"acknowledged"`
}
