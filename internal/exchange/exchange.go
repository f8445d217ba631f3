package exchange

import (
	"context"
	"time"

	"grid-engine-go/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotOpen        = errors.New("order is not open")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateOrderID    = errors.New("duplicate client order id")
	ErrNoPrice             = errors.New("no market price available")
	ErrInvalidOrder        = errors.New("invalid order request")
)

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得引擎可以在真实交易、模拟盘和回测之间轻松切换。
// 订单一律以客户端订单ID标识。
type Exchange interface {
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetBalance(ctx context.Context) (map[string]decimal.Decimal, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderReport, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderReport, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderReport, error)
}

// Ticker 行情快照
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderRequest 下单请求, 市价单忽略 Price
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          models.Side
	Type          models.OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
}

// Validate 检查请求的基本合法性
func (r OrderRequest) Validate() error {
	if r.ClientOrderID == "" || r.Symbol == "" {
		return errors.Wrap(ErrInvalidOrder, "client order id and symbol are required")
	}
	if r.Side != models.Buy && r.Side != models.Sell {
		return errors.Wrapf(ErrInvalidOrder, "side %q", r.Side)
	}
	if !r.Quantity.IsPositive() {
		return errors.Wrap(ErrInvalidOrder, "quantity must be positive")
	}
	if r.Type == models.Limit && !r.Price.IsPositive() {
		return errors.Wrap(ErrInvalidOrder, "limit price must be positive")
	}
	return nil
}

// OrderReport 交易所返回的订单状态
type OrderReport struct {
	ClientOrderID   string             `json:"client_order_id"`
	ExchangeOrderID string             `json:"exchange_order_id"`
	Symbol          string             `json:"symbol"`
	Side            models.Side        `json:"side"`
	Type            models.OrderType   `json:"type"`
	Price           decimal.Decimal    `json:"price"`
	Quantity        decimal.Decimal    `json:"quantity"`
	FilledQuantity  decimal.Decimal    `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal    `json:"avg_fill_price"`
	Fee             decimal.Decimal    `json:"fee"`
	FeeCurrency     string             `json:"fee_currency"`
	Status          models.OrderStatus `json:"status"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// FillPriceOr 返回成交均价, 尚无成交时返回 fallback
func (r OrderReport) FillPriceOr(fallback decimal.Decimal) decimal.Decimal {
	if r.AvgFillPrice.IsPositive() {
		return r.AvgFillPrice
	}
	return fallback
}
