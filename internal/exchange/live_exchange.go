package exchange

import (
	"context"
	"strconv"
	"time"

	"grid-engine-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LiveExchange 实现了 Exchange 接口，通过 go-binance 与币安现货交易所交互。
type LiveExchange struct {
	client *binance.Client
	logger *zap.Logger
}

// NewLiveExchange 创建一个新的 LiveExchange 实例。
// apiKey 为空时只能调用公共行情接口 (模拟盘用它获取初始价格)。
func NewLiveExchange(apiKey, secretKey string, testnet bool, logger *zap.Logger) *LiveExchange {
	// go-binance 通过包级变量切换测试网
	binance.UseTestnet = testnet
	return &LiveExchange{
		client: binance.NewClient(apiKey, secretKey),
		logger: logger,
	}
}

// SyncTime 与币安服务器同步时间, 返回本地与服务器的时间偏差
func (e *LiveExchange) SyncTime(ctx context.Context) (time.Duration, error) {
	offset, err := e.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "sync server time")
	}
	d := time.Duration(offset) * time.Millisecond
	e.logger.Info("与币安服务器时间同步完成", zap.Duration("offset", d))
	return d, nil
}

func (e *LiveExchange) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	books, err := e.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "book ticker %s", symbol)
	}
	stats, err := e.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "24h stats %s", symbol)
	}
	if len(books) == 0 || len(stats) == 0 {
		return nil, errors.Wrapf(ErrNoPrice, "empty ticker for %s", symbol)
	}

	t := &Ticker{
		Symbol:    symbol,
		Bid:       parseDecimal(books[0].BidPrice),
		Ask:       parseDecimal(books[0].AskPrice),
		Last:      parseDecimal(stats[0].LastPrice),
		Volume:    parseDecimal(stats[0].Volume),
		Timestamp: time.UnixMilli(stats[0].CloseTime),
	}
	if !t.Last.IsPositive() {
		return nil, errors.Wrapf(ErrNoPrice, "last price for %s", symbol)
	}
	return t, nil
}

func (e *LiveExchange) GetBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get account")
	}
	out := make(map[string]decimal.Decimal, len(account.Balances))
	for _, b := range account.Balances {
		total := parseDecimal(b.Free).Add(parseDecimal(b.Locked))
		if total.IsZero() {
			continue
		}
		out[b.Asset] = total
	}
	return out, nil
}

func (e *LiveExchange) CreateOrder(ctx context.Context, req OrderRequest) (*OrderReport, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if req.Type == models.Market {
		svc = svc.Type(binance.OrderTypeMarket)
	} else {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.Price.String())
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "create order %s", req.ClientOrderID)
	}

	report := &OrderReport{
		ClientOrderID:   resp.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Symbol:          resp.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Price:           parseDecimal(resp.Price),
		Quantity:        parseDecimal(resp.OrigQuantity),
		FilledQuantity:  parseDecimal(resp.ExecutedQuantity),
		Status:          mapOrderStatus(resp.Status),
		UpdatedAt:       time.UnixMilli(resp.TransactTime),
	}
	report.AvgFillPrice = avgPrice(parseDecimal(resp.CummulativeQuoteQuantity), report.FilledQuantity)
	for _, f := range resp.Fills {
		report.Fee = report.Fee.Add(parseDecimal(f.Commission))
		report.FeeCurrency = f.CommissionAsset
	}
	return report, nil
}

func (e *LiveExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := e.client.NewCancelOrderService().Symbol(symbol).OrigClientOrderID(orderID).Do(ctx)
	if err != nil {
		return errors.Wrapf(err, "cancel order %s", orderID)
	}
	return nil
}

func (e *LiveExchange) GetOrder(ctx context.Context, symbol, orderID string) (*OrderReport, error) {
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(orderID).Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", orderID)
	}
	report := convertOrder(o)

	// 查询订单接口不返回手续费, 有成交时再查一次成交明细
	if report.FilledQuantity.IsPositive() {
		trades, err := e.client.NewListTradesService().Symbol(symbol).OrderId(o.OrderID).Do(ctx)
		if err != nil {
			e.logger.Warn("获取成交明细失败, 手续费记为0", zap.String("orderID", orderID), zap.Error(err))
		} else {
			for _, t := range trades {
				report.Fee = report.Fee.Add(parseDecimal(t.Commission))
				report.FeeCurrency = t.CommissionAsset
			}
		}
	}
	return &report, nil
}

func (e *LiveExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OrderReport, error) {
	orders, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "list open orders %s", symbol)
	}
	out := make([]OrderReport, 0, len(orders))
	for _, o := range orders {
		out = append(out, convertOrder(o))
	}
	return out, nil
}

func convertOrder(o *binance.Order) OrderReport {
	filled := parseDecimal(o.ExecutedQuantity)
	return OrderReport{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		Symbol:          o.Symbol,
		Side:            models.Side(o.Side),
		Type:            models.OrderType(o.Type),
		Price:           parseDecimal(o.Price),
		Quantity:        parseDecimal(o.OrigQuantity),
		FilledQuantity:  filled,
		AvgFillPrice:    avgPrice(parseDecimal(o.CummulativeQuoteQuantity), filled),
		Status:          mapOrderStatus(o.Status),
		UpdatedAt:       time.UnixMilli(o.UpdateTime),
	}
}

// mapOrderStatus 将币安订单状态映射到账本的状态机
func mapOrderStatus(s binance.OrderStatusType) models.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePendingCancel:
		return models.OrderOpen
	case binance.OrderStatusTypePartiallyFilled:
		return models.OrderPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return models.OrderFilled
	case binance.OrderStatusTypeCanceled:
		return models.OrderCanceled
	case binance.OrderStatusTypeRejected:
		return models.OrderRejected
	case binance.OrderStatusTypeExpired:
		return models.OrderExpired
	default:
		return models.OrderOpen
	}
}

func avgPrice(quoteQty, qty decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return quoteQty.Div(qty)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
