package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"

	"grid-engine-go/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperConfig 模拟撮合参数
type PaperConfig struct {
	Symbol       string
	BaseAsset    string
	QuoteAsset   string
	InitialQuote decimal.Decimal
	InitialBase  decimal.Decimal
	MakerFeeRate decimal.Decimal // 挂单手续费率, 限价单成交使用
	TakerFeeRate decimal.Decimal // 吃单手续费率, 市价单成交使用
	SlippageRate decimal.Decimal // 滑点率, 仅作用于市价单
}

// PaperConfigFromSettings 由引擎配置构造模拟撮合参数
func PaperConfigFromSettings(cfg *models.Config) PaperConfig {
	return PaperConfig{
		Symbol:       cfg.Symbol,
		BaseAsset:    cfg.BaseAsset,
		QuoteAsset:   cfg.QuoteAsset,
		InitialQuote: decimal.NewFromFloat(cfg.Paper.InitialQuote),
		InitialBase:  decimal.NewFromFloat(cfg.Paper.InitialBase),
		MakerFeeRate: decimal.NewFromFloat(cfg.Paper.MakerFeeRate),
		TakerFeeRate: decimal.NewFromFloat(cfg.Paper.TakerFeeRate),
		SlippageRate: decimal.NewFromFloat(cfg.Paper.SlippageRate),
	}
}

// maxRetainedPaperOrders 已结束订单保留的数量, 更早的订单查询时返回 ErrOrderNotFound
var maxRetainedPaperOrders = 1000

type paperOrder struct {
	report OrderReport
	locked decimal.Decimal // 下单时冻结的资金 (买单为计价货币, 卖单为基础货币)
}

// PaperExchange 实现了 Exchange 接口，在内存中模拟现货撮合, 用于模拟盘和回测。
// 价格穿过挂单价时成交, 余额账本区分可用和冻结资金。
type PaperExchange struct {
	cfg    PaperConfig
	logger *zap.Logger

	mu           sync.Mutex
	free         map[string]decimal.Decimal
	locked       map[string]decimal.Decimal
	orders       map[string]*paperOrder
	open         []*paperOrder // 按下单顺序排列的未成交限价单
	done         []string      // 按结束顺序排列的已结束订单
	nextSeq      int64
	currentPrice decimal.Decimal
	currentTime  time.Time
	volume       decimal.Decimal
	totalFees    decimal.Decimal
	equityCurve  []decimal.Decimal
	dailyEquity  map[string]decimal.Decimal
}

// NewPaperExchange 创建一个新的模拟交易所
func NewPaperExchange(cfg PaperConfig, logger *zap.Logger) *PaperExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperExchange{
		cfg:    cfg,
		logger: logger,
		free: map[string]decimal.Decimal{
			cfg.QuoteAsset: cfg.InitialQuote,
			cfg.BaseAsset:  cfg.InitialBase,
		},
		locked:      make(map[string]decimal.Decimal),
		orders:      make(map[string]*paperOrder),
		nextSeq:     1,
		equityCurve: make([]decimal.Decimal, 0, 1024),
		dailyEquity: make(map[string]decimal.Decimal),
	}
}

// SetPrice 模拟一根K线内的价格变动并触发订单成交检查。
// 按 O->L->H->C 的路径逐点撮合, 比只看高低点更接近K线内部的真实走势。
func (e *PaperExchange) SetPrice(open, high, low, close decimal.Decimal, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentTime = ts
	for _, p := range []decimal.Decimal{open, low, high, close} {
		e.currentPrice = p
		e.checkLimitOrdersAtPrice(p)
	}
	e.currentPrice = close
	e.updateEquity()
}

// SetLastPrice 用单个成交价推进模拟盘, 实时行情推送时使用。
// 只更新当日权益, 不追加权益曲线; 权益曲线按K线记录。
func (e *PaperExchange) SetLastPrice(price decimal.Decimal, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentTime = ts
	e.currentPrice = price
	e.checkLimitOrdersAtPrice(price)
	e.markDailyEquity(e.equityLocked())
}

// checkLimitOrdersAtPrice 按下单顺序检查挂单能否在指定价格成交。必须在持有锁的情况下调用。
func (e *PaperExchange) checkLimitOrdersAtPrice(price decimal.Decimal) {
	kept := e.open[:0]
	for _, o := range e.open {
		if o.report.Status != models.OrderOpen {
			continue
		}
		limit := o.report.Price
		if (o.report.Side == models.Buy && price.LessThanOrEqual(limit)) ||
			(o.report.Side == models.Sell && price.GreaterThanOrEqual(limit)) {
			e.fill(o, limit, e.cfg.MakerFeeRate)
			continue
		}
		kept = append(kept, o)
	}
	for i := len(kept); i < len(e.open); i++ {
		e.open[i] = nil
	}
	e.open = kept
}

// retire 记录已结束的订单, 超出保留数量时淘汰最早结束的。必须在持有锁的情况下调用。
func (e *PaperExchange) retire(o *paperOrder) {
	e.done = append(e.done, o.report.ClientOrderID)
	if excess := len(e.done) - maxRetainedPaperOrders; excess > 0 {
		for _, id := range e.done[:excess] {
			delete(e.orders, id)
		}
		e.done = append([]string(nil), e.done[excess:]...)
	}
}

// fill 以给定价格全部成交一张订单并结算余额。必须在持有锁的情况下调用。
func (e *PaperExchange) fill(o *paperOrder, price, feeRate decimal.Decimal) {
	qty := o.report.Quantity
	notional := price.Mul(qty)
	fee := notional.Mul(feeRate)
	base, quote := e.cfg.BaseAsset, e.cfg.QuoteAsset

	if o.report.Side == models.Buy {
		e.locked[quote] = e.locked[quote].Sub(o.locked)
		e.free[quote] = e.free[quote].Add(o.locked).Sub(notional).Sub(fee)
		e.free[base] = e.free[base].Add(qty)
	} else {
		e.locked[base] = e.locked[base].Sub(o.locked)
		e.free[base] = e.free[base].Add(o.locked).Sub(qty)
		e.free[quote] = e.free[quote].Add(notional).Sub(fee)
	}
	o.locked = decimal.Zero

	o.report.Status = models.OrderFilled
	o.report.FilledQuantity = qty
	o.report.AvgFillPrice = price
	o.report.Fee = fee
	o.report.FeeCurrency = quote
	o.report.UpdatedAt = e.currentTime
	e.totalFees = e.totalFees.Add(fee)
	e.volume = e.volume.Add(notional)
	e.retire(o)

	e.logger.Debug("模拟成交",
		zap.String("orderID", o.report.ClientOrderID),
		zap.String("side", string(o.report.Side)),
		zap.String("price", price.String()),
		zap.String("qty", qty.String()),
		zap.String("fee", fee.String()),
	)
}

// updateEquity 计算并记录当前权益。必须在持有锁的情况下调用。
func (e *PaperExchange) updateEquity() {
	equity := e.equityLocked()
	e.equityCurve = append(e.equityCurve, equity)
	e.markDailyEquity(equity)
}

func (e *PaperExchange) markDailyEquity(equity decimal.Decimal) {
	if !e.currentTime.IsZero() {
		e.dailyEquity[e.currentTime.UTC().Format("2006-01-02")] = equity
	}
}

func (e *PaperExchange) equityLocked() decimal.Decimal {
	base, quote := e.cfg.BaseAsset, e.cfg.QuoteAsset
	baseTotal := e.free[base].Add(e.locked[base])
	return e.free[quote].Add(e.locked[quote]).Add(baseTotal.Mul(e.currentPrice))
}

// --- Exchange 接口实现 ---

func (e *PaperExchange) GetTicker(_ context.Context, symbol string) (*Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.currentPrice.IsPositive() {
		return nil, ErrNoPrice
	}
	return &Ticker{
		Symbol:    symbol,
		Bid:       e.currentPrice,
		Ask:       e.currentPrice,
		Last:      e.currentPrice,
		Volume:    e.volume,
		Timestamp: e.currentTime,
	}, nil
}

func (e *PaperExchange) GetBalance(_ context.Context) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(e.free))
	for asset, amount := range e.free {
		out[asset] = amount.Add(e.locked[asset])
	}
	return out, nil
}

func (e *PaperExchange) CreateOrder(_ context.Context, req OrderRequest) (*OrderReport, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.orders[req.ClientOrderID]; exists {
		return nil, errors.Wrap(ErrDuplicateOrderID, req.ClientOrderID)
	}

	o := &paperOrder{
		report: OrderReport{
			ClientOrderID:   req.ClientOrderID,
			ExchangeOrderID: strconv.FormatInt(e.nextSeq, 10),
			Symbol:          e.cfg.Symbol, // 强制使用交易所内部的 symbol
			Side:            req.Side,
			Type:            req.Type,
			Price:           req.Price,
			Quantity:        req.Quantity,
			Status:          models.OrderOpen,
			UpdatedAt:       e.currentTime,
		},
	}

	if req.Type == models.Market {
		if !e.currentPrice.IsPositive() {
			return nil, ErrNoPrice
		}
		price := e.currentPrice.Mul(decimal.NewFromInt(1).Add(e.cfg.SlippageRate))
		if req.Side == models.Sell {
			price = e.currentPrice.Mul(decimal.NewFromInt(1).Sub(e.cfg.SlippageRate))
		}
		if err := e.checkFunds(req.Side, req.Quantity, price, e.cfg.TakerFeeRate); err != nil {
			return nil, err
		}
		o.report.Price = price
		e.nextSeq++
		e.orders[req.ClientOrderID] = o
		e.fill(o, price, e.cfg.TakerFeeRate)
		report := o.report
		return &report, nil
	}

	if err := e.checkFunds(req.Side, req.Quantity, req.Price, e.cfg.MakerFeeRate); err != nil {
		return nil, err
	}
	// 冻结资金: 买单冻结名义价值加手续费, 卖单冻结基础货币
	if req.Side == models.Buy {
		o.locked = req.Price.Mul(req.Quantity).Mul(decimal.NewFromInt(1).Add(e.cfg.MakerFeeRate))
		e.free[e.cfg.QuoteAsset] = e.free[e.cfg.QuoteAsset].Sub(o.locked)
		e.locked[e.cfg.QuoteAsset] = e.locked[e.cfg.QuoteAsset].Add(o.locked)
	} else {
		o.locked = req.Quantity
		e.free[e.cfg.BaseAsset] = e.free[e.cfg.BaseAsset].Sub(o.locked)
		e.locked[e.cfg.BaseAsset] = e.locked[e.cfg.BaseAsset].Add(o.locked)
	}
	e.nextSeq++
	e.orders[req.ClientOrderID] = o
	e.open = append(e.open, o)

	report := o.report
	return &report, nil
}

// checkFunds 检查可用余额是否足够。必须在持有锁的情况下调用。
func (e *PaperExchange) checkFunds(side models.Side, qty, price, feeRate decimal.Decimal) error {
	if side == models.Buy {
		need := price.Mul(qty).Mul(decimal.NewFromInt(1).Add(feeRate))
		if e.free[e.cfg.QuoteAsset].LessThan(need) {
			return errors.Wrapf(ErrInsufficientBalance, "need %s %s, free %s",
				need.StringFixed(8), e.cfg.QuoteAsset, e.free[e.cfg.QuoteAsset].StringFixed(8))
		}
		return nil
	}
	if e.free[e.cfg.BaseAsset].LessThan(qty) {
		return errors.Wrapf(ErrInsufficientBalance, "need %s %s, free %s",
			qty.String(), e.cfg.BaseAsset, e.free[e.cfg.BaseAsset].String())
	}
	return nil
}

func (e *PaperExchange) CancelOrder(_ context.Context, _ string, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return errors.Wrap(ErrOrderNotFound, orderID)
	}
	if o.report.Status != models.OrderOpen {
		return errors.Wrapf(ErrOrderNotOpen, "%s is %s", orderID, o.report.Status)
	}

	asset := e.cfg.QuoteAsset
	if o.report.Side == models.Sell {
		asset = e.cfg.BaseAsset
	}
	e.locked[asset] = e.locked[asset].Sub(o.locked)
	e.free[asset] = e.free[asset].Add(o.locked)
	o.locked = decimal.Zero
	o.report.Status = models.OrderCanceled
	o.report.UpdatedAt = e.currentTime
	e.retire(o)
	return nil
}

func (e *PaperExchange) GetOrder(_ context.Context, _ string, orderID string) (*OrderReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, errors.Wrap(ErrOrderNotFound, orderID)
	}
	report := o.report
	return &report, nil
}

func (e *PaperExchange) GetOpenOrders(_ context.Context, symbol string) ([]OrderReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]OrderReport, 0, len(e.open))
	for _, o := range e.open {
		if o.report.Status == models.OrderOpen && (symbol == "" || o.report.Symbol == symbol) {
			out = append(out, o.report)
		}
	}
	return out, nil
}

// --- 回测报告使用的辅助方法 ---

// CurrentTime 返回最近一次推进价格的时间
func (e *PaperExchange) CurrentTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTime
}

// Equity 返回按当前价格计算的账户总权益
func (e *PaperExchange) Equity() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equityLocked()
}

// EquityCurve 返回权益曲线的副本
func (e *PaperExchange) EquityCurve() []decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]decimal.Decimal, len(e.equityCurve))
	copy(out, e.equityCurve)
	return out
}

// DailyEquity 返回每日收盘权益的只读副本
func (e *PaperExchange) DailyEquity() map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	cpy := make(map[string]decimal.Decimal, len(e.dailyEquity))
	for k, v := range e.dailyEquity {
		cpy[k] = v
	}
	return cpy
}

// TotalFees 返回累计手续费
func (e *PaperExchange) TotalFees() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFees
}
