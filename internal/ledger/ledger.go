package ledger

import (
	"context"
	"sync"
	"time"

	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	quantityPlaces = grid.QuantityPlaces
	pricePlaces    = 8
)

// 终态订单最多保留的数量, 超出 pruneBatch 后按下单顺序淘汰最早的
var (
	maxRetainedOrders = 1000
	pruneBatch        = 100
)

var (
	ErrLevelOccupied     = errors.New("grid level already has an active order")
	ErrInertLevel        = errors.New("center level does not trade")
	ErrUnknownLevel      = errors.New("unknown grid level")
	ErrNoGrid            = errors.New("grid levels not initialized")
	ErrOrderNotFound     = errors.New("order not found in ledger")
	ErrOrderNotActive    = errors.New("order is not active")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// transitions 订单状态机允许的迁移
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending: {
		models.OrderOpen, models.OrderPartiallyFilled, models.OrderFilled,
		models.OrderCanceled, models.OrderRejected, models.OrderExpired,
	},
	models.OrderOpen: {
		models.OrderOpen, models.OrderPartiallyFilled, models.OrderFilled,
		models.OrderCanceled, models.OrderRejected, models.OrderExpired,
	},
	models.OrderPartiallyFilled: {
		models.OrderPartiallyFilled, models.OrderFilled, models.OrderCanceled, models.OrderExpired,
	},
}

func canTransition(from, to models.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validator 下单前的风控检查, 返回错误即拒绝下单
type Validator func(side models.Side, quantity, price decimal.Decimal) error

// FillHandler 接收订单完全成交事件
type FillHandler func(models.FillEvent)

// Config 账本参数
type Config struct {
	Symbol    string
	BaseAsset string
}

// OrderUpdate 是交易所报告的订单状态, 用于推进账本中的状态机
type OrderUpdate struct {
	Status          models.OrderStatus
	ExchangeOrderID string
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	Error           string
}

// UpdateFromReport 把交易所订单报告转换为账本更新
func UpdateFromReport(r exchange.OrderReport) OrderUpdate {
	return OrderUpdate{
		Status:          r.Status,
		ExchangeOrderID: r.ExchangeOrderID,
		FilledQuantity:  r.FilledQuantity,
		AvgFillPrice:    r.AvgFillPrice,
		Fee:             r.Fee,
		FeeCurrency:     r.FeeCurrency,
	}
}

// InitResult 初始化挂单的结果
type InitResult struct {
	Placed  int `json:"placed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// CancelResult 批量撤单结果, 单个失败不会中断其余撤单
type CancelResult struct {
	Attempted int      `json:"attempted"`
	Canceled  int      `json:"canceled"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// SyncResult 一次与交易所对账的结果
type SyncResult struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Filled  int `json:"filled"`
	Errors  int `json:"errors"`
}

// Status 账本概要
type Status struct {
	Epoch        int             `json:"epoch"`
	Strategy     string          `json:"strategy"`
	Levels       int             `json:"levels"`
	ActiveOrders int             `json:"active_orders"`
	FilledOrders int             `json:"filled_orders"`
	TotalOrders  int             `json:"total_orders"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
	TotalFees    decimal.Decimal `json:"total_fees"`
}

// Ledger 维护网格档位与订单的对应关系, 并在成交时执行再投资。
// 所有状态由共享的读写锁保护; 交易所调用一律在锁外进行。
type Ledger struct {
	mu       *sync.RWMutex
	ex       exchange.Exchange
	cfg      Config
	strategy Strategy
	logger   *zap.Logger
	now      func() time.Time

	grid          *grid.Grid
	epoch         int
	levels        []models.GridLevel
	orders        map[string]*models.Order
	orderSeq      []string
	activeByLevel map[int]string
	lastBuyFill   map[int]string

	validator   Validator
	subscribers []FillHandler

	created     int
	filled      int
	totalProfit decimal.Decimal
	totalFees   decimal.Decimal
}

// Option 配置账本
type Option func(*Ledger)

// WithLock 让账本与其它组件共享同一把锁
func WithLock(mu *sync.RWMutex) Option { return func(l *Ledger) { l.mu = mu } }

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New 创建账本
func New(ex exchange.Exchange, cfg Config, strategy Strategy, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		mu:            &sync.RWMutex{},
		ex:            ex,
		cfg:           cfg,
		strategy:      strategy,
		logger:        logger.Named("ledger"),
		now:           time.Now,
		orders:        make(map[string]*models.Order),
		activeByLevel: make(map[int]string),
		lastBuyFill:   make(map[int]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetValidator 安装下单前检查
func (l *Ledger) SetValidator(v Validator) {
	l.mu.Lock()
	l.validator = v
	l.mu.Unlock()
}

// Subscribe 注册成交回调, 回调在锁外同步执行
func (l *Ledger) Subscribe(h FillHandler) {
	l.mu.Lock()
	l.subscribers = append(l.subscribers, h)
	l.mu.Unlock()
}

// Strategy returns the reinvestment strategy in use.
func (l *Ledger) Strategy() Strategy { return l.strategy }

// ResetLevels 安装新的网格档位并递增网格版本; 旧版本订单的成交不再触发再投资
func (l *Ledger) ResetLevels(g *grid.Grid) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.grid = g
	l.epoch++
	l.levels = g.Levels()
	l.activeByLevel = make(map[int]string)
	l.lastBuyFill = make(map[int]string)
	l.logger.Info("grid levels reset", zap.Int("epoch", l.epoch), zap.Int("levels", len(l.levels)))
}

// InitializeGridOrders 在每个买入档位挂买单
func (l *Ledger) InitializeGridOrders(ctx context.Context) (InitResult, error) {
	l.mu.RLock()
	if l.grid == nil {
		l.mu.RUnlock()
		return InitResult{}, ErrNoGrid
	}
	var ids []int
	for _, lv := range l.levels {
		if lv.Side == models.Buy {
			ids = append(ids, lv.ID)
		}
	}
	l.mu.RUnlock()

	var res InitResult
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		_, err := l.PlaceOrderForLevel(ctx, id)
		switch {
		case err == nil:
			res.Placed++
		case errors.Is(err, ErrLevelOccupied):
			res.Skipped++
		default:
			res.Failed++
		}
	}
	l.logger.Info("grid orders initialized",
		zap.Int("placed", res.Placed), zap.Int("skipped", res.Skipped), zap.Int("failed", res.Failed))
	return res, nil
}

// placement 描述一次待下的限价单
type placement struct {
	levelID  int
	side     models.Side
	price    decimal.Decimal
	quantity decimal.Decimal
	parentID string
}

// PlaceOrderForLevel 按档位的方向、价格和数量挂单
func (l *Ledger) PlaceOrderForLevel(ctx context.Context, levelID int) (*models.Order, error) {
	l.mu.RLock()
	if l.grid == nil {
		l.mu.RUnlock()
		return nil, ErrNoGrid
	}
	if levelID < 0 || levelID >= len(l.levels) {
		l.mu.RUnlock()
		return nil, errors.Wrapf(ErrUnknownLevel, "level %d", levelID)
	}
	lv := l.levels[levelID]
	l.mu.RUnlock()

	if lv.Side == models.Center {
		return nil, errors.Wrapf(ErrInertLevel, "level %d", levelID)
	}
	return l.place(ctx, placement{levelID: levelID, side: lv.Side, price: lv.Price, quantity: lv.Quantity})
}

// PlaceCounterSell 为已成交的买单挂反向卖单
func (l *Ledger) PlaceCounterSell(ctx context.Context, buyOrderID string, levelID int, price, quantity decimal.Decimal) (*models.Order, error) {
	l.mu.RLock()
	buy, ok := l.orders[buyOrderID]
	if !ok {
		l.mu.RUnlock()
		return nil, errors.Wrap(ErrOrderNotFound, buyOrderID)
	}
	if buy.Side != models.Buy || buy.Status != models.OrderFilled {
		l.mu.RUnlock()
		return nil, errors.Wrapf(ErrInvalidTransition, "order %s is %s %s", buyOrderID, buy.Side, buy.Status)
	}
	l.mu.RUnlock()
	return l.place(ctx, placement{levelID: levelID, side: models.Sell, price: price, quantity: quantity, parentID: buyOrderID})
}

func (l *Ledger) place(ctx context.Context, p placement) (*models.Order, error) {
	l.mu.RLock()
	validate := l.validator
	l.mu.RUnlock()
	if validate != nil {
		if err := validate(p.side, p.quantity, p.price); err != nil {
			l.logger.Warn("order refused by validator",
				zap.Int("level", p.levelID), zap.String("side", string(p.side)), zap.Error(err))
			return nil, err
		}
	}

	// 在锁内以 pending 状态预占档位
	l.mu.Lock()
	if l.grid == nil {
		l.mu.Unlock()
		return nil, ErrNoGrid
	}
	if p.levelID < 0 || p.levelID >= len(l.levels) {
		l.mu.Unlock()
		return nil, errors.Wrapf(ErrUnknownLevel, "level %d", p.levelID)
	}
	if existing, busy := l.activeByLevel[p.levelID]; busy {
		l.mu.Unlock()
		l.logger.Warn("level already occupied", zap.Int("level", p.levelID), zap.String("order", existing))
		return nil, errors.Wrapf(ErrLevelOccupied, "level %d holds %s", p.levelID, existing)
	}
	now := l.now()
	order := &models.Order{
		ID:            models.NewClientOrderID("g"),
		LevelID:       p.levelID,
		Epoch:         l.epoch,
		Symbol:        l.cfg.Symbol,
		Side:          p.side,
		Type:          models.Limit,
		Price:         p.price,
		Quantity:      p.quantity,
		Status:        models.OrderPending,
		ParentOrderID: p.parentID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	l.orders[order.ID] = order
	l.orderSeq = append(l.orderSeq, order.ID)
	l.created++
	l.reserveLevel(p.levelID, order.ID)
	if parent, ok := l.orders[p.parentID]; ok {
		parent.CounterOrderID = order.ID
	}
	req := exchange.OrderRequest{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		Price:         order.Price,
	}
	l.mu.Unlock()

	report, err := l.ex.CreateOrder(ctx, req)

	l.mu.Lock()
	order.UpdatedAt = l.now()
	if err != nil {
		order.Status = models.OrderRejected
		order.Error = err.Error()
		l.releaseLevel(order)
		snapshot := *order
		l.mu.Unlock()
		l.logger.Error("order placement failed",
			zap.String("order", order.ID), zap.Int("level", p.levelID),
			zap.String("side", string(p.side)), zap.String("price", p.price.String()), zap.Error(err))
		return &snapshot, errors.Wrapf(err, "place %s at level %d", p.side, p.levelID)
	}
	order.Status = models.OrderOpen
	order.ExchangeOrderID = report.ExchangeOrderID
	snapshot := *order
	l.mu.Unlock()

	l.logger.Info("order placed",
		zap.String("order", order.ID), zap.Int("level", p.levelID), zap.String("side", string(p.side)),
		zap.String("price", p.price.String()), zap.String("qty", p.quantity.String()))

	// 交易所可能在下单时直接成交
	if report.Status != models.OrderOpen && report.Status != models.OrderPending {
		if err := l.UpdateOrderStatus(ctx, order.ID, UpdateFromReport(*report)); err != nil {
			l.logger.Warn("apply placement report failed", zap.String("order", order.ID), zap.Error(err))
		}
		if o, ok := l.Order(order.ID); ok {
			snapshot = o
		}
	}
	return &snapshot, nil
}

// UpdateOrderStatus 推进订单状态机; 进入 filled 的边沿发布成交事件并执行再投资
func (l *Ledger) UpdateOrderStatus(ctx context.Context, orderID string, u OrderUpdate) error {
	l.mu.Lock()
	order, ok := l.orders[orderID]
	if !ok {
		l.mu.Unlock()
		return errors.Wrap(ErrOrderNotFound, orderID)
	}
	from := order.Status
	if from == u.Status && from.IsTerminal() {
		l.mu.Unlock()
		return nil
	}
	if !canTransition(from, u.Status) {
		l.mu.Unlock()
		l.logger.Warn("invalid order transition",
			zap.String("order", orderID), zap.String("from", string(from)), zap.String("to", string(u.Status)))
		return errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", orderID, from, u.Status)
	}

	now := l.now()
	order.Status = u.Status
	order.UpdatedAt = now
	if u.ExchangeOrderID != "" {
		order.ExchangeOrderID = u.ExchangeOrderID
	}
	if u.FilledQuantity.IsPositive() {
		order.FilledQuantity = u.FilledQuantity
	}
	if u.AvgFillPrice.IsPositive() {
		order.AvgFillPrice = u.AvgFillPrice
	}
	if !u.Fee.IsZero() {
		order.Fee = u.Fee
		order.FeeCurrency = u.FeeCurrency
	}
	if u.Error != "" {
		order.Error = u.Error
	}
	if u.Status == models.OrderFilled && order.FilledQuantity.IsZero() {
		order.FilledQuantity = order.Quantity
	}
	if u.Status.IsTerminal() {
		l.releaseLevel(order)
	}

	if u.Status != models.OrderFilled {
		l.mu.Unlock()
		if u.Status != from {
			l.logger.Info("order status changed",
				zap.String("order", orderID), zap.String("from", string(from)), zap.String("to", string(u.Status)))
		}
		return nil
	}

	// filled 边沿
	ev := l.recordFill(order)
	filled := *order
	var parent *models.Order
	if p, ok := l.orders[order.ParentOrderID]; ok {
		cp := *p
		parent = &cp
	} else if order.Side == models.Sell {
		if p, ok := l.orders[l.lastBuyFill[order.LevelID]]; ok {
			cp := *p
			parent = &cp
		}
	}
	current := order.Epoch == l.epoch
	handlers := append([]FillHandler(nil), l.subscribers...)
	l.mu.Unlock()

	l.logger.Info("order filled",
		zap.String("order", orderID), zap.String("side", string(filled.Side)),
		zap.Int("level", filled.LevelID), zap.String("price", ev.Price.String()),
		zap.String("qty", ev.Quantity.String()), zap.String("profit", ev.Profit.String()))

	for _, h := range handlers {
		h(ev)
	}

	if !current {
		l.logger.Info("fill from previous grid, not reinvesting", zap.String("order", orderID), zap.Int("epoch", filled.Epoch))
		return nil
	}
	if filled.Side == models.Buy {
		l.reinvestAfterBuy(ctx, filled)
	} else {
		l.reinvestAfterSell(ctx, filled, parent)
	}
	return nil
}

// recordFill 在持锁状态下更新档位、费用和利润统计, 返回成交事件
func (l *Ledger) recordFill(order *models.Order) models.FillEvent {
	now := l.now()
	l.filled++
	feeQuote := l.feeInQuote(*order)
	l.totalFees = l.totalFees.Add(feeQuote)

	ev := models.FillEvent{
		PositionLevelID: order.LevelID,
		Quantity:        l.netQuantity(*order),
		Price:           order.FillPrice(),
		FeeQuote:        feeQuote,
		Timestamp:       now,
	}

	if order.Epoch == l.epoch && order.LevelID >= 0 && order.LevelID < len(l.levels) {
		lv := &l.levels[order.LevelID]
		lv.FilledQuantity = lv.FilledQuantity.Add(order.FilledQuantity)
		lv.LastFillAt = now
	}

	if order.Side == models.Buy {
		ev.LotID = order.ID
		if order.Epoch == l.epoch {
			l.lastBuyFill[order.LevelID] = order.ID
		}
	} else {
		parent, ok := l.orders[order.ParentOrderID]
		if !ok && order.Epoch == l.epoch {
			parent, ok = l.orders[l.lastBuyFill[order.LevelID]]
		}
		ev.Quantity = order.FilledQuantity
		if ok {
			ev.PositionLevelID = parent.LevelID
			ev.LotID = parent.ID
			ev.Profit = l.cycleProfit(*parent, *order, feeQuote)
			l.totalProfit = l.totalProfit.Add(ev.Profit)
		}
	}
	ev.Order = *order
	return ev
}

// cycleProfit = 卖出收入 - 买入成本 - 按数量分摊的买入手续费 - 卖出手续费
func (l *Ledger) cycleProfit(buy, sell models.Order, sellFee decimal.Decimal) decimal.Decimal {
	qty := sell.FilledQuantity
	revenue := sell.FillPrice().Mul(qty)
	cost := buy.FillPrice().Mul(qty)
	buyFee := l.feeInQuote(buy)
	if held := l.netQuantity(buy); held.IsPositive() && qty.LessThan(held) {
		buyFee = buyFee.Mul(qty).Div(held)
	}
	return revenue.Sub(cost).Sub(buyFee).Sub(sellFee)
}

// feeInQuote 把手续费折算为计价货币; 以基础货币收取的手续费按成交价折算
func (l *Ledger) feeInQuote(o models.Order) decimal.Decimal {
	if l.cfg.BaseAsset != "" && o.FeeCurrency == l.cfg.BaseAsset {
		return o.Fee.Mul(o.FillPrice())
	}
	return o.Fee
}

// netQuantity 买单实际到手的数量, 扣除以基础货币收取的手续费
func (l *Ledger) netQuantity(o models.Order) decimal.Decimal {
	if o.Side == models.Buy && l.cfg.BaseAsset != "" && o.FeeCurrency == l.cfg.BaseAsset {
		return o.FilledQuantity.Sub(o.Fee)
	}
	return o.FilledQuantity
}

// CycleProfit 按成交结果计算一对买卖单的利润
func (l *Ledger) CycleProfit(buy, sell models.Order) decimal.Decimal {
	return l.cycleProfit(buy, sell, l.feeInQuote(sell))
}

// FeeInQuote 返回订单以计价货币计的手续费
func (l *Ledger) FeeInQuote(o models.Order) decimal.Decimal { return l.feeInQuote(o) }

// SellableQuantity 买单成交后可以卖出的数量
func (l *Ledger) SellableQuantity(buy models.Order) decimal.Decimal {
	return l.netQuantity(buy).Truncate(quantityPlaces)
}

func (l *Ledger) reinvestAfterBuy(ctx context.Context, buy models.Order) {
	l.mu.RLock()
	g := l.grid
	l.mu.RUnlock()
	qty := l.SellableQuantity(buy)

	levelID, price, err := l.strategy.CounterSell(g, buy)
	if err != nil {
		l.logger.Warn("no counter sell for buy fill", zap.String("order", buy.ID), zap.Error(err))
		return
	}
	if _, err := l.place(ctx, placement{levelID: levelID, side: models.Sell, price: price, quantity: qty, parentID: buy.ID}); err != nil {
		l.logger.Warn("counter sell not placed", zap.String("buy", buy.ID), zap.Int("level", levelID), zap.Error(err))
	}
}

func (l *Ledger) reinvestAfterSell(ctx context.Context, sell models.Order, parent *models.Order) {
	levelID := l.strategy.RearmLevel(parent, sell)
	l.mu.RLock()
	ok := levelID >= 0 && levelID < len(l.levels) && l.levels[levelID].Side == models.Buy
	l.mu.RUnlock()
	if !ok {
		return
	}
	if _, err := l.PlaceOrderForLevel(ctx, levelID); err != nil {
		l.logger.Warn("level not re-armed", zap.Int("level", levelID), zap.Error(err))
	}
}

// CancelOrder 撤销单个订单; 撤单失败时订单保持活跃
func (l *Ledger) CancelOrder(ctx context.Context, orderID string) error {
	l.mu.RLock()
	order, ok := l.orders[orderID]
	if !ok {
		l.mu.RUnlock()
		return errors.Wrap(ErrOrderNotFound, orderID)
	}
	status, symbol := order.Status, order.Symbol
	l.mu.RUnlock()
	if !status.IsActive() {
		return errors.Wrapf(ErrOrderNotActive, "%s is %s", orderID, status)
	}

	if err := l.ex.CancelOrder(ctx, symbol, orderID); err != nil {
		l.logger.Warn("cancel failed", zap.String("order", orderID), zap.Error(err))
		return errors.Wrapf(err, "cancel %s", orderID)
	}
	return l.UpdateOrderStatus(ctx, orderID, OrderUpdate{Status: models.OrderCanceled})
}

// CancelAllOrders 撤销所有活跃订单并统计结果
func (l *Ledger) CancelAllOrders(ctx context.Context) CancelResult {
	var res CancelResult
	for _, o := range l.ActiveOrders() {
		res.Attempted++
		if err := l.CancelOrder(ctx, o.ID); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Canceled++
	}
	l.logger.Info("cancel all orders",
		zap.Int("attempted", res.Attempted), zap.Int("canceled", res.Canceled), zap.Int("failed", res.Failed))
	return res
}

// SyncOrders 向交易所查询所有未终结订单并按下单顺序应用状态变化
func (l *Ledger) SyncOrders(ctx context.Context) SyncResult {
	l.mu.RLock()
	var toCheck []models.Order
	for _, id := range l.orderSeq {
		o := l.orders[id]
		// pending 订单仍在下单流程中
		if o.Status == models.OrderOpen || o.Status == models.OrderPartiallyFilled {
			toCheck = append(toCheck, *o)
		}
	}
	l.mu.RUnlock()

	res := SyncResult{Checked: len(toCheck)}
	if len(toCheck) == 0 {
		return res
	}

	reports := make([]*exchange.OrderReport, len(toCheck))
	var failures int
	var failMu sync.Mutex
	var wg sync.WaitGroup
	for i, o := range toCheck {
		wg.Add(1)
		go func(i int, o models.Order) {
			defer wg.Done()
			r, err := l.ex.GetOrder(ctx, o.Symbol, o.ID)
			if err != nil {
				l.logger.Warn("query order failed", zap.String("order", o.ID), zap.Error(err))
				failMu.Lock()
				failures++
				failMu.Unlock()
				return
			}
			reports[i] = r
		}(i, o)
	}
	wg.Wait()
	res.Errors = failures

	for i, r := range reports {
		if r == nil {
			continue
		}
		prev := toCheck[i]
		if r.Status == prev.Status && r.FilledQuantity.Equal(prev.FilledQuantity) {
			continue
		}
		if err := l.UpdateOrderStatus(ctx, prev.ID, UpdateFromReport(*r)); err != nil {
			res.Errors++
			continue
		}
		res.Updated++
		if r.Status == models.OrderFilled {
			res.Filled++
		}
	}
	return res
}

// Order 返回订单副本
func (l *Ledger) Order(id string) (models.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[id]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// Orders 按下单顺序返回全部订单
func (l *Ledger) Orders() []models.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Order, 0, len(l.orderSeq))
	for _, id := range l.orderSeq {
		out = append(out, *l.orders[id])
	}
	return out
}

// ActiveOrders 返回所有仍占用档位或在交易所挂着的订单
func (l *Ledger) ActiveOrders() []models.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.Order
	for _, id := range l.orderSeq {
		if o := l.orders[id]; o.Status.IsActive() {
			out = append(out, *o)
		}
	}
	return out
}

// Levels 返回当前档位的副本
func (l *Ledger) Levels() []models.GridLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.GridLevel, len(l.levels))
	copy(out, l.levels)
	return out
}

// Grid 返回当前网格
func (l *Ledger) Grid() *grid.Grid {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.grid
}

// Epoch 返回当前网格版本
func (l *Ledger) Epoch() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.epoch
}

// Status 返回账本概要
func (l *Ledger) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Status{
		Epoch:        l.epoch,
		Strategy:     l.strategy.Name(),
		Levels:       len(l.levels),
		FilledOrders: l.filled,
		TotalOrders:  l.created,
		TotalProfit:  l.totalProfit,
		TotalFees:    l.totalFees,
	}
	for _, o := range l.orders {
		if o.Status.IsActive() {
			s.ActiveOrders++
		}
	}
	return s
}

// PruneOrders 终态订单超过保留上限时淘汰最早的一批, 返回淘汰数量。
// keep 中的订单、活跃订单、活跃卖单的买单以及各档位最近成交的买单不会被淘汰。
func (l *Ledger) PruneOrders(keep map[string]bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.orderSeq) <= maxRetainedOrders+pruneBatch {
		return 0
	}
	pinned := make(map[string]bool, len(l.lastBuyFill)+len(l.activeByLevel))
	for _, id := range l.lastBuyFill {
		pinned[id] = true
	}
	for _, id := range l.orderSeq {
		if o := l.orders[id]; o.Status.IsActive() {
			pinned[id] = true
			if o.ParentOrderID != "" {
				pinned[o.ParentOrderID] = true
			}
		}
	}

	excess := len(l.orderSeq) - maxRetainedOrders
	kept := make([]string, 0, maxRetainedOrders+pruneBatch)
	pruned := 0
	for _, id := range l.orderSeq {
		if pruned < excess && !pinned[id] && !keep[id] && l.orders[id].Status.IsTerminal() {
			delete(l.orders, id)
			pruned++
			continue
		}
		kept = append(kept, id)
	}
	l.orderSeq = kept
	if pruned > 0 {
		l.logger.Debug("terminal orders pruned", zap.Int("pruned", pruned), zap.Int("retained", len(kept)))
	}
	return pruned
}

// reserveLevel 和 releaseLevel 需要调用者持有写锁
func (l *Ledger) reserveLevel(levelID int, orderID string) {
	l.activeByLevel[levelID] = orderID
	l.levels[levelID].Active = true
	l.levels[levelID].OrderID = orderID
}

func (l *Ledger) releaseLevel(o *models.Order) {
	if l.activeByLevel[o.LevelID] != o.ID {
		return
	}
	delete(l.activeByLevel, o.LevelID)
	l.levels[o.LevelID].Active = false
	l.levels[o.LevelID].OrderID = ""
}
