package grid

import (
	"sync/atomic"
	"time"

	"grid-engine-go/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// QuantityPlaces 下单数量保留的小数位
const QuantityPlaces = 8

var (
	ErrInvalidCenterPrice = errors.New("center price must be positive")
	ErrInvalidConfig      = errors.New("invalid grid configuration")
)

// Calculator 根据中心价格和配置计算网格档位, 自身不持有可变的档位状态
type Calculator struct {
	cfg     models.GridConfig
	current atomic.Pointer[Grid]
	now     func() time.Time
	logger  *zap.Logger
}

// NewCalculator 校验配置并创建计算器, 配置非法时直接返回错误
func NewCalculator(cfg models.GridConfig, logger *zap.Logger) (*Calculator, error) {
	if cfg.NumLevels < 3 {
		return nil, errors.Wrapf(ErrInvalidConfig, "num_levels must be at least 3, got %d", cfg.NumLevels)
	}
	if !cfg.TotalCapital.IsPositive() {
		return nil, errors.Wrap(ErrInvalidConfig, "total capital must be positive")
	}
	if !cfg.RangePercent.IsPositive() || cfg.RangePercent.GreaterThanOrEqual(decimal.NewFromInt(200)) {
		return nil, errors.Wrap(ErrInvalidConfig, "range percent must be in (0, 200)")
	}
	if cfg.MinOrderSize.IsNegative() || cfg.FeePercent.IsNegative() || cfg.ProfitTargetPercent.IsNegative() {
		return nil, errors.Wrap(ErrInvalidConfig, "negative min order size, fee or profit target")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{cfg: cfg, now: time.Now, logger: logger}, nil
}

// SetClock 替换时间来源, 回测时使用K线时间
func (c *Calculator) SetClock(now func() time.Time) { c.now = now }

// Config 返回网格配置
func (c *Calculator) Config() models.GridConfig { return c.cfg }

// Current 返回最近一次计算的网格, 尚未计算时为 nil
func (c *Calculator) Current() *Grid { return c.current.Load() }

// CalculateGrid 以 center 为中心生成等间距网格。
// 档位 i 的价格为 lower + i*spacing; 2i < n-1 为买入档, 2i > n-1 为卖出档, 奇数网格中点为 CENTER。
// 每档资金为 total/n, 除法余数计入最后一档, 保证分配总额恰好等于总资金。
func (c *Calculator) CalculateGrid(center decimal.Decimal) (*Grid, error) {
	if !center.IsPositive() {
		return nil, errors.Wrapf(ErrInvalidCenterPrice, "got %s", center.String())
	}

	n := c.cfg.NumLevels
	halfRange := c.cfg.RangePercent.Div(decimal.NewFromInt(200))
	one := decimal.NewFromInt(1)
	upper := center.Mul(one.Add(halfRange))
	lower := center.Mul(one.Sub(halfRange))
	spacing := upper.Sub(lower).Div(decimal.NewFromInt(int64(n - 1)))

	perLevel := c.cfg.CapitalPerLevel()
	residual := c.cfg.TotalCapital.Sub(perLevel.Mul(decimal.NewFromInt(int64(n))))

	levels := make([]models.GridLevel, n)
	for i := 0; i < n; i++ {
		price := lower.Add(spacing.Mul(decimal.NewFromInt(int64(i))))
		capital := perLevel
		if i == n-1 {
			capital = capital.Add(residual)
		}
		qty := capital.Div(price).Truncate(QuantityPlaces)
		if qty.LessThan(c.cfg.MinOrderSize) {
			qty = c.cfg.MinOrderSize
		}
		levels[i] = models.GridLevel{
			ID:               i,
			Price:            price,
			Side:             sideFor(i, n),
			AllocatedCapital: capital,
			Quantity:         qty,
		}
	}

	g := &Grid{
		center:    center,
		upper:     upper,
		lower:     lower,
		spacing:   spacing,
		levels:    levels,
		createdAt: c.now(),
	}
	c.current.Store(g)

	c.logger.Info("grid calculated",
		zap.String("symbol", c.cfg.Symbol),
		zap.String("center", center.String()),
		zap.String("lower", lower.String()),
		zap.String("upper", upper.String()),
		zap.String("spacing", spacing.String()),
		zap.Int("levels", n),
	)
	return g, nil
}

// RecalculateGrid 围绕新中心重新计算; 不保留任何增量状态, 结果与全新计算完全一致
func (c *Calculator) RecalculateGrid(center decimal.Decimal) (*Grid, error) {
	if old := c.Current(); old != nil {
		c.logger.Info("recalculating grid",
			zap.String("oldCenter", old.center.String()),
			zap.String("newCenter", center.String()))
	}
	return c.CalculateGrid(center)
}

func sideFor(i, n int) models.Side {
	switch {
	case 2*i < n-1:
		return models.Buy
	case 2*i > n-1:
		return models.Sell
	default:
		return models.Center
	}
}
