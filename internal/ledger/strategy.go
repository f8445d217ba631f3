package ledger

import (
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	StrategySameLevel   = "same_level"
	StrategyOffsetLevel = "offset_level"
)

var (
	ErrSellLevelOutOfRange = errors.New("counter sell level beyond top of grid")
	ErrUnknownStrategy     = errors.New("unknown reinvestment strategy")
)

// Strategy 决定买单成交后反向卖单挂在哪个档位、什么价格, 以及卖单成交后重新挂买单的档位
type Strategy interface {
	Name() string
	CounterSell(g *grid.Grid, buy models.Order) (levelID int, price decimal.Decimal, err error)
	RearmLevel(parent *models.Order, sell models.Order) int
}

// NewStrategy 按配置名称构造策略
func NewStrategy(name string, offset int, profitRate, feeRate decimal.Decimal) (Strategy, error) {
	switch name {
	case StrategySameLevel, "":
		return &SameLevel{ProfitRate: profitRate, FeeRate: feeRate}, nil
	case StrategyOffsetLevel:
		if offset <= 0 {
			return nil, errors.Wrapf(ErrUnknownStrategy, "offset must be positive, got %d", offset)
		}
		return &OffsetLevel{Offset: offset, ProfitRate: profitRate}, nil
	default:
		return nil, errors.Wrap(ErrUnknownStrategy, name)
	}
}

// SameLevel 在买单所在档位挂卖单, 价格覆盖目标利润和卖出手续费
type SameLevel struct {
	ProfitRate decimal.Decimal
	FeeRate    decimal.Decimal
}

func (s *SameLevel) Name() string { return StrategySameLevel }

func (s *SameLevel) CounterSell(_ *grid.Grid, buy models.Order) (int, decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	price := buy.FillPrice().Mul(one.Add(s.ProfitRate)).Mul(one.Add(s.FeeRate))
	return buy.LevelID, price.Round(pricePlaces), nil
}

func (s *SameLevel) RearmLevel(parent *models.Order, sell models.Order) int {
	if parent != nil {
		return parent.LevelID
	}
	return sell.LevelID
}

// OffsetLevel 把卖单挂在买入档位向上 Offset 格的位置
type OffsetLevel struct {
	Offset     int
	ProfitRate decimal.Decimal
}

func (s *OffsetLevel) Name() string { return StrategyOffsetLevel }

func (s *OffsetLevel) CounterSell(g *grid.Grid, buy models.Order) (int, decimal.Decimal, error) {
	if g == nil {
		return 0, decimal.Zero, ErrNoGrid
	}
	target := buy.LevelID + s.Offset
	level, ok := g.Level(target)
	if !ok {
		return 0, decimal.Zero, errors.Wrapf(ErrSellLevelOutOfRange, "buy level %d + %d >= %d", buy.LevelID, s.Offset, g.Len())
	}
	minPrice := buy.FillPrice().Mul(decimal.NewFromInt(1).Add(s.ProfitRate))
	return target, decimal.Max(level.Price, minPrice).Round(pricePlaces), nil
}

// RearmLevel 卖单成交后重新激活原买入档位
func (s *OffsetLevel) RearmLevel(parent *models.Order, sell models.Order) int {
	if parent != nil {
		return parent.LevelID
	}
	return sell.LevelID - s.Offset
}
