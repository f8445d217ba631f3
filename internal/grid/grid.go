package grid

import (
	"time"

	"grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Grid 是一次网格计算的结果, 创建后不再修改; 再平衡时整体替换
type Grid struct {
	center    decimal.Decimal
	upper     decimal.Decimal
	lower     decimal.Decimal
	spacing   decimal.Decimal
	levels    []models.GridLevel
	createdAt time.Time
}

// Distance 描述价格相对网格边界的位置
type Distance struct {
	ToUpperPercent decimal.Decimal `json:"to_upper_percent"` // 距上边界的百分比, 负数表示已突破
	ToLowerPercent decimal.Decimal `json:"to_lower_percent"` // 距下边界的百分比, 负数表示已跌破
	Above          bool            `json:"above"`
	Below          bool            `json:"below"`
}

// Outside reports whether the price left the grid range.
func (d Distance) Outside() bool { return d.Above || d.Below }

// Status 网格只读概要
type Status struct {
	Center     decimal.Decimal `json:"center"`
	Upper      decimal.Decimal `json:"upper"`
	Lower      decimal.Decimal `json:"lower"`
	Spacing    decimal.Decimal `json:"spacing"`
	NumLevels  int             `json:"num_levels"`
	BuyLevels  int             `json:"buy_levels"`
	SellLevels int             `json:"sell_levels"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (g *Grid) Center() decimal.Decimal  { return g.center }
func (g *Grid) Upper() decimal.Decimal   { return g.upper }
func (g *Grid) Lower() decimal.Decimal   { return g.lower }
func (g *Grid) Spacing() decimal.Decimal { return g.spacing }
func (g *Grid) Len() int                 { return len(g.levels) }
func (g *Grid) CreatedAt() time.Time     { return g.createdAt }

// Bounds 返回 (下边界, 上边界)
func (g *Grid) Bounds() (decimal.Decimal, decimal.Decimal) { return g.lower, g.upper }

// Levels 返回档位的副本
func (g *Grid) Levels() []models.GridLevel {
	out := make([]models.GridLevel, len(g.levels))
	copy(out, g.levels)
	return out
}

// Level 按 ID 查找档位
func (g *Grid) Level(id int) (models.GridLevel, bool) {
	if id < 0 || id >= len(g.levels) {
		return models.GridLevel{}, false
	}
	return g.levels[id], true
}

// Contains reports whether price lies within [lower, upper].
func (g *Grid) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(g.lower) && price.LessThanOrEqual(g.upper)
}

// DistanceFromBounds 计算价格到上下边界的百分比距离 (以当前价格为基数)
func (g *Grid) DistanceFromBounds(price decimal.Decimal) Distance {
	if !price.IsPositive() {
		return Distance{}
	}
	return Distance{
		ToUpperPercent: g.upper.Sub(price).Div(price).Mul(hundred),
		ToLowerPercent: price.Sub(g.lower).Div(price).Mul(hundred),
		Above:          price.GreaterThan(g.upper),
		Below:          price.LessThan(g.lower),
	}
}

// NearestLevel 返回价格最接近的档位, 距离相同时取较低的档位
func (g *Grid) NearestLevel(price decimal.Decimal) models.GridLevel {
	best := 0
	bestDist := g.levels[0].Price.Sub(price).Abs()
	for i := 1; i < len(g.levels); i++ {
		dist := g.levels[i].Price.Sub(price).Abs()
		if dist.LessThan(bestDist) {
			best, bestDist = i, dist
		}
	}
	return g.levels[best]
}

// AdjacentLevels 返回价格下方最近的买入档位和上方最近的卖出档位 (严格小于/大于), 不存在时为 nil
func (g *Grid) AdjacentLevels(price decimal.Decimal) (buy *models.GridLevel, sell *models.GridLevel) {
	for i := len(g.levels) - 1; i >= 0; i-- {
		l := g.levels[i]
		if l.Side == models.Buy && l.Price.LessThan(price) {
			buy = &l
			break
		}
	}
	for i := range g.levels {
		l := g.levels[i]
		if l.Side == models.Sell && l.Price.GreaterThan(price) {
			sell = &l
			break
		}
	}
	return buy, sell
}

// Equal 比较两个网格的档位 (价格, 方向, 数量, 资金) 是否完全一致
func (g *Grid) Equal(other *Grid) bool {
	if g == nil || other == nil {
		return g == other
	}
	if len(g.levels) != len(other.levels) || !g.center.Equal(other.center) {
		return false
	}
	for i, l := range g.levels {
		o := other.levels[i]
		if l.ID != o.ID || l.Side != o.Side || !l.Price.Equal(o.Price) ||
			!l.Quantity.Equal(o.Quantity) || !l.AllocatedCapital.Equal(o.AllocatedCapital) {
			return false
		}
	}
	return true
}

// Status 返回网格概要
func (g *Grid) Status() Status {
	s := Status{
		Center:    g.center,
		Upper:     g.upper,
		Lower:     g.lower,
		Spacing:   g.spacing,
		NumLevels: len(g.levels),
		CreatedAt: g.createdAt,
	}
	for _, l := range g.levels {
		switch l.Side {
		case models.Buy:
			s.BuyLevels++
		case models.Sell:
			s.SellLevels++
		}
	}
	return s
}
