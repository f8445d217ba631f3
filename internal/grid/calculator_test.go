package grid

import (
	"testing"

	"grid-engine-go/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func defaultConfig() models.GridConfig {
	return models.GridConfig{
		Symbol:              "BTCUSDT",
		TotalCapital:        d("500"),
		NumLevels:           15,
		RangePercent:        d("14"),
		ProfitTargetPercent: d("0.8"),
		MinOrderSize:        d("0.00001"),
		FeePercent:          d("0.1"),
	}
}

func newCalc(t *testing.T, cfg models.GridConfig) *Calculator {
	t.Helper()
	c, err := NewCalculator(cfg, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestCalculateGridExample(t *testing.T) {
	c := newCalc(t, defaultConfig())

	g, err := c.CalculateGrid(d("50000"))
	require.NoError(t, err)

	assert.True(t, g.Lower().Equal(d("46500")), g.Lower().String())
	assert.True(t, g.Upper().Equal(d("53500")), g.Upper().String())
	assert.True(t, g.Spacing().Equal(d("500")))
	require.Equal(t, 15, g.Len())

	l0, _ := g.Level(0)
	assert.True(t, l0.Price.Equal(d("46500")))
	assert.Equal(t, models.Buy, l0.Side)

	l7, _ := g.Level(7)
	assert.True(t, l7.Price.Equal(d("50000")))
	assert.Equal(t, models.Center, l7.Side)

	l14, _ := g.Level(14)
	assert.True(t, l14.Price.Equal(d("53500")))
	assert.Equal(t, models.Sell, l14.Side)

	st := g.Status()
	assert.Equal(t, 7, st.BuyLevels)
	assert.Equal(t, 7, st.SellLevels)
	assert.Same(t, g, c.Current())
}

func TestCapitalAllocationSumsExactly(t *testing.T) {
	for _, n := range []int{3, 4, 7, 15, 16, 33} {
		cfg := defaultConfig()
		cfg.NumLevels = n
		cfg.TotalCapital = d("1000")
		c := newCalc(t, cfg)

		g, err := c.CalculateGrid(d("1234.5678"))
		require.NoError(t, err)
		require.Equal(t, n, g.Len())

		sum := decimal.Zero
		for _, l := range g.Levels() {
			sum = sum.Add(l.AllocatedCapital)
		}
		assert.True(t, sum.Equal(cfg.TotalCapital), "n=%d sum=%s", n, sum)
	}
}

func TestBoundsAndConstantSpacing(t *testing.T) {
	c := newCalc(t, defaultConfig())
	for _, center := range []string{"0.0042", "1", "27.13", "50000", "98765.4321"} {
		p := d(center)
		g, err := c.CalculateGrid(p)
		require.NoError(t, err)
		assert.True(t, g.Lower().LessThan(p))
		assert.True(t, p.LessThan(g.Upper()))

		levels := g.Levels()
		for i := 1; i < len(levels); i++ {
			gap := levels[i].Price.Sub(levels[i-1].Price)
			assert.True(t, gap.Equal(g.Spacing()), "center=%s i=%d gap=%s", center, i, gap)
		}
	}
}

func TestSidesForEvenGrid(t *testing.T) {
	cfg := defaultConfig()
	cfg.NumLevels = 4
	g, err := newCalc(t, cfg).CalculateGrid(d("100"))
	require.NoError(t, err)

	sides := []models.Side{}
	for _, l := range g.Levels() {
		sides = append(sides, l.Side)
	}
	assert.Equal(t, []models.Side{models.Buy, models.Buy, models.Sell, models.Sell}, sides)
}

func TestQuantityRaisedToMinimum(t *testing.T) {
	cfg := defaultConfig()
	cfg.MinOrderSize = d("0.001")
	g, err := newCalc(t, cfg).CalculateGrid(d("50000"))
	require.NoError(t, err)

	for _, l := range g.Levels() {
		assert.True(t, l.Quantity.Equal(d("0.001")), "level %d qty %s", l.ID, l.Quantity)
	}

	cfg.MinOrderSize = d("0.00001")
	g, err = newCalc(t, cfg).CalculateGrid(d("50000"))
	require.NoError(t, err)
	l0, _ := g.Level(0)
	// 33.33.../46500 截断到8位小数
	assert.True(t, l0.Quantity.Equal(d("0.00071684")), l0.Quantity.String())
}

func TestRecalculateMatchesFreshCalculation(t *testing.T) {
	c := newCalc(t, defaultConfig())
	first, err := c.CalculateGrid(d("42000"))
	require.NoError(t, err)
	_, err = c.CalculateGrid(d("39000"))
	require.NoError(t, err)

	again, err := c.RecalculateGrid(d("42000"))
	require.NoError(t, err)
	fresh, err := newCalc(t, defaultConfig()).CalculateGrid(d("42000"))
	require.NoError(t, err)

	assert.True(t, first.Equal(again))
	assert.True(t, fresh.Equal(again))
}

func TestInvalidInputs(t *testing.T) {
	c := newCalc(t, defaultConfig())
	_, err := c.CalculateGrid(decimal.Zero)
	assert.True(t, errors.Is(err, ErrInvalidCenterPrice))
	_, err = c.CalculateGrid(d("-1"))
	assert.True(t, errors.Is(err, ErrInvalidCenterPrice))

	cfg := defaultConfig()
	cfg.NumLevels = 2
	_, err = NewCalculator(cfg, nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	cfg = defaultConfig()
	cfg.TotalCapital = decimal.Zero
	_, err = NewCalculator(cfg, nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestLookups(t *testing.T) {
	g, err := newCalc(t, defaultConfig()).CalculateGrid(d("50000"))
	require.NoError(t, err)

	assert.Equal(t, 7, g.NearestLevel(d("50100")).ID)
	assert.Equal(t, 0, g.NearestLevel(d("1000")).ID)
	assert.Equal(t, 14, g.NearestLevel(d("90000")).ID)

	buy, sell := g.AdjacentLevels(d("50000"))
	require.NotNil(t, buy)
	require.NotNil(t, sell)
	assert.Equal(t, 6, buy.ID)
	assert.Equal(t, 8, sell.ID)

	buy, sell = g.AdjacentLevels(d("46500"))
	assert.Nil(t, buy)
	require.NotNil(t, sell)
	assert.Equal(t, 8, sell.ID)

	dist := g.DistanceFromBounds(d("50000"))
	assert.True(t, dist.ToUpperPercent.Equal(d("7")))
	assert.True(t, dist.ToLowerPercent.Equal(d("7")))
	assert.False(t, dist.Outside())

	dist = g.DistanceFromBounds(d("54000"))
	assert.True(t, dist.Above)
	assert.True(t, dist.ToUpperPercent.IsNegative())
	assert.False(t, g.Contains(d("54000")))
	assert.True(t, g.Contains(d("53500")))

	_, ok := g.Level(15)
	assert.False(t, ok)
}
