package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"grid-engine-go/internal/ledger"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/rebalance"
	"grid-engine-go/internal/risk"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSender struct {
	sync.Mutex
	texts []string
	err   error
}

func (m *mockSender) Send(_ context.Context, text string) error {
	m.Lock()
	defer m.Unlock()
	if m.err != nil {
		return m.err
	}
	m.texts = append(m.texts, text)
	return nil
}

func (m *mockSender) count() int {
	m.Lock()
	defer m.Unlock()
	return len(m.texts)
}

type mockHooks struct {
	fill      ledger.FillHandler
	rebalance rebalance.Handler
	alert     risk.AlertHandler
}

func (h *mockHooks) OnFill(f ledger.FillHandler)     { h.fill = f }
func (h *mockHooks) OnRebalance(f rebalance.Handler) { h.rebalance = f }
func (h *mockHooks) OnAlert(f risk.AlertHandler)     { h.alert = f }

func TestNotifierDeliversToAllSenders(t *testing.T) {
	a, b := &mockSender{}, &mockSender{err: errors.New("telegram down")}
	n := New(zap.NewNop(), []Sender{a, b})
	hooks := &mockHooks{}
	n.Attach(hooks)
	assert.Nil(t, hooks.fill, "fills are opt-in")
	require.NotNil(t, hooks.alert)

	n.Start(context.Background())
	hooks.alert(models.RiskAlert{
		Type: models.AlertDailyLoss, Severity: models.RiskCritical, Message: "daily loss limit reached",
		Value: decimal.RequireFromString("50.01"), Threshold: decimal.RequireFromString("50"),
	})
	hooks.rebalance(models.RebalanceAction{Reason: models.ReasonManual, Status: models.RebalanceCompleted})

	require.Eventually(t, func() bool { return a.count() == 2 }, time.Second, 5*time.Millisecond)
	n.Stop()

	sent, failed, dropped := n.Stats()
	assert.Equal(t, int64(2), sent)
	assert.Equal(t, int64(2), failed)
	assert.Equal(t, int64(0), dropped)
	assert.Contains(t, a.texts[0], "DAILY_LOSS_LIMIT")
	assert.Contains(t, a.texts[0], "50.01")
}

func TestNotifyDropsWhenFullOrStopped(t *testing.T) {
	n := New(zap.NewNop(), nil, WithBuffer(1))
	assert.True(t, n.Notify("one"))
	assert.False(t, n.Notify("two"))

	n.Start(context.Background())
	n.Stop()
	assert.False(t, n.Notify("three"))
	_, _, dropped := n.Stats()
	assert.Equal(t, int64(2), dropped)
}

func TestFormatFill(t *testing.T) {
	n := New(zap.NewNop(), nil, WithFills(true))
	hooks := &mockHooks{}
	n.Attach(hooks)
	require.NotNil(t, hooks.fill)

	text := FormatFill(models.FillEvent{
		Order:    models.Order{Side: models.Sell, LevelID: 3},
		Quantity: decimal.RequireFromString("0.0007"),
		Price:    decimal.RequireFromString("46918.872"),
		Profit:   decimal.RequireFromString("0.21"),
	})
	assert.Contains(t, text, "SELL 0.0007 @ 46918.87 (level 3)")
	assert.Contains(t, text, "profit 0.2100")
}
