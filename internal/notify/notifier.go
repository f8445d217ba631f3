package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"grid-engine-go/internal/ledger"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/rebalance"
	"grid-engine-go/internal/risk"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Sender 把一条文本消息发往某个渠道
type Sender interface {
	Send(ctx context.Context, text string) error
}

// TelegramSender 通过 Telegram 机器人发送消息
type TelegramSender struct {
	bot    *tgbot.BotAPI
	chatID int64
}

func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot init")
	}
	return &TelegramSender{bot: b, chatID: chatID}, nil
}

func (t *TelegramSender) Send(_ context.Context, text string) error {
	_, err := t.bot.Send(tgbot.NewMessage(t.chatID, text))
	return err
}

// LogSender 把通知写进日志, 没有配置 Telegram 时使用
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger.Named("notify")}
}

func (l *LogSender) Send(_ context.Context, text string) error {
	l.logger.Info("notification", zap.String("text", text))
	return nil
}

// Hooks 是引擎暴露的事件订阅接口
type Hooks interface {
	OnFill(h ledger.FillHandler)
	OnRebalance(h rebalance.Handler)
	OnAlert(h risk.AlertHandler)
}

// Notifier 在自己的 goroutine 里发送通知。
// 事件回调运行在引擎的写入 goroutine 上, 只做格式化和非阻塞入队。
type Notifier struct {
	senders []Sender
	logger  *zap.Logger
	queue   chan string
	fills   bool

	wg      sync.WaitGroup
	once    sync.Once
	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

type Option func(*Notifier)

// WithBuffer 设置待发送队列容量
func WithBuffer(size int) Option { return func(n *Notifier) { n.queue = make(chan string, size) } }

// WithFills 是否为每笔成交发送通知, 默认只发告警和再平衡
func WithFills(enabled bool) Option { return func(n *Notifier) { n.fills = enabled } }

func New(logger *zap.Logger, senders []Sender, opts ...Option) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		senders: senders,
		logger:  logger.Named("notifier"),
		queue:   make(chan string, 256),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Attach 订阅引擎事件
func (n *Notifier) Attach(h Hooks) {
	h.OnAlert(n.Alert)
	h.OnRebalance(n.Rebalance)
	if n.fills {
		h.OnFill(n.Fill)
	}
}

// Start 启动发送循环, 直到 ctx 取消或 Stop 被调用
func (n *Notifier) Start(ctx context.Context) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case text, ok := <-n.queue:
				if !ok {
					return
				}
				n.deliver(ctx, text)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop 关闭队列并等待剩余消息发送完毕
func (n *Notifier) Stop() {
	n.once.Do(func() {
		close(n.queue)
		n.wg.Wait()
	})
}

func (n *Notifier) deliver(ctx context.Context, text string) {
	for _, s := range n.senders {
		if err := s.Send(ctx, text); err != nil {
			n.failed.Add(1)
			n.logger.Warn("failed to send notification", zap.Error(err))
			continue
		}
		n.sent.Add(1)
	}
}

// Notify 非阻塞入队, 队列满时丢弃
func (n *Notifier) Notify(text string) (ok bool) {
	defer func() {
		// Stop 之后入队会 panic, 视为丢弃
		if recover() != nil {
			n.dropped.Add(1)
			ok = false
		}
	}()
	select {
	case n.queue <- text:
		return true
	default:
		n.dropped.Add(1)
		n.logger.Warn("notification queue full, message dropped")
		return false
	}
}

func (n *Notifier) Alert(a models.RiskAlert) {
	n.Notify(FormatAlert(a))
}

func (n *Notifier) Rebalance(a models.RebalanceAction) {
	n.Notify(FormatRebalance(a))
}

func (n *Notifier) Fill(ev models.FillEvent) {
	n.Notify(FormatFill(ev))
}

// Stats 返回 (已发送, 发送失败, 丢弃) 计数
func (n *Notifier) Stats() (sent, failed, dropped int64) {
	return n.sent.Load(), n.failed.Load(), n.dropped.Load()
}

func FormatAlert(a models.RiskAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ [%s] %s\n", a.Severity, a.Type)
	b.WriteString(a.Message)
	if !a.Threshold.IsZero() {
		fmt.Fprintf(&b, "\nvalue %s / threshold %s", a.Value.StringFixed(2), a.Threshold.StringFixed(2))
	}
	return b.String()
}

func FormatRebalance(a models.RebalanceAction) string {
	s := fmt.Sprintf("🔄 Rebalance %s (%s)\ncenter %s -> %s\nrange %s - %s\ncanceled %d, placed %d",
		a.Status, a.Reason, a.OldCenter.StringFixed(2), a.NewCenter.StringFixed(2),
		a.NewLower.StringFixed(2), a.NewUpper.StringFixed(2), a.OrdersCanceled, a.OrdersPlaced)
	if a.Error != "" {
		s += "\nerror: " + a.Error
	}
	return s
}

func FormatFill(ev models.FillEvent) string {
	s := fmt.Sprintf("✅ %s %s @ %s (level %d)",
		ev.Order.Side, ev.Quantity.String(), ev.Price.StringFixed(2), ev.Order.LevelID)
	if ev.Order.Side == models.Sell && !ev.Profit.IsZero() {
		s += fmt.Sprintf(" profit %s", ev.Profit.StringFixed(4))
	}
	return s
}
