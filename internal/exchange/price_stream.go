package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceHandler 收到一笔新成交价时被调用
type PriceHandler func(price decimal.Decimal, ts time.Time)

// aggTradeEvent 币安归集成交推送, 只解析需要的字段
type aggTradeEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// PriceStream 维持到 aggTrade 推送的 WebSocket 连接, 断线后自动重连
type PriceStream struct {
	url            string
	pongWait       time.Duration
	pingPeriod     time.Duration
	reconnectDelay time.Duration
	handler        PriceHandler
	logger         *zap.Logger
}

// NewPriceStream 创建行情推送。baseURL 例如 wss://stream.binance.com:9443/ws
func NewPriceStream(baseURL, symbol string, pingInterval, pongTimeout time.Duration, handler PriceHandler, logger *zap.Logger) *PriceStream {
	if pongTimeout <= 0 {
		pongTimeout = 60 * time.Second
	}
	if pingInterval <= 0 || pingInterval >= pongTimeout {
		pingInterval = (pongTimeout * 9) / 10
	}
	return &PriceStream{
		url:            strings.TrimRight(baseURL, "/") + "/" + strings.ToLower(symbol) + "@aggTrade",
		pongWait:       pongTimeout,
		pingPeriod:     pingInterval,
		reconnectDelay: 5 * time.Second,
		handler:        handler,
		logger:         logger,
	}
}

// Run 是一个守护循环，负责维持WebSocket的连接和重连, 直到 ctx 结束
func (s *PriceStream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.logger.Info("行情推送循环已停止")
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn("WebSocket连接失败, 稍后重试", zap.String("url", s.url), zap.Error(err))
		} else {
			s.logger.Info("WebSocket连接成功", zap.String("url", s.url))
			if err := s.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
				s.logger.Warn("WebSocket连接已断开, 准备重连", zap.Error(err))
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

// readLoop 为一个已建立的连接处理消息，并实现心跳机制
func (s *PriceStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-ctx.Done():
				// 关闭连接让 ReadMessage 立即返回
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read message")
		}
		conn.SetReadDeadline(time.Now().Add(s.pongWait))

		price, ts, err := parseAggTrade(message)
		if err != nil {
			s.logger.Debug("解析价格信息失败", zap.Error(err))
			continue
		}
		s.handler(price, ts)
	}
}

func parseAggTrade(message []byte) (decimal.Decimal, time.Time, error) {
	var ev aggTradeEvent
	if err := sonic.Unmarshal(message, &ev); err != nil {
		return decimal.Zero, time.Time{}, errors.Wrap(err, "decode aggTrade")
	}
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return decimal.Zero, time.Time{}, errors.Wrapf(err, "price %q", ev.Price)
	}
	if !price.IsPositive() {
		return decimal.Zero, time.Time{}, errors.Errorf("non-positive price %s", ev.Price)
	}
	ts := time.Now()
	if ev.TradeTime > 0 {
		ts = time.UnixMilli(ev.TradeTime)
	}
	return price, ts, nil
}
