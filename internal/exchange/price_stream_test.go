package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseAggTrade(t *testing.T) {
	price, ts, err := parseAggTrade([]byte(`{"e":"aggTrade","s":"BTCUSDT","p":"50123.45","T":1700000000000}`))
	require.NoError(t, err)
	assert.True(t, price.Equal(d("50123.45")))
	assert.Equal(t, int64(1700000000000), ts.UnixMilli())

	_, _, err = parseAggTrade([]byte(`{"e":"aggTrade","p":"abc"}`))
	assert.Error(t, err)
	_, _, err = parseAggTrade([]byte(`not json`))
	assert.Error(t, err)
}

func TestPriceStreamDeliversPrices(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"aggTrade","p":"bad"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"aggTrade","p":"100.5","T":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"aggTrade","p":"101.25","T":2}`))
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	var prices []decimal.Decimal
	received := make(chan struct{}, 4)
	handler := func(p decimal.Decimal, _ time.Time) {
		mu.Lock()
		prices = append(prices, p)
		mu.Unlock()
		received <- struct{}{}
	}

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	stream := NewPriceStream(wsURL, "BTCUSDT", time.Second, 5*time.Second, handler, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for price")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, prices, 2)
	assert.True(t, prices[0].Equal(d("100.5")))
	assert.True(t, prices[1].Equal(d("101.25")))
	assert.Equal(t, "/btcusdt@aggTrade", gotPath)
}
