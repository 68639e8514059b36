package hub_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/isph/exchange-engine/internal/hub"
	"github.com/isph/exchange-engine/internal/model"
)

func startHub(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_BroadcastsToAllClients(t *testing.T) {
	h, url := startHub(t)
	a := dial(t, url)
	b := dial(t, url)
	require.Eventually(t, func() bool { return h.Clients() == 2 }, 2*time.Second, 5*time.Millisecond)

	h.Publish(model.Change{
		Type:            model.ChangeTradeExecuted,
		UserID:          "u1",
		StockTicker:     "AAPL",
		TradeType:       model.TradeBuy,
		Quantity:        3,
		Price:           "10",
		VolumeAvailable: 97,
	})

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var got model.Change
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, model.ChangeTradeExecuted, got.Type)
		assert.Equal(t, "AAPL", got.StockTicker)
		assert.Equal(t, int64(97), got.VolumeAvailable)
	}
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_PublishWithoutClientsDoesNotBlock(t *testing.T) {
	h := hub.New(nil) // not running

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(model.Change{Type: model.ChangeVolumeAdjusted, StockTicker: "X"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
}
