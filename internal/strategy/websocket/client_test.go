package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crossover-sentry/pkg/types"
	"github.com/gorilla/websocket"
)

func TestClient_SubscribeAndReceive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan OKXSubscription, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub OKXSubscription
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe","arg":{"channel":"candle1m","instId":"BTC-USDT"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"arg":{"channel":"candle5m","instId":"BTC-USDT"},"data":[["1700000000000","1","1","1","1","0","0","0","0"]]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"arg":{"channel":"candle1m","instId":"BTC-USDT"},"data":[["1700000060000","10","12","9","11","5","0","0","1"]]}`))

		// keep the connection open until the client closes it
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := NewClient(endpoint, "", types.WebSocketConfig{PingInterval: time.Hour})
	defer client.Close()

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !client.IsConnected() {
		t.Fatal("client should report connected")
	}
	if err := client.Subscribe([]string{"BTC-USDT"}, 60); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	client.StartReading()

	select {
	case sub := <-subscribed:
		if sub.Op != "subscribe" || len(sub.Args) != 1 || sub.Args[0].Channel != "candle1m" || sub.Args[0].InstID != "BTC-USDT" {
			t.Errorf("subscription = %+v", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the subscription")
	}

	select {
	case candle := <-client.Candles():
		if candle.OpenTime != 1_700_000_060 || candle.Close != 11 || !candle.Confirmed {
			t.Errorf("candle = %+v", candle)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no candle received")
	}
}

func TestClient_SubscribeRequiresConnection(t *testing.T) {
	client := NewClient("ws://127.0.0.1:0", "", types.WebSocketConfig{})
	defer client.Close()

	if err := client.Subscribe([]string{"BTC-USDT"}, 60); err == nil {
		t.Error("expected error when not connected")
	}
	if err := client.Subscribe([]string{"BTC-USDT"}, 7); err == nil {
		t.Error("expected unsupported timeframe error")
	}
}

func TestHandleMessage_SubscriptionError(t *testing.T) {
	client := NewClient("ws://127.0.0.1:0", "", types.WebSocketConfig{})
	defer client.Close()

	msg, _ := json.Marshal(map[string]string{"event": "error", "code": "60012", "msg": "Invalid request"})
	if err := client.handleMessage(msg); err == nil {
		t.Error("expected subscription error")
	}
	if err := client.handleMessage([]byte("pong")); err != nil {
		t.Errorf("pong: %v", err)
	}
}
