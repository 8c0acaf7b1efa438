package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"crossover-sentry/internal/strategy/fetcher"
	"crossover-sentry/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client OKX K线推送客户端
type Client struct {
	endpoint      string
	proxy         string
	conn          *websocket.Conn
	mu            sync.RWMutex
	writeMu       sync.Mutex
	isConnected   bool
	reconnectChan chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	candleChan    chan *types.Candle
	config        types.WebSocketConfig

	subscribedSymbols []string
	subscribedBar     string
}

// OKXCandlePush OKX K线推送消息
type OKXCandlePush struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data [][]string `json:"data"`
}

type subscriptionArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// OKXSubscription OKX订阅消息
type OKXSubscription struct {
	Op   string            `json:"op"`
	Args []subscriptionArg `json:"args"`
}

// NewClient 创建新的WebSocket客户端
func NewClient(endpoint, proxy string, config types.WebSocketConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = 5 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 20 * time.Second
	}

	return &Client{
		endpoint:      endpoint,
		proxy:         proxy,
		reconnectChan: make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		candleChan:    make(chan *types.Candle, 1000),
		config:        config,
	}
}

// Connect 建立WebSocket连接
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dialer := *websocket.DefaultDialer
	if c.proxy != "" {
		proxyURL, err := url.Parse(c.proxy)
		if err != nil {
			return fmt.Errorf("解析代理URL失败: %w", err)
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	conn, _, err := dialer.DialContext(c.ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("WebSocket连接失败: %w", err)
	}

	c.conn = conn
	c.isConnected = true

	zap.L().Info("✅ WebSocket连接建立成功",
		zap.String("endpoint", c.endpoint),
		zap.String("proxy", c.proxy))

	return nil
}

// Subscribe 订阅K线推送，重连后自动重新订阅
func (c *Client) Subscribe(symbols []string, timeframeSeconds int) error {
	bar, err := fetcher.BarForSeconds(timeframeSeconds)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.subscribedSymbols = append([]string(nil), symbols...)
	c.subscribedBar = bar
	c.mu.Unlock()

	return c.sendSubscription("subscribe", symbols, bar)
}

// Unsubscribe 取消当前订阅
func (c *Client) Unsubscribe() error {
	c.mu.Lock()
	symbols, bar := c.subscribedSymbols, c.subscribedBar
	c.subscribedSymbols, c.subscribedBar = nil, ""
	c.mu.Unlock()

	if len(symbols) == 0 {
		return nil
	}
	return c.sendSubscription("unsubscribe", symbols, bar)
}

func (c *Client) sendSubscription(op string, symbols []string, bar string) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.isConnected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return fmt.Errorf("WebSocket未连接")
	}

	subscription := OKXSubscription{Op: op}
	for _, symbol := range symbols {
		subscription.Args = append(subscription.Args, subscriptionArg{
			Channel: channelForBar(bar),
			InstID:  symbol,
		})
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(subscription)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("发送订阅消息失败: %w", err)
	}

	zap.L().Info("📊 K线订阅已更新",
		zap.String("op", op),
		zap.Strings("symbols", symbols),
		zap.String("bar", bar))

	return nil
}

// StartReading 开始读取WebSocket数据
func (c *Client) StartReading() {
	go c.readLoop()
	go c.reconnectLoop()
	go c.pingLoop()
}

// readLoop 读取数据循环
func (c *Client) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("WebSocket读取panic", zap.Any("error", r))
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()

			if conn == nil {
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				zap.L().Error("WebSocket读取消息失败", zap.Error(err))
				c.handleDisconnect()
				continue
			}

			if err := c.handleMessage(message); err != nil {
				zap.L().Warn("解析K线推送失败", zap.Error(err))
			}
		}
	}
}

// handleMessage 解析K线推送
func (c *Client) handleMessage(message []byte) error {
	if string(message) == "pong" {
		return nil
	}

	var push OKXCandlePush
	if err := json.Unmarshal(message, &push); err != nil {
		return err
	}

	if push.Event == "error" {
		return fmt.Errorf("OKX订阅错误: code=%s, msg=%s", push.Code, push.Msg)
	}
	if push.Event != "" || !strings.HasPrefix(push.Arg.Channel, "candle") {
		return nil
	}

	// 忽略切换周期前的旧频道推送
	c.mu.RLock()
	bar := c.subscribedBar
	c.mu.RUnlock()
	if bar != "" && barFromChannel(push.Arg.Channel) != bar {
		return nil
	}

	for _, row := range push.Data {
		candle, err := fetcher.ParseCandle(push.Arg.InstID, row)
		if err != nil {
			zap.L().Warn("解析单条K线数据失败", zap.Error(err))
			continue
		}

		select {
		case c.candleChan <- candle:
		default:
			zap.L().Warn("K线数据通道满，丢弃数据", zap.String("symbol", candle.Symbol))
		}
	}

	return nil
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	reconnectAttempts := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectChan:
			reconnectAttempts++
			if c.config.MaxReconnectAttempts > 0 && reconnectAttempts > c.config.MaxReconnectAttempts {
				zap.L().Error("达到最大重连次数，停止重连",
					zap.Int("max_attempts", c.config.MaxReconnectAttempts))
				return
			}

			zap.L().Info("尝试重连WebSocket",
				zap.Int("attempt", reconnectAttempts),
				zap.Int("max_attempts", c.config.MaxReconnectAttempts))

			if err := c.Connect(); err != nil {
				zap.L().Error("重连失败", zap.Error(err))
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(c.config.ReconnectInterval):
				}
				c.triggerReconnect()
				continue
			}

			c.mu.RLock()
			symbols, bar := c.subscribedSymbols, c.subscribedBar
			c.mu.RUnlock()
			if len(symbols) > 0 {
				if err := c.sendSubscription("subscribe", symbols, bar); err != nil {
					zap.L().Error("重新订阅失败", zap.Error(err))
				}
			}

			reconnectAttempts = 0
			zap.L().Info("WebSocket重连成功")
		}
	}
}

// pingLoop 心跳循环，OKX要求30秒内有消息往来
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			isConnected := c.isConnected
			c.mu.RUnlock()

			if !isConnected || conn == nil {
				continue
			}

			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			c.writeMu.Unlock()
			if err != nil {
				zap.L().Error("发送心跳失败", zap.Error(err))
				c.handleDisconnect()
			}
		}
	}
}

// handleDisconnect 处理断线
func (c *Client) handleDisconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.isConnected = false
	c.mu.Unlock()

	c.triggerReconnect()
}

func (c *Client) triggerReconnect() {
	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

// Candles K线推送通道
func (c *Client) Candles() <-chan *types.Candle {
	return c.candleChan
}

// Close 关闭WebSocket连接
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.isConnected = false
		return err
	}

	return nil
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}
