package websocket

import "strings"

// channelForBar OKX K线频道名，如 candle1m
func channelForBar(bar string) string {
	return "candle" + bar
}

// barFromChannel 从频道名提取bar
func barFromChannel(channel string) string {
	return strings.TrimPrefix(channel, "candle")
}
