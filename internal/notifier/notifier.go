package notifier

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"crossover-sentry/pkg/types"
)

// Interface 通知接口
type Interface interface {
	SendAlert(alert *types.CrossoverAlert) error
	SendBatchAlerts(alerts []*types.CrossoverAlert) error
	SendReversal(record *types.ReversalRecord) error
}

// New 按配置选择通知器：钉钉优先，其次PushPlus，均未配置时输出到控制台
func New(dingTalk types.DingTalkConfig, pushPlus types.PushPlusConfig) Interface {
	if dingTalk.WebhookURL != "" {
		return NewDingTalkNotifier(dingTalk.WebhookURL, dingTalk.Secret)
	}
	if pushPlus.UserToken != "" {
		return NewPushPlusNotifier(pushPlus.UserToken, pushPlus.To)
	}
	return NewConsoleNotifier()
}

// safePadding 安全地计算填充空格数量，避免负数
func safePadding(content string, totalWidth int) int {
	padding := totalWidth - utf8.RuneCountInString(content)
	if padding < 0 {
		padding = 0
	}
	return padding
}

// buildTradingURL 根据交易对生成交易链接
func buildTradingURL(symbol string) string {
	return fmt.Sprintf("https://www.okx.com/trade-spot/%s", strings.ToLower(symbol))
}

func directionArrow(d types.Direction) string {
	if d == types.DirectionPut {
		return "📉"
	}
	return "📈"
}

func formatCandleTime(ts int64) string {
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func reversalSummary(record *types.ReversalRecord) string {
	if record.Exceeded {
		return fmt.Sprintf("%d根K线内未反转", record.MaxWait)
	}
	return fmt.Sprintf("%d根K线后反转", record.CandlesToReverse)
}
