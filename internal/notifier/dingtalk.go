package notifier

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crossover-sentry/pkg/types"
	"go.uber.org/zap"
)

// DingTalkNotifier 钉钉机器人通知器
type DingTalkNotifier struct {
	webhookURL string
	secret     string
	httpClient *http.Client
	fallback   *ConsoleNotifier
	now        func() time.Time
}

// DingTalkMessage 钉钉消息结构
type DingTalkMessage struct {
	MsgType  string            `json:"msgtype"`
	Markdown *DingTalkMarkdown `json:"markdown,omitempty"`
	At       *DingTalkAt       `json:"at,omitempty"`
}

type DingTalkMarkdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type DingTalkAt struct {
	AtAll bool `json:"isAtAll"`
}

// DingTalkResponse 钉钉API响应
type DingTalkResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func NewDingTalkNotifier(webhookURL, secret string) Interface {
	if webhookURL == "" {
		zap.L().Info("🔧 未配置钉钉Webhook URL，使用控制台输出模式")
		return NewConsoleNotifier()
	}

	if secret != "" {
		zap.L().Info("✅ 已配置钉钉通知服务（含加签验证）")
	} else {
		zap.L().Warn("⚠️ 钉钉通知已配置，但未设置secret（建议配置加签验证）")
	}

	return &DingTalkNotifier{
		webhookURL: webhookURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		fallback:   NewConsoleNotifier(),
		now:        time.Now,
	}
}

func (dtn *DingTalkNotifier) SendAlert(alert *types.CrossoverAlert) error {
	title := fmt.Sprintf("EMA交叉预警 - %s", alert.Symbol)
	if err := dtn.send(title, dtn.alertMarkdown(alert)); err != nil {
		zap.L().Warn("❌ 钉钉发送失败，降级为控制台输出", zap.Error(err))
		_ = dtn.fallback.SendAlert(alert)
		return err
	}
	zap.L().Info("✅ 钉钉通知已发送", zap.String("symbol", alert.Symbol))
	return nil
}

func (dtn *DingTalkNotifier) SendBatchAlerts(alerts []*types.CrossoverAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	if len(alerts) == 1 {
		return dtn.SendAlert(alerts[0])
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## 📊 批量EMA交叉预警 (%d个)\n\n", len(alerts)))
	sb.WriteString("| 交易对 | 方向 | 预计反转 |\n|---|---|---|\n")
	for _, alert := range alerts {
		sb.WriteString(fmt.Sprintf("| [%s](%s) | %s %s | %s |\n",
			alert.Symbol, buildTradingURL(alert.Symbol),
			directionArrow(alert.Direction), alert.Direction.Label(), alert.PredictedText))
	}

	title := fmt.Sprintf("批量EMA交叉预警 - %d个交易对", len(alerts))
	if err := dtn.send(title, sb.String()); err != nil {
		zap.L().Warn("❌ 钉钉批量发送失败，降级为控制台输出", zap.Error(err))
		_ = dtn.fallback.SendBatchAlerts(alerts)
		return err
	}
	zap.L().Info("✅ 钉钉批量通知已发送", zap.Int("count", len(alerts)))
	return nil
}

func (dtn *DingTalkNotifier) SendReversal(record *types.ReversalRecord) error {
	content := fmt.Sprintf(`## 🔄 反转记录

**交易对**: %s  
**交叉方向**: %s  
**交叉K线**: %s  
**结果**: %s
`, record.Symbol, record.Direction.Label(), formatCandleTime(record.CrossoverTime), reversalSummary(record))

	if err := dtn.send(fmt.Sprintf("反转记录 - %s", record.Symbol), content); err != nil {
		zap.L().Warn("❌ 钉钉发送失败，降级为控制台输出", zap.Error(err))
		_ = dtn.fallback.SendReversal(record)
		return err
	}
	return nil
}

func (dtn *DingTalkNotifier) alertMarkdown(alert *types.CrossoverAlert) string {
	color := "green"
	if alert.Direction == types.DirectionPut {
		color = "red"
	}
	return fmt.Sprintf(`## %s EMA交叉预警

**交易对**: [%s](%s)  
**方向**: <font color="%s">%s</font>  
**策略**: %s  
**交叉K线**: %s  
**预计反转**: %s  
**预警时间**: %s
`,
		directionArrow(alert.Direction),
		alert.Symbol, buildTradingURL(alert.Symbol),
		color, alert.Direction.Label(),
		alert.Strategy,
		formatCandleTime(alert.CandleTime),
		alert.PredictedText,
		alert.AlertTime.Format("2006-01-02 15:04:05"))
}

// generateSignature 生成钉钉加签: base64(hmac_sha256(timestamp+"\n"+secret))
func (dtn *DingTalkNotifier) generateSignature(timestamp int64) string {
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, dtn.secret)
	h := hmac.New(sha256.New, []byte(dtn.secret))
	h.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// buildSignedURL 构建带签名的URL
func (dtn *DingTalkNotifier) buildSignedURL() string {
	if dtn.secret == "" {
		return dtn.webhookURL
	}

	timestamp := dtn.now().UnixMilli()
	separator := "&"
	if !strings.Contains(dtn.webhookURL, "?") {
		separator = "?"
	}
	return fmt.Sprintf("%s%stimestamp=%d&sign=%s",
		dtn.webhookURL, separator, timestamp, url.QueryEscape(dtn.generateSignature(timestamp)))
}

func (dtn *DingTalkNotifier) send(title, content string) error {
	jsonData, err := json.Marshal(&DingTalkMessage{
		MsgType:  "markdown",
		Markdown: &DingTalkMarkdown{Title: title, Text: content},
		At:       &DingTalkAt{AtAll: false},
	})
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	resp, err := dtn.httpClient.Post(dtn.buildSignedURL(), "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	var dingResp DingTalkResponse
	if err := json.NewDecoder(resp.Body).Decode(&dingResp); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	if dingResp.ErrCode != 0 {
		return fmt.Errorf("钉钉API错误 [%d]: %s", dingResp.ErrCode, dingResp.ErrMsg)
	}
	return nil
}
