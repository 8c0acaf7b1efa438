package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"crossover-sentry/pkg/types"
	"go.uber.org/zap"
)

const pushPlusEndpoint = "http://www.pushplus.plus/send"

// PushPlusNotifier PushPlus通知器，发送失败时降级为控制台输出
type PushPlusNotifier struct {
	userToken  string
	to         string // 好友令牌，多人用逗号分隔
	endpoint   string
	httpClient *http.Client
	fallback   *ConsoleNotifier
}

type PushPlusRequest struct {
	Token    string `json:"token"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Template string `json:"template"`
	To       string `json:"to,omitempty"`
}

type PushPlusResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data string `json:"data"`
}

func NewPushPlusNotifier(userToken, to string) Interface {
	if userToken == "" {
		zap.L().Info("🔧 未配置PushPlus User Token，使用控制台输出模式")
		return NewConsoleNotifier()
	}

	zap.L().Info("✅ 已配置PushPlus通知服务", zap.Bool("friends", to != ""))
	return &PushPlusNotifier{
		userToken:  userToken,
		to:         to,
		endpoint:   pushPlusEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		fallback:   NewConsoleNotifier(),
	}
}

func (ppn *PushPlusNotifier) SendAlert(alert *types.CrossoverAlert) error {
	title := fmt.Sprintf("%s EMA交叉预警 - %s %s", directionArrow(alert.Direction), alert.Symbol, alert.Direction.Label())
	if err := ppn.send(title, ppn.alertHTML(alert)); err != nil {
		zap.L().Warn("❌ PushPlus发送失败，降级为控制台输出", zap.Error(err))
		_ = ppn.fallback.SendAlert(alert)
		return err
	}
	zap.L().Info("✅ PushPlus通知已发送", zap.String("symbol", alert.Symbol))
	return nil
}

func (ppn *PushPlusNotifier) SendBatchAlerts(alerts []*types.CrossoverAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	if len(alerts) == 1 {
		return ppn.SendAlert(alerts[0])
	}

	var sb strings.Builder
	for _, alert := range alerts {
		sb.WriteString(ppn.alertHTML(alert))
	}
	title := fmt.Sprintf("📊 批量EMA交叉预警 - %d个交易对", len(alerts))
	if err := ppn.send(title, sb.String()); err != nil {
		zap.L().Warn("❌ PushPlus批量发送失败，降级为控制台输出", zap.Error(err))
		_ = ppn.fallback.SendBatchAlerts(alerts)
		return err
	}
	zap.L().Info("✅ PushPlus批量通知已发送", zap.Int("count", len(alerts)))
	return nil
}

func (ppn *PushPlusNotifier) SendReversal(record *types.ReversalRecord) error {
	title := fmt.Sprintf("🔄 反转记录 - %s", record.Symbol)
	content := fmt.Sprintf(`<div style="padding: 10px;">
<p><strong>交易对:</strong> %s</p>
<p><strong>交叉方向:</strong> %s</p>
<p><strong>交叉K线:</strong> %s</p>
<p><strong>结果:</strong> %s</p>
</div>`, record.Symbol, record.Direction.Label(), formatCandleTime(record.CrossoverTime), reversalSummary(record))

	if err := ppn.send(title, content); err != nil {
		zap.L().Warn("❌ PushPlus发送失败，降级为控制台输出", zap.Error(err))
		_ = ppn.fallback.SendReversal(record)
		return err
	}
	return nil
}

func (ppn *PushPlusNotifier) alertHTML(alert *types.CrossoverAlert) string {
	color := "#00C851"
	if alert.Direction == types.DirectionPut {
		color = "#FF4444"
	}
	return fmt.Sprintf(`
<div style="border: 2px solid %s; border-radius: 10px; padding: 15px; margin: 10px;">
    <h3 style="color: %s; margin-top: 0;">%s %s %s</h3>
    <p><strong>交易对:</strong> <a href="%s" target="_blank">%s 🔗</a></p>
    <p><strong>策略:</strong> %s</p>
    <p><strong>交叉K线:</strong> %s</p>
    <p><strong>预计反转:</strong> %s</p>
</div>
`,
		color, color, directionArrow(alert.Direction), alert.Symbol, alert.Direction.Label(),
		buildTradingURL(alert.Symbol), alert.Symbol,
		alert.Strategy,
		formatCandleTime(alert.CandleTime),
		alert.PredictedText)
}

func (ppn *PushPlusNotifier) send(title, content string) error {
	jsonData, err := json.Marshal(PushPlusRequest{
		Token:    ppn.userToken,
		Title:    title,
		Content:  content,
		Template: "html",
		To:       ppn.to,
	})
	if err != nil {
		return fmt.Errorf("序列化请求数据失败: %w", err)
	}

	resp, err := ppn.httpClient.Post(ppn.endpoint, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	var pushResp PushPlusResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	if pushResp.Code != 200 {
		return fmt.Errorf("PushPlus API错误: %s", pushResp.Msg)
	}
	return nil
}
