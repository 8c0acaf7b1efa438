package notifier

import (
	"fmt"
	"io"
	"os"
	"strings"

	"crossover-sentry/pkg/types"
)

const boxWidth = 60

// ConsoleNotifier 控制台通知器
type ConsoleNotifier struct {
	out io.Writer
}

func NewConsoleNotifier() *ConsoleNotifier {
	return &ConsoleNotifier{out: os.Stdout}
}

// NewConsoleNotifierTo 输出到指定Writer
func NewConsoleNotifierTo(w io.Writer) *ConsoleNotifier {
	return &ConsoleNotifier{out: w}
}

func (cn *ConsoleNotifier) SendAlert(alert *types.CrossoverAlert) error {
	cn.printBox(fmt.Sprintf("%s 🚨 EMA交叉预警", directionArrow(alert.Direction)), []string{
		fmt.Sprintf("交易对: %s", alert.Symbol),
		fmt.Sprintf("方向: %s", alert.Direction.Label()),
		fmt.Sprintf("策略: %s", alert.Strategy),
		fmt.Sprintf("交叉K线: %s", formatCandleTime(alert.CandleTime)),
		fmt.Sprintf("预计反转: %s", alert.PredictedText),
		fmt.Sprintf("预警时间: %s", alert.AlertTime.Format("2006-01-02 15:04:05")),
	})
	return nil
}

func (cn *ConsoleNotifier) SendBatchAlerts(alerts []*types.CrossoverAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	if len(alerts) == 1 {
		return cn.SendAlert(alerts[0])
	}

	lines := make([]string, 0, len(alerts))
	for _, alert := range alerts {
		lines = append(lines, fmt.Sprintf("%s %-12s %-4s %s",
			directionArrow(alert.Direction), alert.Symbol, alert.Direction.Label(), alert.PredictedText))
	}
	cn.printBox(fmt.Sprintf("🚨 批量EMA交叉预警 (%d个)", len(alerts)), lines)
	return nil
}

func (cn *ConsoleNotifier) SendReversal(record *types.ReversalRecord) error {
	icon := "🔄"
	if record.Exceeded {
		icon = "⌛"
	}
	cn.printBox(fmt.Sprintf("%s 反转记录", icon), []string{
		fmt.Sprintf("交易对: %s", record.Symbol),
		fmt.Sprintf("交叉方向: %s", record.Direction.Label()),
		fmt.Sprintf("交叉K线: %s", formatCandleTime(record.CrossoverTime)),
		fmt.Sprintf("结果: %s", reversalSummary(record)),
	})
	return nil
}

func (cn *ConsoleNotifier) printBox(title string, lines []string) {
	fmt.Fprintln(cn.out)
	fmt.Fprintln(cn.out, "╔"+strings.Repeat("═", boxWidth)+"╗")
	cn.printLine(title)
	fmt.Fprintln(cn.out, "║"+strings.Repeat(" ", boxWidth)+"║")
	for _, line := range lines {
		cn.printLine(line)
	}
	fmt.Fprintln(cn.out, "╚"+strings.Repeat("═", boxWidth)+"╝")
}

func (cn *ConsoleNotifier) printLine(content string) {
	fmt.Fprintf(cn.out, "║ %s%s║\n", content, strings.Repeat(" ", safePadding(content, boxWidth-1)))
}
