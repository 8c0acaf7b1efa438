package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"crossover-sentry/pkg/types"
	"go.uber.org/zap"
)

const (
	// OKX单次请求上限
	maxPageSize = 100

	AccountReal     = "REAL"
	AccountPractice = "PRACTICE"
)

// CandleFetcher OKX REST K线数据源
type CandleFetcher struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration

	mu      sync.RWMutex
	account string
}

// OKXCandleResponse OKX K线API响应
type OKXCandleResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

// NewCandleFetcher 创建K线获取器
func NewCandleFetcher(baseURL string, network types.NetworkConfig) *CandleFetcher {
	timeout := network.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	// 设置代理
	if network.Proxy != "" {
		proxyURL, err := url.Parse(network.Proxy)
		if err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
			zap.L().Info("✅ 已配置HTTP代理", zap.String("proxy", network.Proxy))
		} else {
			zap.L().Warn("⚠️ 代理地址格式错误", zap.Error(err))
		}
	}

	return &CandleFetcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		maxRetries: 3,
		retryDelay: time.Second,
		account:    AccountReal,
	}
}

// GetCandles 获取最近count根K线，按时间升序返回，最后一根可能未收盘
//
// 超过单页上限时使用after参数向前翻页，开盘时间晚于asOf的K线被丢弃。
func (f *CandleFetcher) GetCandles(ctx context.Context, symbol string, timeframeSeconds, count int, asOf time.Time) ([]*types.Candle, error) {
	bar, err := BarForSeconds(timeframeSeconds)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}

	seen := make(map[int64]struct{}, count)
	candles := make([]*types.Candle, 0, count)
	cutoff := asOf.Unix()
	var after int64

	for len(candles) < count {
		limit := count - len(candles)
		if limit > maxPageSize {
			limit = maxPageSize
		}

		endpoint := "candles"
		if after > 0 {
			endpoint = "history-candles"
		}

		page, err := f.fetchPage(ctx, endpoint, symbol, bar, limit, after)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, c := range page {
			if _, dup := seen[c.OpenTime]; dup {
				continue
			}
			seen[c.OpenTime] = struct{}{}
			if !asOf.IsZero() && c.OpenTime > cutoff {
				continue
			}
			candles = append(candles, c)
		}

		// OKX按时间倒序返回
		oldest := page[len(page)-1].OpenTime * 1000
		if after != 0 && oldest >= after {
			break
		}
		after = oldest
		if len(page) < limit {
			break
		}
	}

	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime < candles[j].OpenTime })
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}

	zap.L().Debug("✅ K线数据获取完成",
		zap.String("symbol", symbol),
		zap.String("bar", bar),
		zap.Int("requested", count),
		zap.Int("received", len(candles)))

	return candles, nil
}

// fetchPage 请求单页K线，失败时线性退避重试
func (f *CandleFetcher) fetchPage(ctx context.Context, endpoint, symbol, bar string, limit int, after int64) ([]*types.Candle, error) {
	query := url.Values{}
	query.Set("instId", symbol)
	query.Set("bar", bar)
	query.Set("limit", strconv.Itoa(limit))
	if after > 0 {
		query.Set("after", strconv.FormatInt(after, 10))
	}
	requestURL := fmt.Sprintf("%s/%s?%s", f.baseURL, endpoint, query.Encode())

	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if attempt > 1 {
			zap.L().Info("🔄 重试获取K线",
				zap.String("symbol", symbol),
				zap.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * f.retryDelay):
			}
		}

		page, err := f.doRequest(ctx, symbol, requestURL)
		if err == nil {
			return page, nil
		}
		lastErr = fmt.Errorf("第%d次尝试: %w", attempt, err)
		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("获取K线失败 %s: %w", symbol, lastErr)
}

func (f *CandleFetcher) doRequest(ctx context.Context, symbol, requestURL string) ([]*types.Candle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("User-Agent", "Crossover-Sentry/1.0")
	req.Header.Set("Accept", "application/json")
	if f.Account() == AccountPractice {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP响应错误: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var okxResponse OKXCandleResponse
	if err := json.Unmarshal(body, &okxResponse); err != nil {
		return nil, fmt.Errorf("解析JSON失败: %w", err)
	}
	if okxResponse.Code != "0" {
		return nil, fmt.Errorf("OKX API返回错误: code=%s, msg=%s", okxResponse.Code, okxResponse.Msg)
	}

	candles := make([]*types.Candle, 0, len(okxResponse.Data))
	for _, row := range okxResponse.Data {
		candle, err := ParseCandle(symbol, row)
		if err != nil {
			zap.L().Warn("解析K线数据失败", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// SwitchAccount 切换实盘/模拟盘，模拟盘请求附带x-simulated-trading头
func (f *CandleFetcher) SwitchAccount(ctx context.Context, account string) error {
	normalized := strings.ToUpper(strings.TrimSpace(account))
	if normalized != AccountReal && normalized != AccountPractice {
		return fmt.Errorf("unknown account type: %q", account)
	}

	f.mu.Lock()
	f.account = normalized
	f.mu.Unlock()
	return nil
}

// Account 当前账户类型
func (f *CandleFetcher) Account() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.account
}
