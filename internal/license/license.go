package license

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"crossover-sentry/pkg/types"
	"go.uber.org/zap"
)

var (
	ErrNotActivated = errors.New("授权未激活")
	ErrDenied       = errors.New("授权无效、已吊销或已在其他设备激活")
)

// record 本地授权文件内容
type record struct {
	Key            string    `json:"key"`
	Active         bool      `json:"active"`
	LastValidation time.Time `json:"last_validation"`
}

// serverLicense 授权服务返回的授权条目
type serverLicense struct {
	Key      string `json:"key"`
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
	Revoked  bool   `json:"revoked"`
}

type activateRequest struct {
	LicenseKey string `json:"license_key"`
	DeviceID   string `json:"device_id"`
}

type activateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Manager 设备绑定的授权校验
type Manager struct {
	config     types.LicenseConfig
	httpClient *http.Client
	deviceID   string
	now        func() time.Time

	mu     sync.Mutex
	record *record
}

func NewManager(config types.LicenseConfig) *Manager {
	if config.File == "" {
		config.File = "license.dat"
	}
	return &Manager{
		config:     config,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		deviceID:   DeviceID(),
		now:        time.Now,
	}
}

// DeviceID 设备标识: sha256(主机名-系统-架构-CPU数)
func DeviceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%s-%d", host, runtime.GOOS, runtime.GOARCH, runtime.NumCPU())))
	return hex.EncodeToString(sum[:])
}

// Load 读取本地授权文件，文件缺失或损坏视为未激活
func (m *Manager) Load() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.config.File)
	if err != nil {
		m.record = nil
		return false
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		zap.L().Warn("⚠️ 授权文件损坏", zap.String("file", m.config.File), zap.Error(err))
		m.record = nil
		return false
	}
	m.record = &rec
	return rec.Active && rec.Key != ""
}

// Active 当前是否持有有效授权
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record != nil && m.record.Active && m.record.Key != ""
}

// Activate 在授权服务激活key并写入本地文件
func (m *Manager) Activate(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("授权码不能为空")
	}
	zap.L().Info("🔑 正在激活授权...")

	body, err := json.Marshal(activateRequest{LicenseKey: key, DeviceID: m.deviceID})
	if err != nil {
		return fmt.Errorf("序列化激活请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.ActivateURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建激活请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("连接授权服务失败: %w", err)
	}
	defer resp.Body.Close()

	var result activateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("解析激活响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("授权服务返回 %d: %s", resp.StatusCode, result.Message)
	}
	if !result.Success {
		return fmt.Errorf("激活失败: %s", result.Message)
	}

	if err := m.save(key); err != nil {
		return err
	}
	zap.L().Info("✅ 授权激活成功")
	return nil
}

// Check 校验授权。距上次校验不足 validation_period 时直接通过；
// 服务端不可达时保留本地授权；服务端拒绝时删除本地文件。
func (m *Manager) Check(ctx context.Context) error {
	m.mu.Lock()
	rec := m.record
	m.mu.Unlock()

	if rec == nil || !rec.Active || rec.Key == "" {
		return ErrNotActivated
	}

	since := m.now().Sub(rec.LastValidation)
	if since < m.config.ValidationPeriod {
		zap.L().Debug("授权校验未到期", zap.Duration("since_last", since))
		return nil
	}

	valid, err := m.validateOnServer(ctx, rec.Key)
	if err != nil {
		zap.L().Warn("⚠️ 授权服务校验失败，暂时保留本地授权", zap.Error(err))
		return nil
	}
	if !valid {
		zap.L().Error("❌ 授权已失效", zap.Error(ErrDenied))
		m.deleteFile()
		return ErrDenied
	}
	return m.save(rec.Key)
}

// Watch 周期校验授权，失效时发送停止指令后返回
func (m *Manager) Watch(ctx context.Context, commands chan<- types.Command) {
	if m.config.CheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Check(ctx); err != nil {
				zap.L().Error("🛑 授权无效，停止引擎", zap.Error(err))
				select {
				case commands <- types.Command{Kind: types.CommandStop}:
				case <-ctx.Done():
				}
				return
			}
		}
	}
}

func (m *Manager) validateOnServer(ctx context.Context, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.ValidateURL, nil)
	if err != nil {
		return false, fmt.Errorf("创建校验请求失败: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("连接授权服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("授权服务返回 %d", resp.StatusCode)
	}
	var licenses []serverLicense
	if err := json.NewDecoder(resp.Body).Decode(&licenses); err != nil {
		return false, fmt.Errorf("解析校验响应失败: %w", err)
	}

	for _, lic := range licenses {
		if lic.Key != key {
			continue
		}
		return !lic.Revoked && lic.Status == "active" && lic.DeviceID == m.deviceID, nil
	}
	return false, nil
}

func (m *Manager) save(key string) error {
	rec := &record{Key: key, Active: true, LastValidation: m.now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化授权文件失败: %w", err)
	}
	if err := os.WriteFile(m.config.File, data, 0o600); err != nil {
		return fmt.Errorf("写入授权文件失败: %w", err)
	}

	m.mu.Lock()
	m.record = rec
	m.mu.Unlock()
	return nil
}

func (m *Manager) deleteFile() {
	if err := os.Remove(m.config.File); err != nil && !errors.Is(err, os.ErrNotExist) {
		zap.L().Warn("⚠️ 删除授权文件失败", zap.Error(err))
	}
	m.mu.Lock()
	m.record = nil
	m.mu.Unlock()
}

// Gate 启动时授权检查：未激活时尝试用配置的key激活，然后校验
func (m *Manager) Gate(ctx context.Context) error {
	if !m.Load() {
		if m.config.Key == "" {
			return ErrNotActivated
		}
		if err := m.Activate(ctx, m.config.Key); err != nil {
			return err
		}
	}
	return m.Check(ctx)
}
