package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("写配置文件失败: %v", err)
	}
	return path
}

func TestLoadConfigDurationsAndDefaults(t *testing.T) {
	path := writeConfig(t, `
app_name: quantflow-test
symbols:
  - BTC/USDT
risk:
  max-order-amount: 5000
  frequency-window: 2s
order:
  stop-loss-retry-delay: 100ms
sync:
  interval: 5s
  backoff-max: 30s
`)
	if err := LoadConfig(path); err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	cfg := AppConfig

	if cfg.AppName != "quantflow-test" {
		t.Errorf("app_name = %s", cfg.AppName)
	}
	if cfg.Risk.FrequencyWindow != 2*time.Second {
		t.Errorf("frequency-window = %v, 期望 2s", cfg.Risk.FrequencyWindow)
	}
	if cfg.Order.StopLossRetryDelay != 100*time.Millisecond {
		t.Errorf("stop-loss-retry-delay = %v, 期望 100ms", cfg.Order.StopLossRetryDelay)
	}
	if cfg.Sync.Interval != 5*time.Second {
		t.Errorf("sync.interval = %v, 期望 5s", cfg.Sync.Interval)
	}

	// yaml里没写的键保留默认值
	if cfg.Risk.RiskPerTradePct != 0.01 {
		t.Errorf("risk-per-trade-pct默认值丢失: %v", cfg.Risk.RiskPerTradePct)
	}
	if cfg.Risk.MaxOrderAmount != 5000 {
		t.Errorf("max-order-amount = %v, 期望 5000", cfg.Risk.MaxOrderAmount)
	}
	if cfg.Order.StopLossRetryCount != 3 {
		t.Errorf("stop-loss-retry-count默认值丢失: %v", cfg.Order.StopLossRetryCount)
	}
	if cfg.Sync.BackoffBase != time.Second {
		t.Errorf("backoff-base默认值丢失: %v", cfg.Sync.BackoffBase)
	}
	if cfg.Sync.Cooldown != 60*time.Second {
		t.Errorf("cooldown默认值丢失: %v", cfg.Sync.Cooldown)
	}
	t.Logf("✅ 时长解析与默认值合并正确")
}

func TestLoadConfigInvalidDuration(t *testing.T) {
	path := writeConfig(t, `
sync:
  interval: abc
`)
	if err := LoadConfig(path); err == nil {
		t.Fatal("非法时长应该报错")
	}
	t.Logf("✅ 非法时长被拒绝")
}

func TestLoadConfigValidation(t *testing.T) {
	// 单笔风险超过10%上限，校验应失败
	path := writeConfig(t, `
risk:
  risk-per-trade-pct: 0.5
`)
	if err := LoadConfig(path); err == nil {
		t.Fatal("越界的风控参数应该报错")
	}
	t.Logf("✅ 风控参数越界被拒绝")
}

func TestLoadConfigMissingFile(t *testing.T) {
	if err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("不存在的配置文件应该报错")
	}
}
