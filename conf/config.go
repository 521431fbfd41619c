package conf

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// 配置加载（API密钥、风控参数等）

type Okx struct {
	ApiKey    string `yaml:"apiKey"`
	SecretKey string `yaml:"secretKey"`
	Password  string `yaml:"password"`
	Simulated bool   `yaml:"simulated"`
	// 开机为各标的统一设置的杠杆倍数，0表示沿用交易所当前设置
	Leverage int `yaml:"leverage" validate:"gte=0,lte=20"`
}

type Db struct {
	DbName   string `yaml:"dbname"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Enabled  bool   `yaml:"enabled"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	FileName   string `yaml:"file-name"`
	MaxSize    int    `yaml:"max-size"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAge     int    `yaml:"max-age"`
	Compress   bool   `yaml:"compress"`
	Console    bool   `yaml:"console"`
}

type KafkaConfig struct {
	Broker     string `yaml:"broker"`
	AlertTopic string `yaml:"alert-topic"`
}

// RiskConfig 全局风控硬性参数
type RiskConfig struct {
	// 单笔交易最大亏损占总权益比例（1% Rule）
	RiskPerTradePct float64 `yaml:"risk-per-trade-pct" validate:"gt=0,lt=0.1"`
	// 全局真实杠杆上限（绝对红线）：总持仓价值 / 账户权益
	MaxGlobalLeverage float64 `yaml:"max-global-leverage" validate:"gt=0,lt=20"`
	// 策略最大回撤熔断阈值，超过后禁止该策略开新仓
	MaxDrawdownLimit float64 `yaml:"max-drawdown-limit" validate:"gt=0,lt=1"`
	// 最小止损价差保护（防止除以零）
	MinStopDistancePct float64 `yaml:"min-stop-distance-pct" validate:"gt=0"`
	// 单一币种最大敞口占权益比例
	MaxSingleSymbolExposure float64 `yaml:"max-single-symbol-exposure" validate:"gt=0"`
	// 单笔订单最大名义金额（USDT）
	MaxOrderAmount float64 `yaml:"max-order-amount" validate:"gt=0"`
	// 频率限制：窗口内最多下单数
	MaxFrequency    int           `yaml:"max-frequency" validate:"gt=0"`
	FrequencyWindow time.Duration `yaml:"frequency-window" validate:"gt=0"`
}

// yaml.v3不认识"500ms"这种写法，时长字段统一走字符串再解析。
// 影子结构体先用当前值（默认值）填充，yaml里没写的键不会被清零。
func (c *RiskConfig) UnmarshalYAML(value *yaml.Node) error {
	shadow := struct {
		RiskPerTradePct         float64 `yaml:"risk-per-trade-pct"`
		MaxGlobalLeverage       float64 `yaml:"max-global-leverage"`
		MaxDrawdownLimit        float64 `yaml:"max-drawdown-limit"`
		MinStopDistancePct      float64 `yaml:"min-stop-distance-pct"`
		MaxSingleSymbolExposure float64 `yaml:"max-single-symbol-exposure"`
		MaxOrderAmount          float64 `yaml:"max-order-amount"`
		MaxFrequency            int     `yaml:"max-frequency"`
		FrequencyWindow         string  `yaml:"frequency-window"`
	}{
		RiskPerTradePct:         c.RiskPerTradePct,
		MaxGlobalLeverage:       c.MaxGlobalLeverage,
		MaxDrawdownLimit:        c.MaxDrawdownLimit,
		MinStopDistancePct:      c.MinStopDistancePct,
		MaxSingleSymbolExposure: c.MaxSingleSymbolExposure,
		MaxOrderAmount:          c.MaxOrderAmount,
		MaxFrequency:            c.MaxFrequency,
	}
	if err := value.Decode(&shadow); err != nil {
		return err
	}
	window, err := parseDuration(shadow.FrequencyWindow, c.FrequencyWindow)
	if err != nil {
		return fmt.Errorf("frequency-window: %w", err)
	}
	c.RiskPerTradePct = shadow.RiskPerTradePct
	c.MaxGlobalLeverage = shadow.MaxGlobalLeverage
	c.MaxDrawdownLimit = shadow.MaxDrawdownLimit
	c.MinStopDistancePct = shadow.MinStopDistancePct
	c.MaxSingleSymbolExposure = shadow.MaxSingleSymbolExposure
	c.MaxOrderAmount = shadow.MaxOrderAmount
	c.MaxFrequency = shadow.MaxFrequency
	c.FrequencyWindow = window
	return nil
}

// CapitalConfig 资金配置
type CapitalConfig struct {
	// 总资金（USDT）
	TotalCapital float64 `yaml:"total-capital" validate:"gt=0"`
	// 启动时为各策略分配的资金 {strategy_id: amount}
	Allocations map[string]float64 `yaml:"allocations"`
}

// OrderConfig 订单执行参数
type OrderConfig struct {
	// 止损单提交失败的最大重试次数
	StopLossRetryCount int `yaml:"stop-loss-retry-count" validate:"gt=0"`
	// 止损单重试间隔
	StopLossRetryDelay time.Duration `yaml:"stop-loss-retry-delay" validate:"gt=0"`
}

func (c *OrderConfig) UnmarshalYAML(value *yaml.Node) error {
	shadow := struct {
		StopLossRetryCount int    `yaml:"stop-loss-retry-count"`
		StopLossRetryDelay string `yaml:"stop-loss-retry-delay"`
	}{
		StopLossRetryCount: c.StopLossRetryCount,
	}
	if err := value.Decode(&shadow); err != nil {
		return err
	}
	delay, err := parseDuration(shadow.StopLossRetryDelay, c.StopLossRetryDelay)
	if err != nil {
		return fmt.Errorf("stop-loss-retry-delay: %w", err)
	}
	c.StopLossRetryCount = shadow.StopLossRetryCount
	c.StopLossRetryDelay = delay
	return nil
}

// SyncConfig 持仓对账参数
type SyncConfig struct {
	// 定时对账间隔
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	// 连续失败后的指数退避：基准间隔与上限
	BackoffBase time.Duration `yaml:"backoff-base" validate:"gt=0"`
	BackoffMax  time.Duration `yaml:"backoff-max" validate:"gt=0"`
	// 目标与实际持仓偏差超过该比例才触发同步
	ThresholdPct float64 `yaml:"threshold-pct" validate:"gt=0"`
	// 同一交易对两次同步之间的冷却时间
	Cooldown time.Duration `yaml:"cooldown" validate:"gt=0"`
}

func (c *SyncConfig) UnmarshalYAML(value *yaml.Node) error {
	shadow := struct {
		Interval     string  `yaml:"interval"`
		BackoffBase  string  `yaml:"backoff-base"`
		BackoffMax   string  `yaml:"backoff-max"`
		ThresholdPct float64 `yaml:"threshold-pct"`
		Cooldown     string  `yaml:"cooldown"`
	}{
		ThresholdPct: c.ThresholdPct,
	}
	if err := value.Decode(&shadow); err != nil {
		return err
	}
	var err error
	if c.Interval, err = parseDuration(shadow.Interval, c.Interval); err != nil {
		return fmt.Errorf("interval: %w", err)
	}
	if c.BackoffBase, err = parseDuration(shadow.BackoffBase, c.BackoffBase); err != nil {
		return fmt.Errorf("backoff-base: %w", err)
	}
	if c.BackoffMax, err = parseDuration(shadow.BackoffMax, c.BackoffMax); err != nil {
		return fmt.Errorf("backoff-max: %w", err)
	}
	if c.Cooldown, err = parseDuration(shadow.Cooldown, c.Cooldown); err != nil {
		return fmt.Errorf("cooldown: %w", err)
	}
	c.ThresholdPct = shadow.ThresholdPct
	return nil
}

// 空串返回fallback，即yaml未配置时保留默认值
func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

type Config struct {
	AppName string `yaml:"app_name"`
	Listen  string `yaml:"listen"`
	Mode    string `yaml:"mode"`
	// 交易标的白名单，开机时注册精度并纳入对账
	Symbols []string `yaml:"symbols" validate:"min=1"`

	Okx     `yaml:"okx"`
	Db      `yaml:"database"`
	Log     LogConfig     `yaml:"log"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Risk    RiskConfig    `yaml:"risk"`
	Capital CapitalConfig `yaml:"capital"`
	Order   OrderConfig   `yaml:"order"`
	Sync    SyncConfig    `yaml:"sync"`
}

var AppConfig Config

func LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("Read config file error %w", err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("Unmarshal config yaml error: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return fmt.Errorf("Validate config error: %w", err)
	}
	AppConfig = cfg
	return nil
}

// 默认值来自机构级风控的常用参数，配置文件可覆盖
func defaults() Config {
	return Config{
		AppName: "quantflow",
		Listen:  ":8090",
		Mode:    "release",
		Symbols: []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
		Okx:     Okx{Leverage: 3},
		Risk: RiskConfig{
			RiskPerTradePct:         0.01,
			MaxGlobalLeverage:       3.0,
			MaxDrawdownLimit:        0.15,
			MinStopDistancePct:      0.001,
			MaxSingleSymbolExposure: 2.0,
			MaxOrderAmount:          2000,
			MaxFrequency:            5,
			FrequencyWindow:         time.Second,
		},
		Capital: CapitalConfig{
			TotalCapital: 10000,
		},
		Order: OrderConfig{
			StopLossRetryCount: 3,
			StopLossRetryDelay: 500 * time.Millisecond,
		},
		Sync: SyncConfig{
			Interval:     30 * time.Second,
			BackoffBase:  time.Second,
			BackoffMax:   60 * time.Second,
			ThresholdPct: 0.10,
			Cooldown:     60 * time.Second,
		},
	}
}
