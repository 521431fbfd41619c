package model

// StrategyCapital 策略资金账本
type StrategyCapital struct {
	Allocated float64 // 分配资金
	Used      float64 // 已预留资金
	Profit    float64 // 累计已实现盈亏
	Available float64 // 可用资金 (allocated - used + profit)
	// 回撤追踪
	PeakProfit     float64 // 历史最高累计盈亏（只升不降）
	MaxDrawdownPct float64 // 最差回撤 (peak - profit) / allocated
}

type StopLossType string

const (
	// StopHardPrice 硬价格止损（交易所端挂单）
	StopHardPrice StopLossType = "hard_price"
	// StopTimeBased 时间止损（HFT 专用）
	StopTimeBased StopLossType = "time_based"
	// StopTrailing 移动止损（趋势专用）
	StopTrailing StopLossType = "trailing"
)

// RiskProfile 策略级风控配置，与全局RiskConfig形成双层风控
type RiskProfile struct {
	StrategyID string
	// 该策略允许的最大真实杠杆
	MaxLeverage float64
	// 单笔最大名义价值（USDT）
	MaxOrderSizeUSDT float64
	// 单笔最大亏损占总资金比例
	SingleLossCapPct float64
	StopLossType     StopLossType
	// 当日累计亏损超过此比例停止该策略
	MaxDailyLossPct float64
}

// DefaultConservativeProfile 未注册Profile的策略使用的保守配置
var DefaultConservativeProfile = RiskProfile{
	StrategyID:       "default",
	MaxLeverage:      10.0,
	MaxOrderSizeUSDT: 1000.0,
	SingleLossCapPct: 0.01,
	StopLossType:     StopHardPrice,
	MaxDailyLossPct:  0.05,
}

// Instrument 交易对元数据，下单数量的精度约束
type Instrument struct {
	Symbol       string
	LotSize      float64 // 数量步进
	MinOrderSize float64 // 最小下单数量
	MinNotional  float64 // 最小名义金额（USDT）
	TickSize     float64
}

// RiskValidationResult 风控验证结果，风控管线的唯一输出
type RiskValidationResult struct {
	Passed bool
	// 拒绝原因，只在Passed=false时有值
	Reason string
	// 建议仓位（风险调整后，可能小于请求数量）
	SuggestedSize float64
}
