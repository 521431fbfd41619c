package capital

import (
	"fmt"
	"math"
	"sync"

	"quantflow/conf"
	"quantflow/internal/event"
	"quantflow/internal/model"
	"quantflow/pkg/logger"
)

// 资金指挥官：全局资金的大管家。
// 管理总资金池、分配策略资金、追踪策略盈亏、基于风险计算安全仓位。
// 资金账本只能由本组件修改，其他组件通过只读接口访问。

// ExposureReader 持仓敞口的只读视图，仓位计算时需要。
// 由PositionManager实现，启动时注入，避免两个组件互相持有。
type ExposureReader interface {
	GetTotalExposure() float64
	GetSymbolExposure(symbol string) float64
}

type Commander struct {
	mu           sync.Mutex
	totalCapital float64
	unallocated  float64
	strategies   map[string]*model.StrategyCapital
	profiles     map[string]model.RiskProfile
	instruments  map[string]*model.Instrument

	riskCfg  conf.RiskConfig
	exposure ExposureReader
}

func NewCommander(totalCapital float64, riskCfg conf.RiskConfig) *Commander {
	c := &Commander{
		totalCapital: totalCapital,
		unallocated:  totalCapital,
		strategies:   make(map[string]*model.StrategyCapital),
		profiles:     make(map[string]model.RiskProfile),
		instruments:  make(map[string]*model.Instrument),
		riskCfg:      riskCfg,
	}
	logger.Info("CapitalCommander 初始化", logger.Pair("totalCapital", totalCapital))
	return c
}

// SetExposureReader 注入持仓敞口视图（启动时由引擎调用）
func (c *Commander) SetExposureReader(r ExposureReader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposure = r
}

// BindBus 订阅平仓盈亏事件，成交后自动记账
func (c *Commander) BindBus(bus *event.Bus) {
	bus.Register(event.RealizedPnl, c.onRealizedPnl)
}

func (c *Commander) onRealizedPnl(e event.Event) {
	data, ok := e.Data.(event.RealizedPnlData)
	if !ok {
		logger.Error("REALIZED_PNL事件负载类型错误", logger.Pair("data", e.Data))
		return
	}
	c.RecordProfit(data.StrategyID, data.Pnl)
	if data.ReleasedNotional > 0 {
		c.ReleaseCapital(data.StrategyID, data.ReleasedNotional)
	}
}

// AllocateStrategy 为策略分配资金，超过未分配池则失败。
// 已存在的策略追加资金。
func (c *Commander) AllocateStrategy(strategyID string, amount float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if amount <= 0 {
		logger.Error("分配金额必须大于0", logger.Pair("amount", amount))
		return false
	}
	if amount > c.unallocated {
		logger.Error("未分配资金不足",
			logger.Pair("strategy", strategyID),
			logger.Pair("need", amount),
			logger.Pair("unallocated", c.unallocated))
		return false
	}

	if cap, ok := c.strategies[strategyID]; ok {
		logger.Warn("策略已存在，追加资金", logger.Pair("strategy", strategyID))
		cap.Allocated += amount
		c.refresh(cap)
	} else {
		c.strategies[strategyID] = &model.StrategyCapital{
			Allocated: amount,
			Available: amount,
		}
	}
	c.unallocated -= amount

	logger.Info("策略资金分配完成",
		logger.Pair("strategy", strategyID),
		logger.Pair("amount", amount),
		logger.Pair("unallocated", c.unallocated))
	return true
}

// available = allocated - used + profit，调用方必须持有c.mu
func (c *Commander) refresh(cap *model.StrategyCapital) {
	cap.Available = cap.Allocated - cap.Used + cap.Profit
}

// CheckBuyingPower 检查策略可用资金是否足够
func (c *Commander) CheckBuyingPower(strategyID string, amountUSDT float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cap, ok := c.strategies[strategyID]
	if !ok {
		logger.Error("策略未分配资金", logger.Pair("strategy", strategyID))
		return false
	}
	if cap.Available < amountUSDT {
		logger.Warn("策略购买力不足",
			logger.Pair("strategy", strategyID),
			logger.Pair("need", amountUSDT),
			logger.Pair("available", cap.Available))
		return false
	}
	return true
}

// ReserveCapital 预留资金（下单前调用）
func (c *Commander) ReserveCapital(strategyID string, amountUSDT float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cap, ok := c.strategies[strategyID]
	if !ok || cap.Available < amountUSDT {
		return false
	}
	cap.Used += amountUSDT
	c.refresh(cap)

	logger.Info("预留资金",
		logger.Pair("strategy", strategyID),
		logger.Pair("amount", amountUSDT),
		logger.Pair("available", cap.Available))
	return true
}

// ReleaseCapital 释放资金（订单取消、失败或平仓后调用）
func (c *Commander) ReleaseCapital(strategyID string, amountUSDT float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cap, ok := c.strategies[strategyID]
	if !ok {
		logger.Error("策略未分配资金", logger.Pair("strategy", strategyID))
		return
	}
	cap.Used -= amountUSDT
	if cap.Used < 0 {
		cap.Used = 0
	}
	c.refresh(cap)

	logger.Info("释放资金",
		logger.Pair("strategy", strategyID),
		logger.Pair("amount", amountUSDT),
		logger.Pair("available", cap.Available))
}

// RecordProfit 记录策略盈亏，同时驱动回撤追踪：
// peak只升不降，maxDrawdownPct记录最差的 (peak-profit)/allocated
func (c *Commander) RecordProfit(strategyID string, profitUSDT float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cap, ok := c.strategies[strategyID]
	if !ok {
		logger.Error("策略未分配资金", logger.Pair("strategy", strategyID))
		return
	}
	cap.Profit += profitUSDT
	c.refresh(cap)

	if cap.Profit > cap.PeakProfit {
		cap.PeakProfit = cap.Profit
	}
	if cap.Allocated > 0 {
		dd := (cap.PeakProfit - cap.Profit) / cap.Allocated
		if dd > cap.MaxDrawdownPct {
			cap.MaxDrawdownPct = dd
		}
	}

	logger.Info("记录盈亏",
		logger.Pair("strategy", strategyID),
		logger.Pair("pnl", profitUSDT),
		logger.Pair("cumProfit", cap.Profit),
		logger.Pair("drawdown", cap.MaxDrawdownPct))
}

// GetStrategyCapital 获取策略资金快照
func (c *Commander) GetStrategyCapital(strategyID string) (model.StrategyCapital, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cap, ok := c.strategies[strategyID]
	if !ok {
		return model.StrategyCapital{}, false
	}
	return *cap, true
}

// GetAllCapitals 所有策略的资金快照
func (c *Commander) GetAllCapitals() map[string]model.StrategyCapital {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.StrategyCapital, len(c.strategies))
	for id, cap := range c.strategies {
		out[id] = *cap
	}
	return out
}

// GetTotalEquity 账户总权益 = 总资金 + 所有策略累计已实现盈亏
func (c *Commander) GetTotalEquity() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalEquityLocked()
}

func (c *Commander) totalEquityLocked() float64 {
	equity := c.totalCapital
	for _, cap := range c.strategies {
		equity += cap.Profit
	}
	return equity
}

// RegisterInstrument 注册交易对精度信息
func (c *Commander) RegisterInstrument(inst model.Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := inst
	c.instruments[inst.Symbol] = &cp
}

// GetAllInstruments 所有已注册的交易对
func (c *Commander) GetAllInstruments() map[string]model.Instrument {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.Instrument, len(c.instruments))
	for s, inst := range c.instruments {
		out[s] = *inst
	}
	return out
}

// RegisterRiskProfile 注册策略级风控配置
func (c *Commander) RegisterRiskProfile(p model.RiskProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[p.StrategyID] = p
	logger.Info("注册风控Profile",
		logger.Pair("strategy", p.StrategyID),
		logger.Pair("maxLeverage", p.MaxLeverage),
		logger.Pair("maxOrderSize", p.MaxOrderSizeUSDT))
}

// GetStrategyProfile 获取策略风控配置，未注册的策略回退到保守默认值
func (c *Commander) GetStrategyProfile(strategyID string) model.RiskProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.profiles[strategyID]; ok {
		return p
	}
	return model.DefaultConservativeProfile
}

// CheckPolicyCompliance 策略合规性检查：单笔金额上限和策略级杠杆上限，
// 与全局风控独立
func (c *Commander) CheckPolicyCompliance(strategyID string, amountUSDT, entryPrice float64) (bool, string) {
	profile := c.GetStrategyProfile(strategyID)

	if amountUSDT > profile.MaxOrderSizeUSDT {
		return false, fmt.Sprintf("策略单笔金额超限: %.2f USDT > %.2f USDT", amountUSDT, profile.MaxOrderSizeUSDT)
	}

	c.mu.Lock()
	cap, ok := c.strategies[strategyID]
	var available float64
	if ok {
		available = cap.Available
	}
	c.mu.Unlock()

	if available > 0 && profile.MaxLeverage > 0 {
		leverage := amountUSDT / available
		if leverage > profile.MaxLeverage {
			return false, fmt.Sprintf("策略杠杆超限: %.2fx > %.2fx", leverage, profile.MaxLeverage)
		}
	}
	return true, ""
}

// IsStrategyCircuitBreakerTriggered 策略回撤熔断：
// 最差回撤超过全局限制后禁止该策略开新仓
func (c *Commander) IsStrategyCircuitBreakerTriggered(strategyID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cap, ok := c.strategies[strategyID]
	if !ok {
		return false
	}
	return cap.MaxDrawdownPct > c.riskCfg.MaxDrawdownLimit
}

// CalculateSafeQuantity 基于1%风险规则计算安全仓位。
// 返回最终数量，0表示不应交易。
func (c *Commander) CalculateSafeQuantity(symbol string, entryPrice, stopLossPrice float64, strategyID string) float64 {
	if entryPrice <= 0 || stopLossPrice <= 0 {
		return 0
	}

	// 1. 回撤熔断：回撤超限时不再承担新风险
	if c.IsStrategyCircuitBreakerTriggered(strategyID) {
		logger.Warn("回撤熔断触发，仓位归零", logger.Pair("strategy", strategyID))
		return 0
	}

	c.mu.Lock()
	equity := c.totalEquityLocked()
	inst, hasInst := c.instruments[symbol]
	var instCopy model.Instrument
	if hasInst {
		instCopy = *inst
	}
	exposure := c.exposure
	cfg := c.riskCfg
	c.mu.Unlock()

	if equity <= 0 {
		return 0
	}

	// 2. 单笔风险金额
	riskAmount := equity * cfg.RiskPerTradePct

	// 3. 止损价差，带下限保护防止除零爆仓位
	priceDistance := math.Abs(entryPrice - stopLossPrice)
	if floor := entryPrice * cfg.MinStopDistancePct; priceDistance < floor {
		priceDistance = floor
	}

	// 4. 基础仓位
	quantity := riskAmount / priceDistance

	// 5. 全局杠杆上限：超限时缩减到恰好贴着上限的数量
	if exposure != nil && cfg.MaxGlobalLeverage > 0 {
		current := exposure.GetTotalExposure()
		newNotional := quantity * entryPrice
		if (current+newNotional)/equity > cfg.MaxGlobalLeverage {
			allowed := cfg.MaxGlobalLeverage*equity - current
			if allowed <= 0 {
				logger.Warn("全局杠杆已达上限，仓位归零",
					logger.Pair("currentExposure", current),
					logger.Pair("equity", equity))
				return 0
			}
			quantity = allowed / entryPrice
			logger.Info("杠杆上限缩减仓位",
				logger.Pair("symbol", symbol),
				logger.Pair("quantity", quantity))
		}
	}

	// 6. 单一币种敞口上限：超限直接归零，不缩减
	if exposure != nil && cfg.MaxSingleSymbolExposure > 0 {
		symbolExposure := exposure.GetSymbolExposure(symbol) + quantity*entryPrice
		if symbolExposure/equity > cfg.MaxSingleSymbolExposure {
			logger.Warn("单一币种敞口超限，仓位归零",
				logger.Pair("symbol", symbol),
				logger.Pair("ratio", symbolExposure/equity))
			return 0
		}
	}

	// 7. 交易所精度约束：向下取整到lotSize，检查最小数量和最小名义金额
	if hasInst {
		if instCopy.LotSize > 0 {
			// 微小epsilon抵消浮点误差，防止200.0被算成199
			quantity = math.Floor(quantity/instCopy.LotSize+1e-9) * instCopy.LotSize
		}
		if quantity < instCopy.MinOrderSize {
			return 0
		}
		if instCopy.MinNotional > 0 && quantity*entryPrice < instCopy.MinNotional {
			return 0
		}
	}

	return quantity
}

// Summary 资金汇总，监控接口用
type Summary struct {
	TotalCapital   float64 `json:"total_capital"`
	Unallocated    float64 `json:"unallocated"`
	TotalAllocated float64 `json:"total_allocated"`
	TotalUsed      float64 `json:"total_used"`
	TotalProfit    float64 `json:"total_profit"`
	TotalAvailable float64 `json:"total_available"`
	StrategyCount  int     `json:"strategy_count"`
}

func (c *Commander) GetSummary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		TotalCapital:  c.totalCapital,
		Unallocated:   c.unallocated,
		StrategyCount: len(c.strategies),
	}
	for _, cap := range c.strategies {
		s.TotalAllocated += cap.Allocated
		s.TotalUsed += cap.Used
		s.TotalProfit += cap.Profit
		s.TotalAvailable += cap.Available
	}
	return s
}

// Reset 重置所有资金状态（测试用）
func (c *Commander) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies = make(map[string]*model.StrategyCapital)
	c.unallocated = c.totalCapital
	logger.Info("资金指挥官已重置")
}
