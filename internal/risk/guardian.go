package risk

import (
	"fmt"
	"sync"
	"time"

	"quantflow/conf"
	"quantflow/internal/capital"
	"quantflow/internal/model"
	"quantflow/pkg/logger"
)

// 风控守护：统一的订单验证入口。
// 按固定顺序执行检查管线，任何一项失败立即短路返回拒绝原因。

// PositionReader 持仓只读视图，由PositionManager实现
type PositionReader interface {
	GetPosition(symbol string) (model.Position, bool)
	GetTotalExposure() float64
	GetSymbolExposure(symbol string) float64
}

type Guardian struct {
	cfg       conf.RiskConfig
	commander *capital.Commander
	positions PositionReader

	mu           sync.Mutex
	orderHistory []time.Time

	totalChecks     int64
	totalRejections int64
}

func NewGuardian(cfg conf.RiskConfig, commander *capital.Commander, positions PositionReader) *Guardian {
	return &Guardian{
		cfg:       cfg,
		commander: commander,
		positions: positions,
	}
}

// ValidateOrder 风控管线：
//  1. Bypass（紧急平仓专用）
//  2. 回撤熔断（只拦开仓，平仓放行让策略能够降风险）
//  3. 频率限制
//  4. 单笔金额上限
//  5. 策略合规性
//  6. 全局敞口/杠杆
//  7. 购买力
//  8. 风险仓位计算（带止损价时，结果为0本身就是拒绝）
func (g *Guardian) ValidateOrder(req *model.OrderRequest) model.RiskValidationResult {
	g.mu.Lock()
	g.totalChecks++
	g.mu.Unlock()

	// 检查1：紧急平仓跳过所有检查
	if req.Bypass {
		logger.Debug("Bypass风控：紧急平仓路径",
			logger.Pair("symbol", req.Symbol),
			logger.Pair("side", string(req.Side)))
		return model.RiskValidationResult{Passed: true, SuggestedSize: req.Size}
	}

	amountUSDT := req.Size * req.Price

	// 检查2：回撤熔断
	if g.isCircuitBreakerTriggered(req) {
		return g.reject(fmt.Sprintf("策略 %s 回撤熔断触发，禁止开仓", req.StrategyID))
	}

	// 检查3：频率限制
	if !g.checkFrequency() {
		return g.reject(fmt.Sprintf("下单频率过高: 窗口%v内超过%d单",
			g.cfg.FrequencyWindow, g.cfg.MaxFrequency))
	}

	// 检查4：单笔金额上限
	if amountUSDT > g.cfg.MaxOrderAmount {
		return g.reject(fmt.Sprintf("订单金额超限: %.2f USDT > %.2f USDT",
			amountUSDT, g.cfg.MaxOrderAmount))
	}

	// 检查5：策略合规性
	if ok, reason := g.commander.CheckPolicyCompliance(req.StrategyID, amountUSDT, req.Price); !ok {
		return g.reject(reason)
	}

	// 检查6：全局敞口
	if ok, reason := g.checkGlobalExposure(req.Symbol, req.Size, req.Price); !ok {
		return g.reject(reason)
	}

	// 检查7：购买力
	if !g.commander.CheckBuyingPower(req.StrategyID, amountUSDT) {
		return g.reject(fmt.Sprintf("购买力不足 [%s]: 需要 %.2f USDT", req.StrategyID, amountUSDT))
	}

	// 检查8：风险仓位计算
	suggested := req.Size
	if req.StopLossPrice > 0 {
		suggested = g.commander.CalculateSafeQuantity(req.Symbol, req.Price, req.StopLossPrice, req.StrategyID)
		if suggested <= 0 {
			return g.reject("仓位计算风控触发，建议仓位为0")
		}
	}

	logger.Debug("风控通过",
		logger.Pair("symbol", req.Symbol),
		logger.Pair("side", string(req.Side)),
		logger.Pair("size", req.Size),
		logger.Pair("suggested", suggested))
	return model.RiskValidationResult{Passed: true, SuggestedSize: suggested}
}

func (g *Guardian) reject(reason string) model.RiskValidationResult {
	g.mu.Lock()
	g.totalRejections++
	g.mu.Unlock()
	logger.Warn("风控拒绝", logger.Pair("reason", reason))
	return model.RiskValidationResult{Passed: false, Reason: reason}
}

// 回撤熔断只针对开仓：反向减仓的订单放行，
// 熔断中的策略必须还能平仓降风险
func (g *Guardian) isCircuitBreakerTriggered(req *model.OrderRequest) bool {
	if req.ReduceOnly {
		return false
	}
	if pos, ok := g.positions.GetPosition(req.Symbol); ok && pos.Size != 0 {
		reducing := (pos.Side == model.Long && req.Side == model.Sell) ||
			(pos.Side == model.Short && req.Side == model.Buy)
		if reducing {
			return false
		}
	}
	return g.commander.IsStrategyCircuitBreakerTriggered(req.StrategyID)
}

// 滑动窗口频率限制。通过时记录本次下单。
func (g *Guardian) checkFrequency() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-g.cfg.FrequencyWindow)
	kept := g.orderHistory[:0]
	for _, ts := range g.orderHistory {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	g.orderHistory = kept

	if len(g.orderHistory) >= g.cfg.MaxFrequency {
		return false
	}
	g.orderHistory = append(g.orderHistory, now)
	return true
}

// 全局敞口检查：真实杠杆 = (当前总敞口+新订单名义) / 总权益
func (g *Guardian) checkGlobalExposure(symbol string, size, price float64) (bool, string) {
	newNotional := size * price
	equity := g.commander.GetTotalEquity()
	if equity <= 0 {
		return false, "账户权益无效"
	}

	leverage := (g.positions.GetTotalExposure() + newNotional) / equity
	if leverage > g.cfg.MaxGlobalLeverage {
		return false, fmt.Sprintf(
			"全局杠杆超限(Risk of Ruin): %.2fx > %.2fx",
			leverage, g.cfg.MaxGlobalLeverage)
	}

	symbolRatio := (g.positions.GetSymbolExposure(symbol) + newNotional) / equity
	if symbolRatio > g.cfg.MaxSingleSymbolExposure {
		return false, fmt.Sprintf(
			"单一币种敞口超限: %s %.1f%% > %.1f%%",
			symbol, symbolRatio*100, g.cfg.MaxSingleSymbolExposure*100)
	}
	return true, ""
}

// Stats 风控统计
type Stats struct {
	TotalChecks     int64
	TotalRejections int64
}

func (g *Guardian) GetStats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{TotalChecks: g.totalChecks, TotalRejections: g.totalRejections}
}
