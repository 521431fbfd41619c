package risk

import (
	"math"
	"strings"
	"testing"
	"time"

	"quantflow/conf"
	"quantflow/internal/capital"
	"quantflow/internal/model"
)

func testRiskConfig() conf.RiskConfig {
	return conf.RiskConfig{
		RiskPerTradePct:         0.01,
		MaxGlobalLeverage:       3.0,
		MaxDrawdownLimit:        0.15,
		MinStopDistancePct:      0.001,
		MaxSingleSymbolExposure: 2.0,
		MaxOrderAmount:          2000,
		MaxFrequency:            5,
		FrequencyWindow:         time.Second,
	}
}

type fakePositions struct {
	positions map[string]model.Position
	total     float64
	perSym    map[string]float64
}

func (f *fakePositions) GetPosition(symbol string) (model.Position, bool) {
	p, ok := f.positions[symbol]
	return p, ok
}
func (f *fakePositions) GetTotalExposure() float64 { return f.total }
func (f *fakePositions) GetSymbolExposure(symbol string) float64 {
	return f.perSym[symbol]
}

func newGuardian(cfg conf.RiskConfig) (*Guardian, *capital.Commander, *fakePositions) {
	commander := capital.NewCommander(10000, cfg)
	commander.AllocateStrategy("s1", 5000)
	commander.RegisterRiskProfile(model.RiskProfile{
		StrategyID:       "s1",
		MaxLeverage:      50,
		MaxOrderSizeUSDT: 100000,
		SingleLossCapPct: 0.02,
		StopLossType:     model.StopHardPrice,
		MaxDailyLossPct:  0.1,
	})
	positions := &fakePositions{
		positions: map[string]model.Position{},
		perSym:    map[string]float64{},
	}
	commander.SetExposureReader(positions)
	return NewGuardian(cfg, commander, positions), commander, positions
}

func baseRequest() *model.OrderRequest {
	return &model.OrderRequest{
		Symbol:     "BTC-USDT-SWAP",
		Side:       model.Buy,
		OrderType:  model.Market,
		Size:       0.02,
		Price:      50000,
		StrategyID: "s1",
	}
}

func TestValidateOrderPass(t *testing.T) {
	g, _, _ := newGuardian(testRiskConfig())

	result := g.ValidateOrder(baseRequest())
	if !result.Passed {
		t.Fatalf("正常订单应该通过: %s", result.Reason)
	}
	if result.SuggestedSize != 0.02 {
		t.Errorf("无止损价时建议仓位应等于请求: %v", result.SuggestedSize)
	}
}

func TestValidateOrderBypass(t *testing.T) {
	g, _, _ := newGuardian(testRiskConfig())

	// 金额远超上限，但bypass直接放行
	req := baseRequest()
	req.Size = 100
	req.Bypass = true
	if result := g.ValidateOrder(req); !result.Passed {
		t.Errorf("bypass订单应该无条件通过: %s", result.Reason)
	}
}

func TestValidateOrderCircuitBreaker(t *testing.T) {
	g, commander, positions := newGuardian(testRiskConfig())

	// 制造回撤熔断：+1000后回吐2000 -> 回撤0.4 > 0.15
	commander.RecordProfit("s1", 1000)
	commander.RecordProfit("s1", -2000)

	req := baseRequest()
	result := g.ValidateOrder(req)
	if result.Passed {
		t.Fatal("熔断中开仓应该被拒绝")
	}
	if !strings.Contains(result.Reason, "熔断") {
		t.Errorf("拒绝原因应注明熔断: %s", result.Reason)
	}

	// 平仓方向放行：持有多头，卖出是减仓
	positions.positions["BTC-USDT-SWAP"] = model.Position{
		Symbol: "BTC-USDT-SWAP", Side: model.Long, Size: 0.5, EntryPrice: 50000,
	}
	closeReq := baseRequest()
	closeReq.Side = model.Sell
	if result := g.ValidateOrder(closeReq); !result.Passed {
		t.Errorf("熔断中的平仓应该放行: %s", result.Reason)
	}
}

func TestValidateOrderFrequencyLimit(t *testing.T) {
	g, _, _ := newGuardian(testRiskConfig())

	for i := 0; i < 5; i++ {
		if result := g.ValidateOrder(baseRequest()); !result.Passed {
			t.Fatalf("第%d单不应被拒: %s", i+1, result.Reason)
		}
	}
	result := g.ValidateOrder(baseRequest())
	if result.Passed {
		t.Fatal("窗口内第6单应被频率限制拒绝")
	}
	if !strings.Contains(result.Reason, "频率") {
		t.Errorf("拒绝原因应注明频率: %s", result.Reason)
	}
}

func TestValidateOrderNotionalCap(t *testing.T) {
	g, _, _ := newGuardian(testRiskConfig())

	req := baseRequest()
	req.Size = 0.05 // 2500 USDT > 2000
	result := g.ValidateOrder(req)
	if result.Passed {
		t.Fatal("超过单笔金额上限应该被拒绝")
	}
	if !strings.Contains(result.Reason, "金额超限") {
		t.Errorf("拒绝原因: %s", result.Reason)
	}
}

func TestValidateOrderGlobalLeverage(t *testing.T) {
	g, _, positions := newGuardian(testRiskConfig())

	// 当前敞口29900，权益10000。新订单1000名义 -> 3.09x > 3.0
	positions.total = 29900
	req := baseRequest()
	req.Size = 0.02 // 1000 USDT
	result := g.ValidateOrder(req)
	if result.Passed {
		t.Fatal("全局杠杆超限应该被拒绝")
	}
	if !strings.Contains(result.Reason, "杠杆超限") {
		t.Errorf("拒绝原因: %s", result.Reason)
	}
}

func TestValidateOrderBuyingPower(t *testing.T) {
	g, commander, _ := newGuardian(testRiskConfig())

	// 预留到只剩100可用
	commander.ReserveCapital("s1", 4900)
	req := baseRequest() // 1000 USDT
	result := g.ValidateOrder(req)
	if result.Passed {
		t.Fatal("购买力不足应该被拒绝")
	}
	if !strings.Contains(result.Reason, "购买力") {
		t.Errorf("拒绝原因: %s", result.Reason)
	}
}

func TestValidateOrderRiskSizing(t *testing.T) {
	g, commander, _ := newGuardian(testRiskConfig())

	// 带止损价：建议仓位 = equity*1% / distance = 100/1000 = 0.1
	req := baseRequest()
	req.StopLossPrice = 49000
	result := g.ValidateOrder(req)
	if !result.Passed {
		t.Fatalf("应该通过: %s", result.Reason)
	}
	if math.Abs(result.SuggestedSize-0.1) > 1e-9 {
		t.Errorf("建议仓位=%v, 期望0.1", result.SuggestedSize)
	}

	// 仓位计算归零即拒绝：注册一个最小下单量极高的交易对
	commander.RegisterInstrument(model.Instrument{
		Symbol:       "BTC-USDT-SWAP",
		LotSize:      0.01,
		MinOrderSize: 10,
	})
	result = g.ValidateOrder(req)
	if result.Passed {
		t.Fatal("仓位计算为0应该被拒绝")
	}
	if !strings.Contains(result.Reason, "仓位") {
		t.Errorf("拒绝原因: %s", result.Reason)
	}
}
