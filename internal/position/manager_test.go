package position

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"quantflow/conf"
	"quantflow/internal/event"
	"quantflow/internal/exchange"
	"quantflow/internal/model"
)

func testSyncConfig() conf.SyncConfig {
	return conf.SyncConfig{
		Interval:     30 * time.Second,
		BackoffBase:  time.Second,
		BackoffMax:   60 * time.Second,
		ThresholdPct: 0.10,
		Cooldown:     60 * time.Second,
	}
}

type fakeCanceller struct {
	calls atomic.Int32
}

func (f *fakeCanceller) CancelAllStopLossOrders(ctx context.Context, symbol string) int {
	f.calls.Add(1)
	return 1
}

func newTestManager(t *testing.T) (*Manager, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	m := NewManager(exchange.NewSimulatedGateway(), bus, testSyncConfig())
	return m, bus
}

func TestUpdateFromOrderFillOpenAndAdd(t *testing.T) {
	m, _ := newTestManager(t)

	m.UpdateFromOrderFill(model.Fill{
		Symbol: "BTC-USDT-SWAP", Side: model.Buy,
		FilledSize: 1.0, Price: 50000, StrategyID: "s1",
	})
	p, ok := m.GetPosition("BTC-USDT-SWAP")
	if !ok || p.Side != model.Long || p.Size != 1.0 {
		t.Fatalf("开仓后持仓不正确: %+v", p)
	}

	// 同向加仓：均价 = (1*50000 + 1*52000) / 2 = 51000
	m.UpdateFromOrderFill(model.Fill{
		Symbol: "BTC-USDT-SWAP", Side: model.Buy,
		FilledSize: 1.0, Price: 52000, StrategyID: "s1",
	})
	p, _ = m.GetPosition("BTC-USDT-SWAP")
	if math.Abs(p.EntryPrice-51000) > 1e-9 || p.Size != 2.0 {
		t.Errorf("加仓后 size=%v entry=%v, 期望2.0/51000", p.Size, p.EntryPrice)
	}
}

func TestUpdateFromOrderFillCloseRealizesPnl(t *testing.T) {
	m, bus := newTestManager(t)
	canceller := &fakeCanceller{}
	m.SetStopOrderCanceller(canceller)

	pnlCh := make(chan event.RealizedPnlData, 1)
	bus.Register(event.RealizedPnl, func(e event.Event) {
		if data, ok := e.Data.(event.RealizedPnlData); ok {
			pnlCh <- data
		}
	})
	bus.Start()
	defer bus.Stop()

	m.UpdateFromOrderFill(model.Fill{
		Symbol: "BTC-USDT-SWAP", Side: model.Buy,
		FilledSize: 1.0, Price: 50000, StrategyID: "s1",
	})
	// 反向全平：盈利 (51000-50000)*1 = 1000
	m.UpdateFromOrderFill(model.Fill{
		Symbol: "BTC-USDT-SWAP", Side: model.Sell,
		FilledSize: 1.0, Price: 51000, StrategyID: "s1",
	})

	if _, ok := m.GetPosition("BTC-USDT-SWAP"); ok {
		t.Error("全平后持仓应该移除")
	}

	select {
	case data := <-pnlCh:
		if math.Abs(data.Pnl-1000) > 1e-9 {
			t.Errorf("realized pnl=%v, 期望1000", data.Pnl)
		}
		if math.Abs(data.ReleasedNotional-50000) > 1e-9 {
			t.Errorf("released notional=%v, 期望50000", data.ReleasedNotional)
		}
		if data.StrategyID != "s1" {
			t.Errorf("strategy=%v, 期望s1", data.StrategyID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("没有收到REALIZED_PNL事件")
	}

	// 幽灵单保护：全平后触发止损撤单
	if canceller.calls.Load() != 1 {
		t.Errorf("止损撤单调用次数=%d, 期望1", canceller.calls.Load())
	}
}

func TestUpdateFromOrderFillPartialReduce(t *testing.T) {
	m, bus := newTestManager(t)
	bus.Start()
	defer bus.Stop()

	m.UpdateFromOrderFill(model.Fill{
		Symbol: "ETH-USDT-SWAP", Side: model.Sell,
		FilledSize: 10, Price: 3000, StrategyID: "s1",
	})
	// 空头部分平仓：买回4个 @2900，盈利 (3000-2900)*4 = 400
	m.UpdateFromOrderFill(model.Fill{
		Symbol: "ETH-USDT-SWAP", Side: model.Buy,
		FilledSize: 4, Price: 2900, StrategyID: "s1",
	})

	p, ok := m.GetPosition("ETH-USDT-SWAP")
	if !ok || p.Size != 6 || p.Side != model.Short {
		t.Fatalf("部分平仓后持仓不正确: %+v", p)
	}
}

func TestUpdateFromExchangeZeroRemoves(t *testing.T) {
	m, _ := newTestManager(t)
	canceller := &fakeCanceller{}
	m.SetStopOrderCanceller(canceller)

	m.UpdateFromExchange(model.ExchangePosition{
		Symbol: "BTC-USDT-SWAP", Size: 2.0, EntryPrice: 48000, Leverage: 5,
	})
	if p, ok := m.GetPosition("BTC-USDT-SWAP"); !ok || p.Size != 2.0 {
		t.Fatalf("交易所同步后持仓不正确: %+v", p)
	}

	// 上报0 -> 清除幽灵持仓
	m.UpdateFromExchange(model.ExchangePosition{Symbol: "BTC-USDT-SWAP", Size: 0})
	if _, ok := m.GetPosition("BTC-USDT-SWAP"); ok {
		t.Error("上报size=0后本地持仓应该移除")
	}
	if canceller.calls.Load() != 1 {
		t.Errorf("幽灵持仓清理应触发止损撤单, calls=%d", canceller.calls.Load())
	}
}

func TestUpdateFromExchangeZeroPublishesUpdate(t *testing.T) {
	// 对账清仓和成交清仓一样要发归零快照，订阅方才能撤掉旧敞口
	m, bus := newTestManager(t)

	updateCh := make(chan model.Position, 4)
	bus.Register(event.PositionUpdate, func(e event.Event) {
		if p, ok := e.Data.(model.Position); ok {
			updateCh <- p
		}
	})
	bus.Start()
	defer bus.Stop()

	m.UpdateFromExchange(model.ExchangePosition{
		Symbol: "BTC-USDT-SWAP", Size: 2.0, EntryPrice: 48000,
	})
	m.UpdateFromExchange(model.ExchangePosition{Symbol: "BTC-USDT-SWAP", Size: 0})

	var got []model.Position
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case p := <-updateCh:
			got = append(got, p)
		case <-deadline:
			t.Fatalf("POSITION_UPDATE事件不足: %d/2", len(got))
		}
	}
	last := got[len(got)-1]
	if last.Symbol != "BTC-USDT-SWAP" || last.Size != 0 {
		t.Errorf("清仓后应发布归零快照: %+v", last)
	}
	t.Logf("✅ 对账清仓发布归零持仓快照")
}

func TestExposure(t *testing.T) {
	m, _ := newTestManager(t)

	m.UpdateFromExchange(model.ExchangePosition{Symbol: "BTC-USDT-SWAP", Size: 1.0, EntryPrice: 50000})
	m.UpdateFromExchange(model.ExchangePosition{Symbol: "ETH-USDT-SWAP", Size: -10, EntryPrice: 3000})

	// 没有标记价时用开仓均价：50000 + 30000
	if total := m.GetTotalExposure(); math.Abs(total-80000) > 1e-9 {
		t.Errorf("total exposure=%v, 期望80000", total)
	}

	m.UpdateCurrentPrice("BTC-USDT-SWAP", 52000)
	if exp := m.GetSymbolExposure("BTC-USDT-SWAP"); math.Abs(exp-52000) > 1e-9 {
		t.Errorf("symbol exposure=%v, 期望52000", exp)
	}

	// 浮盈重算：多头 (52000-50000)*1
	p, _ := m.GetPosition("BTC-USDT-SWAP")
	if math.Abs(p.UnrealizedPnl-2000) > 1e-9 {
		t.Errorf("unrealized=%v, 期望2000", p.UnrealizedPnl)
	}
}

func TestCheckSyncNeededCooldown(t *testing.T) {
	m, _ := newTestManager(t)

	m.UpdateTargetPosition("BTC-USDT-SWAP", model.Long, 1.0)
	m.UpdateFromExchange(model.ExchangePosition{Symbol: "BTC-USDT-SWAP", Size: 0.5, EntryPrice: 50000})

	// 偏差50% > 阈值10% -> 出计划
	plan := m.CheckSyncNeeded("BTC-USDT-SWAP")
	if plan == nil {
		t.Fatal("第一次检查应该返回同步计划")
	}
	if plan.Side != model.Buy || math.Abs(plan.Amount-0.5) > 1e-9 {
		t.Errorf("plan=%+v, 期望 buy 0.5", plan)
	}

	// 冷却窗口内第二次 -> nil
	if plan := m.CheckSyncNeeded("BTC-USDT-SWAP"); plan != nil {
		t.Errorf("冷却窗口内应该返回nil, got %+v", plan)
	}
}

func TestCheckSyncNeededWithinThreshold(t *testing.T) {
	m, _ := newTestManager(t)

	m.UpdateTargetPosition("BTC-USDT-SWAP", model.Long, 1.0)
	m.UpdateFromExchange(model.ExchangePosition{Symbol: "BTC-USDT-SWAP", Size: 0.95, EntryPrice: 50000})

	// 偏差5% < 阈值10% -> 不同步
	if plan := m.CheckSyncNeeded("BTC-USDT-SWAP"); plan != nil {
		t.Errorf("阈值内不应该产生计划: %+v", plan)
	}
}

func TestBackoffSequence(t *testing.T) {
	m, _ := newTestManager(t)

	// 1s, 2s, 4s ... 严格递增且封顶60s
	prev := time.Duration(0)
	for i := 1; i <= 6; i++ {
		d := m.backoff(i)
		if d <= prev && d != m.cfg.BackoffMax {
			t.Errorf("第%d次退避 %v 没有递增", i, d)
		}
		if d > m.cfg.BackoffMax {
			t.Errorf("退避 %v 超过上限 %v", d, m.cfg.BackoffMax)
		}
		prev = d
	}
	if m.backoff(1) != time.Second || m.backoff(2) != 2*time.Second || m.backoff(3) != 4*time.Second {
		t.Error("退避序列应为 1s, 2s, 4s ...")
	}
	if m.backoff(20) != 60*time.Second {
		t.Errorf("长期失败应封顶60s, got %v", m.backoff(20))
	}
}

func TestSyncLoopReconcilesFromGateway(t *testing.T) {
	bus := event.NewBus()
	gw := exchange.NewSimulatedGateway()
	cfg := testSyncConfig()
	cfg.Interval = 20 * time.Millisecond
	m := NewManager(gw, bus, cfg)

	gw.SetPositions("BTC-USDT-SWAP", []model.ExchangePosition{
		{Symbol: "BTC-USDT-SWAP", Size: 1.5, EntryPrice: 49000, Leverage: 3},
	})
	gw.SetPrice("BTC-USDT-SWAP", 50000)

	m.StartSyncLoop([]string{"BTC-USDT-SWAP"})
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if p, ok := m.GetPosition("BTC-USDT-SWAP"); ok && p.Size == 1.5 {
			t.Logf("✅ 对账拉取到持仓: %+v", p)
			return
		}
		select {
		case <-deadline:
			t.Fatal("对账协程没有同步到持仓")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
