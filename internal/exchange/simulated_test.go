package exchange

import (
	"context"
	"testing"

	"quantflow/internal/model"
)

func TestSimulatedMarketOrderFillsImmediately(t *testing.T) {
	gw := NewSimulatedGateway()
	ctx := context.Background()

	resp, err := gw.PlaceOrder(ctx, &model.OrderRequest{
		Symbol:    "BTC/USDT",
		Side:      model.Buy,
		OrderType: model.Market,
		Size:      0.5,
	})
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}
	if resp.FilledSize != 0.5 {
		t.Errorf("市价单应立即全部成交: %v", resp.FilledSize)
	}
	if len(gw.LiveOrders()) != 0 {
		t.Errorf("市价单不应停留在live状态")
	}
	t.Logf("✅ 市价单立即成交 orderID=%s", resp.OrderID)
}

func TestSimulatedLimitOrderStaysLive(t *testing.T) {
	gw := NewSimulatedGateway()
	ctx := context.Background()

	resp, err := gw.PlaceOrder(ctx, &model.OrderRequest{
		Symbol:    "BTC/USDT",
		Side:      model.Buy,
		OrderType: model.Limit,
		Size:      1,
		Price:     45000,
	})
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}
	if resp.FilledSize != 0 {
		t.Errorf("限价单不应立即成交: %v", resp.FilledSize)
	}
	if len(gw.LiveOrders()) != 1 {
		t.Fatalf("限价单应保持live")
	}

	if err := gw.CancelOrder(ctx, resp.OrderID, "BTC/USDT"); err != nil {
		t.Fatalf("撤单失败: %v", err)
	}
	if len(gw.LiveOrders()) != 0 {
		t.Errorf("撤单后不应有live订单")
	}
	// 重复撤单应报错
	if err := gw.CancelOrder(ctx, resp.OrderID, "BTC/USDT"); err != ErrOrderNotFound {
		t.Errorf("重复撤单应返回ErrOrderNotFound, got %v", err)
	}
	t.Logf("✅ 限价单生命周期正确")
}

func TestSimulatedFailureInjection(t *testing.T) {
	gw := NewSimulatedGateway()
	ctx := context.Background()
	req := &model.OrderRequest{Symbol: "ETH/USDT", Side: model.Sell, OrderType: model.Market, Size: 1}

	gw.FailNextPlaceOrders(2)
	if _, err := gw.PlaceOrder(ctx, req); err == nil {
		t.Fatal("第1次下单应失败")
	}
	if _, err := gw.PlaceOrder(ctx, req); err == nil {
		t.Fatal("第2次下单应失败")
	}
	resp, err := gw.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("第3次下单应成功: %v", err)
	}

	// 失败的请求不计入placed
	if got := len(gw.PlacedOrders()); got != 1 {
		t.Errorf("placed记录数 = %d, 期望1", got)
	}
	if _, ok := gw.OrderRequestOf(resp.OrderID); !ok {
		t.Errorf("成功订单应能查到原始请求")
	}
	t.Logf("✅ 故障注入按次数生效")
}

func TestSimulatedInstrumentAndPrice(t *testing.T) {
	gw := NewSimulatedGateway()
	ctx := context.Background()

	if _, err := gw.GetInstrumentDetails(ctx, "BTC/USDT"); err != ErrInstrumentNotFound {
		t.Errorf("未注册的合约应返回ErrInstrumentNotFound, got %v", err)
	}

	gw.SetInstrument(&model.Instrument{Symbol: "BTC/USDT", LotSize: 0.001, MinOrderSize: 0.001})
	inst, err := gw.GetInstrumentDetails(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("查询合约失败: %v", err)
	}
	if inst.LotSize != 0.001 {
		t.Errorf("LotSize = %v", inst.LotSize)
	}

	gw.SetPrice("BTC/USDT", 50000)
	price, err := gw.GetLastPrice(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("查询价格失败: %v", err)
	}
	// 模拟价格有±0.5%浮动
	if price < 49000 || price > 51000 {
		t.Errorf("价格偏离设定值过多: %v", price)
	}
	t.Logf("✅ 合约精度与价格查询正确 price=%v", price)
}

func TestSimulatedPositionsReport(t *testing.T) {
	gw := NewSimulatedGateway()
	ctx := context.Background()

	got, err := gw.GetPositions(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("查询持仓失败: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("未设置持仓应返回空")
	}

	gw.SetPositions("BTC/USDT", []model.ExchangePosition{
		{Symbol: "BTC/USDT", Size: 1.5, EntryPrice: 48000},
	})
	got, err = gw.GetPositions(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("查询持仓失败: %v", err)
	}
	if len(got) != 1 || got[0].Size != 1.5 {
		t.Errorf("持仓上报不正确: %+v", got)
	}
	t.Logf("✅ 交易所侧持仓上报正确")
}
