package exchange

import (
	"context"
	"sync"

	"quantflow/internal/exchange/okx"
	"quantflow/internal/model"
)

// OKX实盘网关。
// 止损单在OKX侧是algo order，订单id体系和普通单不同，
// 这里记录每个algoId，撤单时路由到对应接口。

type OkxGateway struct {
	svc *okx.Swap
	pub *okx.PublicClient

	mu      sync.Mutex
	algoIDs map[string]string // algoId -> symbol
	// 元数据进程内缓存，精度信息几乎不变化
	instCache map[string]*model.Instrument
}

var _ Gateway = (*OkxGateway)(nil)

func NewOkxGateway(apiKey, apiSecret, passphrase string) *OkxGateway {
	return &OkxGateway{
		svc:       okx.NewSwap(apiKey, apiSecret, passphrase),
		pub:       okx.NewPublicClient(),
		algoIDs:   make(map[string]string),
		instCache: make(map[string]*model.Instrument),
	}
}

func (g *OkxGateway) PlaceOrder(ctx context.Context, req *model.OrderRequest) (*model.OrderResponse, error) {
	if req.OrderType == model.StopMarket {
		resp, err := g.svc.PlaceAlgoOrder(ctx, req)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.algoIDs[resp.OrderID] = req.Symbol
		g.mu.Unlock()
		return resp, nil
	}
	return g.svc.CreateOrder(ctx, req)
}

func (g *OkxGateway) CancelOrder(ctx context.Context, orderID, symbol string) error {
	g.mu.Lock()
	_, isAlgo := g.algoIDs[orderID]
	g.mu.Unlock()

	if isAlgo {
		if err := g.svc.CancelAlgoOrder(orderID, symbol); err != nil {
			return err
		}
		g.mu.Lock()
		delete(g.algoIDs, orderID)
		g.mu.Unlock()
		return nil
	}
	return g.svc.CancelOrder(orderID, symbol)
}

func (g *OkxGateway) GetPositions(ctx context.Context, symbol string) ([]model.ExchangePosition, error) {
	return g.svc.GetPositions(symbol)
}

func (g *OkxGateway) GetInstrumentDetails(ctx context.Context, symbol string) (*model.Instrument, error) {
	g.mu.Lock()
	if inst, ok := g.instCache[symbol]; ok {
		g.mu.Unlock()
		return inst, nil
	}
	g.mu.Unlock()

	instId, err := g.svc.InstID(symbol)
	if err != nil {
		return nil, err
	}
	inst, err := g.pub.GetInstrumentWithRetry(ctx, "SWAP", instId)
	if err != nil {
		return nil, err
	}
	// 调用方用原始symbol查询，保持一致
	inst.Symbol = symbol

	g.mu.Lock()
	g.instCache[symbol] = inst
	g.mu.Unlock()
	return inst, nil
}

func (g *OkxGateway) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	return g.svc.GetLastPrice(symbol)
}

// SetLeverage 透传杠杆设置，启动时由引擎调用
func (g *OkxGateway) SetLeverage(symbol string, leverage int, posSide string) error {
	return g.svc.SetLeverage(symbol, leverage, "isolated", posSide)
}
