package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"quantflow/internal/model"
)

// 模拟网关，本地联调和测试使用。
// 市价单立即全部成交，限价单和止损单保持live状态等待手工驱动。

type simOrder struct {
	req     *model.OrderRequest
	orderID string
	live    bool
}

type SimulatedGateway struct {
	mu          sync.Mutex
	orders      map[string]*simOrder
	placed      []*model.OrderRequest // 按提交顺序记录，测试断言用
	prices      map[string]float64
	positions   map[string][]model.ExchangePosition
	instruments map[string]*model.Instrument
	leverages   map[string]int

	// 故障注入：>0时接下来N次PlaceOrder返回错误
	failPlaceCount int
	// 故障注入：>0时接下来N次CancelOrder返回错误
	failCancelCount int
}

var _ Gateway = (*SimulatedGateway)(nil)

func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{
		orders:      make(map[string]*simOrder),
		prices:      make(map[string]float64),
		positions:   make(map[string][]model.ExchangePosition),
		instruments: make(map[string]*model.Instrument),
		leverages:   make(map[string]int),
	}
}

// SetLeverage 记录杠杆设置，多空方向在模拟盘里不区分
func (s *SimulatedGateway) SetLeverage(symbol string, leverage int, posSide string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leverages[symbol] = leverage
	return nil
}

// LeverageOf 查询已设置的杠杆（测试断言用）
func (s *SimulatedGateway) LeverageOf(symbol string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lv, ok := s.leverages[symbol]
	return lv, ok
}

// SetPrice 设置symbol的模拟价格
func (s *SimulatedGateway) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// SetPositions 设置交易所侧模拟持仓（对账测试用）
func (s *SimulatedGateway) SetPositions(symbol string, positions []model.ExchangePosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[symbol] = positions
}

// SetInstrument 设置交易对元数据
func (s *SimulatedGateway) SetInstrument(inst *model.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments[inst.Symbol] = inst
}

// FailNextPlaceOrders 接下来n次下单失败
func (s *SimulatedGateway) FailNextPlaceOrders(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPlaceCount = n
}

// FailNextCancelOrders 接下来n次撤单失败
func (s *SimulatedGateway) FailNextCancelOrders(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCancelCount = n
}

func (s *SimulatedGateway) PlaceOrder(ctx context.Context, req *model.OrderRequest) (*model.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPlaceCount > 0 {
		s.failPlaceCount--
		return nil, fmt.Errorf("simulated place order failure: %s %s", req.Symbol, req.Side)
	}

	orderID := uuid.NewString()
	o := &simOrder{req: req, orderID: orderID, live: true}
	s.placed = append(s.placed, req)

	var filled float64
	if req.OrderType == model.Market {
		// 市价单立即全部成交
		filled = req.Size
		o.live = false
	}
	s.orders[orderID] = o

	return &model.OrderResponse{OrderID: orderID, FilledSize: filled}, nil
}

func (s *SimulatedGateway) CancelOrder(ctx context.Context, orderID, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCancelCount > 0 {
		s.failCancelCount--
		return fmt.Errorf("simulated cancel failure: %s", orderID)
	}

	o, ok := s.orders[orderID]
	if !ok || !o.live {
		return ErrOrderNotFound
	}
	o.live = false
	return nil
}

func (s *SimulatedGateway) GetPositions(ctx context.Context, symbol string) ([]model.ExchangePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ExchangePosition(nil), s.positions[symbol]...), nil
}

func (s *SimulatedGateway) GetInstrumentDetails(ctx context.Context, symbol string) (*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[symbol]
	if !ok {
		return nil, ErrInstrumentNotFound
	}
	cp := *inst
	return &cp, nil
}

// 模拟版价格：没有设置过的symbol随机一个并做小幅浮动
func (s *SimulatedGateway) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[symbol]
	if !ok {
		price = 10000 + rand.Float64()*2000
	}
	// 模拟价格波动 ±0.5%
	price += (rand.Float64()*0.01 - 0.005) * price
	s.prices[symbol] = price
	return price, nil
}

// LiveOrders 当前未终结订单数（测试断言用）
func (s *SimulatedGateway) LiveOrders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, o := range s.orders {
		if o.live {
			ids = append(ids, id)
		}
	}
	return ids
}

// PlacedOrders 按提交顺序返回所有成功落地的请求（测试断言用）
func (s *SimulatedGateway) PlacedOrders() []*model.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.OrderRequest(nil), s.placed...)
}

// OrderRequestOf 取出某订单的原始请求（测试断言用）
func (s *SimulatedGateway) OrderRequestOf(orderID string) (*model.OrderRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, false
	}
	return o.req, true
}
