package exchange

import (
	"context"
	"errors"

	"quantflow/internal/model"
)

// 交易所网关抽象：执行核心唯一的对外出口。
// OrderManager/PositionManager只依赖这个接口，实盘用OkxGateway，
// 本地联调和测试用SimulatedGateway。

var (
	// ErrOrderNotFound 撤单时订单不存在（已成交或已撤销）
	ErrOrderNotFound = errors.New("exchange: order not found")
	// ErrInstrumentNotFound 交易对元数据缺失
	ErrInstrumentNotFound = errors.New("exchange: instrument not found")
)

type Gateway interface {
	// PlaceOrder 提交订单。市价单Price可为0；
	// StopMarket类型会挂成交易所端的条件单（触发价=req.Price）
	PlaceOrder(ctx context.Context, req *model.OrderRequest) (*model.OrderResponse, error)

	// CancelOrder 撤销订单
	CancelOrder(ctx context.Context, orderID, symbol string) error

	// GetPositions 查询交易所真实持仓（有符号数量），对账的数据来源
	GetPositions(ctx context.Context, symbol string) ([]model.ExchangePosition, error)

	// GetInstrumentDetails 查询交易对元数据（步进、最小下单量等）
	GetInstrumentDetails(ctx context.Context, symbol string) (*model.Instrument, error)

	// GetLastPrice 查询最新成交价
	GetLastPrice(ctx context.Context, symbol string) (float64, error)
}
