package model

import "time"

type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// Opposite 返回反方向，用于止损/平仓
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
	// StopMarket 交易所端止损市价单（硬止损）
	StopMarket OrderType = "stop_market"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderLive      OrderStatus = "live"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// IsTerminal 终态订单不再参与撤单和状态更新
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// Order 本地订单，生命周期由OrderManager独占管理
type Order struct {
	OrderID    string
	ClOrdID    string // 客户端订单id（snowflake）
	Symbol     string
	Side       OrderSide
	OrderType  OrderType
	Size       float64
	Price      float64
	FilledSize float64
	Status     OrderStatus
	StrategyID string
	// 成交后需要挂的止损触发价，0表示不挂止损
	StopLossPrice float64
	// 关联的止损订单id（硬止损挂单成功后回填）
	StopLossOrderID string
	ReduceOnly      bool
	// 下单时占用的策略资金名义金额，撤单时归还
	ReservedNotional float64
	CreatedAt        time.Time
}

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	OrderType     OrderType
	Size          float64
	Price         float64 // 市价单可为0
	StrategyID    string
	StopLossPrice float64
	ReduceOnly    bool
	// 紧急平仓路径跳过风控
	Bypass bool
}

// OrderResponse 网关下单返回
type OrderResponse struct {
	OrderID    string
	FilledSize float64
	Raw        []byte
}
