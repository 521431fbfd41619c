package model

import "time"

type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// Position 持仓信息，只能由PositionManager修改
type Position struct {
	Symbol        string
	Side          PositionSide
	Size          float64 // 绝对数量
	EntryPrice    float64 // 开仓均价
	UnrealizedPnl float64
	Leverage      int
	StrategyID    string
}

// SignedSize 有符号持仓（long=正, short=负）
func (p *Position) SignedSize() float64 {
	if p.Side == Short {
		return -p.Size
	}
	return p.Size
}

// ExchangePosition 交易所上报的真实持仓（对账的基准）
type ExchangePosition struct {
	Symbol        string
	Size          float64 // 有符号：long=正, short=负
	EntryPrice    float64
	UnrealizedPnl float64
	Leverage      int
}

// TargetPosition 策略期望持仓
type TargetPosition struct {
	Side      PositionSide
	Size      float64
	Timestamp time.Time
}

// SyncPlan 对账产生的同步计划
type SyncPlan struct {
	Symbol string
	Side   OrderSide
	Amount float64
	Reason string
}

// Fill 订单成交回报
type Fill struct {
	OrderID       string
	Symbol        string
	Side          OrderSide
	FilledSize    float64
	Price         float64
	StrategyID    string
	StopLossPrice float64
}
