package event

import "time"

type Type string

const (
	OrderSubmitted Type = "ORDER_SUBMITTED"
	OrderFilled    Type = "ORDER_FILLED"
	OrderCancelled Type = "ORDER_CANCELLED"
	OrderUpdate    Type = "ORDER_UPDATE"
	PositionUpdate Type = "POSITION_UPDATE"
	// RealizedPnl 平仓时由PositionManager发布，CapitalCommander据此记账
	RealizedPnl Type = "REALIZED_PNL"
)

// Event 标准事件格式
type Event struct {
	Type   Type
	Data   interface{}
	Source string
	Time   time.Time
}

// New 构造事件并打上时间戳
func New(t Type, data interface{}, source string) Event {
	return Event{Type: t, Data: data, Source: source, Time: time.Now()}
}

// OrderUpdateData ORDER_UPDATE事件负载（交易所推送的订单状态变化）
type OrderUpdateData struct {
	OrderID    string
	Symbol     string
	State      string // live / partially_filled / filled / canceled
	FilledSize float64
	AvgPrice   float64
}

// OrderCancelledData ORDER_CANCELLED事件负载
type OrderCancelledData struct {
	OrderID string
	Symbol  string
}

// RealizedPnlData REALIZED_PNL事件负载
type RealizedPnlData struct {
	Symbol     string
	StrategyID string
	Pnl        float64
	// 平仓释放的名义金额（开仓均价×数量）
	ReleasedNotional float64
}
