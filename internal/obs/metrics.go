package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quantflow/internal/event"
)

// 执行核心的运行指标。订阅事件总线计数，不侵入各组件的主流程。

type Collector struct {
	ordersSubmitted prometheus.Counter
	ordersFilled    prometheus.Counter
	ordersCancelled prometheus.Counter
	realizedPnl     prometheus.Counter
	realizedLoss    prometheus.Counter
}

func NewCollector() *Collector {
	return &Collector{
		ordersSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quantflow_orders_submitted_total",
			Help: "提交到网关的订单总数",
		}),
		ordersFilled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quantflow_orders_filled_total",
			Help: "成交订单总数",
		}),
		ordersCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quantflow_orders_cancelled_total",
			Help: "撤销订单总数",
		}),
		realizedPnl: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quantflow_realized_profit_usdt_total",
			Help: "累计已实现盈利(USDT)",
		}),
		realizedLoss: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quantflow_realized_loss_usdt_total",
			Help: "累计已实现亏损(USDT)",
		}),
	}
}

// BindBus 订阅事件总线，事件驱动计数
func (c *Collector) BindBus(bus *event.Bus) {
	bus.Register(event.OrderSubmitted, func(e event.Event) {
		c.ordersSubmitted.Inc()
	})
	bus.Register(event.OrderFilled, func(e event.Event) {
		c.ordersFilled.Inc()
	})
	bus.Register(event.OrderCancelled, func(e event.Event) {
		c.ordersCancelled.Inc()
	})
	bus.Register(event.RealizedPnl, func(e event.Event) {
		if data, ok := e.Data.(event.RealizedPnlData); ok {
			if data.Pnl >= 0 {
				c.realizedPnl.Add(data.Pnl)
			} else {
				c.realizedLoss.Add(-data.Pnl)
			}
		}
	})
}

// RegisterEquityGauge 账户权益以GaugeFunc暴露，抓取时现算
func (c *Collector) RegisterEquityGauge(equity func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "quantflow_total_equity_usdt",
		Help: "账户总权益(USDT)",
	}, equity)
}

// RegisterBusDroppedGauge 事件总线丢弃计数
func (c *Collector) RegisterBusDroppedGauge(dropped func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "quantflow_event_bus_dropped_total",
		Help: "事件总线因队列满丢弃的事件数",
	}, dropped)
}

// Handler /metrics 的HTTP处理器
func Handler() http.Handler {
	return promhttp.Handler()
}
