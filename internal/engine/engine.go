package engine

import (
	"context"
	"time"

	"quantflow/conf"
	"quantflow/internal/capital"
	"quantflow/internal/dao"
	"quantflow/internal/event"
	"quantflow/internal/exchange"
	"quantflow/internal/model"
	"quantflow/internal/obs"
	"quantflow/internal/order"
	"quantflow/internal/position"
	"quantflow/internal/risk"
	"quantflow/pkg/alert"
	"quantflow/pkg/db"
	"quantflow/pkg/logger"
)

// 组合根：构建事件总线、网关和各管理器并完成注入。
// 依赖方向是单向的，组件之间通过窄接口和事件总线解耦，
// 只有这里知道全貌。

// 支持账户侧杠杆设置的网关（实盘和模拟网关都实现）
type leverageSetter interface {
	SetLeverage(symbol string, leverage int, posSide string) error
}

type Engine struct {
	cfg *conf.Config

	Bus       *event.Bus
	Gateway   exchange.Gateway
	Commander *capital.Commander
	Positions *position.Manager
	Guardian  *risk.Guardian
	Orders    *order.Manager
	OrderDao  *dao.OrderDao

	alerter    alert.Service
	userStream *exchange.OkxUserStream
	collector  *obs.Collector
}

func New(cfg *conf.Config) (*Engine, error) {
	bus := event.NewBus()

	var gw exchange.Gateway
	var userStream *exchange.OkxUserStream
	if cfg.Okx.Simulated {
		sim := exchange.NewSimulatedGateway()
		seedSimulated(sim, cfg.Symbols)
		gw = sim
		logger.Warn("运行在模拟网关模式，不会触达真实交易所")
	} else {
		gw = exchange.NewOkxGateway(cfg.Okx.ApiKey, cfg.Okx.SecretKey, cfg.Okx.Password)
		userStream = exchange.NewOkxUserStream(cfg.Okx.ApiKey, cfg.Okx.SecretKey, cfg.Okx.Password, bus)
	}

	commander := capital.NewCommander(cfg.Capital.TotalCapital, cfg.Risk)
	positions := position.NewManager(gw, bus, cfg.Sync)
	commander.SetExposureReader(positions)

	guardian := risk.NewGuardian(cfg.Risk, commander, positions)
	orders := order.NewManager(gw, bus, guardian, cfg.Order)
	orders.SetCapitalReserver(commander)
	positions.SetStopOrderCanceller(orders)

	var alerter alert.Service
	if cfg.Kafka.Broker != "" {
		alerter = alert.NewKafkaAlerter(cfg.Kafka.Broker, cfg.Kafka.AlertTopic)
	} else {
		alerter = alert.NopAlerter{}
	}
	orders.SetAlerter(alerter)

	var orderDao *dao.OrderDao
	if cfg.Db.Enabled {
		gdb, err := db.Init(db.Config{
			User:     cfg.Db.Username,
			Password: cfg.Db.Password,
			Host:     cfg.Db.Host,
			Port:     cfg.Db.Port,
			DBName:   cfg.Db.DbName,
		})
		if err != nil {
			return nil, err
		}
		orderDao = dao.NewOrderDao(gdb)
		orders.SetRecorder(orderDao)
	}

	// 事件订阅必须在总线启动前完成
	commander.BindBus(bus)
	positions.BindBus(bus)
	orders.BindBus(bus)

	collector := obs.NewCollector()
	collector.BindBus(bus)
	collector.RegisterEquityGauge(commander.GetTotalEquity)
	collector.RegisterBusDroppedGauge(func() float64 {
		return float64(bus.GetStats().Dropped)
	})

	e := &Engine{
		cfg:        cfg,
		Bus:        bus,
		Gateway:    gw,
		Commander:  commander,
		Positions:  positions,
		Guardian:   guardian,
		Orders:     orders,
		OrderDao:   orderDao,
		alerter:    alerter,
		userStream: userStream,
		collector:  collector,
	}
	return e, nil
}

// Start 注册交易标的，启动总线、私有推送和对账循环
func (e *Engine) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, symbol := range e.cfg.Symbols {
		inst, err := e.Gateway.GetInstrumentDetails(ctx, symbol)
		if err != nil {
			logger.Error("获取合约精度失败，跳过该标的",
				logger.Pair("symbol", symbol),
				logger.Pair("err", err))
			continue
		}
		e.Commander.RegisterInstrument(*inst)
	}

	// 杠杆是账户侧配置，开机统一设置，下单路径不再关心
	if ls, ok := e.Gateway.(leverageSetter); ok && e.cfg.Okx.Leverage > 0 {
		for _, symbol := range e.cfg.Symbols {
			for _, posSide := range []string{"long", "short"} {
				if err := ls.SetLeverage(symbol, e.cfg.Okx.Leverage, posSide); err != nil {
					logger.Error("设置杠杆失败",
						logger.Pair("symbol", symbol),
						logger.Pair("posSide", posSide),
						logger.Pair("leverage", e.cfg.Okx.Leverage),
						logger.Pair("err", err))
				}
			}
		}
	}

	for strategyID, amount := range e.cfg.Capital.Allocations {
		if ok := e.Commander.AllocateStrategy(strategyID, amount); !ok {
			logger.Error("策略资金分配失败", logger.Pair("strategy", strategyID))
		}
	}

	e.Bus.Start()
	if e.userStream != nil {
		e.userStream.Start()
	}
	e.Positions.StartSyncLoop(e.cfg.Symbols)

	logger.Info("执行引擎已启动",
		logger.Pair("symbols", e.cfg.Symbols),
		logger.Pair("simulated", e.cfg.Okx.Simulated))
	return nil
}

// Stop 先停事件源，再停对账循环，最后排空总线
func (e *Engine) Stop() {
	if e.userStream != nil {
		_ = e.userStream.Close()
	}
	e.Positions.Stop()
	e.Bus.Stop()
	e.alerter.Close()
	logger.Info("执行引擎已停止")
}

// 模拟网关没有行情来源，给配置的标的挂默认精度，价格由测试方或运维接口注入
func seedSimulated(sim *exchange.SimulatedGateway, symbols []string) {
	for _, symbol := range symbols {
		sim.SetInstrument(&model.Instrument{
			Symbol:       symbol,
			LotSize:      0.0001,
			MinOrderSize: 0.0001,
			TickSize:     0.1,
		})
	}
}
