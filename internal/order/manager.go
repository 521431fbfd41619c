package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/multierr"

	"quantflow/conf"
	"quantflow/internal/event"
	"quantflow/internal/exchange"
	"quantflow/internal/model"
	"quantflow/pkg/logger"
)

// 订单管理器：订单生命周期的唯一归属方。
// 下单前走风控验证，成交后执行硬止损协议，保证没有裸奔仓位。

// Validator 风控验证入口，由RiskGuardian实现
type Validator interface {
	ValidateOrder(req *model.OrderRequest) model.RiskValidationResult
}

// Recorder 订单落库，由dao实现，可以为nil（不落库）
type Recorder interface {
	SaveOrder(ctx context.Context, o *model.Order) error
	UpdateOrderStatus(ctx context.Context, clOrdID string, status model.OrderStatus) error
}

// Alerter 运维告警通道，可以为nil
type Alerter interface {
	SendAlert(ctx context.Context, level, code, message string)
}

// CapitalReserver 策略资金记账，由CapitalCommander实现，可以为nil
type CapitalReserver interface {
	ReserveCapital(strategyID string, amountUSDT float64) bool
	ReleaseCapital(strategyID string, amountUSDT float64)
}

// ErrRejected 风控或网关拒单
var ErrRejected = errors.New("order rejected")

// StopLossState 硬止损协议的终态
type StopLossState string

const (
	// StopArmed 止损单挂单成功，仓位受保护
	StopArmed StopLossState = "STOP_ARMED"
	// EmergencyClosed 止损挂单重试耗尽，已市价平仓
	EmergencyClosed StopLossState = "EMERGENCY_CLOSED"
	// EmergencyCloseFailed 紧急平仓也失败，仓位裸奔，需要人工介入
	EmergencyCloseFailed StopLossState = "EMERGENCY_CLOSE_FAILED"
)

// StopLossOutcome 硬止损协议的结果，状态机可检查、可测试
type StopLossOutcome struct {
	State       StopLossState
	Attempts    int
	StopOrderID string
	Err         error
}

type Manager struct {
	mu     sync.Mutex
	orders map[string]*model.Order // key: 交易所orderID

	gw        exchange.Gateway
	bus       *event.Bus
	validator Validator
	recorder  Recorder
	alerter   Alerter
	capital   CapitalReserver
	cfg       conf.OrderConfig
	node      *snowflake.Node
}

func NewManager(gw exchange.Gateway, bus *event.Bus, validator Validator, cfg conf.OrderConfig) *Manager {
	node, err := snowflake.NewNode(1)
	if err != nil {
		logger.Fatal("snowflake节点初始化失败", logger.Pair("err", err))
	}
	return &Manager{
		orders:    make(map[string]*model.Order),
		gw:        gw,
		bus:       bus,
		validator: validator,
		cfg:       cfg,
		node:      node,
	}
}

// SetRecorder 注入订单落库实现
func (m *Manager) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// SetAlerter 注入告警通道
func (m *Manager) SetAlerter(a Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerter = a
}

// SetCapitalReserver 注入资金记账
func (m *Manager) SetCapitalReserver(c CapitalReserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capital = c
}

// BindBus 订阅成交和订单状态事件
func (m *Manager) BindBus(bus *event.Bus) {
	bus.Register(event.OrderFilled, m.onOrderFilled)
	bus.Register(event.OrderUpdate, m.onOrderUpdate)
}

// SubmitOrder 提交订单。
// 先过风控（带止损价时使用风控建议的仓位），再调网关；
// 网关失败直接拒单，本层不重试（重试只存在于止损挂单路径）。
func (m *Manager) SubmitOrder(ctx context.Context, req *model.OrderRequest) (*model.Order, error) {
	result := m.validator.ValidateOrder(req)
	if !result.Passed {
		logger.Warn("风控拒单",
			logger.Pair("symbol", req.Symbol),
			logger.Pair("side", string(req.Side)),
			logger.Pair("reason", result.Reason))
		return nil, fmt.Errorf("%w: %s", ErrRejected, result.Reason)
	}
	if result.SuggestedSize > 0 && result.SuggestedSize != req.Size {
		logger.Info("使用风控建议仓位",
			logger.Pair("symbol", req.Symbol),
			logger.Pair("requested", req.Size),
			logger.Pair("suggested", result.SuggestedSize))
		req.Size = result.SuggestedSize
	}

	// 开仓单先占用策略资金，网关失败时归还
	reservedNotional := m.reserveFor(ctx, req)
	if reservedNotional < 0 {
		return nil, fmt.Errorf("%w: 策略资金不足 [%s]", ErrRejected, req.StrategyID)
	}

	clOrdID := m.node.Generate().String()
	resp, err := m.gw.PlaceOrder(ctx, req)
	if err != nil {
		if reservedNotional > 0 {
			m.capital.ReleaseCapital(req.StrategyID, reservedNotional)
		}
		logger.Error("网关下单失败",
			logger.Pair("symbol", req.Symbol),
			logger.Pair("side", string(req.Side)),
			logger.Pair("err", err))
		return nil, fmt.Errorf("%w: gateway: %v", ErrRejected, err)
	}

	o := &model.Order{
		OrderID:          resp.OrderID,
		ClOrdID:          clOrdID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		OrderType:        req.OrderType,
		Size:             req.Size,
		Price:            req.Price,
		Status:           model.OrderLive,
		StrategyID:       req.StrategyID,
		StopLossPrice:    req.StopLossPrice,
		ReduceOnly:       req.ReduceOnly,
		ReservedNotional: reservedNotional,
		CreatedAt:        time.Now(),
	}

	m.mu.Lock()
	m.orders[o.OrderID] = o
	recorder := m.recorder
	m.mu.Unlock()

	logger.Info("订单已提交",
		logger.Pair("orderID", o.OrderID),
		logger.Pair("clOrdID", clOrdID),
		logger.Pair("symbol", o.Symbol),
		logger.Pair("side", string(o.Side)),
		logger.Pair("type", string(o.OrderType)),
		logger.Pair("size", o.Size))

	m.bus.Publish(event.New(event.OrderSubmitted, *o, "order_manager"))
	if recorder != nil {
		if err := recorder.SaveOrder(ctx, o); err != nil {
			logger.Error("订单落库失败", logger.Pair("orderID", o.OrderID), logger.Pair("err", err))
		}
	}

	// 模拟网关的市价单立即成交，直接走成交路径
	if resp.FilledSize > 0 {
		m.markFilled(o.OrderID, resp.FilledSize, req.Price)
	}
	return o, nil
}

// reserveFor 开仓单占用策略资金。
// 返回占用的名义金额；返回-1表示资金不足拒单。
// 平仓单和紧急路径不占用资金。
func (m *Manager) reserveFor(ctx context.Context, req *model.OrderRequest) float64 {
	m.mu.Lock()
	capital := m.capital
	m.mu.Unlock()
	if capital == nil || req.Bypass || req.ReduceOnly {
		return 0
	}

	price := req.Price
	if price <= 0 {
		last, err := m.gw.GetLastPrice(ctx, req.Symbol)
		if err != nil {
			logger.Warn("市价单无法取价，跳过资金预留",
				logger.Pair("symbol", req.Symbol),
				logger.Pair("err", err))
			return 0
		}
		price = last
	}

	notional := req.Size * price
	if notional <= 0 {
		return 0
	}
	if !capital.ReserveCapital(req.StrategyID, notional) {
		return -1
	}
	return notional
}

// evict 终态订单从表里移除，长期运行下订单表不能无界增长。
// 只在终态确认且事件已发布之后调用。
func (m *Manager) evict(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok && o.Status.IsTerminal() {
		delete(m.orders, orderID)
	}
}

// 撤单后归还未成交部分占用的资金
func (m *Manager) releaseReserved(o *model.Order) {
	m.mu.Lock()
	capital := m.capital
	notional := o.ReservedNotional
	o.ReservedNotional = 0
	m.mu.Unlock()
	if capital != nil && notional > 0 {
		capital.ReleaseCapital(o.StrategyID, notional)
	}
}

// markFilled 订单转终态filled并发布成交事件
func (m *Manager) markFilled(orderID string, filledSize, price float64) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok || o.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	o.Status = model.OrderFilled
	o.FilledSize = filledSize
	fill := model.Fill{
		OrderID:       o.OrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		FilledSize:    filledSize,
		Price:         price,
		StrategyID:    o.StrategyID,
		StopLossPrice: o.StopLossPrice,
	}
	if fill.Price <= 0 {
		fill.Price = o.Price
	}
	recorder := m.recorder
	clOrdID := o.ClOrdID
	m.mu.Unlock()

	// 市价单没有成交价时用最新价兜底
	if fill.Price <= 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if last, err := m.gw.GetLastPrice(ctx, fill.Symbol); err == nil {
			fill.Price = last
		}
		cancel()
	}

	m.bus.Publish(event.New(event.OrderFilled, fill, "order_manager"))
	if recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := recorder.UpdateOrderStatus(ctx, clOrdID, model.OrderFilled); err != nil {
			logger.Error("订单状态落库失败", logger.Pair("clOrdID", clOrdID), logger.Pair("err", err))
		}
	}
}

// onOrderUpdate 处理交易所推送的订单状态变化（ws私有频道）
func (m *Manager) onOrderUpdate(e event.Event) {
	update, ok := e.Data.(event.OrderUpdateData)
	if !ok {
		return
	}

	switch update.State {
	case "filled":
		m.markFilled(update.OrderID, update.FilledSize, update.AvgPrice)
	case "canceled", "cancelled":
		m.mu.Lock()
		o, ok := m.orders[update.OrderID]
		// 已终态（比如推送乱序、本地先确认了成交）不再改写，也不重复发事件
		transitioned := ok && !o.Status.IsTerminal()
		if transitioned {
			o.Status = model.OrderCancelled
		}
		m.mu.Unlock()
		if transitioned {
			m.releaseReserved(o)
			m.bus.Publish(event.New(event.OrderCancelled, event.OrderCancelledData{
				OrderID: update.OrderID,
				Symbol:  update.Symbol,
			}, "order_manager"))
			m.evict(update.OrderID)
		}
	}
}

// onOrderFilled 成交事件驱动硬止损协议：
// 带止损价的开仓单成交后，必须挂上交易所端止损
func (m *Manager) onOrderFilled(e event.Event) {
	fill, ok := e.Data.(model.Fill)
	if !ok {
		return
	}
	// 成交处理完后清掉终态记录（止损协议读完订单字段才能清）
	defer m.evict(fill.OrderID)
	if fill.StopLossPrice <= 0 {
		return
	}

	m.mu.Lock()
	o, exists := m.orders[fill.OrderID]
	// 平仓单和止损单本身不再挂止损
	if !exists || o.ReduceOnly || o.OrderType == model.StopMarket || o.StopLossOrderID != "" {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	outcome := m.armStopLoss(context.Background(), fill)
	m.handleStopLossOutcome(fill, outcome)
}

// armStopLoss 硬止损协议核心：
// 反方向、reduce-only的止损市价单，失败重试有界，
// 重试耗尽立即市价平仓（不允许裸奔仓位）。
func (m *Manager) armStopLoss(ctx context.Context, fill model.Fill) StopLossOutcome {
	stopReq := &model.OrderRequest{
		Symbol:     fill.Symbol,
		Side:       fill.Side.Opposite(),
		OrderType:  model.StopMarket,
		Size:       fill.FilledSize,
		Price:      fill.StopLossPrice,
		StrategyID: fill.StrategyID,
		ReduceOnly: true,
		Bypass:     true, // 保护性挂单不受风控限制
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.StopLossRetryCount; attempt++ {
		resp, err := m.gw.PlaceOrder(ctx, stopReq)
		if err == nil {
			m.recordStopOrder(fill, resp.OrderID)
			logger.Info("止损单已挂出",
				logger.Pair("symbol", fill.Symbol),
				logger.Pair("stopOrderID", resp.OrderID),
				logger.Pair("triggerPrice", fill.StopLossPrice),
				logger.Pair("attempt", attempt))
			return StopLossOutcome{State: StopArmed, Attempts: attempt, StopOrderID: resp.OrderID}
		}
		lastErr = err
		logger.Warn("止损挂单失败，重试",
			logger.Pair("symbol", fill.Symbol),
			logger.Pair("attempt", attempt),
			logger.Pair("max", m.cfg.StopLossRetryCount),
			logger.Pair("err", err))
		if attempt < m.cfg.StopLossRetryCount {
			time.Sleep(m.cfg.StopLossRetryDelay)
		}
	}

	// 重试耗尽：立即市价平仓，宁可不要仓位也不要裸奔
	logger.Error("止损挂单重试耗尽，执行紧急平仓",
		logger.Pair("symbol", fill.Symbol),
		logger.Pair("size", fill.FilledSize),
		logger.Pair("err", lastErr))

	closeReq := &model.OrderRequest{
		Symbol:     fill.Symbol,
		Side:       fill.Side.Opposite(),
		OrderType:  model.Market,
		Size:       fill.FilledSize,
		StrategyID: fill.StrategyID,
		ReduceOnly: true,
		Bypass:     true,
	}
	if _, err := m.gw.PlaceOrder(ctx, closeReq); err != nil {
		// 最严重的失败类别：不再重试，只剩人工干预
		return StopLossOutcome{
			State:    EmergencyCloseFailed,
			Attempts: m.cfg.StopLossRetryCount,
			Err:      err,
		}
	}
	return StopLossOutcome{State: EmergencyClosed, Attempts: m.cfg.StopLossRetryCount, Err: lastErr}
}

func (m *Manager) recordStopOrder(fill model.Fill, stopOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[fill.OrderID]; ok {
		o.StopLossOrderID = stopOrderID
	}
	// 止损单自己也入表，幽灵单保护时要撤它
	m.orders[stopOrderID] = &model.Order{
		OrderID:    stopOrderID,
		Symbol:     fill.Symbol,
		Side:       fill.Side.Opposite(),
		OrderType:  model.StopMarket,
		Size:       fill.FilledSize,
		Price:      fill.StopLossPrice,
		Status:     model.OrderLive,
		StrategyID: fill.StrategyID,
		ReduceOnly: true,
		CreatedAt:  time.Now(),
	}
}

func (m *Manager) handleStopLossOutcome(fill model.Fill, outcome StopLossOutcome) {
	switch outcome.State {
	case StopArmed:
		return
	case EmergencyClosed:
		logger.Warn("紧急平仓完成，仓位已清空",
			logger.Pair("symbol", fill.Symbol),
			logger.Pair("size", fill.FilledSize),
			logger.Pair("attempts", outcome.Attempts))
		m.alert("WARN", "EMERGENCY_CLOSE",
			fmt.Sprintf("%s 止损挂单%d次失败，已紧急平仓 %.4f", fill.Symbol, outcome.Attempts, fill.FilledSize))
	case EmergencyCloseFailed:
		// 裸奔仓位，必须在日志和告警里和普通拒单区分开
		logger.Error("紧急平仓失败，仓位无保护",
			logger.Pair("severity", "CRITICAL"),
			logger.Pair("symbol", fill.Symbol),
			logger.Pair("size", fill.FilledSize),
			logger.Pair("err", outcome.Err))
		m.alert("CRITICAL", "EMERGENCY_CLOSE_FAILED",
			fmt.Sprintf("%s 紧急平仓失败，%.4f 仓位裸奔: %v", fill.Symbol, fill.FilledSize, outcome.Err))
	}
}

func (m *Manager) alert(level, code, message string) {
	m.mu.Lock()
	alerter := m.alerter
	m.mu.Unlock()
	if alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alerter.SendAlert(ctx, level, code, message)
}

// CancelOrder 撤单。终态订单直接返回失败。
func (m *Manager) CancelOrder(ctx context.Context, orderID, symbol string) bool {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok || o.Status.IsTerminal() {
		m.mu.Unlock()
		logger.Warn("撤单跳过：订单不存在或已终态", logger.Pair("orderID", orderID))
		return false
	}
	m.mu.Unlock()

	if err := m.gw.CancelOrder(ctx, orderID, symbol); err != nil {
		logger.Error("网关撤单失败",
			logger.Pair("orderID", orderID),
			logger.Pair("err", err))
		return false
	}

	// 网关调用在途期间订单可能已经成交，终态不可被撤单覆盖
	m.mu.Lock()
	if o.Status.IsTerminal() {
		status := o.Status
		m.mu.Unlock()
		logger.Warn("撤单与成交竞态，保留终态",
			logger.Pair("orderID", orderID),
			logger.Pair("status", string(status)))
		return false
	}
	o.Status = model.OrderCancelled
	m.mu.Unlock()
	m.releaseReserved(o)

	m.bus.Publish(event.New(event.OrderCancelled, event.OrderCancelledData{
		OrderID: orderID,
		Symbol:  symbol,
	}, "order_manager"))
	logger.Info("订单已撤销", logger.Pair("orderID", orderID), logger.Pair("symbol", symbol))
	m.evict(orderID)
	return true
}

// CancelAllOrders 撤销所有非终态订单，symbol为空时全局撤单。
// 返回成功撤销数量，失败聚合后只记日志不中断。
func (m *Manager) CancelAllOrders(ctx context.Context, symbol string) int {
	targets := m.liveOrders(func(o *model.Order) bool {
		return symbol == "" || o.Symbol == symbol
	})

	var count int
	var errs error
	for _, o := range targets {
		if m.CancelOrder(ctx, o.OrderID, o.Symbol) {
			count++
		} else {
			errs = multierr.Append(errs, fmt.Errorf("cancel %s failed", o.OrderID))
		}
	}
	if errs != nil {
		logger.Warn("批量撤单部分失败",
			logger.Pair("symbol", symbol),
			logger.Pair("cancelled", count),
			logger.Pair("errs", errs))
	}
	return count
}

// CancelAllStopLossOrders 幽灵单保护：撤销指定交易对所有在途止损单。
// 持仓归零后由PositionManager调用，防止残留止损变成反向开仓。
func (m *Manager) CancelAllStopLossOrders(ctx context.Context, symbol string) int {
	targets := m.liveOrders(func(o *model.Order) bool {
		return o.Symbol == symbol && o.OrderType == model.StopMarket
	})

	var count int
	var errs error
	for _, o := range targets {
		if m.CancelOrder(ctx, o.OrderID, o.Symbol) {
			count++
		} else {
			errs = multierr.Append(errs, fmt.Errorf("cancel stop %s failed", o.OrderID))
		}
	}
	if errs != nil {
		logger.Error("止损撤单部分失败",
			logger.Pair("symbol", symbol),
			logger.Pair("errs", errs))
	}
	return count
}

// 调用方不持锁，返回符合条件的非终态订单快照
func (m *Manager) liveOrders(match func(*model.Order) bool) []*model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Order
	for _, o := range m.orders {
		if !o.Status.IsTerminal() && match(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

// GetOrder 订单快照
func (m *Manager) GetOrder(orderID string) (model.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// GetOpenOrders 所有非终态订单快照
func (m *Manager) GetOpenOrders() []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Order
	for _, o := range m.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out
}
