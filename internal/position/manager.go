package position

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"quantflow/conf"
	"quantflow/internal/event"
	"quantflow/internal/exchange"
	"quantflow/internal/model"
	"quantflow/pkg/logger"
)

// 持仓管理器：本地持仓的权威账本（Shadow Ledger）。
// 成交回报做本地预计算，定时对账用交易所数据纠偏。
// 持仓表只能由本组件修改，其他组件通过只读接口访问。

// StopOrderCanceller 持仓归零时撤掉该交易对所有止损挂单（幽灵单保护）。
// 由OrderManager实现，窄接口避免两个组件互相import。
type StopOrderCanceller interface {
	CancelAllStopLossOrders(ctx context.Context, symbol string) int
}

type Manager struct {
	mu        sync.Mutex
	positions map[string]*model.Position
	targets   map[string]model.TargetPosition
	lastSync  map[string]time.Time
	prices    map[string]float64 // 最新标记价，敞口和浮盈计算用

	cfg       conf.SyncConfig
	gw        exchange.Gateway
	bus       *event.Bus
	canceller StopOrderCanceller

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewManager(gw exchange.Gateway, bus *event.Bus, cfg conf.SyncConfig) *Manager {
	return &Manager{
		positions: make(map[string]*model.Position),
		targets:   make(map[string]model.TargetPosition),
		lastSync:  make(map[string]time.Time),
		prices:    make(map[string]float64),
		cfg:       cfg,
		gw:        gw,
		bus:       bus,
		stopCh:    make(chan struct{}),
	}
}

// SetStopOrderCanceller 注入幽灵单保护回调（启动时由引擎调用）
func (m *Manager) SetStopOrderCanceller(c StopOrderCanceller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceller = c
}

// BindBus 订阅成交事件
func (m *Manager) BindBus(bus *event.Bus) {
	bus.Register(event.OrderFilled, m.onOrderFilled)
}

func (m *Manager) onOrderFilled(e event.Event) {
	fill, ok := e.Data.(model.Fill)
	if !ok {
		logger.Error("ORDER_FILLED事件负载类型错误", logger.Pair("data", e.Data))
		return
	}
	m.UpdateFromOrderFill(fill)
}

// UpdateFromExchange 用交易所上报的持仓覆盖本地状态（对账路径）。
// size为0时移除本地记录（幽灵持仓清理）并触发止损撤单。
func (m *Manager) UpdateFromExchange(pos model.ExchangePosition) {
	m.mu.Lock()

	if pos.Size == 0 {
		_, existed := m.positions[pos.Symbol]
		delete(m.positions, pos.Symbol)
		canceller := m.canceller
		m.mu.Unlock()

		if existed {
			logger.Info("交易所上报持仓归零，清理本地记录", logger.Pair("symbol", pos.Symbol))
			m.cancelStops(canceller, pos.Symbol)
			// 订阅方（敞口指标、风控视图）也要看到归零快照
			m.publishPositionUpdate(&model.Position{Symbol: pos.Symbol})
		}
		return
	}

	side := model.Long
	if pos.Size < 0 {
		side = model.Short
	}
	prev := m.positions[pos.Symbol]
	p := &model.Position{
		Symbol:        pos.Symbol,
		Side:          side,
		Size:          math.Abs(pos.Size),
		EntryPrice:    pos.EntryPrice,
		UnrealizedPnl: pos.UnrealizedPnl,
		Leverage:      pos.Leverage,
	}
	if prev != nil {
		// 交易所不知道归属策略，保留本地记录的
		p.StrategyID = prev.StrategyID
	}
	m.positions[pos.Symbol] = p
	m.mu.Unlock()

	logger.Debug("交易所持仓同步",
		logger.Pair("symbol", pos.Symbol),
		logger.Pair("side", string(side)),
		logger.Pair("size", p.Size),
		logger.Pair("entry", p.EntryPrice))

	m.publishPositionUpdate(p)
}

// UpdateFromOrderFill 成交回报的本地预计算。
// 同向加仓按数量加权更新均价；反向成交减仓并实现比例盈亏；
// 完全平仓移除持仓记录并撤掉该交易对的止损挂单。
func (m *Manager) UpdateFromOrderFill(fill model.Fill) {
	if fill.Symbol == "" || fill.FilledSize <= 0 {
		return
	}

	m.mu.Lock()

	cur := m.positions[fill.Symbol]
	fillSide := model.Long
	if fill.Side == model.Sell {
		fillSide = model.Short
	}

	var realized float64
	var releasedNotional float64
	var closed bool
	var strategyID string

	switch {
	case cur == nil:
		// 新开仓
		m.positions[fill.Symbol] = &model.Position{
			Symbol:     fill.Symbol,
			Side:       fillSide,
			Size:       fill.FilledSize,
			EntryPrice: fill.Price,
			StrategyID: fill.StrategyID,
		}

	case cur.Side == fillSide:
		// 同向加仓，数量加权均价
		totalValue := cur.Size*cur.EntryPrice + fill.FilledSize*fill.Price
		cur.Size += fill.FilledSize
		cur.EntryPrice = totalValue / cur.Size
		cur.UnrealizedPnl = unrealizedPnl(cur, fill.Price)

	default:
		// 反向成交：减仓，按平掉的数量实现盈亏
		reduce := math.Min(fill.FilledSize, cur.Size)
		if cur.Side == model.Long {
			realized = (fill.Price - cur.EntryPrice) * reduce
		} else {
			realized = (cur.EntryPrice - fill.Price) * reduce
		}
		releasedNotional = cur.EntryPrice * reduce
		strategyID = cur.StrategyID
		cur.Size -= reduce

		if cur.Size <= 1e-12 {
			delete(m.positions, fill.Symbol)
			closed = true
		} else {
			cur.UnrealizedPnl = unrealizedPnl(cur, fill.Price)
		}
		// 超出原持仓的部分反向开新仓
		if excess := fill.FilledSize - reduce; excess > 1e-12 {
			m.positions[fill.Symbol] = &model.Position{
				Symbol:     fill.Symbol,
				Side:       fillSide,
				Size:       excess,
				EntryPrice: fill.Price,
				StrategyID: fill.StrategyID,
			}
			closed = false
		}
	}

	snapshot := m.positions[fill.Symbol]
	var snapCopy *model.Position
	if snapshot != nil {
		cp := *snapshot
		snapCopy = &cp
	}
	canceller := m.canceller
	m.mu.Unlock()

	logger.Info("成交更新持仓",
		logger.Pair("symbol", fill.Symbol),
		logger.Pair("side", string(fill.Side)),
		logger.Pair("filled", fill.FilledSize),
		logger.Pair("price", fill.Price))

	if realized != 0 || releasedNotional > 0 {
		if strategyID == "" {
			strategyID = fill.StrategyID
		}
		logger.Info("平仓实现盈亏",
			logger.Pair("symbol", fill.Symbol),
			logger.Pair("strategy", strategyID),
			logger.Pair("pnl", realized))
		m.bus.Publish(event.New(event.RealizedPnl, event.RealizedPnlData{
			Symbol:           fill.Symbol,
			StrategyID:       strategyID,
			Pnl:              realized,
			ReleasedNotional: releasedNotional,
		}, "position_manager"))
	}

	if closed {
		m.cancelStops(canceller, fill.Symbol)
	}
	if snapCopy != nil {
		m.publishPositionUpdate(snapCopy)
	} else {
		m.publishPositionUpdate(&model.Position{Symbol: fill.Symbol})
	}
}

// 持仓归零后的幽灵单保护：撤掉该交易对所有残留的止损挂单，
// 防止下次开仓时旧止损变成反向开仓
func (m *Manager) cancelStops(canceller StopOrderCanceller, symbol string) {
	if canceller == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n := canceller.CancelAllStopLossOrders(ctx, symbol)
	if n > 0 {
		logger.Info("持仓归零，撤销残留止损单",
			logger.Pair("symbol", symbol),
			logger.Pair("count", n))
	}
}

func (m *Manager) publishPositionUpdate(p *model.Position) {
	m.bus.Publish(event.New(event.PositionUpdate, *p, "position_manager"))
}

func unrealizedPnl(p *model.Position, currentPrice float64) float64 {
	if p.Side == model.Long {
		return (currentPrice - p.EntryPrice) * p.Size
	}
	return (p.EntryPrice - currentPrice) * p.Size
}

// UpdateCurrentPrice 更新标记价并重算浮盈
func (m *Manager) UpdateCurrentPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	if p, ok := m.positions[symbol]; ok {
		p.UnrealizedPnl = unrealizedPnl(p, price)
	}
}

// GetPosition 持仓快照
func (m *Manager) GetPosition(symbol string) (model.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// GetAllPositions 所有持仓快照
func (m *Manager) GetAllPositions() map[string]model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Position, len(m.positions))
	for s, p := range m.positions {
		out[s] = *p
	}
	return out
}

// GetTotalExposure 总敞口 = Σ |size| × 当前价
func (m *Manager) GetTotalExposure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for s, p := range m.positions {
		total += p.Size * m.markPrice(s, p)
	}
	return total
}

// GetSymbolExposure 单交易对敞口
func (m *Manager) GetSymbolExposure(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return 0
	}
	return p.Size * m.markPrice(symbol, p)
}

// 没有最新价时退回开仓均价，调用方必须持有m.mu
func (m *Manager) markPrice(symbol string, p *model.Position) float64 {
	if price, ok := m.prices[symbol]; ok && price > 0 {
		return price
	}
	return p.EntryPrice
}

// UpdateTargetPosition 记录策略期望持仓（由策略调用）
func (m *Manager) UpdateTargetPosition(symbol string, side model.PositionSide, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[symbol] = model.TargetPosition{
		Side:      side,
		Size:      size,
		Timestamp: time.Now(),
	}
	logger.Debug("更新目标持仓",
		logger.Pair("symbol", symbol),
		logger.Pair("side", string(side)),
		logger.Pair("size", size))
}

// CheckSyncNeeded 对账：目标与实际偏差超过阈值时返回同步计划。
// 冷却窗口内的重复调用返回nil，防止同步风暴。
func (m *Manager) CheckSyncNeeded(symbol string) *model.SyncPlan {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.targets[symbol]
	if !ok || target.Size <= 0 {
		return nil
	}

	// 冷却时间检查
	if last, ok := m.lastSync[symbol]; ok && time.Since(last) < m.cfg.Cooldown {
		return nil
	}

	var actualSigned float64
	if p, ok := m.positions[symbol]; ok {
		actualSigned = p.SignedSize()
	}
	targetSigned := target.Size
	if target.Side == model.Short {
		targetSigned = -target.Size
	}

	delta := targetSigned - actualSigned

	var diffPct float64
	switch {
	case math.Abs(targetSigned) > 0:
		diffPct = math.Abs(delta) / math.Abs(targetSigned)
	case actualSigned != 0:
		diffPct = 1.0
	}

	if diffPct <= m.cfg.ThresholdPct {
		return nil
	}

	side := model.Buy
	if delta < 0 {
		side = model.Sell
	}
	m.lastSync[symbol] = time.Now()

	plan := &model.SyncPlan{
		Symbol: symbol,
		Side:   side,
		Amount: math.Abs(delta),
		Reason: fmt.Sprintf("持仓差异: 目标 %.4f vs 实际 %.4f (偏差 %.1f%%)",
			targetSigned, actualSigned, diffPct*100),
	}
	logger.Info("检测到持仓差异，需要同步",
		logger.Pair("symbol", symbol),
		logger.Pair("side", string(side)),
		logger.Pair("amount", plan.Amount),
		logger.Pair("reason", plan.Reason))
	return plan
}

// StartSyncLoop 启动定时对账协程，从交易所拉取真实持仓纠偏。
// 连续失败按指数退避（base×2^n，封顶BackoffMax），恢复后回到正常间隔。
func (m *Manager) StartSyncLoop(symbols []string) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.syncLoop(symbols)
	}()
	logger.Info("持仓对账协程已启动", logger.Pair("symbols", symbols))
}

func (m *Manager) syncLoop(symbols []string) {
	interval := m.cfg.Interval
	failures := 0

	for {
		select {
		case <-m.stopCh:
			return
		case <-time.After(interval):
		}

		if err := m.syncOnce(symbols); err != nil {
			failures++
			interval = m.backoff(failures)
			logger.Warn("持仓对账失败，指数退避",
				logger.Pair("failures", failures),
				logger.Pair("nextInterval", interval),
				logger.Pair("err", err))
			continue
		}
		if failures > 0 {
			logger.Info("持仓对账恢复", logger.Pair("afterFailures", failures))
		}
		failures = 0
		interval = m.cfg.Interval
	}
}

// backoff 第n次连续失败后的等待时间：base×2^(n-1)，封顶BackoffMax
func (m *Manager) backoff(failures int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= m.cfg.BackoffMax {
			return m.cfg.BackoffMax
		}
	}
	if d > m.cfg.BackoffMax {
		return m.cfg.BackoffMax
	}
	return d
}

func (m *Manager) syncOnce(symbols []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, symbol := range symbols {
		positions, err := m.gw.GetPositions(ctx, symbol)
		if err != nil {
			return fmt.Errorf("拉取 %s 持仓失败: %w", symbol, err)
		}

		if len(positions) == 0 {
			// 交易所无持仓，本地如果有记录说明是幽灵持仓
			m.UpdateFromExchange(model.ExchangePosition{Symbol: symbol})
			continue
		}
		for _, pos := range positions {
			m.UpdateFromExchange(pos)
		}

		if price, err := m.gw.GetLastPrice(ctx, symbol); err == nil && price > 0 {
			m.UpdateCurrentPrice(symbol, price)
		}
	}
	return nil
}

// Stop 停止对账协程，等待进行中的一轮结束
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	logger.Info("持仓对账协程已停止")
}

// Reset 清空持仓状态（测试用）
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[string]*model.Position)
	m.targets = make(map[string]model.TargetPosition)
	m.lastSync = make(map[string]time.Time)
}
