package event

import (
	"sync"
	"sync/atomic"

	"quantflow/pkg/logger"
)

// 事件总线：模块间的Pub/Sub通信
//
// 每种事件类型有独立的队列和分发协程，保证同类型事件按发布顺序投递；
// 不同类型之间、不同订阅者之间不保证顺序。
// Publish不阻塞发布方：队列满时丢弃并记错误日志。
// 处理器panic被隔离，不会拖垮分发循环。

const defaultQueueSize = 10000

type Handler func(Event)

type typeQueue struct {
	ch       chan Event
	handlers []Handler
}

type Bus struct {
	mu      sync.Mutex
	queues  map[Type]*typeQueue
	running bool
	wg      sync.WaitGroup

	published atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	errors    atomic.Int64
}

func NewBus() *Bus {
	return &Bus{queues: make(map[Type]*typeQueue)}
}

// Register 注册事件处理器，同一类型可注册多个
func (b *Bus) Register(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[t]
	if !ok {
		q = &typeQueue{ch: make(chan Event, defaultQueueSize)}
		b.queues[t] = q
		if b.running {
			b.startQueue(q)
		}
	}
	q.handlers = append(q.handlers, h)
}

// Publish 发布事件（非阻塞）。队列满时丢弃事件并计数。
// 发送必须在持锁状态下进行：Stop持锁关闭通道，
// 锁外发送会和关闭竞态造成send on closed channel。
// select带default不会阻塞，持锁发送不影响发布方延迟。
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[e.Type]
	if !ok || !b.running {
		// 无订阅者或总线未启动，事件直接丢弃
		b.dropped.Add(1)
		return
	}

	select {
	case q.ch <- e:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		logger.Error("事件队列已满，丢弃事件", logger.Pair("type", string(e.Type)))
	}
}

// Start 启动所有分发协程
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		logger.Warn("事件总线已在运行")
		return
	}
	b.running = true
	for _, q := range b.queues {
		b.startQueue(q)
	}
	logger.Info("事件总线已启动")
}

// 调用方必须持有b.mu
func (b *Bus) startQueue(q *typeQueue) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		// 通道关闭后会把缓冲中的事件处理完再退出
		for e := range q.ch {
			b.dispatch(q, e)
		}
	}()
}

func (b *Bus) dispatch(q *typeQueue, e Event) {
	for _, h := range q.handlers {
		b.safeCall(h, e)
	}
	b.processed.Add(1)
}

// 处理器panic不能传播到分发循环
func (b *Bus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.errors.Add(1)
			logger.Error("事件处理器panic",
				logger.Pair("type", string(e.Type)),
				logger.Pair("panic", r))
		}
	}()
	h(e)
}

// Stop 停止总线：不再接收新事件，排队中的事件处理完毕后返回
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	for _, q := range b.queues {
		close(q.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()

	// 重建通道，允许再次Start（测试场景）
	b.mu.Lock()
	for _, q := range b.queues {
		q.ch = make(chan Event, defaultQueueSize)
	}
	b.mu.Unlock()
	logger.Info("事件总线已停止")
}

// IsRunning 总线是否运行中
func (b *Bus) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Stats 统计信息
type Stats struct {
	Published int64
	Processed int64
	Dropped   int64
	Errors    int64
	Handlers  int
}

func (b *Bus) GetStats() Stats {
	b.mu.Lock()
	handlers := 0
	for _, q := range b.queues {
		handlers += len(q.handlers)
	}
	b.mu.Unlock()
	return Stats{
		Published: b.published.Load(),
		Processed: b.processed.Load(),
		Dropped:   b.dropped.Load(),
		Errors:    b.errors.Load(),
		Handlers:  handlers,
	}
}
