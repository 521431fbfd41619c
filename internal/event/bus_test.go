package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []int
	bus.Register(OrderFilled, func(e Event) {
		mu.Lock()
		got = append(got, e.Data.(int))
		mu.Unlock()
	})
	bus.Start()
	defer bus.Stop()

	for i := 0; i < 100; i++ {
		bus.Publish(New(OrderFilled, i, "test"))
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("收到%d个事件, 期望100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("第%d个事件乱序: %d", i, v)
		}
	}
	t.Logf("✅ 同类型事件按发布顺序投递")
}

func TestBusMultipleHandlers(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	counts := make(map[string]int)
	bus.Register(PositionUpdate, func(e Event) {
		mu.Lock()
		counts["a"]++
		mu.Unlock()
	})
	bus.Register(PositionUpdate, func(e Event) {
		mu.Lock()
		counts["b"]++
		mu.Unlock()
	})
	bus.Start()

	bus.Publish(New(PositionUpdate, nil, "test"))
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if counts["a"] != 1 || counts["b"] != 1 {
		t.Fatalf("订阅者收到次数错误: %v", counts)
	}
	t.Logf("✅ 同类型多个订阅者都收到事件")
}

func TestBusPublishWithoutSubscriberDrops(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	bus.Publish(New(OrderCancelled, nil, "test"))

	stats := bus.GetStats()
	if stats.Dropped != 1 {
		t.Fatalf("无订阅者的事件应计入丢弃: %+v", stats)
	}
	t.Logf("✅ 无订阅者事件被丢弃并计数")
}

func TestBusPublishBeforeStartDrops(t *testing.T) {
	bus := NewBus()
	fired := false
	bus.Register(OrderFilled, func(e Event) { fired = true })

	bus.Publish(New(OrderFilled, nil, "test"))

	if stats := bus.GetStats(); stats.Dropped != 1 {
		t.Fatalf("总线未启动时事件应被丢弃: %+v", stats)
	}
	if fired {
		t.Fatal("总线未启动不应投递")
	}
	t.Logf("✅ 启动前发布不投递")
}

func TestBusHandlerPanicIsolated(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	delivered := 0
	bus.Register(OrderFilled, func(e Event) {
		panic("handler挂了")
	})
	bus.Register(OrderFilled, func(e Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	bus.Start()

	bus.Publish(New(OrderFilled, nil, "test"))
	bus.Publish(New(OrderFilled, nil, "test"))
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if delivered != 2 {
		t.Fatalf("panic后续事件应继续投递, 收到%d", delivered)
	}
	if stats := bus.GetStats(); stats.Errors != 2 {
		t.Fatalf("panic应计数: %+v", stats)
	}
	t.Logf("✅ 处理器panic被隔离，分发循环存活")
}

func TestBusStopDrainsQueue(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	processed := 0
	bus.Register(OrderSubmitted, func(e Event) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		processed++
		mu.Unlock()
	})
	bus.Start()

	for i := 0; i < 50; i++ {
		bus.Publish(New(OrderSubmitted, i, "test"))
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if processed != 50 {
		t.Fatalf("Stop应排空队列, 处理了%d/50", processed)
	}
	t.Logf("✅ Stop排空队列后返回")
}

func TestBusRestart(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Register(OrderFilled, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Start()
	bus.Publish(New(OrderFilled, nil, "test"))
	bus.Stop()

	bus.Start()
	bus.Publish(New(OrderFilled, nil, "test"))
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("重启后应继续投递, 收到%d", count)
	}
	t.Logf("✅ 总线可停止后重新启动")
}

func TestBusConcurrentPublishAcrossStopNoPanic(t *testing.T) {
	bus := NewBus()
	bus.Register(OrderFilled, func(e Event) {})

	// 发布方和Stop并发：通道关闭不能打到锁外的发送上
	var panics atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							panics.Add(1)
						}
					}()
					bus.Publish(New(OrderFilled, nil, "test"))
				}()
			}
		}()
	}

	for i := 0; i < 50; i++ {
		bus.Start()
		bus.Stop()
	}
	close(stop)
	wg.Wait()

	if n := panics.Load(); n != 0 {
		t.Fatalf("并发发布与停止触发了%d次panic", n)
	}
	t.Logf("✅ 停止过程中的并发发布不会panic")
}
