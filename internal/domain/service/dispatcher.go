package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
	"github.com/zirenlegend/EverMemOS-sub001/pkg/safego"
)

// ProcessResult 单条消息的处理结果
type ProcessResult struct {
	Outcome        string   // accumulated | extracted
	EventIDs       []string // 本次落盘的记录（MemCell + Episode）
	MemCellCount   int
	EpisodeCreated bool
	PartialWrite   bool
	Err            error
}

// 处理结果取值
const (
	OutcomeAccumulated = "accumulated"
	OutcomeExtracted   = "extracted"
)

// ProcessFunc 消息处理钩子，由 MemorizePipeline 提供
type ProcessFunc func(ctx context.Context, msg entity.RawMessage) ProcessResult

// DispatcherConfig 调度参数
type DispatcherConfig struct {
	NumQueues        int
	MaxTotalMessages int64         // 全局在途上限，超出直接拒绝
	StopMaxDelay     time.Duration // 软停机排空预算，超出转硬停机
}

// QueueCounters 单条内部队列的统计
type QueueCounters struct {
	Depth       int   `json:"depth"`
	MaxDepth    int64 `json:"max_depth"`
	Delivered1m int64 `json:"delivered_1m"`
	Delivered5m int64 `json:"delivered_5m"`
	Consumed1m  int64 `json:"consumed_1m"`
	Consumed5m  int64 `json:"consumed_5m"`
}

// DispatcherStats 调度统计快照
type DispatcherStats struct {
	InFlight   int64           `json:"in_flight"`
	Rejected1m int64           `json:"rejected_1m"`
	Rejected5m int64           `json:"rejected_5m"`
	Queues     []QueueCounters `json:"queues"`
}

// Dispatcher 分组消息调度器。同一路由键（group_id，私聊退化 sender_id）
// 经 FNV-1a 哈希固定落到同一条内部队列，由单 worker 顺序消费，
// 保证组内 FIFO；不同组之间并行。全局在途消息数超过上限时快速拒绝。
type Dispatcher struct {
	cfg      DispatcherConfig
	process  ProcessFunc
	queues   []*dispatchQueue
	inFlight atomic.Int64
	rejected *rollingCounter
	stopped  atomic.Bool
	mu       sync.RWMutex // Deliver 的入队与 Stop 的关队互斥
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// dispatchQueue 一条内部队列及其计数器
type dispatchQueue struct {
	tasks     chan *dispatchTask
	maxDepth  atomic.Int64 // 历史最大深度
	delivered *rollingCounter
	consumed  *rollingCounter
}

type dispatchTask struct {
	msg    entity.RawMessage
	result chan ProcessResult
}

// NewDispatcher 创建调度器
func NewDispatcher(cfg DispatcherConfig, process ProcessFunc, logger *zap.Logger) *Dispatcher {
	if cfg.NumQueues <= 0 {
		cfg.NumQueues = 10
	}
	if cfg.MaxTotalMessages <= 0 {
		cfg.MaxTotalMessages = 200
	}
	if cfg.StopMaxDelay <= 0 {
		cfg.StopMaxDelay = 30 * time.Second
	}

	queues := make([]*dispatchQueue, cfg.NumQueues)
	for i := range queues {
		queues[i] = &dispatchQueue{
			// 每条队列容量取全局上限：上限由 inFlight 计数把守，入队不会阻塞
			tasks:     make(chan *dispatchTask, cfg.MaxTotalMessages),
			delivered: newRollingCounter(5 * time.Minute),
			consumed:  newRollingCounter(5 * time.Minute),
		}
	}

	return &Dispatcher{
		cfg:      cfg,
		process:  process,
		queues:   queues,
		rejected: newRollingCounter(5 * time.Minute),
		logger:   logger.With(zap.String("component", "dispatcher")),
	}
}

// Start 启动 worker 池
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i, q := range d.queues {
		queue := q
		idx := i
		d.wg.Add(1)
		safego.Go(d.logger, fmt.Sprintf("dispatch-worker-%d", idx), func() {
			defer d.wg.Done()
			d.workerLoop(ctx, queue)
		})
	}
	d.logger.Info("Dispatcher started",
		zap.Int("num_queues", d.cfg.NumQueues),
		zap.Int64("max_total_messages", d.cfg.MaxTotalMessages),
	)
}

// Deliver 投递一条消息。返回结果通道（容量 1，处理完成后写入一次）。
// 全局在途上限打满时立即返回 OVERLOADED，不入队。
func (d *Dispatcher) Deliver(ctx context.Context, msg entity.RawMessage) (<-chan ProcessResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidParameter, "invalid message", err)
	}

	// 读锁挡住 Stop 的关队：持锁期间通道不会被 close。
	// 入队不阻塞（容量 = 全局上限），锁不会被长期占用。
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped.Load() {
		return nil, apperrors.New(apperrors.CodeSystem, "dispatcher is shutting down")
	}

	if d.inFlight.Add(1) > d.cfg.MaxTotalMessages {
		d.inFlight.Add(-1)
		d.rejected.record()
		return nil, apperrors.NewOverloaded("message buffer is full, retry later")
	}

	task := &dispatchTask{
		msg:    msg,
		result: make(chan ProcessResult, 1),
	}

	q := d.queues[d.route(msg.RouteKey())]
	select {
	case q.tasks <- task:
		q.delivered.record()
		q.recordDepth(int64(len(q.tasks)))
		return task.result, nil
	case <-ctx.Done():
		d.inFlight.Add(-1)
		return nil, apperrors.Wrap(apperrors.CodeTimeout, "deliver cancelled", ctx.Err())
	}
}

// Stop 停机：先拒绝新投递，软排空在途任务；排空超出 StopMaxDelay
// 转为硬停机，取消 worker 上下文，剩余在途任务丢弃。
func (d *Dispatcher) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}

	// 等所有在途 Deliver 释放读锁后再关队，发送不会撞上已关通道
	d.mu.Lock()
	for _, q := range d.queues {
		close(q.tasks)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	safego.Go(d.logger, "dispatch-drain", func() {
		d.wg.Wait()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(d.cfg.StopMaxDelay):
		d.logger.Warn("Drain deadline exceeded, switching to hard stop",
			zap.Duration("max_delay", d.cfg.StopMaxDelay),
			zap.Int64("in_flight", d.inFlight.Load()),
		)
		if d.cancel != nil {
			d.cancel()
		}
		<-done
	}
	d.logger.Info("Dispatcher stopped")
}

// Stats 返回调度统计快照
func (d *Dispatcher) Stats() DispatcherStats {
	queues := make([]QueueCounters, len(d.queues))
	for i, q := range d.queues {
		queues[i] = QueueCounters{
			Depth:       len(q.tasks),
			MaxDepth:    q.maxDepth.Load(),
			Delivered1m: q.delivered.total(time.Minute),
			Delivered5m: q.delivered.total(5 * time.Minute),
			Consumed1m:  q.consumed.total(time.Minute),
			Consumed5m:  q.consumed.total(5 * time.Minute),
		}
	}
	return DispatcherStats{
		InFlight:   d.inFlight.Load(),
		Rejected1m: d.rejected.total(time.Minute),
		Rejected5m: d.rejected.total(5 * time.Minute),
		Queues:     queues,
	}
}

// route FNV-1a 哈希路由，同键稳定映射
func (d *Dispatcher) route(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(d.cfg.NumQueues))
}

func (d *Dispatcher) workerLoop(ctx context.Context, q *dispatchQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			result := d.process(ctx, task.msg)
			q.consumed.record()
			d.inFlight.Add(-1)
			task.result <- result
		}
	}
}

func (q *dispatchQueue) recordDepth(depth int64) {
	for {
		cur := q.maxDepth.Load()
		if depth <= cur || q.maxDepth.CompareAndSwap(cur, depth) {
			return
		}
	}
}

// rollingCounter 按秒分桶的滑动窗口计数器
type rollingCounter struct {
	mu       sync.Mutex
	buckets  []counterBucket
	capacity int
}

type counterBucket struct {
	second int64
	count  int64
}

func newRollingCounter(window time.Duration) *rollingCounter {
	n := int(window / time.Second)
	return &rollingCounter{
		buckets:  make([]counterBucket, n),
		capacity: n,
	}
}

func (c *rollingCounter) record() {
	now := time.Now().Unix()
	idx := int(now % int64(c.capacity))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buckets[idx].second != now {
		c.buckets[idx] = counterBucket{second: now}
	}
	c.buckets[idx].count++
}

func (c *rollingCounter) total(window time.Duration) int64 {
	cutoff := time.Now().Add(-window).Unix()

	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	for _, b := range c.buckets {
		if b.second > cutoff {
			total += b.count
		}
	}
	return total
}
