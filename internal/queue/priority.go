// Package queue 事件排序原语
package queue

import (
	"container/heap"
	"sync"

	"github.com/exchange/simbroker/internal/types"
)

// OverflowPolicy 有界队列满时的处理策略
type OverflowPolicy int

const (
	// OverflowBlock 满时 Push 阻塞直到有空位或队列停止
	OverflowBlock OverflowPolicy = 1
	// OverflowDropOldest 满时淘汰当前时间戳最早的元素（保新弃旧）
	OverflowDropOldest OverflowPolicy = 2
)

// eventHeap (timestamp, sequence) 升序小顶堆
type eventHeap []*types.Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].Before(h[j]) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(*types.Event)) }

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// PriorityQueue 阻塞优先队列，按 (timestamp, sequence) 升序出队。
// 同一时间戳的事件按入队顺序回放，保证确定性。
type PriorityQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	heap     eventHeap
	capacity int // 0 = 无界
	policy   OverflowPolicy
	stopped  bool

	// 队列实例内严格递增，入队时分配
	nextSeq int64
}

// NewPriorityQueue 创建队列，capacity 为 0 表示无界
func NewPriorityQueue(capacity int, policy OverflowPolicy) *PriorityQueue {
	q := &PriorityQueue{
		heap:     make(eventHeap, 0),
		capacity: capacity,
		policy:   policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push 入队并分配序列号。队列已停止返回 false；
// block 策略下满时阻塞，drop_oldest 策略下淘汰最早元素后入队。
func (q *PriorityQueue) Push(e *types.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}

	if q.capacity > 0 && len(q.heap) >= q.capacity {
		switch q.policy {
		case OverflowDropOldest:
			heap.Pop(&q.heap)
		default:
			for len(q.heap) >= q.capacity && !q.stopped {
				q.notFull.Wait()
			}
			if q.stopped {
				return false
			}
		}
	}

	q.nextSeq++
	e.Seq = q.nextSeq
	heap.Push(&q.heap, e)
	q.notEmpty.Signal()
	return true
}

// WaitPop 阻塞出队。队列停止后返回 (nil, false)，作为消费循环的唯一退出信号。
func (q *PriorityQueue) WaitPop() (*types.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.heap) == 0 && !q.stopped {
		q.notEmpty.Wait()
	}
	if q.stopped {
		return nil, false
	}

	e := heap.Pop(&q.heap).(*types.Event)
	q.notFull.Signal()
	return e, true
}

// TryPop 非阻塞出队
func (q *PriorityQueue) TryPop() (*types.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || len(q.heap) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.heap).(*types.Event)
	q.notFull.Signal()
	return e, true
}

// TryPopUpTo 队首时间戳不超过 maxNs 时非阻塞出队，否则原样留队。
// 不出队就不重新入队，留队事件保持原序列号，同时间戳的先后顺序不变。
func (q *PriorityQueue) TryPopUpTo(maxNs int64) (*types.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || len(q.heap) == 0 || q.heap[0].TimestampNs > maxNs {
		return nil, false
	}
	e := heap.Pop(&q.heap).(*types.Event)
	q.notFull.Signal()
	return e, true
}

// Len 当前长度
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Stop 停止队列并唤醒所有阻塞的 Push/WaitPop
func (q *PriorityQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Reset 清空并恢复可用（jump_to 重建会话状态时复用队列）。
// 序列号不回退：同一实例内保持严格递增。
func (q *PriorityQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = q.heap[:0]
	q.stopped = false
	q.notFull.Broadcast()
}

// Stopped 是否已停止
func (q *PriorityQueue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}
