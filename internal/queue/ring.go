package queue

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/exchange/simbroker/internal/types"
)

// ErrCapacityNotPow2 环形缓冲容量必须为 2 的幂
var ErrCapacityNotPow2 = errors.New("ring capacity must be a power of two")

// slot 槽位携带自己的序列计数器（有界 MPMC 环的经典实现）
type slot struct {
	seq atomic.Int64
	ev  *types.Event
}

// RingBuffer 无锁环形缓冲。放弃严格优先序换吞吐：仅 FIFO，
// 适用于上游已按时间顺序投递的 feed。
type RingBuffer struct {
	slots []slot
	mask  int64

	// head/tail 分属生产者与消费者，避免伪共享的填充交给槽位序列分摊
	enqueuePos atomic.Int64
	dequeuePos atomic.Int64

	stopped atomic.Bool
	notify  chan struct{}
}

// NewRingBuffer 创建环形缓冲，capacity 必须为 2 的幂
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, ErrCapacityNotPow2
	}
	r := &RingBuffer{
		slots:  make([]slot, capacity),
		mask:   int64(capacity - 1),
		notify: make(chan struct{}, 1),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(int64(i))
	}
	return r, nil
}

// Push 非阻塞入队，满或已停止返回 false
func (r *RingBuffer) Push(e *types.Event) bool {
	if r.stopped.Load() {
		return false
	}

	pos := r.enqueuePos.Load()
	for {
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()
		diff := seq - pos

		switch {
		case diff == 0:
			if r.enqueuePos.CompareAndSwap(pos, pos+1) {
				s.ev = e
				s.seq.Store(pos + 1)
				select {
				case r.notify <- struct{}{}:
				default:
				}
				return true
			}
			pos = r.enqueuePos.Load()
		case diff < 0:
			// 槽位还没被消费，环已满
			return false
		default:
			pos = r.enqueuePos.Load()
		}
	}
}

// TryPop 非阻塞出队
func (r *RingBuffer) TryPop() (*types.Event, bool) {
	pos := r.dequeuePos.Load()
	for {
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()
		diff := seq - (pos + 1)

		switch {
		case diff == 0:
			if r.dequeuePos.CompareAndSwap(pos, pos+1) {
				e := s.ev
				s.ev = nil
				s.seq.Store(pos + int64(len(r.slots)))
				return e, true
			}
			pos = r.dequeuePos.Load()
		case diff < 0:
			// 槽位还没有数据
			return nil, false
		default:
			pos = r.dequeuePos.Load()
		}
	}
}

// WaitPop 等待出队，超时或停止返回 (nil, false)。
// 用入队通知替代忙等，保留有界超时语义。
func (r *RingBuffer) WaitPop(timeout time.Duration) (*types.Event, bool) {
	if e, ok := r.TryPop(); ok {
		return e, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if r.stopped.Load() {
			// 停止后仍先清空残留元素
			return r.TryPop()
		}
		select {
		case <-r.notify:
			if e, ok := r.TryPop(); ok {
				return e, true
			}
		case <-timer.C:
			return r.TryPop()
		}
	}
}

// Len 当前元素数（近似值，仅用于监控）
func (r *RingBuffer) Len() int {
	n := r.enqueuePos.Load() - r.dequeuePos.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Cap 容量
func (r *RingBuffer) Cap() int {
	return len(r.slots)
}

// Stop 停止并唤醒等待者
func (r *RingBuffer) Stop() {
	r.stopped.Store(true)
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Stopped 是否已停止
func (r *RingBuffer) Stopped() bool {
	return r.stopped.Load()
}
