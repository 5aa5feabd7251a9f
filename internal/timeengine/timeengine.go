// Package timeengine 模拟时钟
package timeengine

import (
	"sync"
	"sync/atomic"
	"time"
)

// State 时钟状态
type State int

const (
	StateStopped State = 1
	StateRunning State = 2
	StatePaused  State = 3
)

// String 状态名称
func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// Listener 时间推进监听器，收到新的模拟时间戳（纳秒）
type Listener func(nowNs int64)

// Engine 模拟时钟。按 speedFactor 对事件投递限速，
// 模拟时间只向前推进。
type Engine struct {
	mu     sync.Mutex
	cond   *sync.Cond // 暂停等待
	state  State
	stopCh chan struct{}

	// currentNs 单调推进，CAS 容忍并发调用
	currentNs atomic.Int64

	// speedFactor 1e-6 精度足够；0 = 不限速
	speedMicro atomic.Int64

	listeners []Listener
}

// New 创建时钟，speedFactor 为回放倍速（0 = 不限速）
func New(startNs int64, speedFactor float64) *Engine {
	e := &Engine{
		state:  StateStopped,
		stopCh: make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	e.currentNs.Store(startNs)
	e.SetSpeedFactor(speedFactor)
	close(e.stopCh)
	return e
}

// Start 启动时钟，幂等
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRunning || e.state == StatePaused {
		return
	}
	e.state = StateRunning
	e.stopCh = make(chan struct{})
}

// Pause 暂停，幂等
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRunning {
		return
	}
	e.state = StatePaused
}

// Resume 恢复，幂等
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePaused {
		return
	}
	e.state = StateRunning
	e.cond.Broadcast()
}

// Stop 停止并立即唤醒所有阻塞的等待，幂等
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateStopped {
		return
	}
	e.state = StateStopped
	close(e.stopCh)
	e.cond.Broadcast()
}

// State 当前状态
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Running 运行中（含暂停）
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateRunning || e.state == StatePaused
}

// CurrentNs 当前模拟时间（纳秒）
func (e *Engine) CurrentNs() int64 {
	return e.currentNs.Load()
}

// SetSpeedFactor 设置回放倍速
func (e *Engine) SetSpeedFactor(factor float64) {
	if factor < 0 {
		factor = 0
	}
	e.speedMicro.Store(int64(factor * 1e6))
}

// SpeedFactor 当前倍速
func (e *Engine) SpeedFactor() float64 {
	return float64(e.speedMicro.Load()) / 1e6
}

// RegisterListener 注册时间推进监听器，在推进线程上同步触发
func (e *Engine) RegisterListener(fn Listener) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// WaitForNextEvent 为时间戳 eventNs 的事件让时钟走到位。
// 未运行立即返回 false；暂停时阻塞；限速时按 Δ/speed 睡眠真实时间；
// 推进 currentNs（只进不退）并同步触发监听器后返回 true。
func (e *Engine) WaitForNextEvent(eventNs int64) bool {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return false
	}
	for e.state == StatePaused {
		e.cond.Wait()
		if e.state == StateStopped {
			e.mu.Unlock()
			return false
		}
	}
	stopCh := e.stopCh
	e.mu.Unlock()

	delta := eventNs - e.currentNs.Load()
	if speed := e.SpeedFactor(); speed > 0 && delta > 0 {
		sleep := time.Duration(float64(delta) / speed)
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-stopCh:
			timer.Stop()
			return false
		}
	}

	e.advanceTo(eventNs)

	e.mu.Lock()
	listeners := e.listeners
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(eventNs)
	}

	return true
}

// AdvanceTo 直接推进模拟时间（jump_to 使用），只进不退
func (e *Engine) AdvanceTo(ns int64) {
	e.advanceTo(ns)
}

func (e *Engine) advanceTo(ns int64) {
	for {
		cur := e.currentNs.Load()
		if ns <= cur {
			return
		}
		if e.currentNs.CompareAndSwap(cur, ns) {
			return
		}
	}
}
