// Package perf 会话绩效跟踪
package perf

import (
	"sync"

	"github.com/exchange/simbroker/internal/types"
)

// Snapshot 绩效快照
type Snapshot struct {
	Fills       int64   `json:"fills"`
	Volume      float64 `json:"volume"`
	Notional    float64 `json:"notional"`
	Fees        float64 `json:"fees"`
	RealizedPnL float64 `json:"realizedPnl"`
	PeakEquity  float64 `json:"peakEquity"`
	MaxDrawdown float64 `json:"maxDrawdown"`
}

// Tracker 累计成交与回撤统计，每会话一个实例
type Tracker struct {
	mu sync.Mutex

	fills    int64
	volume   float64
	notional float64
	fees     float64
	realized float64

	peak     float64
	drawdown float64
}

// NewTracker 创建绩效跟踪器
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordFill 记录一笔成交
func (t *Tracker) RecordFill(fill types.Fill, fees float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.fills++
	t.volume += fill.Qty
	t.notional += fill.Qty * fill.Price
	t.fees += fees
}

// MarkEquity 按最新权益更新峰值与最大回撤
func (t *Tracker) MarkEquity(equity, realized float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.realized = realized
	if equity > t.peak {
		t.peak = equity
	}
	if t.peak > 0 {
		if dd := (t.peak - equity) / t.peak; dd > t.drawdown {
			t.drawdown = dd
		}
	}
}

// Snapshot 绩效快照（拷贝）
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot{
		Fills:       t.fills,
		Volume:      t.volume,
		Notional:    t.notional,
		Fees:        t.fees,
		RealizedPnL: t.realized,
		PeakEquity:  t.peak,
		MaxDrawdown: t.drawdown,
	}
}

// Reset 清零（jump_to 重建路径）
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.fills = 0
	t.volume = 0
	t.notional = 0
	t.fees = 0
	t.realized = 0
	t.peak = 0
	t.drawdown = 0
}
