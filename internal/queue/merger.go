package queue

import (
	"sort"

	"github.com/exchange/simbroker/internal/types"
)

// EventMerger 批量合并多个环形缓冲的事件并按时间排序。
// 牺牲单事件延迟换取批量吞吐。
type EventMerger struct {
	rings []*RingBuffer
}

// NewEventMerger 创建合并器
func NewEventMerger(rings ...*RingBuffer) *EventMerger {
	return &EventMerger{rings: rings}
}

// AddRing 追加一个输入环
func (m *EventMerger) AddRing(r *RingBuffer) {
	if r != nil {
		m.rings = append(m.rings, r)
	}
}

// DrainSorted 从所有输入环各抽取至多 batchPerRing 个事件（0 表示抽干），
// 返回按 (timestamp, sequence) 升序的整体排序结果。
func (m *EventMerger) DrainSorted(batchPerRing int) []*types.Event {
	var batch []*types.Event

	for _, r := range m.rings {
		taken := 0
		for batchPerRing <= 0 || taken < batchPerRing {
			e, ok := r.TryPop()
			if !ok {
				break
			}
			batch = append(batch, e)
			taken++
		}
	}

	sort.Slice(batch, func(i, j int) bool {
		return batch[i].Before(batch[j])
	})
	return batch
}

// Pending 所有输入环的事件总数（近似值）
func (m *EventMerger) Pending() int {
	total := 0
	for _, r := range m.rings {
		total += r.Len()
	}
	return total
}
