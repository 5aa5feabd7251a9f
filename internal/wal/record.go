// Package wal 预写日志与检查点（会话持久化）
package wal

import (
	"github.com/exchange/simbroker/internal/account"
	"github.com/exchange/simbroker/internal/types"
)

// 记录事件标签
const (
	EventOrderSubmitted = "order_submitted"
	EventOrderCanceled  = "order_canceled"
	EventFill           = "fill"
	EventMarketEvent    = "market_event"
	EventDividend       = "dividend"
	EventSplit          = "split"
	EventSessionPaused  = "session_paused"
	EventSessionResumed = "session_resumed"
	EventSessionStopped = "session_stopped"
)

// Record 一条 WAL 记录（JSON Lines，一行一条）。
// TsNs 为产生该记录的模拟时间纳秒戳。
type Record struct {
	TsNs  int64  `json:"ts_ns"`
	Event string `json:"event"`

	// 订单/成交
	Order *types.Order `json:"order,omitempty"`
	Fill  *types.Fill  `json:"fill,omitempty"`
	Side  types.Side   `json:"side,omitempty"`
	Fees  float64      `json:"fees,omitempty"`

	// 市场事件
	MarketType string      `json:"marketType,omitempty"`
	Symbol     string      `json:"symbol,omitempty"`
	NBBO       *types.NBBO `json:"nbbo,omitempty"`
	Price      float64     `json:"price,omitempty"`
	Size       float64     `json:"size,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	DurationNs int64       `json:"durationNs,omitempty"`

	// 公司行动
	Amount float64 `json:"amount,omitempty"`
	Ratio  float64 `json:"ratio,omitempty"`
}

// Checkpoint 会话全量快照，周期性写入，停止/销毁前必写
type Checkpoint struct {
	SessionID       string                      `json:"sessionId"`
	CheckpointNs    int64                       `json:"checkpointNs"`
	LastEventNs     int64                       `json:"lastEventNs"`
	EventsProcessed int64                       `json:"eventsProcessed"`
	Account         account.State               `json:"account"`
	Positions       map[string]account.Position `json:"positions"`
	Orders          map[string]*types.Order     `json:"orders"`
	NBBOCache       map[string]*types.NBBO      `json:"nbboCache"`
}
