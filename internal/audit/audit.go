// Package audit 会话审计轨迹（append-only）
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/exchange/simbroker/pkg/logger"
)

type EventType string

const (
	// 会话生命周期
	EventSessionCreated   EventType = "SESSION_CREATED"
	EventSessionStarted   EventType = "SESSION_STARTED"
	EventSessionPaused    EventType = "SESSION_PAUSED"
	EventSessionResumed   EventType = "SESSION_RESUMED"
	EventSessionStopped   EventType = "SESSION_STOPPED"
	EventSessionRecovered EventType = "SESSION_RECOVERED"

	// 订单轨迹
	EventOrderSubmitted EventType = "ORDER_SUBMITTED"
	EventOrderRejected  EventType = "ORDER_REJECTED"
	EventOrderCanceled  EventType = "ORDER_CANCELED"
	EventOrderExpired   EventType = "ORDER_EXPIRED"
	EventFill           EventType = "FILL"

	// 风控动作
	EventMarginCall  EventType = "MARGIN_CALL"
	EventLiquidation EventType = "LIQUIDATION"
	EventSSRTrigger  EventType = "SSR_TRIGGER"
	EventHalt        EventType = "HALT"
)

// Entry 一条审计记录
type Entry struct {
	ID        int64     `json:"id"`
	EventType EventType `json:"eventType"`
	SessionID string    `json:"sessionId"`
	Symbol    string    `json:"symbol"`
	OrderID   string    `json:"orderId"`
	SimNs     int64     `json:"simNs"`
	Detail    string    `json:"detail"` // JSON 格式的事件细节
	Timestamp int64     `json:"timestamp"`
}

// Trail 审计轨迹写端
type Trail interface {
	Record(ctx context.Context, entry *Entry) error
}

// QueryFilter 审计查询条件
type QueryFilter struct {
	SessionID string
	EventType EventType
	StartNs   int64
	EndNs     int64
	Limit     int
	Offset    int
}

// NewEntry 创建审计记录，Timestamp 为 Unix 毫秒
func NewEntry(eventType EventType, sessionID string) *Entry {
	return &Entry{
		EventType: eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Detail:    "{}",
	}
}

// WithOrder 设置订单维度
func (e *Entry) WithOrder(symbol, orderID string) *Entry {
	if e == nil {
		return nil
	}
	e.Symbol = symbol
	e.OrderID = orderID
	return e
}

// WithSimNs 设置模拟时间戳
func (e *Entry) WithSimNs(ns int64) *Entry {
	if e == nil {
		return nil
	}
	e.SimNs = ns
	return e
}

// WithDetail 设置细节字段
func (e *Entry) WithDetail(detail map[string]interface{}) *Entry {
	if e == nil {
		return nil
	}
	b, err := json.Marshal(detail)
	if err != nil {
		e.Detail = "{}"
		return e
	}
	e.Detail = string(b)
	return e
}

// LogTrail 结构化日志审计实现（JSONL 到 zerolog 输出）
type LogTrail struct {
	log *logger.Logger
}

// NewLogTrail 创建日志审计轨迹
func NewLogTrail(log *logger.Logger) *LogTrail {
	return &LogTrail{log: log}
}

// Record 实现 Trail
func (t *LogTrail) Record(ctx context.Context, entry *Entry) error {
	if t.log == nil || entry == nil {
		return nil
	}
	t.log.Infof("audit", map[string]interface{}{
		"eventType": string(entry.EventType),
		"sessionId": entry.SessionID,
		"symbol":    entry.Symbol,
		"orderId":   entry.OrderID,
		"simNs":     entry.SimNs,
		"detail":    entry.Detail,
	})
	return nil
}
