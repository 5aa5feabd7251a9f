// Package broadcast 会话事件对外分发（观察者、WS、redis、kafka）
package broadcast

import (
	"encoding/json"
	"sync"

	"github.com/exchange/simbroker/internal/types"
)

// Observer 会话事件观察者。回调为尽力而为，不承载持久化职责。
type Observer interface {
	OnEvent(sessionID string, ev *types.Event)
}

// ObserverFunc 函数式观察者
type ObserverFunc func(sessionID string, ev *types.Event)

// OnEvent 实现 Observer
func (f ObserverFunc) OnEvent(sessionID string, ev *types.Event) {
	f(sessionID, ev)
}

// Registry 有序观察者表，按注册顺序同步逐个回调
type Registry struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewRegistry 创建观察者表
func NewRegistry() *Registry {
	return &Registry{}
}

// Register 追加观察者，回调顺序即注册顺序
func (r *Registry) Register(obs Observer) {
	if obs == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// Notify 按注册顺序同步分发
func (r *Registry) Notify(sessionID string, ev *types.Event) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()

	for _, obs := range observers {
		obs.OnEvent(sessionID, ev)
	}
}

// Len 观察者数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// Envelope 对外事件载体
type Envelope struct {
	SessionID   string      `json:"sessionId"`
	Type        string      `json:"type"`
	TimestampNs int64       `json:"timestampNs"`
	Symbol      string      `json:"symbol,omitempty"`
	Data        interface{} `json:"data,omitempty"`
}

// Encode 事件编码为 JSON 载体
func Encode(sessionID string, ev *types.Event) ([]byte, error) {
	return json.Marshal(Envelope{
		SessionID:   sessionID,
		Type:        ev.Type.String(),
		TimestampNs: ev.TimestampNs,
		Symbol:      ev.Symbol,
		Data:        ev.Data,
	})
}
