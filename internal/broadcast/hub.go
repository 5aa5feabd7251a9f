package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exchange/simbroker/internal/types"
)

const defaultMaxConnsPerSession = 16

// ErrMaxConnections 单会话订阅连接超限
var ErrMaxConnections = errors.New("max connections per session exceeded")

// Client 包装一条 websocket 连接与发送通道
type Client struct {
	conn         *websocket.Conn
	send         chan []byte
	lastActivity int64
}

func (c *Client) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

// Send 客户端发送通道（写泵消费）
func (c *Client) Send() <-chan []byte {
	return c.send
}

// Conn 底层连接
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// Hub 按会话管理 websocket 订阅连接
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]map[*Client]struct{}
	maxPerSess int
	total      int64
}

// NewHub 创建 hub
func NewHub() *Hub {
	return &Hub{
		conns:      make(map[string]map[*Client]struct{}),
		maxPerSess: defaultMaxConnsPerSession,
	}
}

// Subscribe 为会话注册一条连接
func (h *Hub) Subscribe(sessionID string, conn *websocket.Conn) (*Client, error) {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
	}
	client.touch()

	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.conns[sessionID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.conns[sessionID] = clients
	}
	if h.maxPerSess > 0 && len(clients) >= h.maxPerSess {
		return nil, ErrMaxConnections
	}
	clients[client] = struct{}{}
	atomic.AddInt64(&h.total, 1)

	return client, nil
}

// Unsubscribe 摘除一条连接
func (h *Hub) Unsubscribe(sessionID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.conns[sessionID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	atomic.AddInt64(&h.total, -1)

	if len(clients) == 0 {
		delete(h.conns, sessionID)
	}
}

// Broadcast 向会话的全部订阅连接投递
func (h *Hub) Broadcast(sessionID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.conns[sessionID]
	if !ok {
		return
	}

	for client := range clients {
		select {
		case client.send <- message:
		default:
			// 慢客户端丢弃
		}
	}
}

// OnEvent 实现 Observer：事件编码后广播给会话订阅者
func (h *Hub) OnEvent(sessionID string, ev *types.Event) {
	data, err := Encode(sessionID, ev)
	if err != nil {
		return
	}
	h.Broadcast(sessionID, data)
}

// ConnectionCount 活跃连接总数
func (h *Hub) ConnectionCount() int64 {
	return atomic.LoadInt64(&h.total)
}

// CloseAll 关闭全部连接
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for _, clients := range h.conns {
		for client := range clients {
			conns = append(conns, client.conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
