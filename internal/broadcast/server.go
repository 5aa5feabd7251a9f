package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exchange/simbroker/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Server WebSocket 订阅入口：GET /ws?session_id=<id>
type Server struct {
	hub *Hub
	log *logger.Logger

	upgrader websocket.Upgrader
}

// NewServer 创建 WebSocket 服务器
func NewServer(hub *Hub, log *logger.Logger) *Server {
	return &Server{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS 升级连接并订阅指定会话的事件流
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("websocket 升级失败", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	client, err := s.hub.Subscribe(sessionID, conn)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go s.writePump(sessionID, client)
	go s.readPump(sessionID, client)
}

// writePump 把事件推给客户端，定期 ping 保活
func (s *Server) writePump(sessionID string, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只消费控制帧，连接断开即退订
func (s *Server) readPump(sessionID string, client *Client) {
	defer func() {
		s.hub.Unsubscribe(sessionID, client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.touch()
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
		client.touch()
	}
}
