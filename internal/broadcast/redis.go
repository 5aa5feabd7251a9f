package broadcast

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/simbroker/internal/types"
	"github.com/exchange/simbroker/pkg/logger"
)

const publishTimeout = 2 * time.Second

// RedisPublisher 把会话事件发布到 redis 频道，下游自行订阅。
// 尽力而为，发布失败只告警不回推。
type RedisPublisher struct {
	client *redis.Client
	prefix string
	log    *logger.Logger
}

// NewRedisPublisher 创建 redis 发布器，频道为 <prefix>:<sessionID>
func NewRedisPublisher(client *redis.Client, prefix string, log *logger.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = "simbroker:session"
	}
	return &RedisPublisher{client: client, prefix: prefix, log: log}
}

// Channel 会话事件频道名
func (p *RedisPublisher) Channel(sessionID string) string {
	return p.prefix + ":" + sessionID
}

// OnEvent 实现 Observer
func (p *RedisPublisher) OnEvent(sessionID string, ev *types.Event) {
	data, err := Encode(sessionID, ev)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.Channel(sessionID), data).Err(); err != nil && p.log != nil {
		p.log.Warnf("redis 事件发布失败", map[string]interface{}{
			"sessionId": sessionID, "channel": p.Channel(sessionID), "error": err.Error(),
		})
	}
}
