package broadcast

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/exchange/simbroker/internal/types"
	"github.com/exchange/simbroker/pkg/logger"
)

// KafkaPublisher 把会话事件写入 kafka 主题，key 为会话 id，
// 同一会话的事件落在同一分区保持顺序。
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// NewKafkaPublisher 创建 kafka 发布器
func NewKafkaPublisher(brokers []string, topic string, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		log: log,
	}
}

// OnEvent 实现 Observer
func (p *KafkaPublisher) OnEvent(sessionID string, ev *types.Event) {
	data, err := Encode(sessionID, ev)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(sessionID),
		Value: data,
	})
	if err != nil && p.log != nil {
		p.log.Warnf("kafka 事件发布失败", map[string]interface{}{
			"sessionId": sessionID, "topic": p.writer.Topic, "error": err.Error(),
		})
	}
}

// Close 关闭底层 writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
