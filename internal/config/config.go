// Package config 配置
package config

import (
	"time"

	envconfig "github.com/exchange/simbroker/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int
	LogLevel    string
	WorkerID    int64

	// 数据目录：行情 CSV、WAL 与检查点
	DataDir  string
	FeedPath string

	// Postgres 审计库，空串关闭数据库审计
	DatabaseURL   string
	AuditQueue    int
	AuditWorkers  int
	AuditSyncMode bool

	// Redis 事件发布，空串关闭
	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	// Kafka 事件发布，空列表关闭
	KafkaBrokers []string
	KafkaTopic   string

	// WebSocket 广播
	WSMaxPerSession int

	// 会话默认值
	DefaultSpeedFactor   float64
	DefaultQueueCapacity int
	CheckpointEvery      int64
	ShutdownTimeout      time.Duration
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "simbroker"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8090),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),
		WorkerID:    envconfig.GetEnvInt64("WORKER_ID", 1),

		DataDir:  envconfig.GetEnv("DATA_DIR", "./data"),
		FeedPath: envconfig.GetEnv("FEED_PATH", "./data/feed.csv"),

		DatabaseURL:   envconfig.GetEnv("DATABASE_URL", ""),
		AuditQueue:    envconfig.GetEnvInt("AUDIT_QUEUE_SIZE", 1000),
		AuditWorkers:  envconfig.GetEnvInt("AUDIT_WORKERS", 1),
		AuditSyncMode: envconfig.GetEnvBool("AUDIT_SYNC_MODE", false),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", ""),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisChannel:  envconfig.GetEnv("REDIS_CHANNEL", "simbroker:session"),

		KafkaBrokers: envconfig.GetEnvSlice("KAFKA_BROKERS", nil),
		KafkaTopic:   envconfig.GetEnv("KAFKA_TOPIC", "simbroker.session.events"),

		WSMaxPerSession: envconfig.GetEnvInt("WS_MAX_PER_SESSION", 16),

		DefaultSpeedFactor:   envconfig.GetEnvFloat64("DEFAULT_SPEED_FACTOR", 0),
		DefaultQueueCapacity: envconfig.GetEnvInt("DEFAULT_QUEUE_CAPACITY", 10000),
		CheckpointEvery:      envconfig.GetEnvInt64("CHECKPOINT_EVERY", 1000),
		ShutdownTimeout:      envconfig.GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
