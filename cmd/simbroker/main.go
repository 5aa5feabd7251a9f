package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/simbroker/internal/audit"
	"github.com/exchange/simbroker/internal/broadcast"
	"github.com/exchange/simbroker/internal/config"
	"github.com/exchange/simbroker/internal/datasource"
	"github.com/exchange/simbroker/internal/handler"
	"github.com/exchange/simbroker/internal/metrics"
	"github.com/exchange/simbroker/internal/session"
	"github.com/exchange/simbroker/pkg/health"
	"github.com/exchange/simbroker/pkg/logger"
	"github.com/exchange/simbroker/pkg/snowflake"
)

func main() {
	cfg := config.Load()
	log.Printf("Starting %s...", cfg.ServiceName)

	appLog := logger.New(cfg.ServiceName, os.Stdout)

	if err := snowflake.Init(cfg.WorkerID); err != nil {
		log.Fatalf("Failed to init id generator: %v", err)
	}
	metrics.Init()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 审计后端：有数据库走异步 DB 审计，否则降级为结构化日志
	var (
		trail   audit.Trail
		dbTrail *audit.DBTrail
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.Fatalf("Failed to ping database: %v", err)
		}
		log.Printf("Connected to PostgreSQL")

		opts := []audit.DBTrailOption{
			audit.WithQueueSize(cfg.AuditQueue),
			audit.WithWorkers(cfg.AuditWorkers),
		}
		if cfg.AuditSyncMode {
			opts = append(opts, audit.WithSynchronousWrite())
		}
		dbTrail, err = audit.NewDBTrail(db, opts...)
		if err != nil {
			log.Fatalf("Failed to create audit trail: %v", err)
		}
		defer dbTrail.Close()
		trail = dbTrail
	} else {
		trail = audit.NewLogTrail(appLog)
	}

	// 观察者注册顺序即通知顺序：WS 广播 → Redis → Kafka
	observers := broadcast.NewRegistry()

	hub := broadcast.NewHub()
	wsServer := broadcast.NewServer(hub, appLog)
	observers.Register(hub)
	defer hub.CloseAll()

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Printf("Connected to Redis")
		observers.Register(broadcast.NewRedisPublisher(redisClient, cfg.RedisChannel, appLog))
	}

	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub := broadcast.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, appLog)
		defer kafkaPub.Close()
		observers.Register(kafkaPub)
		log.Printf("Kafka publisher enabled: %v", cfg.KafkaBrokers)
	}

	source := datasource.NewCSVSource(cfg.FeedPath, appLog)

	mgr, err := session.NewManager(cfg.DataDir, source, observers, trail, appLog)
	if err != nil {
		log.Fatalf("Failed to create session manager: %v", err)
	}

	hc := health.New()
	hc.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", hc.LiveHandler())
	mux.HandleFunc("/ready", hc.ReadyHandler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", wsServer.HandleWS)

	h := handler.New(mgr, dbTrail, handler.Defaults{
		SpeedFactor:     cfg.DefaultSpeedFactor,
		QueueCapacity:   cfg.DefaultQueueCapacity,
		CheckpointEvery: cfg.CheckpointEvery,
		DataDir:         cfg.DataDir,
	}, appLog)
	h.Routes(mux)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	hc.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	// 停掉所有会话：落最终检查点，汇合线程
	mgr.Shutdown()
	log.Println("Shutdown complete")
}
