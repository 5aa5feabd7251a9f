// Package session 会话编排：馈送、事件循环、风控、持久化与恢复
package session

import (
	"time"

	"github.com/exchange/simbroker/internal/account"
	"github.com/exchange/simbroker/internal/matching"
	"github.com/exchange/simbroker/internal/queue"
	"github.com/exchange/simbroker/pkg/errors"
)

// FeederStrategy 馈送策略
type FeederStrategy string

const (
	// FeederPreload 一次性预载全窗口
	FeederPreload FeederStrategy = "preload"
	// FeederPolling 按固定时间窗轮询补载
	FeederPolling FeederStrategy = "polling"
	// FeederShared 参与跨会话共享馈送线程
	FeederShared FeederStrategy = "shared"
)

// Config 会话配置
type Config struct {
	SessionID string
	Symbols   []string
	// 回放窗口，模拟时间纳秒
	StartNs int64
	EndNs   int64
	// SpeedFactor 0 = 不限速
	SpeedFactor float64

	QueueCapacity  int
	OverflowPolicy queue.OverflowPolicy

	Matching matching.Config
	Account  account.Config

	// 费率（基点）
	MakerFeeBps float64
	TakerFeeBps float64

	// 成交层效果
	MarketImpactBps  float64 // 按 fill/对手盘量比例放大，封顶 100%
	ExtraSlippageBps float64 // processFill 层固定滑点
	FillLatency      time.Duration
	// OrderLatencyNs 订单最早可执行延迟（模拟时间）
	OrderLatencyNs int64

	// 风控
	MaintenanceMarginRatio    float64
	ForcedLiquidation         bool
	SSRThresholdPct           float64 // 相对前收盘的跌幅百分比
	PriorClose                map[string]float64
	AutoApplyCorporateActions bool

	// 持久化
	DataDir         string
	CheckpointEvery int64

	// 馈送
	Feeder       FeederStrategy
	PollInterval time.Duration
	PollWindowNs int64
}

// Validate 校验会话配置
func (c *Config) Validate() error {
	if c.SessionID == "" {
		return errors.New(errors.CodeInvalidParam, "session id required")
	}
	if c.EndNs > 0 && c.EndNs < c.StartNs {
		return errors.New(errors.CodeInvalidParam, "end before start")
	}
	if c.Feeder == "" {
		c.Feeder = FeederPreload
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 1000
	}
	if c.OverflowPolicy == 0 {
		c.OverflowPolicy = queue.OverflowBlock
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.PollWindowNs <= 0 {
		c.PollWindowNs = int64(time.Minute)
	}
	if c.MaintenanceMarginRatio <= 0 {
		c.MaintenanceMarginRatio = 0.25
	}
	if c.SSRThresholdPct <= 0 {
		c.SSRThresholdPct = 10
	}
	return nil
}

// State 会话状态
type State int32

const (
	StateCreated State = iota + 1
	StateRunning
	StatePaused
	StateCompleted
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateCompleted:
		return "COMPLETED"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// terminal 会话终态
func (s State) terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateError
}
