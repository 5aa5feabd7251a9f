package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exchange/simbroker/internal/account"
	"github.com/exchange/simbroker/internal/audit"
	"github.com/exchange/simbroker/internal/broadcast"
	"github.com/exchange/simbroker/internal/datasource"
	"github.com/exchange/simbroker/internal/matching"
	"github.com/exchange/simbroker/internal/metrics"
	"github.com/exchange/simbroker/internal/perf"
	"github.com/exchange/simbroker/internal/queue"
	"github.com/exchange/simbroker/internal/timeengine"
	"github.com/exchange/simbroker/internal/types"
	"github.com/exchange/simbroker/internal/wal"
	"github.com/exchange/simbroker/pkg/errors"
	"github.com/exchange/simbroker/pkg/health"
	"github.com/exchange/simbroker/pkg/logger"
)

// Session 一次模拟运行的聚合体。
// 工作协程独占事件循环，撮合引擎与台账自锁，请求线程可并发读。
type Session struct {
	cfg Config
	log *logger.Logger

	clock   *timeengine.Engine
	events  *queue.PriorityQueue
	engine  *matching.Engine
	ledger  account.Manager
	tracker *perf.Tracker
	walLog  *wal.Logger
	ckpts   *wal.Store

	observers *broadcast.Registry
	trail     audit.Trail
	monitor   *health.LoopMonitor

	// procMu 串行化事件处理与检查点/快进/跳转
	procMu sync.Mutex

	mu         sync.Mutex
	state      State
	orders     map[string]*types.Order
	halted     map[string]int64 // 标的 -> 到期纳秒，0 表示等待 RESUME
	ssr        map[string]bool
	marginCall bool
	recovered  bool

	eventsProcessed int64
	lastEventNs     int64
	sinceCheckpoint int64
	// curStartNs jump_to 后的新馈送起点，0 用配置起点
	curStartNs int64

	source datasource.DataSource

	feedDone   atomic.Bool
	feedCancel context.CancelFunc
	workerWG   sync.WaitGroup
	feederWG   sync.WaitGroup
}

// newSession 组装会话（不含恢复，恢复由 Manager 在创建时执行）
func newSession(cfg Config, ckpts *wal.Store, observers *broadcast.Registry, trail audit.Trail, log *logger.Logger) (*Session, error) {
	walLog, err := wal.NewLogger(cfg.DataDir, cfg.SessionID, log)
	if err != nil {
		return nil, err
	}

	return &Session{
		cfg:       cfg,
		log:       log.WithField("sessionId", cfg.SessionID),
		clock:     timeengine.New(cfg.StartNs, cfg.SpeedFactor),
		events:    queue.NewPriorityQueue(cfg.QueueCapacity, cfg.OverflowPolicy),
		engine:    matching.New(cfg.Matching),
		ledger:    account.NewLedger(cfg.Account),
		tracker:   perf.NewTracker(),
		walLog:    walLog,
		ckpts:     ckpts,
		observers: observers,
		trail:     trail,
		monitor:   &health.LoopMonitor{},
		state:     StateCreated,
		orders:    make(map[string]*types.Order),
		halted:    make(map[string]int64),
		ssr:       make(map[string]bool),
	}, nil
}

// ID 会话标识
func (s *Session) ID() string { return s.cfg.SessionID }

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watermark 最后处理的模拟时间戳与事件计数
func (s *Session) Watermark() (lastEventNs, eventsProcessed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventNs, s.eventsProcessed
}

// Ledger 台账句柄（只读用途）
func (s *Session) Ledger() account.Manager { return s.ledger }

// Engine 撮合引擎句柄（只读用途）
func (s *Session) Engine() *matching.Engine { return s.engine }

// Performance 绩效快照
func (s *Session) Performance() perf.Snapshot { return s.tracker.Snapshot() }

// SimTimeNs 当前模拟时钟
func (s *Session) SimTimeNs() int64 { return s.clock.CurrentNs() }

// QueueDepth 事件队列深度
func (s *Session) QueueDepth() int { return s.events.Len() }

// SetSpeedFactor 在线调整回放倍速
func (s *Session) SetSpeedFactor(factor float64) { s.clock.SetSpeedFactor(factor) }

// Orders 订单快照列表
func (s *Session) Orders() []*types.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		cp := *o
		out = append(out, &cp)
	}
	return out
}

// Order 查询订单
func (s *Session) Order(orderID string) (*types.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	return o, ok
}

// Start 启动时钟、馈送与工作协程
func (s *Session) Start(source datasource.DataSource) error {
	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		if state == StateRunning {
			return nil
		}
		return errors.Newf(errors.CodeSessionNotRunning, "cannot start session in state %s", state)
	}
	s.state = StateRunning
	s.source = source
	s.mu.Unlock()

	s.clock.Start()

	ctx, cancel := context.WithCancel(context.Background())
	s.feedCancel = cancel

	switch s.cfg.Feeder {
	case FeederPolling:
		s.feederWG.Add(1)
		go s.runPollingFeeder(ctx, source)
	case FeederShared:
		// 共享馈送由 Manager 的共享线程投递，这里只等待排空
		s.feederWG.Add(1)
		go func() {
			defer s.feederWG.Done()
			s.awaitDrain(ctx)
		}()
	default:
		s.feederWG.Add(1)
		go s.runPreloadFeeder(ctx, source)
	}

	s.workerWG.Add(1)
	go s.runWorker()

	metrics.AddActiveSessions(1)
	s.audit(audit.NewEntry(audit.EventSessionStarted, s.cfg.SessionID).WithSimNs(s.cfg.StartNs))
	s.log.Infof("会话已启动", map[string]interface{}{
		"feeder": string(s.cfg.Feeder), "startNs": s.cfg.StartNs, "endNs": s.cfg.EndNs,
	})
	return nil
}

// Pause 暂停时钟，工作协程停在时间门上
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		if state == StatePaused {
			return nil
		}
		return errors.Newf(errors.CodeSessionNotRunning, "cannot pause session in state %s", state)
	}
	s.state = StatePaused
	ns := s.lastEventNs
	s.mu.Unlock()

	s.clock.Pause()
	s.walAppend(&wal.Record{TsNs: ns, Event: wal.EventSessionPaused})
	s.audit(audit.NewEntry(audit.EventSessionPaused, s.cfg.SessionID).WithSimNs(ns))
	return nil
}

// Resume 恢复时钟
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.state != StatePaused {
		state := s.state
		s.mu.Unlock()
		if state == StateRunning {
			return nil
		}
		return errors.Newf(errors.CodeSessionNotRunning, "cannot resume session in state %s", state)
	}
	s.state = StateRunning
	ns := s.lastEventNs
	s.mu.Unlock()

	s.clock.Resume()
	s.walAppend(&wal.Record{TsNs: ns, Event: wal.EventSessionResumed})
	s.audit(audit.NewEntry(audit.EventSessionResumed, s.cfg.SessionID).WithSimNs(ns))
	return nil
}

// Stop 停止会话：唤醒并汇合全部线程，落最终检查点
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return nil
	}
	wasActive := s.state == StateRunning || s.state == StatePaused
	s.state = StateStopped
	ns := s.lastEventNs
	s.mu.Unlock()

	if s.feedCancel != nil {
		s.feedCancel()
	}
	s.clock.Stop()
	s.events.Stop()
	s.workerWG.Wait()
	s.feederWG.Wait()

	s.walAppend(&wal.Record{TsNs: ns, Event: wal.EventSessionStopped})
	s.checkpointNow()
	s.walLog.Close()

	if wasActive {
		metrics.AddActiveSessions(-1)
	}
	s.audit(audit.NewEntry(audit.EventSessionStopped, s.cfg.SessionID).WithSimNs(ns))
	s.log.Info("会话已停止")
	return nil
}

// complete 队列排空后的自然结束
func (s *Session) complete() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateCompleted
	processed := s.eventsProcessed
	s.mu.Unlock()

	s.checkpointNow()
	s.clock.Stop()
	s.events.Stop()
	metrics.AddActiveSessions(-1)
	s.log.Infof("会话回放完成", map[string]interface{}{
		"eventsProcessed": processed,
	})
}

// setError 工作循环异常出口
func (s *Session) setError(err error) {
	s.mu.Lock()
	if !s.state.terminal() {
		s.state = StateError
	}
	s.mu.Unlock()

	s.monitor.SetError(err)
	s.clock.Stop()
	s.events.Stop()
	s.log.WithError(err).Error("会话工作循环异常退出")
}

// runWorker 事件循环：出队 → 时间门 → 处理 → 检查点判定
func (s *Session) runWorker() {
	defer s.workerWG.Done()
	defer func() {
		if r := recover(); r != nil {
			s.setError(fmt.Errorf("worker panic: %v", r))
		}
	}()

	for {
		ev, ok := s.events.WaitPop()
		if !ok {
			return
		}
		if !s.clock.WaitForNextEvent(ev.TimestampNs) {
			return
		}

		s.step(ev)

		s.monitor.Tick()
		metrics.SetQueueDepth(s.cfg.SessionID, float64(s.events.Len()))
	}
}

// step 单事件临界区。defer 解锁保证处理器 panic 时 procMu 不泄漏，
// 请求线程在会话转入 ERROR 后仍可拿到锁。
func (s *Session) step(ev *types.Event) {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	s.processEvent(ev, true)
	s.maybeCheckpointLocked()
}

// processEvent 按类型分派。emit=false 时跳过观察者（快进路径），
// WAL/审计仍然落盘：先持久后可见。调用方持有 procMu。
func (s *Session) processEvent(ev *types.Event, emit bool) {
	switch ev.Type {
	case types.EventQuote:
		s.handleQuote(ev, emit)
	case types.EventTrade:
		s.handleTrade(ev)
	case types.EventHalt:
		s.handleHalt(ev)
	case types.EventResume:
		s.handleResume(ev)
	case types.EventDividend:
		s.handleDividend(ev)
	case types.EventSplit:
		s.handleSplit(ev)
	default:
		return
	}

	s.mu.Lock()
	if ev.TimestampNs > s.lastEventNs {
		s.lastEventNs = ev.TimestampNs
	}
	s.eventsProcessed++
	s.sinceCheckpoint++
	s.mu.Unlock()

	metrics.IncEventsProcessed(s.cfg.SessionID, ev.Type.String())
	if emit {
		s.notify(ev)
	}
}

func (s *Session) handleQuote(ev *types.Event, emit bool) {
	q, ok := ev.Data.(types.QuoteData)
	if !ok {
		return
	}
	n := q.NBBO

	result := s.engine.UpdateNBBO(&n)

	if n.Valid() {
		s.ledger.MarkToMarket(n.Symbol, n.Mid())
	}

	s.walAppend(&wal.Record{
		TsNs: ev.TimestampNs, Event: wal.EventMarketEvent,
		MarketType: "QUOTE", Symbol: n.Symbol, NBBO: &n,
	})

	for _, expired := range result.Expired {
		s.walAppend(&wal.Record{
			TsNs: ev.TimestampNs, Event: wal.EventOrderCanceled, Order: expired,
		})
		s.audit(audit.NewEntry(audit.EventOrderExpired, s.cfg.SessionID).
			WithOrder(expired.Symbol, expired.OrderID).WithSimNs(ev.TimestampNs))
		if emit {
			s.notify(&types.Event{
				Type: types.EventOrderExpire, TimestampNs: ev.TimestampNs,
				Symbol: expired.Symbol, Data: types.OrderData{Order: *expired},
			})
		}
	}

	for i := range result.Fills {
		fill := result.Fills[i]
		s.mu.Lock()
		order := s.orders[fill.OrderID]
		s.mu.Unlock()
		if order == nil {
			order = s.engine.Order(fill.OrderID)
		}
		if order != nil {
			s.processFill(order, &fill, emit)
		}
	}

	state := s.ledger.State()
	s.tracker.MarkEquity(state.Equity, state.RealizedPnL)
	s.enforceMargin(ev.TimestampNs, emit)
}

func (s *Session) handleTrade(ev *types.Event) {
	td, ok := ev.Data.(types.TradeData)
	if !ok {
		return
	}

	s.ledger.MarkToMarket(ev.Symbol, td.Price)

	// SSR：相对前收盘跌幅达到阈值即粘性触发
	if prior := s.cfg.PriorClose[ev.Symbol]; prior > 0 {
		drop := (prior - td.Price) / prior * 100
		s.mu.Lock()
		triggered := !s.ssr[ev.Symbol] && drop >= s.cfg.SSRThresholdPct
		if triggered {
			s.ssr[ev.Symbol] = true
		}
		s.mu.Unlock()
		if triggered {
			s.audit(audit.NewEntry(audit.EventSSRTrigger, s.cfg.SessionID).
				WithOrder(ev.Symbol, "").WithSimNs(ev.TimestampNs).
				WithDetail(map[string]interface{}{"price": td.Price, "priorClose": prior}))
			s.log.Warnf("触发卖空限制", map[string]interface{}{
				"symbol": ev.Symbol, "price": td.Price, "priorClose": prior,
			})
		}
	}

	s.walAppend(&wal.Record{
		TsNs: ev.TimestampNs, Event: wal.EventMarketEvent,
		MarketType: "TRADE", Symbol: ev.Symbol, Price: td.Price, Size: td.Size,
	})
}

func (s *Session) handleHalt(ev *types.Event) {
	hd, _ := ev.Data.(types.HaltData)

	var expireNs int64
	if hd.DurationNs > 0 {
		expireNs = ev.TimestampNs + hd.DurationNs
	}
	s.mu.Lock()
	s.halted[ev.Symbol] = expireNs
	s.mu.Unlock()

	s.walAppend(&wal.Record{
		TsNs: ev.TimestampNs, Event: wal.EventMarketEvent,
		MarketType: "HALT", Symbol: ev.Symbol, Reason: hd.Reason, DurationNs: hd.DurationNs,
	})
	s.audit(audit.NewEntry(audit.EventHalt, s.cfg.SessionID).
		WithOrder(ev.Symbol, "").WithSimNs(ev.TimestampNs).
		WithDetail(map[string]interface{}{"reason": hd.Reason, "durationNs": hd.DurationNs}))
}

func (s *Session) handleResume(ev *types.Event) {
	s.mu.Lock()
	delete(s.halted, ev.Symbol)
	s.mu.Unlock()

	s.walAppend(&wal.Record{
		TsNs: ev.TimestampNs, Event: wal.EventMarketEvent,
		MarketType: "RESUME", Symbol: ev.Symbol,
	})
}

func (s *Session) handleDividend(ev *types.Event) {
	dd, ok := ev.Data.(types.DividendData)
	if !ok {
		return
	}
	if s.cfg.AutoApplyCorporateActions {
		s.ledger.ApplyDividend(ev.Symbol, dd.Amount)
	}
	s.walAppend(&wal.Record{
		TsNs: ev.TimestampNs, Event: wal.EventDividend, Symbol: ev.Symbol, Amount: dd.Amount,
	})
}

func (s *Session) handleSplit(ev *types.Event) {
	sd, ok := ev.Data.(types.SplitData)
	if !ok {
		return
	}
	if s.cfg.AutoApplyCorporateActions {
		s.ledger.ApplySplit(ev.Symbol, sd.Ratio)
	}
	s.walAppend(&wal.Record{
		TsNs: ev.TimestampNs, Event: wal.EventSplit, Symbol: ev.Symbol, Ratio: sd.Ratio,
	})
}

// walAppend WAL 同步落盘，失败只告警（回放尽力而为）
func (s *Session) walAppend(rec *wal.Record) {
	if err := s.walLog.Append(rec); err != nil {
		s.log.WithError(err).Error("WAL 追加失败")
		return
	}
	metrics.IncWALAppends()
}

func (s *Session) audit(entry *audit.Entry) {
	if s.trail == nil {
		return
	}
	_ = s.trail.Record(context.Background(), entry)
}

func (s *Session) notify(ev *types.Event) {
	if s.observers == nil {
		return
	}
	s.observers.Notify(s.cfg.SessionID, ev)
}

// maybeCheckpointLocked 每 N 个事件落一次检查点。调用方持有 procMu。
func (s *Session) maybeCheckpointLocked() {
	s.mu.Lock()
	due := s.sinceCheckpoint >= s.cfg.CheckpointEvery
	if due {
		s.sinceCheckpoint = 0
	}
	s.mu.Unlock()

	if due {
		s.checkpointLocked()
	}
}

// checkpointNow 外部触发的检查点（停止、定时清扫）
func (s *Session) checkpointNow() {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	s.checkpointLocked()
}

// checkpointLocked 快照落盘并归档 WAL。调用方持有 procMu。
func (s *Session) checkpointLocked() {
	start := time.Now()

	ck := s.buildCheckpoint()
	if err := s.ckpts.Save(ck); err != nil {
		s.log.WithError(err).Error("检查点写入失败")
		return
	}
	if err := s.walLog.Archive(ck.CheckpointNs); err != nil {
		s.log.WithError(err).Error("WAL 归档失败")
	}
	metrics.ObserveCheckpointDuration(time.Since(start))
}

func (s *Session) buildCheckpoint() *wal.Checkpoint {
	s.mu.Lock()
	orders := make(map[string]*types.Order, len(s.orders))
	for id, o := range s.orders {
		cp := *o
		orders[id] = &cp
	}
	lastNs, processed := s.lastEventNs, s.eventsProcessed
	s.mu.Unlock()

	// 撮合引擎内的挂单也必须入快照（恢复时重新挂回）
	for _, o := range s.engine.PendingOrders() {
		if _, ok := orders[o.OrderID]; !ok {
			cp := *o
			orders[o.OrderID] = &cp
		}
	}

	nbbo := make(map[string]*types.NBBO)
	for sym := range s.symbolsSeen(orders) {
		if n := s.engine.NBBO(sym); n != nil {
			nbbo[sym] = n
		}
	}

	return &wal.Checkpoint{
		SessionID:       s.cfg.SessionID,
		CheckpointNs:    time.Now().UnixNano(),
		LastEventNs:     lastNs,
		EventsProcessed: processed,
		Account:         s.ledger.State(),
		Positions:       s.ledger.Positions(),
		Orders:          orders,
		NBBOCache:       nbbo,
	}
}

// symbolsSeen 快照需要覆盖的标的全集：配置标的 + 订单标的 + 持仓标的
func (s *Session) symbolsSeen(orders map[string]*types.Order) map[string]struct{} {
	set := make(map[string]struct{})
	for _, sym := range s.cfg.Symbols {
		set[sym] = struct{}{}
	}
	for _, o := range orders {
		set[o.Symbol] = struct{}{}
	}
	for sym := range s.ledger.Positions() {
		set[sym] = struct{}{}
	}
	return set
}
