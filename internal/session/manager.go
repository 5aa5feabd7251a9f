package session

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/exchange/simbroker/internal/audit"
	"github.com/exchange/simbroker/internal/broadcast"
	"github.com/exchange/simbroker/internal/datasource"
	"github.com/exchange/simbroker/internal/types"
	"github.com/exchange/simbroker/internal/wal"
	"github.com/exchange/simbroker/pkg/errors"
	"github.com/exchange/simbroker/pkg/logger"
)

// Manager 会话管理器：按 id 幂等创建、生命周期操作、
// 跨会话共享馈送线程与定时检查点清扫。
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	dataDir   string
	ckpts     *wal.Store
	source    datasource.DataSource
	observers *broadcast.Registry
	trail     audit.Trail
	log       *logger.Logger
	cron      *cron.Cron

	sharedMu      sync.Mutex
	sharedRunning bool
	sharedCancel  context.CancelFunc
	sharedWG      sync.WaitGroup
}

// NewManager 创建会话管理器并启动维护任务
func NewManager(dataDir string, source datasource.DataSource, observers *broadcast.Registry, trail audit.Trail, log *logger.Logger) (*Manager, error) {
	store, err := wal.NewStore(dataDir, log)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		sessions:  make(map[string]*Session),
		dataDir:   dataDir,
		ckpts:     store,
		source:    source,
		observers: observers,
		trail:     trail,
		log:       log,
		cron:      cron.New(),
	}

	// 定时清扫：为运行中的会话补落检查点并触发归档裁剪
	if _, err := m.cron.AddFunc("@every 1m", m.sweepCheckpoints); err != nil {
		return nil, err
	}
	m.cron.Start()

	return m, nil
}

// CreateSession 按 id 幂等创建会话，接线 WAL 并在返回前尝试恢复
func (m *Manager) CreateSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = m.dataDir
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[cfg.SessionID]; ok {
		return existing, nil
	}

	sess, err := newSession(cfg, m.ckpts, m.observers, m.trail, m.log)
	if err != nil {
		return nil, err
	}
	if err := sess.recover(); err != nil {
		sess.walLog.Close()
		return nil, err
	}

	m.sessions[cfg.SessionID] = sess
	if m.trail != nil {
		_ = m.trail.Record(context.Background(),
			audit.NewEntry(audit.EventSessionCreated, cfg.SessionID).WithSimNs(cfg.StartNs))
	}
	return sess, nil
}

// GetSession 查询会话
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	return sess, nil
}

// ListSessions 会话列表
func (m *Manager) ListSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// StartSession 启动会话，共享馈送策略的会话确保共享线程在扫
func (m *Manager) StartSession(id string) error {
	sess, err := m.GetSession(id)
	if err != nil {
		return err
	}
	if err := sess.Start(m.source); err != nil {
		return err
	}
	if sess.cfg.Feeder == FeederShared {
		m.ensureSharedFeeder()
	}
	return nil
}

// PauseSession 暂停会话
func (m *Manager) PauseSession(id string) error {
	sess, err := m.GetSession(id)
	if err != nil {
		return err
	}
	return sess.Pause()
}

// ResumeSession 恢复会话
func (m *Manager) ResumeSession(id string) error {
	sess, err := m.GetSession(id)
	if err != nil {
		return err
	}
	return sess.Resume()
}

// StopSession 停止会话并汇合其全部线程
func (m *Manager) StopSession(id string) error {
	sess, err := m.GetSession(id)
	if err != nil {
		return err
	}
	return sess.Stop()
}

// Shutdown 停止维护任务、共享馈送与全部会话
func (m *Manager) Shutdown() {
	m.cron.Stop()

	m.sharedMu.Lock()
	if m.sharedCancel != nil {
		m.sharedCancel()
	}
	m.sharedMu.Unlock()
	m.sharedWG.Wait()

	for _, sess := range m.ListSessions() {
		if err := sess.Stop(); err != nil {
			m.log.WithError(err).Warn("关停会话失败")
		}
	}
}

// sweepCheckpoints 定时为活跃会话补落检查点，
// 顺带触发 WAL 归档与保留裁剪
func (m *Manager) sweepCheckpoints() {
	for _, sess := range m.ListSessions() {
		state := sess.State()
		if state == StateRunning || state == StatePaused {
			sess.checkpointNow()
		}
	}
}

// ensureSharedFeeder 共享馈送线程：单次扫描摊销到所有共享会话，
// 按各会话的时间窗与标的过滤扇出。跨会话不保证顺序，
// 只保证单会话队列内按 (timestamp, sequence) 递增。
func (m *Manager) ensureSharedFeeder() {
	m.sharedMu.Lock()
	defer m.sharedMu.Unlock()

	if m.sharedRunning {
		return
	}
	m.sharedRunning = true

	ctx, cancel := context.WithCancel(context.Background())
	m.sharedCancel = cancel

	m.sharedWG.Add(1)
	go func() {
		defer m.sharedWG.Done()
		defer func() {
			m.sharedMu.Lock()
			m.sharedRunning = false
			m.sharedMu.Unlock()
		}()

		startNs, endNs := m.sharedWindow()
		err := m.source.StreamEvents(ctx, nil, startNs, endNs, func(ev *types.Event) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			for _, sess := range m.sharedParticipants() {
				if sess.Matches(ev) {
					sess.Enqueue(ev)
				}
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			m.log.WithError(err).Warn("共享馈送扫描提前结束")
		}

		for _, sess := range m.sharedParticipants() {
			sess.MarkFeedDone()
		}
	}()
}

func (m *Manager) sharedParticipants() []*Session {
	var out []*Session
	for _, sess := range m.ListSessions() {
		if sess.cfg.Feeder == FeederShared {
			out = append(out, sess)
		}
	}
	return out
}

// sharedWindow 共享扫描的合并窗口：最早起点到最晚终点，
// 任一参与者无界则整体无界
func (m *Manager) sharedWindow() (int64, int64) {
	var startNs, endNs int64
	unbounded := false
	for _, sess := range m.sharedParticipants() {
		fs := sess.feedStart()
		if startNs == 0 || fs < startNs {
			startNs = fs
		}
		if sess.cfg.EndNs == 0 {
			unbounded = true
		} else if sess.cfg.EndNs > endNs {
			endNs = sess.cfg.EndNs
		}
	}
	if unbounded {
		endNs = 0
	}
	return startNs, endNs
}
