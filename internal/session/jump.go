package session

import (
	"context"

	"github.com/exchange/simbroker/internal/types"
	"github.com/exchange/simbroker/pkg/errors"
)

// JumpTo 硬重置到目标时间：丢弃队列、撮合状态、台账与绩效，
// 中间状态有意丢失（瞬移，不是回放）。运行中的会话重启馈送。
func (s *Session) JumpTo(ts int64) error {
	s.mu.Lock()
	state := s.state
	src := s.source
	s.mu.Unlock()
	if state.terminal() {
		return errors.Newf(errors.CodeSessionNotRunning, "cannot jump in state %s", state)
	}
	wasActive := state == StateRunning || state == StatePaused

	if s.feedCancel != nil {
		s.feedCancel()
		s.feedCancel = nil
	}
	s.feederWG.Wait()

	s.procMu.Lock()
	s.events.Reset()
	s.engine.Reset()
	s.ledger.Reset(s.cfg.Account.InitialCash)
	s.tracker.Reset()

	s.mu.Lock()
	s.orders = make(map[string]*types.Order)
	s.halted = make(map[string]int64)
	s.ssr = make(map[string]bool)
	s.marginCall = false
	s.lastEventNs = ts
	s.sinceCheckpoint = 0
	s.curStartNs = ts
	s.mu.Unlock()

	s.clock.AdvanceTo(ts)

	// 旧时间线的持久态一并丢弃：截断 WAL、删除旧检查点并落一份
	// 跳转目标处的新检查点，崩溃恢复从跳转目标出发而不是回放旧账
	if err := s.walLog.Truncate(); err != nil {
		s.log.WithError(err).Error("WAL 截断失败")
	}
	if err := s.ckpts.Remove(s.cfg.SessionID); err != nil {
		s.log.WithError(err).Error("检查点删除失败")
	}
	if err := s.ckpts.Save(s.buildCheckpoint()); err != nil {
		s.log.WithError(err).Error("检查点写入失败")
	}
	s.procMu.Unlock()

	s.feedDone.Store(false)

	if wasActive && src != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.feedCancel = cancel
		switch s.cfg.Feeder {
		case FeederPolling:
			s.feederWG.Add(1)
			go s.runPollingFeeder(ctx, src)
		case FeederShared:
			s.feederWG.Add(1)
			go func() {
				defer s.feederWG.Done()
				s.awaitDrain(ctx)
			}()
		default:
			s.feederWG.Add(1)
			go s.runPreloadFeeder(ctx, src)
		}
	}

	s.log.Infof("会话跳转", map[string]interface{}{"targetNs": ts})
	return nil
}

// FastForward 状态保留的追赶：把已入队、时间戳不超过目标的事件
// 走正常处理路径回放（不对外广播），然后把时钟推进到目标。
func (s *Session) FastForward(ts int64) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state.terminal() {
		return errors.Newf(errors.CodeSessionNotRunning, "cannot fast-forward in state %s", state)
	}

	s.procMu.Lock()
	defer s.procMu.Unlock()

	var replayed int
	for {
		ev, ok := s.events.TryPopUpTo(ts)
		if !ok {
			break
		}
		s.processEvent(ev, false)
		replayed++
	}

	s.clock.AdvanceTo(ts)
	s.log.Infof("会话快进", map[string]interface{}{"targetNs": ts, "replayed": replayed})
	return nil
}
