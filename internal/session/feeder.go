package session

import (
	"context"
	"time"

	"github.com/exchange/simbroker/internal/datasource"
	"github.com/exchange/simbroker/internal/types"
	"github.com/exchange/simbroker/pkg/errors"
)

// drainPollInterval 排空探测周期（墙钟）
const drainPollInterval = 20 * time.Millisecond

// runPreloadFeeder 一次性预载全窗口，然后等待队列排空收尾
func (s *Session) runPreloadFeeder(ctx context.Context, source datasource.DataSource) {
	defer s.feederWG.Done()

	start := s.feedStart()
	err := source.StreamEvents(ctx, s.cfg.Symbols, start, s.cfg.EndNs, func(ev *types.Event) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.events.Push(ev) {
			return errors.ErrSessionStopped
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		s.log.WithError(err).Warn("预载馈送提前结束")
	}

	s.feedDone.Store(true)
	s.awaitDrain(ctx)
}

// runPollingFeeder 按固定时间窗轮询补载
func (s *Session) runPollingFeeder(ctx context.Context, source datasource.DataSource) {
	defer s.feederWG.Done()

	cur := s.feedStart()
	for ctx.Err() == nil && (s.cfg.EndNs == 0 || cur <= s.cfg.EndNs) {
		winEnd := cur + s.cfg.PollWindowNs - 1
		if s.cfg.EndNs > 0 && winEnd > s.cfg.EndNs {
			winEnd = s.cfg.EndNs
		}

		err := source.StreamEvents(ctx, s.cfg.Symbols, cur, winEnd, func(ev *types.Event) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !s.events.Push(ev) {
				return errors.ErrSessionStopped
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("轮询馈送窗口失败")
		}

		cur = winEnd + 1
		if s.cfg.EndNs > 0 && cur > s.cfg.EndNs {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PollInterval):
		}
	}

	s.feedDone.Store(true)
	s.awaitDrain(ctx)
}

// awaitDrain 馈送结束后等队列排空，自然结束会话
func (s *Session) awaitDrain(ctx context.Context) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.feedDone.Load() {
				continue
			}
			if s.events.Len() == 0 {
				s.complete()
				return
			}
		}
	}
}

// feedStart 当前馈送起点（jump_to 后前移）
func (s *Session) feedStart() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curStartNs > 0 {
		return s.curStartNs
	}
	return s.cfg.StartNs
}

// Matches 共享馈送的过滤判定：标的与时间窗匹配才投递
func (s *Session) Matches(ev *types.Event) bool {
	if s.State() != StateRunning {
		return false
	}
	if ev.TimestampNs < s.feedStart() {
		return false
	}
	if s.cfg.EndNs > 0 && ev.TimestampNs > s.cfg.EndNs {
		return false
	}
	if len(s.cfg.Symbols) == 0 {
		return true
	}
	for _, sym := range s.cfg.Symbols {
		if sym == ev.Symbol {
			return true
		}
	}
	return false
}

// Enqueue 共享馈送投递入口。事件拷贝后入队，
// 各会话队列独立分配序列号。
func (s *Session) Enqueue(ev *types.Event) bool {
	cp := *ev
	return s.events.Push(&cp)
}

// MarkFeedDone 共享馈送扫描结束后调用
func (s *Session) MarkFeedDone() {
	s.feedDone.Store(true)
}
