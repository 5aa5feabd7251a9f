package session

import (
	"github.com/exchange/simbroker/internal/audit"
	"github.com/exchange/simbroker/internal/types"
	"github.com/exchange/simbroker/internal/wal"
)

// recover 会话创建时的恢复协议：
// 载入检查点 → 恢复台账/持仓/订单 → 重建 NBBO 缓存并把未终结
// 订单挂回撮合引擎 → 回放 ts_ns 大于水位线的 WAL 记录 → 推进水位。
// 回放只执行一次，recovered 标志拒绝二次回放。
func (s *Session) recover() error {
	s.mu.Lock()
	if s.recovered {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ck, err := s.ckpts.Load(s.cfg.SessionID)
	if err != nil {
		return err
	}

	var afterNs int64
	if ck != nil {
		s.ledger.RestoreState(ck.Account)
		s.ledger.RestorePositions(ck.Positions)

		s.mu.Lock()
		for id, o := range ck.Orders {
			s.orders[id] = o
		}
		s.lastEventNs = ck.LastEventNs
		s.eventsProcessed = ck.EventsProcessed
		s.mu.Unlock()

		for _, n := range ck.NBBOCache {
			s.engine.RestoreNBBO(n)
		}
		for _, o := range ck.Orders {
			s.engine.Resubmit(o)
		}
		afterNs = ck.LastEventNs
	}

	replayed, err := s.walLog.Replay(afterNs, s.applyWALRecord)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.recovered = true
	lastNs := s.lastEventNs
	s.mu.Unlock()

	if lastNs > 0 {
		s.clock.AdvanceTo(lastNs)
	}

	if ck != nil || replayed > 0 {
		s.audit(audit.NewEntry(audit.EventSessionRecovered, s.cfg.SessionID).
			WithSimNs(lastNs).
			WithDetail(map[string]interface{}{"replayed": replayed, "fromCheckpoint": ck != nil}))
		s.log.Infof("会话恢复完成", map[string]interface{}{
			"fromCheckpoint": ck != nil, "replayed": replayed, "watermarkNs": lastNs,
		})
	}
	return nil
}

// applyWALRecord 按日志顺序重放一条记录
func (s *Session) applyWALRecord(rec *wal.Record) error {
	switch rec.Event {
	case wal.EventOrderSubmitted:
		if rec.Order == nil {
			return nil
		}
		o := *rec.Order
		s.mu.Lock()
		s.orders[o.OrderID] = &o
		s.mu.Unlock()
		s.engine.Resubmit(&o)

	case wal.EventOrderCanceled:
		if rec.Order == nil {
			return nil
		}
		s.engine.Remove(rec.Order.OrderID)
		s.mu.Lock()
		if known, ok := s.orders[rec.Order.OrderID]; ok {
			known.SetStatus(rec.Order.Status)
			known.UpdatedNs = rec.TsNs
		}
		s.mu.Unlock()

	case wal.EventFill:
		if rec.Fill == nil {
			return nil
		}
		s.ledger.ApplyFill(rec.Symbol, *rec.Fill, rec.Side, rec.Fees)
		s.mu.Lock()
		order := s.orders[rec.Fill.OrderID]
		s.mu.Unlock()
		if order != nil {
			applyReplayFill(order, rec.Fill)
			if !order.Status.Open() {
				s.engine.Remove(order.OrderID)
			}
		}

	case wal.EventMarketEvent:
		s.replayMarketEvent(rec)
		s.advanceWatermark(rec.TsNs, true)
		return nil

	case wal.EventDividend:
		if s.cfg.AutoApplyCorporateActions {
			s.ledger.ApplyDividend(rec.Symbol, rec.Amount)
		}
		s.advanceWatermark(rec.TsNs, true)
		return nil

	case wal.EventSplit:
		if s.cfg.AutoApplyCorporateActions {
			s.ledger.ApplySplit(rec.Symbol, rec.Ratio)
		}
		s.advanceWatermark(rec.TsNs, true)
		return nil

	case wal.EventSessionPaused, wal.EventSessionResumed, wal.EventSessionStopped:
		// 生命周期记录不参与状态重建
	}

	s.advanceWatermark(rec.TsNs, false)
	return nil
}

// replayMarketEvent 市场事件回放只重建缓存与盯市，
// 不重新撮合：成交由各自的 fill 记录回放，避免重复落账。
func (s *Session) replayMarketEvent(rec *wal.Record) {
	switch rec.MarketType {
	case "QUOTE":
		if rec.NBBO == nil {
			return
		}
		s.engine.RestoreNBBO(rec.NBBO)
		if rec.NBBO.Valid() {
			s.ledger.MarkToMarket(rec.NBBO.Symbol, rec.NBBO.Mid())
		}
	case "TRADE":
		s.ledger.MarkToMarket(rec.Symbol, rec.Price)
		if prior := s.cfg.PriorClose[rec.Symbol]; prior > 0 {
			if (prior-rec.Price)/prior*100 >= s.cfg.SSRThresholdPct {
				s.mu.Lock()
				s.ssr[rec.Symbol] = true
				s.mu.Unlock()
			}
		}
	case "HALT":
		var expireNs int64
		if rec.DurationNs > 0 {
			expireNs = rec.TsNs + rec.DurationNs
		}
		s.mu.Lock()
		s.halted[rec.Symbol] = expireNs
		s.mu.Unlock()
	case "RESUME":
		s.mu.Lock()
		delete(s.halted, rec.Symbol)
		s.mu.Unlock()
	}
}

// advanceWatermark 推进水位。counted 为真时计入事件数
// （与正常处理口径一致：只有行情与公司行动算事件）。
func (s *Session) advanceWatermark(ns int64, counted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns > s.lastEventNs {
		s.lastEventNs = ns
	}
	if counted {
		s.eventsProcessed++
	}
}

func applyReplayFill(o *types.Order, f *types.Fill) {
	prev := o.FilledQty
	o.AvgFillPrice = (o.AvgFillPrice*prev + f.Price*f.Qty) / (prev + f.Qty)
	o.FilledQty += f.Qty
	o.UpdatedNs = f.TimestampNs
	if o.FilledQty < o.Qty {
		o.SetStatus(types.StatusPartiallyFilled)
	} else {
		o.SetStatus(types.StatusFilled)
	}
}
