package session

import (
	"strconv"
	"time"

	"github.com/exchange/simbroker/internal/audit"
	"github.com/exchange/simbroker/internal/metrics"
	"github.com/exchange/simbroker/internal/types"
	"github.com/exchange/simbroker/internal/wal"
	"github.com/exchange/simbroker/pkg/errors"
	"github.com/exchange/simbroker/pkg/snowflake"
)

// opgWindowNs OPG 订单仅在开盘后 5 分钟内有效
const opgWindowNs = int64(5 * time.Minute)

// SubmitOrder 提交订单。拒单返回 (nil, 原因)，首个未通过的
// 前置检查短路：TIF 窗口 → 购买力 → 裸卖空/保证金 →
// 熔断停牌（惰性到期）→ SSR 报价档。通过后交给撮合引擎，
// 未成交的 IOC/FOK 剩余同步取消，绝不挂单。
func (s *Session) SubmitOrder(req *types.Order) (*types.Order, errors.RejectReason) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateRunning && state != StatePaused {
		return nil, errors.RejectSessionInactive
	}

	if reason := validateOrder(req); reason != errors.RejectNone {
		metrics.IncOrderRejects(s.cfg.SessionID, string(reason))
		return nil, reason
	}

	now := s.clock.CurrentNs()

	order := *req
	order.OrderID = newOrderID()
	order.CreatedNs = now
	order.UpdatedNs = now
	order.Status = types.StatusPendingNew
	if s.cfg.OrderLatencyNs > 0 {
		order.MinExecNs = now + s.cfg.OrderLatencyNs
	}

	if reason := s.checkTIFWindow(&order, now); reason != errors.RejectNone {
		return s.reject(&order, reason, now)
	}
	if reason := s.checkRisk(&order); reason != errors.RejectNone {
		return s.reject(&order, reason, now)
	}
	if reason := s.checkHalt(order.Symbol, now); reason != errors.RejectNone {
		return s.reject(&order, reason, now)
	}
	if reason := s.checkSSR(&order); reason != errors.RejectNone {
		return s.reject(&order, reason, now)
	}

	s.procMu.Lock()
	defer s.procMu.Unlock()

	// 撮合前快照：WAL 里记提交时刻的订单，成交由 fill 记录单独回放
	snap := order
	snap.Status = types.StatusAccepted

	fill, rejected := s.engine.SubmitOrder(&order)
	if rejected {
		return s.reject(&order, errors.RejectProbabilistic, now)
	}

	s.mu.Lock()
	s.orders[order.OrderID] = &order
	s.mu.Unlock()

	s.walAppend(&wal.Record{TsNs: now, Event: wal.EventOrderSubmitted, Order: &snap})
	s.audit(audit.NewEntry(audit.EventOrderSubmitted, s.cfg.SessionID).
		WithOrder(order.Symbol, order.OrderID).WithSimNs(now).
		WithDetail(map[string]interface{}{
			"side": order.Side.String(), "type": order.Type.String(), "qty": order.Qty,
		}))
	s.notify(&types.Event{
		Type: types.EventOrderNew, TimestampNs: now,
		Symbol: order.Symbol, Data: types.OrderData{Order: snap},
	})

	if fill != nil {
		s.processFill(&order, fill, true)
	}

	// IOC/FOK 不挂单：剩余同步取消
	if order.TimeInForce.Immediate() && order.Status.Open() {
		order.SetStatus(types.StatusCanceled)
		order.UpdatedNs = now
		s.walAppend(&wal.Record{TsNs: now, Event: wal.EventOrderCanceled, Order: &order})
		s.audit(audit.NewEntry(audit.EventOrderCanceled, s.cfg.SessionID).
			WithOrder(order.Symbol, order.OrderID).WithSimNs(now))
		s.notify(&types.Event{
			Type: types.EventOrderCancel, TimestampNs: now,
			Symbol: order.Symbol, Data: types.OrderData{Order: order},
		})
	}

	return &order, errors.RejectNone
}

// CancelOrder 取消挂单。终结态会话直接拒绝，不进临界区。
func (s *Session) CancelOrder(orderID string) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state.terminal() {
		return errors.Newf(errors.CodeSessionNotRunning, "cannot cancel in state %s", state)
	}

	now := s.clock.CurrentNs()

	s.procMu.Lock()
	defer s.procMu.Unlock()

	order := s.engine.CancelOrder(orderID, now)
	if order == nil {
		s.mu.Lock()
		known := s.orders[orderID]
		s.mu.Unlock()
		if known == nil {
			return errors.ErrOrderNotFound
		}
		// 已终结：取消幂等
		return nil
	}

	s.walAppend(&wal.Record{TsNs: now, Event: wal.EventOrderCanceled, Order: order})
	s.audit(audit.NewEntry(audit.EventOrderCanceled, s.cfg.SessionID).
		WithOrder(order.Symbol, order.OrderID).WithSimNs(now))
	s.notify(&types.Event{
		Type: types.EventOrderCancel, TimestampNs: now,
		Symbol: order.Symbol, Data: types.OrderData{Order: *order},
	})
	return nil
}

func (s *Session) reject(order *types.Order, reason errors.RejectReason, now int64) (*types.Order, errors.RejectReason) {
	metrics.IncOrderRejects(s.cfg.SessionID, string(reason))
	s.audit(audit.NewEntry(audit.EventOrderRejected, s.cfg.SessionID).
		WithOrder(order.Symbol, "").WithSimNs(now).
		WithDetail(map[string]interface{}{"reason": string(reason)}))
	s.log.Warnf("拒单", map[string]interface{}{
		"symbol": order.Symbol, "reason": string(reason),
	})
	return nil, reason
}

// validateOrder 参数校验
func validateOrder(o *types.Order) errors.RejectReason {
	if o == nil || o.Symbol == "" || o.Qty <= 0 {
		return errors.RejectInvalidParam
	}
	if o.Side != types.SideBuy && o.Side != types.SideSell {
		return errors.RejectInvalidParam
	}
	switch o.Type {
	case types.OrderMarket:
	case types.OrderLimit:
		if o.LimitPrice <= 0 {
			return errors.RejectInvalidParam
		}
	case types.OrderStop:
		if o.StopPrice <= 0 {
			return errors.RejectInvalidParam
		}
	case types.OrderStopLimit:
		if o.StopPrice <= 0 || o.LimitPrice <= 0 {
			return errors.RejectInvalidParam
		}
	case types.OrderTrailingStop:
		if o.TrailPrice <= 0 && o.TrailPercent <= 0 {
			return errors.RejectInvalidParam
		}
	default:
		return errors.RejectInvalidParam
	}
	return errors.RejectNone
}

// checkTIFWindow TIF 窗口：OPG 限开盘后 5 分钟，CLS/DAY 到会话结束过期
func (s *Session) checkTIFWindow(order *types.Order, now int64) errors.RejectReason {
	switch order.TimeInForce {
	case types.TIFOPG:
		deadline := s.cfg.StartNs + opgWindowNs
		if now > deadline {
			return errors.RejectTIFWindow
		}
		order.ExpireAtNs = deadline
	case types.TIFCLS, types.TIFDay:
		if s.cfg.EndNs > 0 {
			if now >= s.cfg.EndNs {
				return errors.RejectTIFWindow
			}
			order.ExpireAtNs = s.cfg.EndNs
		}
	}
	return errors.RejectNone
}

// checkRisk 买方购买力，卖方裸卖空与保证金
func (s *Session) checkRisk(order *types.Order) errors.RejectReason {
	ref := s.referencePrice(order)
	if ref <= 0 {
		// 无任何价格参照（尚无 NBBO 的市价单）：跳过名义额检查，订单会被停泊
		return errors.RejectNone
	}
	notional := order.Qty * ref

	if order.Side == types.SideBuy {
		if !s.ledger.HasBuyingPower(notional, true) {
			return errors.RejectBuyingPower
		}
		return errors.RejectNone
	}

	held := 0.0
	if p, ok := s.ledger.Position(order.Symbol); ok {
		held = p.Qty
	}
	shortQty := order.Qty
	if held > 0 {
		shortQty -= held
	}
	if shortQty <= 0 {
		return errors.RejectNone
	}
	if !s.cfg.Account.AllowShort {
		return errors.RejectNakedShort
	}
	if !s.ledger.HasBuyingPower(shortQty*ref, false) {
		return errors.RejectNakedShort
	}
	return errors.RejectNone
}

// checkHalt 熔断停牌检查，带惰性到期
func (s *Session) checkHalt(symbol string, now int64) errors.RejectReason {
	s.mu.Lock()
	defer s.mu.Unlock()

	expireNs, ok := s.halted[symbol]
	if !ok {
		return errors.RejectNone
	}
	if expireNs > 0 && now >= expireNs {
		delete(s.halted, symbol)
		return errors.RejectNone
	}
	return errors.RejectHalted
}

// checkSSR 卖空限制：经济上做空的卖单必须是报价不低于 NBB 的限价单
func (s *Session) checkSSR(order *types.Order) errors.RejectReason {
	if order.Side != types.SideSell {
		return errors.RejectNone
	}
	s.mu.Lock()
	restricted := s.ssr[order.Symbol]
	s.mu.Unlock()
	if !restricted {
		return errors.RejectNone
	}

	held := 0.0
	if p, ok := s.ledger.Position(order.Symbol); ok {
		held = p.Qty
	}
	if held >= order.Qty {
		return errors.RejectNone
	}

	if order.Type != types.OrderLimit {
		return errors.RejectSSR
	}
	n := s.engine.NBBO(order.Symbol)
	if n == nil || order.LimitPrice < n.BidPrice {
		return errors.RejectSSR
	}
	return errors.RejectNone
}

// referencePrice 名义额参照价：限价优先，其次对手盘最优价，再次中间价
func (s *Session) referencePrice(order *types.Order) float64 {
	if order.LimitPrice > 0 {
		return order.LimitPrice
	}
	n := s.engine.NBBO(order.Symbol)
	if n == nil {
		return 0
	}
	if order.Side == types.SideBuy && n.AskPrice > 0 {
		return n.AskPrice
	}
	if order.Side == types.SideSell && n.BidPrice > 0 {
		return n.BidPrice
	}
	if n.Valid() {
		return n.Mid()
	}
	return 0
}

// processFill 成交后处理：市场冲击与固定滑点（仅吃单方）、
// 模拟延迟、maker/taker 费率、落账、持久化、对外广播。
func (s *Session) processFill(order *types.Order, fill *types.Fill, emit bool) {
	price := fill.Price
	if !order.Maker {
		if s.cfg.MarketImpactBps > 0 {
			if n := s.engine.NBBO(order.Symbol); n != nil {
				avail := n.BidSize
				if order.Side == types.SideBuy {
					avail = n.AskSize
				}
				if avail > 0 {
					ratio := fill.Qty / avail
					if ratio > 1 {
						ratio = 1
					}
					shift := price * ratio * s.cfg.MarketImpactBps / 10000
					if order.Side == types.SideBuy {
						price += shift
					} else {
						price -= shift
					}
				}
			}
		}
		if s.cfg.ExtraSlippageBps > 0 {
			if order.Side == types.SideBuy {
				price *= 1 + s.cfg.ExtraSlippageBps/10000
			} else {
				price *= 1 - s.cfg.ExtraSlippageBps/10000
			}
		}
	}

	if price != fill.Price {
		// 把该笔的价差折进订单均价
		if order.FilledQty > 0 {
			order.AvgFillPrice += (price - fill.Price) * fill.Qty / order.FilledQty
		}
		fill.Price = price
	}

	if s.cfg.FillLatency > 0 {
		time.Sleep(s.cfg.FillLatency)
	}

	feeBps := s.cfg.TakerFeeBps
	if order.Maker {
		feeBps = s.cfg.MakerFeeBps
	}
	fees := fill.Qty * fill.Price * feeBps / 10000

	s.ledger.ApplyFill(order.Symbol, *fill, order.Side, fees)
	s.tracker.RecordFill(*fill, fees)

	s.walAppend(&wal.Record{
		TsNs: fill.TimestampNs, Event: wal.EventFill,
		Fill: fill, Side: order.Side, Fees: fees, Symbol: order.Symbol,
	})
	s.audit(audit.NewEntry(audit.EventFill, s.cfg.SessionID).
		WithOrder(order.Symbol, order.OrderID).WithSimNs(fill.TimestampNs).
		WithDetail(map[string]interface{}{
			"qty": fill.Qty, "price": fill.Price, "fees": fees, "partial": fill.Partial,
		}))
	metrics.IncFills(s.cfg.SessionID, order.Symbol)

	if emit {
		s.notify(&types.Event{
			Type: types.EventOrderFill, TimestampNs: fill.TimestampNs,
			Symbol: order.Symbol, Data: types.FillData{Fill: *fill},
		})
	}
}

// enforceMargin 盯市后的维持保证金检查，边沿触发追保，
// 可选强平：按对手盘最优价逐个持仓市价平仓，权益回补即止。
func (s *Session) enforceMargin(simNs int64, emit bool) {
	state := s.ledger.State()
	required := s.requiredMargin()

	under := required > 0 && state.Equity < required

	s.mu.Lock()
	triggered := under && !s.marginCall
	if triggered {
		s.marginCall = true
	}
	if !under && s.marginCall {
		s.marginCall = false
	}
	s.mu.Unlock()

	if !triggered {
		return
	}

	s.audit(audit.NewEntry(audit.EventMarginCall, s.cfg.SessionID).WithSimNs(simNs).
		WithDetail(map[string]interface{}{"equity": state.Equity, "required": required}))
	s.log.Warnf("触发追保", map[string]interface{}{
		"equity": state.Equity, "required": required,
	})

	if s.cfg.ForcedLiquidation {
		s.liquidate(simNs, emit)
	}
}

func (s *Session) requiredMargin() float64 {
	var gross float64
	for _, p := range s.ledger.Positions() {
		mv := p.MarketValue()
		if mv < 0 {
			mv = -mv
		}
		gross += mv
	}
	return gross * s.cfg.MaintenanceMarginRatio
}

// liquidate 逐个持仓合成市价单平仓。调用方持有 procMu。
func (s *Session) liquidate(simNs int64, emit bool) {
	for sym, p := range s.ledger.Positions() {
		if p.Qty == 0 {
			continue
		}

		side := types.SideSell
		qty := p.Qty
		if qty < 0 {
			side = types.SideBuy
			qty = -qty
		}

		order := &types.Order{
			OrderID:     newOrderID(),
			Symbol:      sym,
			Side:        side,
			Type:        types.OrderMarket,
			TimeInForce: types.TIFIOC,
			Qty:         qty,
			CreatedNs:   simNs,
			UpdatedNs:   simNs,
			Status:      types.StatusPendingNew,
		}

		snap := *order
		snap.Status = types.StatusAccepted

		fill, rejected := s.engine.SubmitOrder(order)
		if !rejected {
			s.mu.Lock()
			s.orders[order.OrderID] = order
			s.mu.Unlock()
			s.walAppend(&wal.Record{TsNs: simNs, Event: wal.EventOrderSubmitted, Order: &snap})
			if fill != nil {
				s.processFill(order, fill, emit)
			}
			if order.Status.Open() {
				order.SetStatus(types.StatusCanceled)
			}
		}

		s.audit(audit.NewEntry(audit.EventLiquidation, s.cfg.SessionID).
			WithOrder(sym, order.OrderID).WithSimNs(simNs).
			WithDetail(map[string]interface{}{"qty": qty, "side": side.String()}))

		if s.ledger.State().Equity >= s.requiredMargin() {
			break
		}
	}
}

func newOrderID() string {
	if id, err := snowflake.NextID(); err == nil {
		return strconv.FormatInt(id, 10)
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
