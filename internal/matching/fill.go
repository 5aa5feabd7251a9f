package matching

import "github.com/exchange/simbroker/internal/types"

// tryFill 成交判定管线：延迟门 → 交叉盘守卫 → 分类型解析。
// 调用方持有 e.mu。
func (e *Engine) tryFill(order *types.Order, n *types.NBBO) *types.Fill {
	// 延迟门：报价时间戳未达到最早可执行时间前订单停泊
	if order.MinExecNs > 0 && n.TimestampNs < order.MinExecNs {
		return nil
	}

	// 交叉盘（bid >= ask）本笔不可用，订单保持挂单
	if !n.Valid() {
		return nil
	}

	switch order.Type {
	case types.OrderMarket:
		return e.resolveMarket(order, n)
	case types.OrderLimit:
		return e.resolveLimit(order, n)
	case types.OrderStop:
		if e.triggerStop(order, n) {
			return e.resolveMarket(order, n)
		}
		return nil
	case types.OrderStopLimit:
		if e.triggerStop(order, n) {
			return e.resolveLimit(order, n)
		}
		return nil
	case types.OrderTrailingStop:
		if e.triggerTrailing(order, n) {
			return e.resolveMarket(order, n)
		}
		return nil
	default:
		return nil
	}
}

// triggerStop 止损触发：买单参照卖价上穿，卖单参照买价下穿。
// stop_triggered 粘性，触发一次后不复位。
func (e *Engine) triggerStop(order *types.Order, n *types.NBBO) bool {
	if order.StopTriggered {
		return true
	}
	if order.Side == types.SideBuy {
		if n.AskPrice >= order.StopPrice {
			order.StopTriggered = true
		}
	} else {
		if n.BidPrice <= order.StopPrice {
			order.StopTriggered = true
		}
	}
	return order.StopTriggered
}

// triggerTrailing 移动止损：水位线取 NBBO 中间价，只向有利方向移动。
// 卖单维护高水位，买单维护低水位；中间价越过 水位±回撤 即触发。
func (e *Engine) triggerTrailing(order *types.Order, n *types.NBBO) bool {
	if order.StopTriggered {
		return true
	}

	mid := n.Mid()

	if order.TrailWatermark == 0 {
		order.TrailWatermark = mid
	} else if order.Side == types.SideSell {
		if mid > order.TrailWatermark {
			order.TrailWatermark = mid
		}
	} else {
		if mid < order.TrailWatermark {
			order.TrailWatermark = mid
		}
	}

	trail := order.TrailPrice
	if trail == 0 && order.TrailPercent > 0 {
		trail = order.TrailWatermark * order.TrailPercent / 100
	}
	if trail <= 0 {
		return false
	}

	if order.Side == types.SideSell {
		if mid <= order.TrailWatermark-trail {
			order.StopTriggered = true
		}
	} else {
		if mid >= order.TrailWatermark+trail {
			order.StopTriggered = true
		}
	}
	return order.StopTriggered
}

// resolveMarket 市价成交：按对手盘最优价，数量受可用量约束。
// FOK 全部成交或不成交；滑点只作用于市价单。
func (e *Engine) resolveMarket(order *types.Order, n *types.NBBO) *types.Fill {
	// 概率性成交抑制：本可成交也可能整笔跳过
	if e.suppressed() {
		return nil
	}

	var touch, avail float64
	if order.Side == types.SideBuy {
		touch, avail = n.AskPrice, n.AskSize
	} else {
		touch, avail = n.BidPrice, n.BidSize
	}
	if e.cfg.ExtendedHours {
		avail *= e.cfg.ExtendedHoursLiquidityFactor
	}
	if avail <= 0 {
		return nil
	}

	leaves := order.LeavesQty()
	qty := leaves
	if avail < qty {
		qty = avail
	}

	if order.TimeInForce == types.TIFFOK && qty < leaves {
		return nil
	}
	if qty < leaves && !e.cfg.AllowPartialFills && order.TimeInForce != types.TIFIOC {
		return nil
	}

	price := touch
	if e.cfg.SlippageBps > 0 {
		if order.Side == types.SideBuy {
			price *= 1 + e.cfg.SlippageBps/10000
		} else {
			price *= 1 - e.cfg.SlippageBps/10000
		}
	}

	return e.applyFill(order, qty, price, n.TimestampNs)
}

// resolveLimit 限价成交：只在可成交价位触发（买 limit ≥ ask，卖 limit ≤ bid，
// 边界相等成交），成交价取 limit 与对手盘最优价中更优者，不加滑点。
func (e *Engine) resolveLimit(order *types.Order, n *types.NBBO) *types.Fill {
	var touch, avail float64
	var marketable bool
	if order.Side == types.SideBuy {
		touch, avail = n.AskPrice, n.AskSize
		marketable = order.LimitPrice >= touch
	} else {
		touch, avail = n.BidPrice, n.BidSize
		marketable = order.LimitPrice <= touch
	}
	if !marketable {
		return nil
	}

	if e.suppressed() {
		return nil
	}

	if e.cfg.ExtendedHours {
		avail *= e.cfg.ExtendedHoursLiquidityFactor
	}
	if avail <= 0 {
		return nil
	}

	leaves := order.LeavesQty()
	qty := leaves
	if avail < qty {
		qty = avail
	}

	if order.TimeInForce == types.TIFFOK && qty < leaves {
		return nil
	}
	if qty < leaves && !e.cfg.AllowPartialFills && order.TimeInForce != types.TIFIOC {
		return nil
	}

	return e.applyFill(order, qty, touch, n.TimestampNs)
}

// suppressed 概率性成交抑制门
func (e *Engine) suppressed() bool {
	return e.cfg.PartialFillProbability > 0 && e.rng.Float64() < e.cfg.PartialFillProbability
}

// applyFill 更新订单成交状态并产出成交
func (e *Engine) applyFill(order *types.Order, qty, price float64, simNs int64) *types.Fill {
	prevFilled := order.FilledQty
	order.AvgFillPrice = (order.AvgFillPrice*prevFilled + price*qty) / (prevFilled + qty)
	order.FilledQty += qty
	order.UpdatedNs = simNs

	partial := order.FilledQty < order.Qty
	if partial {
		order.SetStatus(types.StatusPartiallyFilled)
	} else {
		order.SetStatus(types.StatusFilled)
	}

	return &types.Fill{
		OrderID:     order.OrderID,
		Symbol:      order.Symbol,
		Qty:         qty,
		Price:       price,
		TimestampNs: simNs,
		Partial:     partial,
	}
}
