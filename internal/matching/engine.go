// Package matching 订单撮合引擎（每会话一个实例）
package matching

import (
	"math/rand"
	"sync"

	"github.com/exchange/simbroker/internal/types"
)

// Config 撮合配置
type Config struct {
	// RejectionProbability 提交前的概率性拒单
	RejectionProbability float64
	// PartialFillProbability 本可成交时跳过成交的概率门
	PartialFillProbability float64
	// AllowPartialFills 市价/限价单流动性不足时允许部分成交
	AllowPartialFills bool
	// SlippageBps 仅作用于市价成交的执行成本滑点（基点）
	SlippageBps float64
	// ExtendedHours 盘后时段缩减对手盘可用量
	ExtendedHours bool
	// ExtendedHoursLiquidityFactor 盘后可用量系数（默认 0.5）
	ExtendedHoursLiquidityFactor float64
	// Seed 随机源种子，固定后回放可复现
	Seed int64
}

// DefaultConfig 默认撮合配置
func DefaultConfig() Config {
	return Config{
		AllowPartialFills:            true,
		ExtendedHoursLiquidityFactor: 0.5,
		Seed:                         1,
	}
}

// Result 报价更新产生的成交与过期批次
type Result struct {
	Fills   []types.Fill
	Expired []*types.Order
}

// Engine 撮合引擎。单把互斥锁保护两张表：
// 按标的的 NBBO 缓存与按订单号的挂单表。
// queue 记录挂单的提交先后，撮合按先到先试；
// 固定 Seed 时随机源的消耗顺序因此可复现。
type Engine struct {
	mu      sync.Mutex
	nbbo    map[string]*types.NBBO
	pending map[string]*types.Order
	queue   []string

	cfg Config
	rng *rand.Rand
}

// New 创建撮合引擎
func New(cfg Config) *Engine {
	if cfg.ExtendedHoursLiquidityFactor <= 0 {
		cfg.ExtendedHoursLiquidityFactor = 0.5
	}
	return &Engine{
		nbbo:    make(map[string]*types.NBBO),
		pending: make(map[string]*types.Order),
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
}

// UpdateNBBO 整体替换报价缓存，随后对该标的的每个挂单：
// 先按模拟时间判定 TIF 过期，否则尝试成交。
func (e *Engine) UpdateNBBO(n *types.NBBO) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nbbo[n.Symbol] = n

	var result Result
	live := e.queue[:0]
	for _, id := range e.queue {
		order, ok := e.pending[id]
		if !ok {
			// 已取消/已移除的残留编号，顺带压实
			continue
		}
		if order.Symbol != n.Symbol {
			live = append(live, id)
			continue
		}

		// TIF 过期用模拟时间衡量，不是墙钟
		if order.ExpireAtNs > 0 && order.ExpireAtNs < n.TimestampNs {
			order.SetStatus(types.StatusExpired)
			order.UpdatedNs = n.TimestampNs
			delete(e.pending, id)
			result.Expired = append(result.Expired, order)
			continue
		}

		if fill := e.tryFill(order, n); fill != nil {
			result.Fills = append(result.Fills, *fill)
			if !order.Status.Open() {
				delete(e.pending, id)
				continue
			}
		}
		live = append(live, id)
	}
	e.queue = live
	return result
}

// SubmitOrder 提交订单。概率性拒单返回 rejected=true；
// 尚无 NBBO 时挂为 ACCEPTED；否则立即尝试撮合。
// IOC/FOK 永不挂单，未成交的剩余由调用方取消。
func (e *Engine) SubmitOrder(order *types.Order) (*types.Fill, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.RejectionProbability > 0 && e.rng.Float64() < e.cfg.RejectionProbability {
		order.SetStatus(types.StatusRejected)
		return nil, true
	}

	order.SetStatus(types.StatusAccepted)

	n, ok := e.nbbo[order.Symbol]
	var fill *types.Fill
	if ok {
		fill = e.tryFill(order, n)
	}

	if order.Status.Open() && !order.TimeInForce.Immediate() {
		if order.Type == types.OrderLimit && fill == nil {
			// 限价挂单默认提供流动性
			order.Maker = true
		}
		if _, ok := e.pending[order.OrderID]; !ok {
			e.queue = append(e.queue, order.OrderID)
		}
		e.pending[order.OrderID] = order
	}
	return fill, false
}

// CancelOrder 取消挂单，返回被取消的订单
func (e *Engine) CancelOrder(orderID string, simNs int64) *types.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.pending[orderID]
	if !ok {
		return nil
	}
	delete(e.pending, orderID)
	order.SetStatus(types.StatusCanceled)
	order.UpdatedNs = simNs
	return order
}

// NBBO 当前报价快照
func (e *Engine) NBBO(symbol string) *types.NBBO {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nbbo[symbol]
}

// RestoreNBBO 恢复时重建报价缓存
func (e *Engine) RestoreNBBO(n *types.NBBO) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nbbo[n.Symbol] = n
}

// PendingOrders 挂单列表，按提交先后排列
func (e *Engine) PendingOrders() []*types.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*types.Order, 0, len(e.pending))
	for _, id := range e.queue {
		if o, ok := e.pending[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// Order 按订单号查挂单
func (e *Engine) Order(orderID string) *types.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending[orderID]
}

// Resubmit 恢复时把未终结订单直接放回挂单表，不触发撮合
func (e *Engine) Resubmit(order *types.Order) {
	if order == nil || !order.Status.Open() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[order.OrderID]; !ok {
		e.queue = append(e.queue, order.OrderID)
	}
	e.pending[order.OrderID] = order
}

// Remove 从挂单表摘除订单，不改状态（恢复回放终结订单用）
func (e *Engine) Remove(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, orderID)
}

// Reset 清空两张表
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nbbo = make(map[string]*types.NBBO)
	e.pending = make(map[string]*types.Order)
	e.queue = nil
}
