// Package account 账户与持仓台账（会话的外部协作方，窄接口消费）
package account

import (
	"sync"

	"github.com/exchange/simbroker/internal/types"
)

// Position 持仓，Qty 为负表示空头
type Position struct {
	Symbol    string  `json:"symbol"`
	Qty       float64 `json:"qty"`
	AvgPrice  float64 `json:"avgPrice"`
	LastPrice float64 `json:"lastPrice"`
}

// MarketValue 市值（带符号）
func (p Position) MarketValue() float64 {
	return p.Qty * p.LastPrice
}

// UnrealizedPnL 浮动盈亏
func (p Position) UnrealizedPnL() float64 {
	return p.Qty * (p.LastPrice - p.AvgPrice)
}

// State 账户状态快照
type State struct {
	Cash        float64 `json:"cash"`
	Equity      float64 `json:"equity"`
	MarginUsed  float64 `json:"marginUsed"`
	RealizedPnL float64 `json:"realizedPnl"`
}

// Manager 会话消费的台账窄接口
type Manager interface {
	MarkToMarket(symbol string, price float64)
	ApplyFill(symbol string, fill types.Fill, side types.Side, fees float64)
	ApplyDividend(symbol string, perShare float64)
	ApplySplit(symbol string, ratio float64)
	HasBuyingPower(notional float64, isBuy bool) bool
	Positions() map[string]Position
	Position(symbol string) (Position, bool)
	State() State
	RestoreState(state State)
	RestorePositions(positions map[string]Position)
	Reset(cash float64)
}

// Config 台账配置
type Config struct {
	// InitialCash 初始资金
	InitialCash float64
	// Leverage 购买力杠杆（1 = 现金账户）
	Leverage float64
	// ShortMarginRatio 空头占用保证金比例
	ShortMarginRatio float64
	// AllowShort 允许做空
	AllowShort bool
}

// DefaultConfig 默认台账配置
func DefaultConfig() Config {
	return Config{
		InitialCash:      100000,
		Leverage:         1,
		ShortMarginRatio: 0.5,
		AllowShort:       true,
	}
}

// Ledger 自锁台账实现，每会话一个实例
type Ledger struct {
	mu sync.Mutex

	cash      float64
	realized  float64
	positions map[string]*Position

	cfg Config
}

// NewLedger 创建台账
func NewLedger(cfg Config) *Ledger {
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	if cfg.ShortMarginRatio <= 0 {
		cfg.ShortMarginRatio = 0.5
	}
	return &Ledger{
		cash:      cfg.InitialCash,
		positions: make(map[string]*Position),
		cfg:       cfg,
	}
}

// MarkToMarket 按最新价重估持仓
func (l *Ledger) MarkToMarket(symbol string, price float64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.positions[symbol]; ok {
		p.LastPrice = price
	}
}

// ApplyFill 落账成交：买入扣现金，卖出加现金，减仓结转已实现盈亏
func (l *Ledger) ApplyFill(symbol string, fill types.Fill, side types.Side, fees float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol}
		l.positions[symbol] = p
	}

	signedQty := fill.Qty
	if side == types.SideSell {
		signedQty = -fill.Qty
	}

	notional := fill.Qty * fill.Price
	if side == types.SideBuy {
		l.cash -= notional + fees
	} else {
		l.cash += notional - fees
	}

	switch {
	case p.Qty == 0 || (p.Qty > 0) == (signedQty > 0):
		// 开仓或加仓：均价按数量加权
		total := p.Qty + signedQty
		p.AvgPrice = (p.AvgPrice*abs(p.Qty) + fill.Price*fill.Qty) / (abs(p.Qty) + fill.Qty)
		p.Qty = total
	case abs(signedQty) <= abs(p.Qty):
		// 减仓：结转已实现盈亏
		closed := abs(signedQty)
		if p.Qty > 0 {
			l.realized += closed * (fill.Price - p.AvgPrice)
		} else {
			l.realized += closed * (p.AvgPrice - fill.Price)
		}
		p.Qty += signedQty
		if p.Qty == 0 {
			p.AvgPrice = 0
		}
	default:
		// 反手：先平掉旧仓，剩余按成交价开新仓
		closed := abs(p.Qty)
		if p.Qty > 0 {
			l.realized += closed * (fill.Price - p.AvgPrice)
		} else {
			l.realized += closed * (p.AvgPrice - fill.Price)
		}
		p.Qty += signedQty
		p.AvgPrice = fill.Price
	}

	p.LastPrice = fill.Price
	if p.Qty == 0 {
		delete(l.positions, symbol)
	}
}

// ApplyDividend 现金分红：多头收取，空头支付
func (l *Ledger) ApplyDividend(symbol string, perShare float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.positions[symbol]; ok {
		l.cash += p.Qty * perShare
	}
}

// ApplySplit 拆股：数量乘比例，价格除比例
func (l *Ledger) ApplySplit(symbol string, ratio float64) {
	if ratio <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.positions[symbol]; ok {
		p.Qty *= ratio
		p.AvgPrice /= ratio
		p.LastPrice /= ratio
	}
}

// HasBuyingPower 买入按购买力（现金×杠杆），卖出空头按保证金与做空开关
func (l *Ledger) HasBuyingPower(notional float64, isBuy bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if isBuy {
		return l.cash*l.cfg.Leverage >= notional
	}
	if !l.cfg.AllowShort {
		return false
	}
	equity := l.equityLocked()
	return equity-l.marginUsedLocked() >= notional*l.cfg.ShortMarginRatio
}

// Positions 持仓快照（拷贝）
func (l *Ledger) Positions() map[string]Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Position, len(l.positions))
	for sym, p := range l.positions {
		out[sym] = *p
	}
	return out
}

// Position 单标的持仓
func (l *Ledger) Position(symbol string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// State 账户状态快照
func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return State{
		Cash:        l.cash,
		Equity:      l.equityLocked(),
		MarginUsed:  l.marginUsedLocked(),
		RealizedPnL: l.realized,
	}
}

// RestoreState 恢复账户状态（检查点恢复路径）
func (l *Ledger) RestoreState(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cash = state.Cash
	l.realized = state.RealizedPnL
}

// RestorePositions 恢复持仓（检查点恢复路径）
func (l *Ledger) RestorePositions(positions map[string]Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = make(map[string]*Position, len(positions))
	for sym, p := range positions {
		cp := p
		l.positions[sym] = &cp
	}
}

// Reset 清空并重置初始资金（jump_to 重建路径）
func (l *Ledger) Reset(cash float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cash = cash
	l.realized = 0
	l.positions = make(map[string]*Position)
}

func (l *Ledger) equityLocked() float64 {
	equity := l.cash
	for _, p := range l.positions {
		equity += p.MarketValue()
	}
	return equity
}

func (l *Ledger) marginUsedLocked() float64 {
	var used float64
	for _, p := range l.positions {
		if p.Qty < 0 {
			used += abs(p.MarketValue()) * l.cfg.ShortMarginRatio
		}
	}
	return used
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
