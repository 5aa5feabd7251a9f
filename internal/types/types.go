// Package types 模拟交易核心类型
package types

// Side 订单方向
type Side int

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

// String 方向名称
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite 反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 订单类型
type OrderType int

const (
	OrderMarket       OrderType = 1
	OrderLimit        OrderType = 2
	OrderStop         OrderType = 3
	OrderStopLimit    OrderType = 4
	OrderTrailingStop OrderType = 5
)

// String 类型名称
func (t OrderType) String() string {
	switch t {
	case OrderMarket:
		return "MARKET"
	case OrderLimit:
		return "LIMIT"
	case OrderStop:
		return "STOP"
	case OrderStopLimit:
		return "STOP_LIMIT"
	case OrderTrailingStop:
		return "TRAILING_STOP"
	default:
		return "UNKNOWN"
	}
}

// TimeInForce 订单有效期
type TimeInForce int

const (
	TIFDay TimeInForce = 1
	TIFGTC TimeInForce = 2
	TIFIOC TimeInForce = 3
	TIFFOK TimeInForce = 4
	TIFOPG TimeInForce = 5
	TIFCLS TimeInForce = 6
)

// String 有效期名称
func (t TimeInForce) String() string {
	switch t {
	case TIFDay:
		return "DAY"
	case TIFGTC:
		return "GTC"
	case TIFIOC:
		return "IOC"
	case TIFFOK:
		return "FOK"
	case TIFOPG:
		return "OPG"
	case TIFCLS:
		return "CLS"
	default:
		return "UNKNOWN"
	}
}

// Immediate IOC/FOK 不允许挂单
func (t TimeInForce) Immediate() bool {
	return t == TIFIOC || t == TIFFOK
}

// OrderStatus 订单状态
type OrderStatus int

const (
	StatusPendingNew      OrderStatus = 1
	StatusAccepted        OrderStatus = 2
	StatusPartiallyFilled OrderStatus = 3
	StatusFilled          OrderStatus = 4
	StatusCanceled        OrderStatus = 5
	StatusRejected        OrderStatus = 6
	StatusExpired         OrderStatus = 7
)

// String 状态名称
func (s OrderStatus) String() string {
	switch s {
	case StatusPendingNew:
		return "PENDING_NEW"
	case StatusAccepted:
		return "ACCEPTED"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCanceled:
		return "CANCELED"
	case StatusRejected:
		return "REJECTED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Terminal 终态不可逆
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Open 仍可成交的状态
func (s OrderStatus) Open() bool {
	switch s {
	case StatusPendingNew, StatusAccepted, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// Order 订单
type Order struct {
	OrderID      string      `json:"orderId"`
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	Type         OrderType   `json:"type"`
	TimeInForce  TimeInForce `json:"timeInForce"`
	Qty          float64     `json:"qty"`
	FilledQty    float64     `json:"filledQty"`
	LimitPrice   float64     `json:"limitPrice,omitempty"`
	StopPrice    float64     `json:"stopPrice,omitempty"`
	TrailPrice   float64     `json:"trailPrice,omitempty"`
	TrailPercent float64     `json:"trailPercent,omitempty"`
	AvgFillPrice float64     `json:"avgFillPrice,omitempty"`
	Status       OrderStatus `json:"status"`

	// 纳秒时间戳，均为模拟时间
	CreatedNs int64 `json:"createdNs"`
	UpdatedNs int64 `json:"updatedNs"`
	// ExpireAtNs 为 0 表示不过期
	ExpireAtNs int64 `json:"expireAtNs,omitempty"`
	// MinExecNs 延迟门：报价时间戳达到之前不允许成交
	MinExecNs int64 `json:"minExecNs,omitempty"`

	// 止损/移动止损运行态
	StopTriggered  bool    `json:"stopTriggered,omitempty"`
	TrailWatermark float64 `json:"trailWatermark,omitempty"`

	// Maker 挂单提供流动性（影响费率档）
	Maker bool `json:"maker,omitempty"`
}

// LeavesQty 剩余数量
func (o *Order) LeavesQty() float64 {
	left := o.Qty - o.FilledQty
	if left < 0 {
		return 0
	}
	return left
}

// SetStatus 状态迁移，终态单向（终态后不再回退）
func (o *Order) SetStatus(status OrderStatus) {
	if o.Status.Terminal() {
		return
	}
	o.Status = status
}

// NBBO 最优买卖报价快照
type NBBO struct {
	Symbol      string  `json:"symbol"`
	BidPrice    float64 `json:"bidPrice"`
	BidSize     float64 `json:"bidSize"`
	AskPrice    float64 `json:"askPrice"`
	AskSize     float64 `json:"askSize"`
	TimestampNs int64   `json:"timestampNs"`
}

// Valid 有效报价要求 bid < ask 且双边为正
func (n *NBBO) Valid() bool {
	return n.BidPrice > 0 && n.AskPrice > 0 && n.BidPrice < n.AskPrice
}

// Crossed 交叉盘：bid >= ask，本笔不可用
func (n *NBBO) Crossed() bool {
	return n.BidPrice > 0 && n.AskPrice > 0 && n.BidPrice >= n.AskPrice
}

// Mid 中间价
func (n *NBBO) Mid() float64 {
	return (n.BidPrice + n.AskPrice) / 2
}

// Fill 成交结果
type Fill struct {
	OrderID     string  `json:"orderId"`
	Symbol      string  `json:"symbol"`
	Qty         float64 `json:"qty"`
	Price       float64 `json:"price"`
	TimestampNs int64   `json:"timestampNs"`
	Partial     bool    `json:"partial"`
}
