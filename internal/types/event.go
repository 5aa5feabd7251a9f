package types

// EventType 事件类型
type EventType int

const (
	EventQuote EventType = iota + 1
	EventTrade
	EventHalt
	EventResume
	EventDividend
	EventSplit
	EventOrderNew
	EventOrderFill
	EventOrderCancel
	EventOrderExpire
)

// String 事件类型标签，WAL/审计使用同一套标签
func (t EventType) String() string {
	switch t {
	case EventQuote:
		return "QUOTE"
	case EventTrade:
		return "TRADE"
	case EventHalt:
		return "HALT"
	case EventResume:
		return "RESUME"
	case EventDividend:
		return "DIVIDEND"
	case EventSplit:
		return "SPLIT"
	case EventOrderNew:
		return "ORDER_NEW"
	case EventOrderFill:
		return "ORDER_FILL"
	case EventOrderCancel:
		return "ORDER_CANCEL"
	case EventOrderExpire:
		return "ORDER_EXPIRE"
	default:
		return "UNKNOWN"
	}
}

// Event 市场/订单/公司行动事件
type Event struct {
	Type EventType `json:"type"`
	// Seq 队列内单调递增，同时间戳事件按入队顺序回放
	Seq         int64       `json:"seq"`
	TimestampNs int64       `json:"timestampNs"`
	Symbol      string      `json:"symbol"`
	Data        interface{} `json:"data,omitempty"`
}

// QuoteData 报价事件载荷
type QuoteData struct {
	NBBO NBBO `json:"nbbo"`
}

// TradeData 逐笔成交事件载荷
type TradeData struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// HaltData 停牌事件载荷，DurationNs 为 0 表示等待 RESUME
type HaltData struct {
	Reason     string `json:"reason,omitempty"`
	DurationNs int64  `json:"durationNs,omitempty"`
}

// DividendData 每股分红
type DividendData struct {
	Amount float64 `json:"amount"`
}

// SplitData 拆股比例（2.0 = 一拆二）
type SplitData struct {
	Ratio float64 `json:"ratio"`
}

// OrderData 订单事件载荷
type OrderData struct {
	Order Order `json:"order"`
}

// FillData 成交事件载荷
type FillData struct {
	Fill Fill `json:"fill"`
}

// Before 队列排序键：(timestamp, sequence) 升序
func (e *Event) Before(other *Event) bool {
	if e.TimestampNs != other.TimestampNs {
		return e.TimestampNs < other.TimestampNs
	}
	return e.Seq < other.Seq
}
