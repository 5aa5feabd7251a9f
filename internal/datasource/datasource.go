// Package datasource 历史行情数据源（回放馈送方）
package datasource

import (
	"context"

	"github.com/exchange/simbroker/internal/types"
)

// DataSource 数据源契约：按时间升序回调窗口内的行情事件。
// 实现方只需保证时间戳单调与标的字段有效。
type DataSource interface {
	StreamEvents(ctx context.Context, symbols []string, startNs, endNs int64, fn func(*types.Event) error) error
}

// symbolSet 标的过滤集合，空列表放行全部
type symbolSet map[string]struct{}

func newSymbolSet(symbols []string) symbolSet {
	if len(symbols) == 0 {
		return nil
	}
	set := make(symbolSet, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return set
}

func (s symbolSet) match(symbol string) bool {
	if s == nil {
		return true
	}
	_, ok := s[symbol]
	return ok
}
