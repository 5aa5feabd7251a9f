package datasource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/exchange/simbroker/internal/types"
	"github.com/exchange/simbroker/pkg/logger"
)

// CSVSource 从 CSV 文件回放行情事件。
// 行格式：ts_ns,type,symbol,字段...
//
//	QUOTE:    ts,QUOTE,sym,bid,bidSize,ask,askSize
//	TRADE:    ts,TRADE,sym,price,size
//	HALT:     ts,HALT,sym,reason[,durationNs]
//	RESUME:   ts,RESUME,sym
//	DIVIDEND: ts,DIVIDEND,sym,perShare
//	SPLIT:    ts,SPLIT,sym,ratio
//
// 瞬时失败重连重试一次，仍失败返回空批，会话空转不崩溃。
type CSVSource struct {
	path string
	log  *logger.Logger
}

// NewCSVSource 创建 CSV 数据源
func NewCSVSource(path string, log *logger.Logger) *CSVSource {
	return &CSVSource{path: path, log: log}
}

// callbackError 区分消费端回调失败与数据源自身失败：
// 回调失败直接终止，重读无济于事。
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// StreamEvents 按时间窗口与标的过滤回调事件
func (s *CSVSource) StreamEvents(ctx context.Context, symbols []string, startNs, endNs int64, fn func(*types.Event) error) error {
	lastNs, err := s.stream(ctx, symbols, startNs, endNs, fn)
	if err == nil {
		return nil
	}
	var cb *callbackError
	if errors.As(err, &cb) {
		return cb.err
	}
	if ctx.Err() != nil {
		return err
	}

	// 重连重试一次，从已投递位置之后续读，不重复投递前缀
	retryNs := startNs
	if lastNs >= retryNs {
		retryNs = lastNs + 1
	}
	if s.log != nil {
		s.log.Warnf("数据源读取失败，重试一次", map[string]interface{}{
			"path": s.path, "resumeNs": retryNs, "error": err.Error(),
		})
	}
	if _, err := s.stream(ctx, symbols, retryNs, endNs, fn); err != nil {
		if errors.As(err, &cb) {
			return cb.err
		}
		if s.log != nil {
			s.log.Warnf("数据源重试仍失败，返回空批", map[string]interface{}{
				"path": s.path, "error": err.Error(),
			})
		}
	}
	return nil
}

// stream 返回最后一条已投递事件的时间戳，供失败重试续读
func (s *CSVSource) stream(ctx context.Context, symbols []string, startNs, endNs int64, fn func(*types.Event) error) (int64, error) {
	lastNs := int64(-1)
	f, err := os.Open(s.path)
	if err != nil {
		return lastNs, fmt.Errorf("datasource: open: %w", err)
	}
	defer f.Close()

	set := newSymbolSet(symbols)
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var lineNo int
	for {
		if err := ctx.Err(); err != nil {
			return lastNs, err
		}

		row, err := r.Read()
		if err == io.EOF {
			return lastNs, nil
		}
		if err != nil {
			return lastNs, fmt.Errorf("datasource: read: %w", err)
		}
		lineNo++

		ev, perr := parseRow(row)
		if perr != nil {
			if s.log != nil {
				s.log.Warnf("CSV 畸形行已跳过", map[string]interface{}{
					"path": s.path, "line": lineNo, "error": perr.Error(),
				})
			}
			continue
		}
		if ev.TimestampNs < startNs || (endNs > 0 && ev.TimestampNs > endNs) {
			continue
		}
		if !set.match(ev.Symbol) {
			continue
		}
		if err := fn(ev); err != nil {
			return lastNs, &callbackError{err: err}
		}
		lastNs = ev.TimestampNs
	}
}

func parseRow(row []string) (*types.Event, error) {
	if len(row) < 3 {
		return nil, fmt.Errorf("short row, %d fields", len(row))
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad ts_ns %q", row[0])
	}
	kind, symbol := row[1], row[2]

	switch kind {
	case "QUOTE":
		if len(row) < 7 {
			return nil, fmt.Errorf("quote row needs 7 fields, got %d", len(row))
		}
		bid, err1 := strconv.ParseFloat(row[3], 64)
		bidSz, err2 := strconv.ParseFloat(row[4], 64)
		ask, err3 := strconv.ParseFloat(row[5], 64)
		askSz, err4 := strconv.ParseFloat(row[6], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return nil, fmt.Errorf("bad quote fields")
		}
		return &types.Event{
			Type: types.EventQuote, TimestampNs: ts, Symbol: symbol,
			Data: types.QuoteData{NBBO: types.NBBO{
				Symbol: symbol, BidPrice: bid, BidSize: bidSz,
				AskPrice: ask, AskSize: askSz, TimestampNs: ts,
			}},
		}, nil
	case "TRADE":
		if len(row) < 5 {
			return nil, fmt.Errorf("trade row needs 5 fields, got %d", len(row))
		}
		price, err1 := strconv.ParseFloat(row[3], 64)
		size, err2 := strconv.ParseFloat(row[4], 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("bad trade fields")
		}
		return &types.Event{
			Type: types.EventTrade, TimestampNs: ts, Symbol: symbol,
			Data: types.TradeData{Price: price, Size: size},
		}, nil
	case "HALT":
		var reason string
		var dur int64
		if len(row) > 3 {
			reason = row[3]
		}
		if len(row) > 4 {
			dur, _ = strconv.ParseInt(row[4], 10, 64)
		}
		return &types.Event{
			Type: types.EventHalt, TimestampNs: ts, Symbol: symbol,
			Data: types.HaltData{Reason: reason, DurationNs: dur},
		}, nil
	case "RESUME":
		return &types.Event{Type: types.EventResume, TimestampNs: ts, Symbol: symbol}, nil
	case "DIVIDEND":
		if len(row) < 4 {
			return nil, fmt.Errorf("dividend row needs 4 fields")
		}
		amount, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("bad dividend amount %q", row[3])
		}
		return &types.Event{
			Type: types.EventDividend, TimestampNs: ts, Symbol: symbol,
			Data: types.DividendData{Amount: amount},
		}, nil
	case "SPLIT":
		if len(row) < 4 {
			return nil, fmt.Errorf("split row needs 4 fields")
		}
		ratio, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("bad split ratio %q", row[3])
		}
		return &types.Event{
			Type: types.EventSplit, TimestampNs: ts, Symbol: symbol,
			Data: types.SplitData{Ratio: ratio},
		}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}
