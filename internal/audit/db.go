package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/exchange/simbroker/pkg/snowflake"
)

// DBTrail 使用 PostgreSQL（database/sql）落库审计记录，默认异步写入
// 避免阻塞会话工作循环。应用需自行 import 驱动（github.com/lib/pq）。
type DBTrail struct {
	db *sql.DB

	insertQueue chan *Entry
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	onError func(error)
}

type DBTrailOption func(*dbTrailOptions)

type dbTrailOptions struct {
	queueSize  int
	workers    int
	onError    func(error)
	skipWorker bool
}

func WithQueueSize(size int) DBTrailOption {
	return func(o *dbTrailOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

func WithWorkers(n int) DBTrailOption {
	return func(o *dbTrailOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) DBTrailOption {
	return func(o *dbTrailOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithSynchronousWrite 让 Record() 直接写库（测试与关停前冲刷用）
func WithSynchronousWrite() DBTrailOption {
	return func(o *dbTrailOptions) {
		o.skipWorker = true
	}
}

// NewDBTrail 创建落库审计轨迹
func NewDBTrail(db *sql.DB, opts ...DBTrailOption) (*DBTrail, error) {
	if db == nil {
		return nil, errors.New("audit: db is nil")
	}

	cfg := dbTrailOptions{
		queueSize: 4096,
		workers:   2,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	t := &DBTrail{
		db:      db,
		onError: cfg.onError,
	}

	if cfg.skipWorker {
		return t, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.insertQueue = make(chan *Entry, cfg.queueSize)

	for i := 0; i < cfg.workers; i++ {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item := <-t.insertQueue:
					if item == nil {
						continue
					}
					if err := t.insert(ctx, item); err != nil {
						t.onError(err)
					}
				}
			}
		}()
	}

	return t, nil
}

// Close 停止后台写入协程
func (t *DBTrail) Close() {
	if t == nil {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Record 实现 Trail。异步模式队列满时丢弃并通知错误处理器。
func (t *DBTrail) Record(ctx context.Context, entry *Entry) error {
	if t == nil || t.db == nil || entry == nil {
		return nil
	}

	if strings.TrimSpace(entry.Detail) == "" {
		entry.Detail = "{}"
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	if entry.ID == 0 {
		if id, err := snowflake.NextID(); err == nil {
			entry.ID = id
		} else {
			entry.ID = time.Now().UnixNano()
		}
	}

	if t.insertQueue == nil {
		return t.insert(ctx, entry)
	}

	select {
	case t.insertQueue <- entry:
	default:
		if t.onError != nil {
			t.onError(errors.New("audit: queue full, entry dropped"))
		}
	}
	return nil
}

// Query 审计查询
func (t *DBTrail) Query(ctx context.Context, filter *QueryFilter) ([]*Entry, error) {
	if t == nil || t.db == nil {
		return nil, errors.New("audit: db trail not initialized")
	}

	var (
		where  []string
		args   []interface{}
		argIdx = 1
	)
	if filter != nil {
		if filter.SessionID != "" {
			where = append(where, fmt.Sprintf("session_id = $%d", argIdx))
			args = append(args, filter.SessionID)
			argIdx++
		}
		if filter.EventType != "" {
			where = append(where, fmt.Sprintf("event_type = $%d", argIdx))
			args = append(args, filter.EventType)
			argIdx++
		}
		if filter.StartNs != 0 {
			where = append(where, fmt.Sprintf("sim_ns >= $%d", argIdx))
			args = append(args, filter.StartNs)
			argIdx++
		}
		if filter.EndNs != 0 {
			where = append(where, fmt.Sprintf("sim_ns <= $%d", argIdx))
			args = append(args, filter.EndNs)
			argIdx++
		}
	}

	query := `
SELECT id, event_type, session_id, symbol, order_id, sim_ns, detail, timestamp
FROM session_audit
`
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	query += "ORDER BY sim_ns DESC, id DESC\n"

	limit, offset := 100, 0
	if filter != nil {
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		if filter.Offset > 0 {
			offset = filter.Offset
		}
	}
	query += fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var item Entry
		if err := rows.Scan(
			&item.ID,
			&item.EventType,
			&item.SessionID,
			&item.Symbol,
			&item.OrderID,
			&item.SimNs,
			&item.Detail,
			&item.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (t *DBTrail) insert(ctx context.Context, entry *Entry) error {
	const stmt = `
INSERT INTO session_audit (
  id, event_type, session_id, symbol, order_id, sim_ns, detail, timestamp
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	_, err := t.db.ExecContext(ctx, stmt,
		entry.ID,
		entry.EventType,
		entry.SessionID,
		entry.Symbol,
		entry.OrderID,
		entry.SimNs,
		entry.Detail,
		entry.Timestamp,
	)
	return err
}

// CreateTableSQL 提供 session_audit 表结构（初始化/迁移用）
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS session_audit (
  id BIGINT PRIMARY KEY,
  event_type VARCHAR(64) NOT NULL,
  session_id VARCHAR(128) NOT NULL,
  symbol VARCHAR(32) NOT NULL DEFAULT '',
  order_id VARCHAR(64) NOT NULL DEFAULT '',
  sim_ns BIGINT NOT NULL DEFAULT 0,
  detail JSONB NOT NULL DEFAULT '{}'::jsonb,
  timestamp BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_audit_session_ns ON session_audit(session_id, sim_ns DESC);
CREATE INDEX IF NOT EXISTS idx_session_audit_event_ns ON session_audit(event_type, sim_ns DESC);
`
