package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/exchange/simbroker/pkg/logger"
)

// DefaultArchiveRetain 检查点归档保留份数
const DefaultArchiveRetain = 3

// Logger 追加写 JSON Lines 预写日志，单会话一个实例。
// 每次 Append 同步落盘后才返回，先持久后可见。
type Logger struct {
	mu sync.Mutex

	dir       string
	sessionID string
	file      *os.File
	retain    int

	log *logger.Logger
}

// NewLogger 打开（或续写）会话 WAL 文件
func NewLogger(dir, sessionID string, log *logger.Logger) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	w := &Logger{
		dir:       dir,
		sessionID: sessionID,
		retain:    DefaultArchiveRetain,
		log:       log,
	}
	f, err := os.OpenFile(w.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}
	w.file = f
	return w, nil
}

// Path 活动 WAL 文件路径
func (w *Logger) Path() string {
	return filepath.Join(w.dir, "session_"+w.sessionID+".wal.jsonl")
}

// Append 追加一条记录并同步到磁盘
func (w *Logger) Append(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wal: marshal: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("wal: closed")
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// Archive 在检查点落盘后调用：当前 WAL 改名归档并开新文件，
// 归档名带检查点时间戳，超出保留份数的最老归档删除。
func (w *Logger) Archive(checkpointNs int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("wal: closed")
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close for archive: %w", err)
	}

	archived := fmt.Sprintf("%s.%d.archived", w.Path(), checkpointNs)
	if err := os.Rename(w.Path(), archived); err != nil {
		return fmt.Errorf("wal: archive rename: %w", err)
	}

	f, err := os.OpenFile(w.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen: %w", err)
	}
	w.file = f

	w.pruneArchivesLocked()
	return nil
}

// Truncate 清空活动 WAL（jump_to 重建路径：被丢弃的时间线不再回放）
func (w *Logger) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("wal: closed")
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close for truncate: %w", err)
	}
	f, err := os.OpenFile(w.Path(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen: %w", err)
	}
	w.file = f
	return nil
}

// pruneArchivesLocked 按检查点时间戳排序，删除超出保留份数的最老归档
func (w *Logger) pruneArchivesLocked() {
	prefix := "session_" + w.sessionID + ".wal.jsonl."
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}

	type archive struct {
		name string
		ns   int64
	}
	var archives []archive
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".archived") {
			continue
		}
		nsStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".archived")
		ns, err := strconv.ParseInt(nsStr, 10, 64)
		if err != nil {
			continue
		}
		archives = append(archives, archive{name: name, ns: ns})
	}

	if len(archives) <= w.retain {
		return
	}
	sort.Slice(archives, func(i, j int) bool { return archives[i].ns < archives[j].ns })
	for _, a := range archives[:len(archives)-w.retain] {
		if err := os.Remove(filepath.Join(w.dir, a.name)); err != nil && w.log != nil {
			w.log.Warnf("删除过期 WAL 归档失败", map[string]interface{}{
				"file": a.name, "error": err.Error(),
			})
		}
	}
}

// Close 关闭 WAL 文件
func (w *Logger) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}

// Replay 从活动 WAL 读出 ts_ns 大于 afterNs 的记录，按文件顺序回调。
// 畸形行跳过并告警，不中断恢复。
func (w *Logger) Replay(afterNs int64, fn func(*Record) error) (int, error) {
	return ReplayFile(w.Path(), afterNs, w.log, fn)
}

// ReplayFile 回放指定 WAL 文件
func ReplayFile(path string, afterNs int64, log *logger.Logger, fn func(*Record) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("wal: open for replay: %w", err)
	}
	defer f.Close()

	var replayed, lineNo int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			if log != nil {
				log.Warnf("WAL 畸形行已跳过", map[string]interface{}{
					"file": path, "line": lineNo, "error": err.Error(),
				})
			}
			continue
		}
		if rec.TsNs <= afterNs {
			continue
		}
		if err := fn(&rec); err != nil {
			return replayed, err
		}
		replayed++
	}
	if err := sc.Err(); err != nil {
		return replayed, fmt.Errorf("wal: scan: %w", err)
	}
	return replayed, nil
}
