package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/exchange/simbroker/pkg/logger"
)

// Store 检查点存取，临时文件加原子改名，读端不见半成品
type Store struct {
	dir string
	log *logger.Logger
}

// NewStore 创建检查点存取器
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Path 会话检查点文件路径
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, "session_"+sessionID+".ckpt.json")
}

// Save 原子写入检查点
func (s *Store) Save(ck *Checkpoint) error {
	data, err := json.MarshalIndent(ck, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	path := s.Path(ck.SessionID)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

// Load 读取会话检查点。文件缺失返回 (nil, nil)，
// 畸形文件告警后同样返回空，恢复走尽力而为。
func (s *Store) Load(sessionID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.Path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}

	var ck Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		if s.log != nil {
			s.log.Warnf("检查点文件畸形，忽略", map[string]interface{}{
				"sessionId": sessionID, "error": err.Error(),
			})
		}
		return nil, nil
	}
	return &ck, nil
}

// Remove 删除会话检查点（jump_to 重建路径）
func (s *Store) Remove(sessionID string) error {
	err := os.Remove(s.Path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: remove: %w", err)
	}
	return nil
}
