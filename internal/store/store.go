package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xiaopang/unlimitedproxy/internal/config"
	"github.com/xiaopang/unlimitedproxy/internal/model"
)

// Store 凭证持久化接口
//
// 只做存取，不含任何策略；生命周期判断归 TokenManager。
type Store interface {
	// Load 返回存储中的全部凭证快照
	Load() ([]*model.Credential, error)
	// Save 按凭证值 upsert 快照
	Save(c *model.Credential) error
	// Delete 删除凭证
	Delete(value string) error
	Close() error
}

// New 按配置创建存储后端
func New(cfg *config.TokenConfig) (Store, error) {
	switch cfg.StorageType {
	case "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(filepath.Join(cfg.StoragePath, "tokens.json")), nil
	case "sqlite":
		return NewSQLite(cfg.DBPath)
	case "redis":
		return NewRedis(cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
}

// Memory 内存存储，进程退出即丢失
type Memory struct {
	mu    sync.Mutex
	creds map[string]*model.Credential
}

// NewMemory 创建内存存储
func NewMemory() *Memory {
	return &Memory{creds: make(map[string]*model.Credential)}
}

func (m *Memory) Load() ([]*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Credential, 0, len(m.creds))
	for _, c := range m.creds {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Save(c *model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.creds[c.Value] = &cp
	return nil
}

func (m *Memory) Delete(value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, value)
	return nil
}

func (m *Memory) Close() error { return nil }

// File 文件存储，整个池序列化为一个 JSON 文件
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile 创建文件存储
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Load() ([]*model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var creds []*model.Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		// 文件损坏按空处理，后续 Save 会覆盖
		return nil, nil
	}
	return creds, nil
}

func (f *File) Save(c *model.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, _ := f.loadLocked()
	replaced := false
	for i, old := range creds {
		if old.Value == c.Value {
			creds[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		creds = append(creds, c)
	}
	return f.writeLocked(creds)
}

func (f *File) Delete(value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, _ := f.loadLocked()
	out := creds[:0]
	for _, c := range creds {
		if c.Value != value {
			out = append(out, c)
		}
	}
	return f.writeLocked(out)
}

func (f *File) Close() error { return nil }

func (f *File) loadLocked() ([]*model.Credential, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var creds []*model.Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

func (f *File) writeLocked(creds []*model.Credential) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0600)
}
