package core

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xiaopang/unlimitedproxy/internal/logger"
	"github.com/xiaopang/unlimitedproxy/internal/model"
)

var (
	// ErrKeyNotFound 密钥不存在
	ErrKeyNotFound = errors.New("invalid api key")
	// ErrKeyExpired 密钥已过期
	ErrKeyExpired = errors.New("api key expired")
)

// KeyRegistry 管理网关签发的 API 密钥
//
// 密钥集合整体加载、整体替换；验证路径只读当前快照。
type KeyRegistry struct {
	file string
	log  *logger.Logger

	mu   sync.RWMutex
	keys map[string]*model.APIKey
}

// NewKeyRegistry 创建密钥注册表并加载密钥文件
func NewKeyRegistry(file string) *KeyRegistry {
	r := &KeyRegistry{
		file: file,
		log:  logger.Named("keyreg"),
		keys: map[string]*model.APIKey{},
	}
	if err := r.Reload(); err != nil {
		r.log.Warn("load key file failed", "file", file, "err", err)
	}
	return r
}

// Reload 重新加载密钥文件，整组替换
func (r *KeyRegistry) Reload() error {
	f, err := os.Open(r.file)
	if err != nil {
		return err
	}
	defer f.Close()

	keys := make(map[string]*model.APIKey)
	now := time.Now()
	var loaded, skipped, expired, permanent, nearExpiry int

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, ok := parseKeyLine(line)
		if !ok {
			r.log.Warn("skip malformed key line", "line", lineNo)
			skipped++
			continue
		}

		if key.Expired(now) {
			r.log.Warn("skip expired key", "name", key.Name, "key", model.MaskKey(key.Value))
			expired++
			continue
		}
		if key.Permanent {
			permanent++
		} else if d := key.DaysRemaining(now); d <= 30 {
			nearExpiry++
			if d <= 7 {
				r.log.Warn("api key expiring soon", "name", key.Name, "days", d)
			}
		}

		keys[key.Value] = key
		loaded++
	}
	if err := sc.Err(); err != nil {
		return err
	}

	r.swap(keys)

	r.log.Info("api keys loaded",
		"valid", loaded, "permanent", permanent, "expired", expired, "malformed", skipped)
	if nearExpiry > 0 {
		r.log.Warn("api keys expiring within 30 days", "count", nearExpiry)
	}
	if loaded == 0 {
		r.log.Warn("no valid api keys loaded, all requests will be rejected")
	}
	return nil
}

// parseKeyLine 解析一行密钥配置
//
// 格式: 名称=密钥值=过期时间[=限速设置[:限速值]]
// 过期时间为 permanent 或 YYYY-MM-DD；限速设置为 rate_limit 或 no_limit。
func parseKeyLine(line string) (*model.APIKey, bool) {
	parts := strings.Split(line, "=")
	if len(parts) < 2 {
		return nil, false
	}

	key := &model.APIKey{
		Name:  strings.TrimSpace(parts[0]),
		Value: strings.TrimSpace(parts[1]),
	}
	if key.Name == "" || key.Value == "" {
		return nil, false
	}

	expiry := "permanent"
	if len(parts) > 2 {
		expiry = strings.TrimSpace(parts[2])
	}
	if strings.EqualFold(expiry, "permanent") {
		key.Permanent = true
	} else {
		t, err := time.ParseInLocation("2006-01-02", expiry, time.Local)
		if err != nil {
			return nil, false
		}
		// 过期日当天仍然有效
		key.ExpiresAt = t.Add(24 * time.Hour)
	}

	if len(parts) > 3 {
		directive := strings.ToLower(strings.TrimSpace(parts[3]))
		setting, value, hasValue := strings.Cut(directive, ":")
		switch strings.TrimSpace(setting) {
		case "rate_limit":
			key.Override = model.RateExplicit
			if hasValue {
				n, err := strconv.Atoi(strings.TrimSpace(value))
				if err != nil || n <= 0 {
					return nil, false
				}
				key.RateLimit = n
			}
		case "no_limit":
			key.Override = model.RateDisabled
		case "":
			key.Override = model.RateInherit
		default:
			return nil, false
		}
	}

	return key, true
}

func (r *KeyRegistry) swap(keys map[string]*model.APIKey) {
	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()
}

func (r *KeyRegistry) current() map[string]*model.APIKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys
}

// Validate 校验密钥并返回其配置
func (r *KeyRegistry) Validate(value string) (*model.APIKey, error) {
	key, ok := r.current()[value]
	if !ok {
		r.log.Warn("api key rejected", "key", model.MaskKey(value))
		return nil, ErrKeyNotFound
	}
	if key.Expired(time.Now()) {
		r.log.Warn("api key expired", "name", key.Name, "key", model.MaskKey(value))
		return nil, ErrKeyExpired
	}
	return key, nil
}

// Count 当前有效密钥数
func (r *KeyRegistry) Count() int {
	return len(r.current())
}

// Watch 监听密钥文件变化并自动重载，ctx 取消时返回
func (r *KeyRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.file); err != nil {
		return err
	}

	// 编辑器保存会触发连续多个事件，合并处理
	var debounce *time.Timer
	reload := func() {
		if err := r.Reload(); err != nil {
			r.log.Warn("reload after file change failed", "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
			// rename/replace 之后需要重新挂 watch，失败则自动重载失效
			if ev.Op&fsnotify.Rename != 0 {
				if err := watcher.Add(r.file); err != nil {
					r.log.Warn("re-watching key file failed", "file", r.file, "err", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("key file watcher error", "err", err)
		}
	}
}
