package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/xiaopang/unlimitedproxy/internal/config"
	"github.com/xiaopang/unlimitedproxy/internal/logger"
	"github.com/xiaopang/unlimitedproxy/internal/model"
	"github.com/xiaopang/unlimitedproxy/internal/store"
)

var (
	// ErrNoCredential 没有可用凭证且无法获取
	ErrNoCredential = errors.New("no credential available")
	// ErrAcquisitionFailed 向上游获取凭证重试耗尽
	ErrAcquisitionFailed = errors.New("credential acquisition failed")
)

// Acquirer 从上游签发端点获取新凭证
type Acquirer interface {
	Acquire(ctx context.Context) (*model.Credential, error)
}

// maxCredentialErrors 凭证累计错误达到该值后直接作废
const maxCredentialErrors = 3

// TokenManager 上游凭证生命周期管理
//
// 固定槽位池 + 轮转游标。每个槽位独立加锁，刷新替换不影响其他
// 槽位的并发 checkout；同一槽位的并发获取合并为一次上游调用。
type TokenManager struct {
	acquirer Acquirer
	store    store.Store
	cfg      *config.TokenConfig
	log      *logger.Logger

	slots  []*tokenSlot
	cursor atomic.Uint64

	group        singleflight.Group
	acquireLimit *rate.Limiter // 全局限制对签发端点的调用频率

	degraded atomic.Bool // 存储故障后降级为纯内存

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type tokenSlot struct {
	mu       sync.Mutex
	cred     *model.Credential
	inflight int
}

// NewTokenManager 创建凭证管理器
func NewTokenManager(acquirer Acquirer, st store.Store, cfg *config.TokenConfig) *TokenManager {
	m := &TokenManager{
		acquirer: acquirer,
		store:    st,
		cfg:      cfg,
		log:      logger.Named("token"),
		slots:    make([]*tokenSlot, cfg.PoolSize),
		stopCh:   make(chan struct{}),
	}
	for i := range m.slots {
		m.slots[i] = &tokenSlot{}
	}
	perMinute := cfg.AcquirePerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	m.acquireLimit = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	return m
}

// Warm 从存储恢复凭证池，丢弃已过期的快照
func (m *TokenManager) Warm() {
	if m.store == nil || !m.cfg.CacheEnabled {
		return
	}
	creds, err := m.store.Load()
	if err != nil {
		m.storeFailed("load", err)
		return
	}

	now := time.Now()
	idx := 0
	restored, discarded := 0, 0
	for _, c := range creds {
		if !c.Usable(now, 0) {
			discarded++
			m.deleteSnapshot(c.Value)
			continue
		}
		if idx >= len(m.slots) {
			break
		}
		c.Status = model.CredentialValid
		m.slots[idx].cred = c
		idx++
		restored++
	}
	m.log.Info("token pool warmed", "restored", restored, "discarded", discarded)
}

// Start 启动后台刷新循环
func (m *TokenManager) Start() {
	m.wg.Add(1)
	go m.refreshLoop()
}

// Stop 停止后台刷新并等待退出
func (m *TokenManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Checkout 取出一个可用凭证
//
// 按轮转顺序选择有效且未临近过期的凭证；池空或全部临期时同步获取，
// 同一槽位上并发的获取请求共享一次上游调用的结果。
func (m *TokenManager) Checkout(ctx context.Context) (*model.Credential, error) {
	n := len(m.slots)
	if n == 0 {
		return nil, ErrNoCredential
	}
	start := int(m.cursor.Add(1)) % n
	margin := m.cfg.RefreshMarginDuration()
	now := time.Now()

	for i := 0; i < n; i++ {
		slot := m.slots[(start+i)%n]
		slot.mu.Lock()
		if slot.cred.Usable(now, margin) {
			slot.cred.UseCount++
			slot.inflight++
			cred := *slot.cred
			slot.mu.Unlock()
			m.saveSnapshot(&cred)
			return &cred, nil
		}
		slot.mu.Unlock()
	}

	// 没有现成凭证：对起始槽位做单航获取
	return m.acquireSlot(ctx, start)
}

// acquireSlot 为指定槽位获取新凭证，并发调用共享同一次结果
func (m *TokenManager) acquireSlot(ctx context.Context, idx int) (*model.Credential, error) {
	v, err, _ := m.group.Do(strconv.Itoa(idx), func() (any, error) {
		slot := m.slots[idx]

		// 等到单航锁时可能已有别人填好了；临期凭证同样视为不可用，
		// 否则后台刷新取回的还是旧凭证
		slot.mu.Lock()
		if slot.cred.Usable(time.Now(), m.cfg.RefreshMarginDuration()) {
			slot.cred.UseCount++
			slot.inflight++
			cred := *slot.cred
			slot.mu.Unlock()
			return &cred, nil
		}
		slot.mu.Unlock()

		cred, err := m.acquireWithRetry(ctx)
		if err != nil {
			return nil, err
		}

		slot.mu.Lock()
		slot.cred = cred
		slot.cred.UseCount++
		slot.inflight++
		out := *slot.cred
		slot.mu.Unlock()

		m.saveSnapshot(&out)
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	cred := v.(*model.Credential)
	cp := *cred
	return &cp, nil
}

// acquireWithRetry 带指数退避地向上游获取凭证
func (m *TokenManager) acquireWithRetry(ctx context.Context) (*model.Credential, error) {
	initial := time.Duration(m.cfg.InitialDelayMs) * time.Millisecond
	max := time.Duration(m.cfg.MaxDelayMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, initial, max)
			m.log.Warn("retrying token acquisition",
				"attempt", attempt, "max", m.cfg.MaxRetries, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := m.acquireLimit.Wait(ctx); err != nil {
			return nil, err
		}

		cred, err := m.acquirer.Acquire(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		now := time.Now()
		cred.AcquiredAt = now
		if cred.ExpiresAt.IsZero() {
			cred.ExpiresAt = now.Add(m.cfg.CredentialLifetime())
		}
		cred.Status = model.CredentialValid
		m.log.Info("acquired new token",
			"token", model.MaskKey(cred.Value), "expires_at", cred.ExpiresAt.Format(time.RFC3339))
		return cred, nil
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrAcquisitionFailed, m.cfg.MaxRetries+1, lastErr)
}

// Release 归还凭证（池内计数，不回滚 use_count）
func (m *TokenManager) Release(value string) {
	for _, slot := range m.slots {
		slot.mu.Lock()
		if slot.cred != nil && slot.cred.Value == value && slot.inflight > 0 {
			slot.inflight--
			slot.mu.Unlock()
			return
		}
		slot.mu.Unlock()
	}
}

// RecordError 记录凭证使用错误
//
// 401/403 立即作废并移出池子；其他错误累计 errorCount，
// 达到上限后同样作废。
func (m *TokenManager) RecordError(value string, statusCode int) {
	fatalStatus := statusCode == 401 || statusCode == 403

	for _, slot := range m.slots {
		slot.mu.Lock()
		if slot.cred == nil || slot.cred.Value != value {
			slot.mu.Unlock()
			continue
		}

		slot.cred.ErrorCount++
		if fatalStatus || slot.cred.ErrorCount >= maxCredentialErrors {
			slot.cred.Status = model.CredentialRevoked
			slot.cred = nil
			slot.inflight = 0
			slot.mu.Unlock()
			m.deleteSnapshot(value)
			m.log.Warn("token revoked",
				"token", model.MaskKey(value), "status", statusCode)
			return
		}
		cred := *slot.cred
		slot.mu.Unlock()
		m.saveSnapshot(&cred)
		m.log.Info("token error recorded",
			"token", model.MaskKey(value), "status", statusCode, "errors", cred.ErrorCount)
		return
	}
}

// refreshLoop 周期扫描池子，提前刷新临期凭证，移除已过期凭证
func (m *TokenManager) refreshLoop() {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.RefreshInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.refreshOnce()
		}
	}
}

func (m *TokenManager) refreshOnce() {
	now := time.Now()
	margin := m.cfg.RefreshMarginDuration()

	for idx, slot := range m.slots {
		slot.mu.Lock()
		cred := slot.cred
		if cred == nil {
			slot.mu.Unlock()
			continue
		}
		if !cred.ExpiresAt.After(now) {
			// 过期与移出池子一步完成
			cred.Status = model.CredentialExpired
			value := cred.Value
			slot.cred = nil
			slot.mu.Unlock()
			m.deleteSnapshot(value)
			m.log.Info("expired token dropped", "token", model.MaskKey(value))
		} else if cred.Remaining(now) < margin {
			cred.Status = model.CredentialExpiring
			slot.mu.Unlock()
			m.log.Info("token expiring, refreshing slot",
				"slot", idx, "token", model.MaskKey(cred.Value))
			// 原地换新，其他槽位不受影响
			ctx, cancel := context.WithTimeout(context.Background(), intervalCap(margin))
			if _, err := m.acquireSlot(ctx, idx); err != nil {
				m.log.Warn("background refresh failed", "slot", idx, "err", err)
			}
			cancel()
		} else {
			slot.mu.Unlock()
		}
	}

	// 顺手清掉存储里的过期快照
	if p, ok := m.store.(interface {
		Prune(time.Time) (int64, error)
	}); ok && !m.degraded.Load() {
		if n, err := p.Prune(now); err != nil {
			m.storeFailed("prune", err)
		} else if n > 0 {
			m.log.Info("pruned expired token snapshots", "count", n)
		}
	}
}

// intervalCap 后台刷新的获取超时，不超过 1 分钟
func intervalCap(margin time.Duration) time.Duration {
	if margin > time.Minute {
		return time.Minute
	}
	return margin
}

// Stats 池状态统计
func (m *TokenManager) Stats() map[string]any {
	now := time.Now()
	var valid, expiring int
	var uses int64
	for _, slot := range m.slots {
		slot.mu.Lock()
		if slot.cred != nil {
			uses += slot.cred.UseCount
			switch {
			case slot.cred.Remaining(now) < m.cfg.RefreshMarginDuration():
				expiring++
			default:
				valid++
			}
		}
		slot.mu.Unlock()
	}
	return map[string]any{
		"pool_size":      len(m.slots),
		"valid":          valid,
		"expiring":       expiring,
		"total_use":      uses,
		"store_degraded": m.degraded.Load(),
	}
}

// saveSnapshot 把凭证快照写入存储；失败只降级不报错
func (m *TokenManager) saveSnapshot(c *model.Credential) {
	if m.store == nil || !m.cfg.CacheEnabled || m.degraded.Load() {
		return
	}
	if err := m.store.Save(c); err != nil {
		m.storeFailed("save", err)
	}
}

func (m *TokenManager) deleteSnapshot(value string) {
	if m.store == nil || !m.cfg.CacheEnabled || m.degraded.Load() {
		return
	}
	if err := m.store.Delete(value); err != nil {
		m.storeFailed("delete", err)
	}
}

// storeFailed 存储故障降级为纯内存运行，绝不向上抛
func (m *TokenManager) storeFailed(op string, err error) {
	if m.degraded.CompareAndSwap(false, true) {
		m.log.Error("token store failed, degrading to memory-only", "op", op, "err", err)
	}
}
