package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xiaopang/unlimitedproxy/internal/config"
	"github.com/xiaopang/unlimitedproxy/internal/model"
	"github.com/xiaopang/unlimitedproxy/internal/store"
)

// fakeAcquirer 计数式假签发端
type fakeAcquirer struct {
	calls atomic.Int64
	delay time.Duration
	fail  atomic.Bool
}

func (f *fakeAcquirer) Acquire(ctx context.Context) (*model.Credential, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail.Load() {
		return nil, errors.New("upstream unavailable")
	}
	return &model.Credential{Value: fmt.Sprintf("tok-%d", n)}, nil
}

func testTokenConfig(pool int) *config.TokenConfig {
	return &config.TokenConfig{
		StorageType:      "memory",
		PoolSize:         pool,
		MaxRetries:       2,
		InitialDelayMs:   1,
		MaxDelayMs:       5,
		LifetimeSeconds:  3600,
		RefreshMargin:    300,
		RefreshInterval:  60,
		AcquirePerMinute: 6000,
		CacheEnabled:     true,
	}
}

func TestTokenManager_CheckoutAcquiresWhenEmpty(t *testing.T) {
	acq := &fakeAcquirer{}
	m := NewTokenManager(acq, store.NewMemory(), testTokenConfig(2))

	cred, err := m.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cred.Value == "" {
		t.Fatal("empty credential value")
	}
	if cred.ExpiresAt.IsZero() || !cred.ExpiresAt.After(time.Now()) {
		t.Fatalf("expiry not set: %v", cred.ExpiresAt)
	}
	if got := acq.calls.Load(); got != 1 {
		t.Fatalf("acquirer called %d times, want 1", got)
	}
}

func TestTokenManager_CheckoutReusesValidCredential(t *testing.T) {
	acq := &fakeAcquirer{}
	m := NewTokenManager(acq, store.NewMemory(), testTokenConfig(1))

	first, err := m.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if first.Value != second.Value {
		t.Fatalf("expected same credential, got %s then %s", first.Value, second.Value)
	}
	if got := acq.calls.Load(); got != 1 {
		t.Fatalf("acquirer called %d times, want 1", got)
	}
	if second.UseCount <= first.UseCount {
		t.Fatalf("use count did not grow: %d then %d", first.UseCount, second.UseCount)
	}
}

// Concurrent checkouts against an empty pool must share one upstream call.
func TestTokenManager_ConcurrentCheckoutSingleAcquisition(t *testing.T) {
	acq := &fakeAcquirer{delay: 50 * time.Millisecond}
	m := NewTokenManager(acq, store.NewMemory(), testTokenConfig(1))

	const workers = 20
	values := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := m.Checkout(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			values[i] = cred.Value
		}(i)
	}
	wg.Wait()

	if got := acq.calls.Load(); got != 1 {
		t.Fatalf("acquirer called %d times, want 1", got)
	}
	for i := 1; i < workers; i++ {
		if values[i] != values[0] {
			t.Fatalf("worker %d got %s, want %s", i, values[i], values[0])
		}
	}
}

func TestTokenManager_AuthErrorRevokesImmediately(t *testing.T) {
	acq := &fakeAcquirer{}
	st := store.NewMemory()
	m := NewTokenManager(acq, st, testTokenConfig(1))

	cred, err := m.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	m.RecordError(cred.Value, 401)

	next, err := m.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if next.Value == cred.Value {
		t.Fatal("revoked credential handed out again")
	}
	if got := acq.calls.Load(); got != 2 {
		t.Fatalf("acquirer called %d times, want 2", got)
	}

	// snapshot must be gone from storage too
	creds, _ := st.Load()
	for _, c := range creds {
		if c.Value == cred.Value {
			t.Fatal("revoked credential still in store")
		}
	}
}

func TestTokenManager_ErrorCountRevokes(t *testing.T) {
	acq := &fakeAcquirer{}
	m := NewTokenManager(acq, store.NewMemory(), testTokenConfig(1))

	cred, err := m.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// two transient errors keep it alive, the third kills it
	m.RecordError(cred.Value, 500)
	m.RecordError(cred.Value, 502)
	same, err := m.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if same.Value != cred.Value {
		t.Fatal("credential dropped before error limit")
	}

	m.RecordError(cred.Value, 500)
	next, err := m.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if next.Value == cred.Value {
		t.Fatal("credential should be revoked after repeated errors")
	}
}

func TestTokenManager_AcquisitionFailure(t *testing.T) {
	acq := &fakeAcquirer{}
	acq.fail.Store(true)
	m := NewTokenManager(acq, store.NewMemory(), testTokenConfig(1))

	_, err := m.Checkout(context.Background())
	if !errors.Is(err, ErrAcquisitionFailed) {
		t.Fatalf("err = %v, want ErrAcquisitionFailed", err)
	}
	// initial try plus MaxRetries
	if got := acq.calls.Load(); got != 3 {
		t.Fatalf("acquirer called %d times, want 3", got)
	}
}

func TestTokenManager_WarmDiscardsExpired(t *testing.T) {
	st := store.NewMemory()
	now := time.Now()
	st.Save(&model.Credential{Value: "live", AcquiredAt: now, ExpiresAt: now.Add(time.Hour), Status: model.CredentialValid})
	st.Save(&model.Credential{Value: "dead", AcquiredAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour), Status: model.CredentialValid})

	acq := &fakeAcquirer{}
	m := NewTokenManager(acq, st, testTokenConfig(2))
	m.Warm()

	cred, err := m.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cred.Value != "live" {
		t.Fatalf("got %s, want the restored live credential", cred.Value)
	}
	if acq.calls.Load() != 0 {
		t.Fatal("warm pool should not hit the acquirer")
	}
}

func TestTokenManager_CheckoutReplacesExpiringCredential(t *testing.T) {
	acq := &fakeAcquirer{}
	m := NewTokenManager(acq, store.NewMemory(), testTokenConfig(1))

	now := time.Now()
	m.slots[0].cred = &model.Credential{
		Value:      "stale",
		AcquiredAt: now.Add(-59 * time.Minute),
		ExpiresAt:  now.Add(time.Minute), // 剩余不足刷新阈值
		Status:     model.CredentialValid,
	}

	cred, err := m.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cred.Value == "stale" {
		t.Fatal("checkout returned a credential inside the refresh margin")
	}
	if got := acq.calls.Load(); got != 1 {
		t.Fatalf("acquirer called %d times, want 1", got)
	}
}

func TestTokenManager_RefreshReplacesExpiring(t *testing.T) {
	acq := &fakeAcquirer{}
	m := NewTokenManager(acq, store.NewMemory(), testTokenConfig(2))

	now := time.Now()
	m.slots[0].cred = &model.Credential{
		Value:      "stale",
		AcquiredAt: now.Add(-59 * time.Minute),
		ExpiresAt:  now.Add(time.Minute),
		Status:     model.CredentialValid,
	}
	m.slots[1].cred = &model.Credential{
		Value:      "healthy",
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Hour),
		Status:     model.CredentialValid,
	}

	m.refreshOnce()

	if got := acq.calls.Load(); got != 1 {
		t.Fatalf("acquirer called %d times, want 1", got)
	}
	m.slots[0].mu.Lock()
	replaced := m.slots[0].cred
	m.slots[0].mu.Unlock()
	if replaced == nil || replaced.Value == "stale" {
		t.Fatalf("expiring credential not replaced: %+v", replaced)
	}
	m.slots[1].mu.Lock()
	untouched := m.slots[1].cred.Value
	m.slots[1].mu.Unlock()
	if untouched != "healthy" {
		t.Fatalf("healthy slot disturbed: got %s", untouched)
	}
}

func TestTokenManager_RefreshDropsExpired(t *testing.T) {
	acq := &fakeAcquirer{}
	st := store.NewMemory()
	m := NewTokenManager(acq, st, testTokenConfig(1))

	now := time.Now()
	dead := &model.Credential{
		Value:      "dead",
		AcquiredAt: now.Add(-2 * time.Hour),
		ExpiresAt:  now.Add(-time.Hour),
		Status:     model.CredentialValid,
	}
	st.Save(dead)
	m.slots[0].cred = dead

	m.refreshOnce()

	m.slots[0].mu.Lock()
	left := m.slots[0].cred
	m.slots[0].mu.Unlock()
	if left != nil {
		t.Fatalf("expired credential still in slot: %+v", left)
	}
	creds, _ := st.Load()
	for _, c := range creds {
		if c.Value == "dead" {
			t.Fatal("expired snapshot not deleted from store")
		}
	}
	if got := acq.calls.Load(); got != 0 {
		t.Fatalf("dropping an expired slot should not acquire, called %d times", got)
	}
}

// failingStore 所有操作都失败的存储桩
type failingStore struct{}

func (failingStore) Load() ([]*model.Credential, error) { return nil, errors.New("store down") }
func (failingStore) Save(*model.Credential) error       { return errors.New("store down") }
func (failingStore) Delete(string) error                { return errors.New("store down") }
func (failingStore) Close() error                       { return nil }

func TestTokenManager_StoreFailureDegradesToMemory(t *testing.T) {
	acq := &fakeAcquirer{}
	m := NewTokenManager(acq, failingStore{}, testTokenConfig(1))

	// 首次写快照失败，之后纯内存运行
	cred, err := m.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cred.Value == "" {
		t.Fatal("empty credential value")
	}
	if !m.degraded.Load() {
		t.Fatal("store failure did not trip the degraded flag")
	}
	if got := m.Stats()["store_degraded"]; got != true {
		t.Fatalf("store_degraded = %v, want true", got)
	}

	// 降级后不再触碰存储，后续操作照常工作
	m.RecordError(cred.Value, 401)
	if _, err := m.Checkout(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestTokenManager_Stats(t *testing.T) {
	acq := &fakeAcquirer{}
	m := NewTokenManager(acq, store.NewMemory(), testTokenConfig(3))

	if _, err := m.Checkout(context.Background()); err != nil {
		t.Fatal(err)
	}

	stats := m.Stats()
	if stats["pool_size"] != 3 {
		t.Fatalf("pool_size = %v, want 3", stats["pool_size"])
	}
	if stats["valid"] != 1 {
		t.Fatalf("valid = %v, want 1", stats["valid"])
	}
}
