package core

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xiaopang/unlimitedproxy/internal/config"
)

func newTestGuard(threshold, duration int) *SecurityGuard {
	return NewSecurityGuard(&config.SecurityConfig{
		EnableIPBlocking: true,
		BlockThreshold:   threshold,
		BlockDuration:    duration,
		IPWhitelist:      []string{"127.0.0.1"},
	})
}

func TestSecurityGuard_CleanRequestAllowed(t *testing.T) {
	g := newTestGuard(10, 3600)

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.Header.Set("Content-Type", "application/json")

	if v := g.Inspect("9.9.9.9", req); !v.Allowed {
		t.Fatalf("clean request blocked: %s", v.Reason)
	}
}

func TestSecurityGuard_ProbeRejected(t *testing.T) {
	g := newTestGuard(10, 3600)

	paths := []string{
		"/.env",
		"/wp-admin/setup.php",
		"/index.php?page=../../etc/passwd",
		"/cgi-bin/test/",
	}
	for _, p := range paths {
		req := httptest.NewRequest("GET", p, nil)
		if v := g.Inspect("9.9.9.9", req); v.Allowed {
			t.Fatalf("probe %s should be rejected", p)
		}
	}
}

func TestSecurityGuard_WhitelistImmune(t *testing.T) {
	g := newTestGuard(1, 3600)

	req := httptest.NewRequest("GET", "/.env", nil)
	for i := 0; i < 5; i++ {
		if v := g.Inspect("127.0.0.1", req); !v.Allowed {
			t.Fatal("whitelisted ip must never be blocked")
		}
	}
	if g.Banned("127.0.0.1") {
		t.Fatal("whitelisted ip must never be banned")
	}
}

func TestSecurityGuard_ThresholdBansIP(t *testing.T) {
	g := newTestGuard(4, 3600) // env_probe weighs 2, so two hits trip it

	req := httptest.NewRequest("GET", "/.env", nil)
	g.Inspect("6.6.6.6", req)
	if g.Banned("6.6.6.6") {
		t.Fatal("should not be banned below threshold")
	}
	g.Inspect("6.6.6.6", req)
	if !g.Banned("6.6.6.6") {
		t.Fatal("should be banned at threshold")
	}

	// even clean requests are refused while banned
	clean := httptest.NewRequest("GET", "/ping", nil)
	if v := g.Inspect("6.6.6.6", clean); v.Allowed {
		t.Fatal("banned ip must be refused")
	}
}

func TestSecurityGuard_BanExpires(t *testing.T) {
	g := newTestGuard(2, 1)

	req := httptest.NewRequest("GET", "/.env", nil)
	g.Inspect("7.7.7.7", req)
	if !g.Banned("7.7.7.7") {
		t.Fatal("expected ban")
	}

	time.Sleep(1100 * time.Millisecond)
	clean := httptest.NewRequest("GET", "/ping", nil)
	if v := g.Inspect("7.7.7.7", clean); !v.Allowed {
		t.Fatalf("ban should have expired: %s", v.Reason)
	}
}

func TestSecurityGuard_OversizedHeader(t *testing.T) {
	g := newTestGuard(10, 3600)

	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set("X-Junk", strings.Repeat("A", maxHeaderValueLen+1))
	if v := g.Inspect("9.9.9.9", req); v.Allowed {
		t.Fatal("oversized header should be flagged")
	}
}

func TestSecurityGuard_CustomPattern(t *testing.T) {
	g := NewSecurityGuard(&config.SecurityConfig{
		EnableIPBlocking:   true,
		BlockThreshold:     10,
		BlockDuration:      3600,
		SuspiciousPatterns: []string{`/backdoor`, `(unclosed`},
	})

	req := httptest.NewRequest("GET", "/backdoor", nil)
	if v := g.Inspect("9.9.9.9", req); v.Allowed {
		t.Fatal("custom pattern should match")
	}
}

// Concurrent strikes against one IP must converge to a single ban,
// with no request admitted past the threshold.
func TestSecurityGuard_ConcurrentStrikes(t *testing.T) {
	g := newTestGuard(10, 3600)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("GET", "/.env", nil)
			g.Inspect("8.8.8.8", req)
		}()
	}
	wg.Wait()

	if !g.Banned("8.8.8.8") {
		t.Fatal("ip should be banned after concurrent strikes")
	}
	_, bans := g.Stats()
	if bans != 1 {
		t.Fatalf("active bans = %d, want 1", bans)
	}
}
