package core

import (
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/xiaopang/unlimitedproxy/internal/config"
	"github.com/xiaopang/unlimitedproxy/internal/logger"
)

// Verdict 安全检查结论
type Verdict struct {
	Allowed bool
	Reason  string
}

var allowVerdict = Verdict{Allowed: true}

// Rule 可疑请求规则：命中一次累计 Weight 个违规分
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Weight  int
}

// defaultRules 内置的扫描/攻击特征
//
// 权重按危害程度区分：明确的漏洞探测计 2 分，一般探测计 1 分。
var defaultRules = []Rule{
	{Name: "env_probe", Pattern: regexp.MustCompile(`(?i)/\.(env|git|svn|aws|ssh)`), Weight: 2},
	{Name: "admin_probe", Pattern: regexp.MustCompile(`(?i)/(wp-admin|wp-login|phpmyadmin|admin/config|manager/html)`), Weight: 2},
	{Name: "config_probe", Pattern: regexp.MustCompile(`(?i)\.(php|asp|aspx|jsp|cgi)(\?|$)`), Weight: 1},
	{Name: "path_traversal", Pattern: regexp.MustCompile(`\.\./|%2e%2e`), Weight: 2},
	{Name: "script_injection", Pattern: regexp.MustCompile(`(?i)<script|javascript:|onerror=`), Weight: 2},
	{Name: "shell_probe", Pattern: regexp.MustCompile(`(?i)/(cgi-bin|shell|console)/`), Weight: 1},
}

const maxHeaderValueLen = 8 << 10 // 超长请求头视为可疑

// banEntry IP 封禁记录
type banEntry struct {
	reason    string
	bannedAt  time.Time
	expiresAt time.Time
	strikes   int
}

// SecurityGuard 可疑请求检测与 IP 封禁
//
// 白名单 → 封禁名单 → 规则匹配。每个 IP 的违规计数与封禁判定
// 在同一把分片锁内完成，并发请求不会漏判。
type SecurityGuard struct {
	enabled   bool
	threshold int
	duration  time.Duration
	whitelist map[string]struct{}
	rules     []Rule
	log       *logger.Logger

	shards [windowShards]guardShard
}

type guardShard struct {
	mu      sync.Mutex
	strikes map[string]int
	bans    map[string]*banEntry
}

// NewSecurityGuard 创建安全守卫
//
// cfg.SuspiciousPatterns 中的自定义正则追加到内置规则之后，
// 无法编译的模式跳过并告警。
func NewSecurityGuard(cfg *config.SecurityConfig) *SecurityGuard {
	g := &SecurityGuard{
		enabled:   cfg.EnableIPBlocking,
		threshold: cfg.BlockThreshold,
		duration:  time.Duration(cfg.BlockDuration) * time.Second,
		whitelist: make(map[string]struct{}, len(cfg.IPWhitelist)),
		rules:     defaultRules,
		log:       logger.Named("security"),
	}
	for _, ip := range cfg.IPWhitelist {
		g.whitelist[ip] = struct{}{}
	}
	for _, p := range cfg.SuspiciousPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			g.log.Warn("skip invalid suspicious pattern", "pattern", p, "err", err)
			continue
		}
		g.rules = append(g.rules, Rule{Name: "custom", Pattern: re, Weight: 1})
	}
	for i := range g.shards {
		g.shards[i].strikes = make(map[string]int)
		g.shards[i].bans = make(map[string]*banEntry)
	}
	return g
}

func (g *SecurityGuard) shard(ip string) *guardShard {
	return &g.shards[shardIndex(ip, windowShards)]
}

// Inspect 检查一次请求，返回放行或封禁结论
func (g *SecurityGuard) Inspect(ip string, req *http.Request) Verdict {
	if _, ok := g.whitelist[ip]; ok {
		return allowVerdict
	}

	now := time.Now()
	s := g.shard(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	if ban, ok := s.bans[ip]; ok {
		if now.Before(ban.expiresAt) {
			return Verdict{Allowed: false, Reason: ban.reason}
		}
		// 封禁过期等同于没有记录，顺手回收
		delete(s.bans, ip)
		delete(s.strikes, ip)
	}

	weight, rule := g.match(req)
	if weight == 0 {
		return allowVerdict
	}

	s.strikes[ip] += weight
	g.log.Warn("suspicious request",
		"ip", ip, "rule", rule, "path", req.URL.Path, "strikes", s.strikes[ip])

	if g.enabled && s.strikes[ip] >= g.threshold {
		s.bans[ip] = &banEntry{
			reason:    "banned: " + rule,
			bannedAt:  now,
			expiresAt: now.Add(g.duration),
			strikes:   s.strikes[ip],
		}
		g.log.Warn("ip banned", "ip", ip, "rule", rule, "until", s.bans[ip].expiresAt.Format(time.RFC3339))
		return Verdict{Allowed: false, Reason: s.bans[ip].reason}
	}

	// 累计未到阈值：记分但放行由调用方决定；可疑请求本身直接拒绝
	return Verdict{Allowed: false, Reason: "suspicious request: " + rule}
}

// match 对请求路径和头做规则匹配，返回命中的权重与规则名
func (g *SecurityGuard) match(req *http.Request) (int, string) {
	target := req.URL.Path
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}
	for _, rule := range g.rules {
		if rule.Pattern.MatchString(target) {
			return rule.Weight, rule.Name
		}
	}

	for name, values := range req.Header {
		for _, v := range values {
			if len(v) > maxHeaderValueLen {
				return 1, "oversized_header:" + strings.ToLower(name)
			}
		}
	}

	if req.Method == http.MethodPost {
		ct := req.Header.Get("Content-Type")
		if ct != "" && !strings.HasPrefix(ct, "application/json") &&
			!strings.HasPrefix(ct, "multipart/form-data") &&
			!strings.HasPrefix(ct, "application/x-www-form-urlencoded") &&
			!strings.HasPrefix(ct, "text/") {
			return 1, "odd_content_type"
		}
	}

	return 0, ""
}

// Banned 当前是否处于封禁中（只读，不累计违规）
func (g *SecurityGuard) Banned(ip string) bool {
	s := g.shard(ip)
	s.mu.Lock()
	defer s.mu.Unlock()
	ban, ok := s.bans[ip]
	return ok && time.Now().Before(ban.expiresAt)
}

// Stats 统计当前违规与封禁数量
func (g *SecurityGuard) Stats() (strikes, bans int) {
	now := time.Now()
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		strikes += len(s.strikes)
		for _, ban := range s.bans {
			if now.Before(ban.expiresAt) {
				bans++
			}
		}
		s.mu.Unlock()
	}
	return strikes, bans
}
