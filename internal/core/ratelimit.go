package core

import (
	"sync"
	"time"
)

const windowShards = 16

// RateLimiter 滑动窗口限速器
//
// 按 subject（IP 或 API Key）记录请求时间戳，只统计窗口内的记录。
// 分片锁定，不同 subject 的更新互不阻塞。
type RateLimiter struct {
	shards [windowShards]windowShard

	stopOnce sync.Once
	stopCh   chan struct{}
}

type windowShard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewRateLimiter 创建限速器并启动周期清理
func NewRateLimiter(sweepInterval, maxWindow time.Duration) *RateLimiter {
	rl := &RateLimiter{stopCh: make(chan struct{})}
	for i := range rl.shards {
		rl.shards[i].windows = make(map[string][]time.Time)
	}
	if sweepInterval > 0 {
		go rl.sweep(sweepInterval, maxWindow)
	}
	return rl
}

func (r *RateLimiter) shard(subject string) *windowShard {
	return &r.shards[shardIndex(subject, windowShards)]
}

// Allow 检查并记录一次请求
//
// 仅当窗口内已有记录数 < limit 时记录本次请求并放行。
func (r *RateLimiter) Allow(subject string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := time.Now()
	s := r.shard(subject)

	s.mu.Lock()
	defer s.mu.Unlock()

	valid := purgeBefore(s.windows[subject], now.Add(-window))
	if len(valid) >= limit {
		s.windows[subject] = valid
		return false
	}
	s.windows[subject] = append(valid, now)
	return true
}

// Remaining 窗口内剩余可用请求数
func (r *RateLimiter) Remaining(subject string, limit int, window time.Duration) int {
	if limit <= 0 {
		return limit
	}
	now := time.Now()
	s := r.shard(subject)

	s.mu.Lock()
	defer s.mu.Unlock()

	valid := purgeBefore(s.windows[subject], now.Add(-window))
	s.windows[subject] = valid
	if n := limit - len(valid); n > 0 {
		return n
	}
	return 0
}

// RetryAfter 距最早一条记录滑出窗口的时间
//
// 无记录时返回 0。用于拒绝响应里的 Retry-After 提示。
func (r *RateLimiter) RetryAfter(subject string, window time.Duration) time.Duration {
	now := time.Now()
	s := r.shard(subject)

	s.mu.Lock()
	defer s.mu.Unlock()

	valid := purgeBefore(s.windows[subject], now.Add(-window))
	s.windows[subject] = valid
	if len(valid) == 0 {
		return 0
	}
	d := valid[0].Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Subjects 当前有记录的 subject 数（用于统计接口）
func (r *RateLimiter) Subjects() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

// Stop 停止后台清理
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// sweep periodically drops subjects whose records all fell out of the
// largest window in use, so idle subjects don't accumulate forever.
func (r *RateLimiter) sweep(interval, maxWindow time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-maxWindow)
			for i := range r.shards {
				s := &r.shards[i]
				s.mu.Lock()
				for subject, stamps := range s.windows {
					valid := purgeBefore(stamps, cutoff)
					if len(valid) == 0 {
						delete(s.windows, subject)
					} else {
						s.windows[subject] = valid
					}
				}
				s.mu.Unlock()
			}
		}
	}
}

// purgeBefore 去掉 cutoff 之前的时间戳，原地复用底层数组
func purgeBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	valid := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
