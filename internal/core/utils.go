package core

import (
	"hash/fnv"
	"math"
	"math/rand"
	"time"
)

// shardIndex 将 subject 映射到分片下标
func shardIndex(subject string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(subject))
	return int(h.Sum32() % uint32(shards))
}

// backoffDelay 指数退避延迟：initial * 2^attempt，封顶 max，带 ±20% 抖动
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	d := time.Duration(float64(initial) * math.Pow(2, float64(attempt)))
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}
