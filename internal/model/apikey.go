package model

import "time"

// RateOverride 密钥级限速设置
type RateOverride int

const (
	RateInherit  RateOverride = iota // 使用全局默认限速
	RateDisabled                     // 不限速
	RateExplicit                     // 自定义限速值
)

func (r RateOverride) String() string {
	switch r {
	case RateDisabled:
		return "no_limit"
	case RateExplicit:
		return "rate_limit"
	default:
		return "inherit"
	}
}

// APIKey 网关签发的 API 密钥
//
// 从密钥文件整体加载，加载后不可变；重载时整组替换。
type APIKey struct {
	Name      string       `json:"name"`
	Value     string       `json:"-"`
	Permanent bool         `json:"permanent"`
	ExpiresAt time.Time    `json:"expires_at,omitempty"`
	Override  RateOverride `json:"rate_override"`
	RateLimit int          `json:"rate_limit,omitempty"` // Override == RateExplicit 时有效
}

// Expired 检查密钥是否已过期
func (k *APIKey) Expired(now time.Time) bool {
	if k.Permanent {
		return false
	}
	return now.After(k.ExpiresAt)
}

// DaysRemaining 剩余有效天数，永久密钥返回 -1
func (k *APIKey) DaysRemaining(now time.Time) int {
	if k.Permanent {
		return -1
	}
	return int(k.ExpiresAt.Sub(now).Hours() / 24)
}

// ClientInfo 客户端信息（存入 gin.Context）
type ClientInfo struct {
	IP      string // 客户端 IP
	Tool    string // 识别出的调用方客户端
	KeyName string // 关联的 API Key 名称
	Key     *APIKey
}

// MaskKey 掩码密钥，只保留首尾少量字符用于日志
func MaskKey(key string) string {
	if key == "" {
		return "<empty>"
	}
	if len(key) < 3 {
		return "***"
	}
	if len(key) <= 8 {
		if len(key) > 4 {
			return key[:2] + "***" + key[len(key)-2:]
		}
		return key[:2] + "***"
	}
	return key[:4] + "***" + key[len(key)-4:]
}
