package model

import "time"

// CredentialStatus 上游凭证状态
type CredentialStatus string

const (
	CredentialValid    CredentialStatus = "valid"
	CredentialExpiring CredentialStatus = "expiring" // 剩余有效期低于刷新阈值
	CredentialExpired  CredentialStatus = "expired"
	CredentialRevoked  CredentialStatus = "revoked" // 上游以 401/403 拒绝
)

// Credential 上游访问凭证
//
// 生命周期归 TokenManager 所有，存储层只持久化快照。
type Credential struct {
	Value      string           `json:"token"`
	AcquiredAt time.Time        `json:"acquired_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	Status     CredentialStatus `json:"status"`
	UseCount   int64            `json:"use_count"`
	ErrorCount int              `json:"error_count"`
}

// Usable 检查凭证在给定余量下是否可用
func (c *Credential) Usable(now time.Time, margin time.Duration) bool {
	if c == nil || c.Value == "" {
		return false
	}
	if c.Status == CredentialExpired || c.Status == CredentialRevoked {
		return false
	}
	return c.ExpiresAt.After(now.Add(margin))
}

// Remaining 剩余有效时间
func (c *Credential) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}
