package core

import (
	"net/http"
	"strings"
)

// DetectClient 从 HTTP 头识别调用方客户端，用于请求日志归因
func DetectClient(headers http.Header) string {
	if v := headers.Get("X-Client-Name"); v != "" {
		return strings.ToLower(strings.TrimSpace(v))
	}

	ua := strings.ToLower(headers.Get("User-Agent"))
	patterns := []struct {
		pattern string
		name    string
	}{
		{"cursor", "cursor"},
		{"cherry studio", "cherry-studio"},
		{"chatbox", "chatbox"},
		{"openai-python", "openai-sdk"},
		{"openai-node", "openai-sdk"},
		{"langchain", "langchain"},
		{"curl", "curl"},
		{"python-requests", "requests"},
		{"httpx", "httpx"},
	}
	for _, p := range patterns {
		if strings.Contains(ua, p.pattern) {
			return p.name
		}
	}
	return "unknown"
}
