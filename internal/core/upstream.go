package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaopang/unlimitedproxy/internal/config"
	"github.com/xiaopang/unlimitedproxy/internal/logger"
	"github.com/xiaopang/unlimitedproxy/internal/model"
)

// browserProfile 模拟浏览器指纹，每次请求随机挑选一个
type browserProfile struct {
	UserAgent     string
	SecChUA       string // 空表示该浏览器不发送 sec-ch-ua 系列头
	SecChPlatform string
}

var browserProfiles = []browserProfile{
	{
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36",
		SecChUA:       `"Google Chrome";v="135", "Not-A.Brand";v="8", "Chromium";v="135"`,
		SecChPlatform: `"Windows"`,
	},
	{
		UserAgent:     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36",
		SecChUA:       `"Google Chrome";v="135", "Not-A.Brand";v="8", "Chromium";v="135"`,
		SecChPlatform: `"macOS"`,
	},
	{
		UserAgent:     "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36",
		SecChUA:       `"Google Chrome";v="135", "Not-A.Brand";v="8", "Chromium";v="135"`,
		SecChPlatform: `"Linux"`,
	},
	{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/119.0",
	},
	{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
	},
	{
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Edge/121.0.0.0 Safari/537.36",
		SecChUA:       `"Microsoft Edge";v="121", "Not-A.Brand";v="8", "Chromium";v="121"`,
		SecChPlatform: `"Windows"`,
	},
}

func (p browserProfile) apply(h http.Header) {
	h.Set("User-Agent", p.UserAgent)
	h.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	if p.SecChUA != "" {
		h.Set("sec-ch-ua", p.SecChUA)
		h.Set("sec-ch-ua-mobile", "?0")
		h.Set("sec-ch-ua-platform", p.SecChPlatform)
	}
	h.Set("sec-fetch-dest", "empty")
	h.Set("sec-fetch-mode", "cors")
	h.Set("sec-fetch-site", "same-origin")
}

func pickProfile() browserProfile {
	return browserProfiles[rand.Intn(len(browserProfiles))]
}

// Upstream UnlimitedAI 后端客户端
//
// 同时承担凭证签发（GET /api/token）和聊天转发（POST /api/chat）。
type Upstream struct {
	cfg    *config.UpstreamConfig
	token  *config.TokenConfig
	client *http.Client
	log    *logger.Logger
}

// NewUpstream 创建上游客户端。流式读取阶段不能被 Client.Timeout
// 整体超时打断，所以只在传输层设置连接和握手超时。
func NewUpstream(cfg *config.UpstreamConfig, tokenCfg *config.TokenConfig) *Upstream {
	connect := time.Duration(cfg.ConnectTimeout) * time.Second
	if connect <= 0 {
		connect = 10 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: time.Duration(cfg.ReadTimeout) * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Upstream{
		cfg:    cfg,
		token:  tokenCfg,
		client: &http.Client{Transport: transport},
		log:    logger.Named("upstream"),
	}
}

// Acquire 向签发端点请求一个新凭证
func (u *Upstream) Acquire(ctx context.Context) (*model.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.BaseURL+"/api/token", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Referer", u.cfg.BaseURL+"/")
	pickProfile().apply(req.Header)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("token endpoint returned empty token")
	}

	now := time.Now()
	return &model.Credential{
		Value:      out.Token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(u.token.CredentialLifetime()),
		Status:     model.CredentialValid,
	}, nil
}

// 上游消息信封
type upstreamMessage struct {
	ID        string         `json:"id"`
	CreatedAt string         `json:"createdAt"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Parts     []upstreamPart `json:"parts"`
}

type upstreamPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type upstreamChatBody struct {
	ID                string            `json:"id"`
	Messages          []upstreamMessage `json:"messages"`
	SelectedChatModel string            `json:"selectedChatModel"`
	Thinking          *upstreamThinking `json:"thinking,omitempty"`
	Temperature       *float64          `json:"temperature,omitempty"`
	MaxOutputTokens   int               `json:"maxOutputTokens,omitempty"`
}

type upstreamThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

const (
	baseChatModel      = "chat-model-reasoning"
	thinkingModelAlias = "chat-model-reasoning-thinking"

	defaultBudgetTokens = 7999

	thinkingNudge       = "请在回答前进行深度思考分析，展示你的推理过程。"
	thinkingSystemMsg   = "你是一个AI助手。" + thinkingNudge
	defaultSystemPrompt = "你是一个有用的AI助手。"
)

// thinkingRequested 判断请求是否开启思考模式
func thinkingRequested(req *model.ChatCompletionRequest) bool {
	return req.Model == thinkingModelAlias || req.Thinking
}

// buildChatBody 把 OpenAI 格式请求转换为上游信封
func buildChatBody(req *model.ChatCompletionRequest, chatID string) *upstreamChatBody {
	thinking := thinkingRequested(req)
	now := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	msgs := make([]upstreamMessage, 0, len(req.Messages)+1)
	hasSystem := false
	for _, m := range req.Messages {
		text := m.Text()
		if m.Role == "system" {
			hasSystem = true
			// 思考模式下给系统提示补上推理引导
			if thinking && !strings.Contains(text, "深度思考") && !strings.Contains(text, "思考分析") {
				text += "\n" + thinkingNudge
			}
		}
		msgs = append(msgs, upstreamMessage{
			ID:        uuid.NewString(),
			CreatedAt: now,
			Role:      m.Role,
			Content:   text,
			Parts:     []upstreamPart{{Type: "text", Text: text}},
		})
	}
	if !hasSystem {
		prompt := defaultSystemPrompt
		if thinking {
			prompt = thinkingSystemMsg
		}
		sys := upstreamMessage{
			ID:        uuid.NewString(),
			CreatedAt: now,
			Role:      "system",
			Content:   prompt,
			Parts:     []upstreamPart{{Type: "text", Text: prompt}},
		}
		msgs = append([]upstreamMessage{sys}, msgs...)
	}

	body := &upstreamChatBody{
		ID:                chatID,
		Messages:          msgs,
		SelectedChatModel: baseChatModel,
		Temperature:       req.Temperature,
	}
	if req.MaxTokens != nil {
		body.MaxOutputTokens = *req.MaxTokens
	}
	if thinking {
		budget := req.BudgetTokens
		if budget <= 0 {
			budget = defaultBudgetTokens
		}
		body.Thinking = &upstreamThinking{Type: "enabled", BudgetTokens: budget}
	}
	return body
}

// Chat 向上游发起聊天请求。调用方负责关闭响应体。
func (u *Upstream) Chat(ctx context.Context, req *model.ChatCompletionRequest, token string) (*http.Response, error) {
	chatID := uuid.NewString()
	body := buildChatBody(req, chatID)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.BaseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Priority", "u=1, i")
	httpReq.Header.Set("x-api-token", token)
	httpReq.Header.Set("Origin", u.cfg.BaseURL)
	httpReq.Header.Set("Referer", u.cfg.BaseURL+"/chat/"+chatID)
	pickProfile().apply(httpReq.Header)

	u.log.Debug("upstream chat request",
		"chat_id", chatID, "model", body.SelectedChatModel,
		"messages", len(body.Messages), "thinking", body.Thinking != nil)

	return u.client.Do(httpReq)
}
