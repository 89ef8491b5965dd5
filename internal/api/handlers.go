package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xiaopang/unlimitedproxy/internal/config"
	"github.com/xiaopang/unlimitedproxy/internal/core"
	"github.com/xiaopang/unlimitedproxy/internal/logger"
	"github.com/xiaopang/unlimitedproxy/internal/model"
)

// GatewayHandler OpenAI 兼容网关处理器
type GatewayHandler struct {
	relay   *core.StreamRelay
	tokens  *core.TokenManager
	keys    *core.KeyRegistry
	guard   *core.SecurityGuard
	limiter *core.RateLimiter
	cfg     *config.Config
	log     *logger.Logger
}

// NewGatewayHandler 创建网关处理器
func NewGatewayHandler(relay *core.StreamRelay, tokens *core.TokenManager, keys *core.KeyRegistry, guard *core.SecurityGuard, limiter *core.RateLimiter, cfg *config.Config) *GatewayHandler {
	return &GatewayHandler{
		relay:   relay,
		tokens:  tokens,
		keys:    keys,
		guard:   guard,
		limiter: limiter,
		cfg:     cfg,
		log:     logger.Named("gateway"),
	}
}

// ChatCompletions 聊天补全
func (h *GatewayHandler) ChatCompletions(c *gin.Context) {
	var req model.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid request: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	if req.Model == "" {
		req.Model = h.cfg.Upstream.DefaultModel
	}
	if !h.modelSupported(req.Model) {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: fmt.Sprintf("model %q does not exist", req.Model),
				Type:    "invalid_request_error",
				Param:   "model",
				Code:    "model_not_found",
			},
		})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "messages must not be empty",
				Type:    "invalid_request_error",
				Param:   "messages",
			},
		})
		return
	}

	info := clientInfoFromContext(c)
	start := time.Now()

	stream, err := h.relay.Relay(c.Request.Context(), &req)
	if err != nil {
		h.relayError(c, err)
		return
	}
	defer stream.Close()

	if req.Stream {
		h.streamResponse(c, &req, stream, info, start)
	} else {
		h.jsonResponse(c, &req, stream, info, start)
	}
}

func (h *GatewayHandler) modelSupported(name string) bool {
	for _, m := range h.cfg.Upstream.Models {
		if m == name {
			return true
		}
	}
	return false
}

// streamResponse 以 OpenAI SSE 格式转发增量
func (h *GatewayHandler) streamResponse(c *gin.Context, req *model.ChatCompletionRequest, stream *core.Stream, info *model.ClientInfo, start time.Time) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Transfer-Encoding", "chunked")

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	first := true
	var chunks int

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				break
			}
			// 已经开始输出，只能以错误事件收尾
			h.log.Warn("stream interrupted",
				"ip", info.IP, "chunks", chunks, "err", err)
			writeSSE(c, model.StreamChunk{
				ID: id, Object: "chat.completion.chunk", Created: created, Model: req.Model,
				Choices: []model.StreamChoice{{FinishReason: "error"}},
			})
			fmt.Fprint(c.Writer, "data: [DONE]\n\n")
			c.Writer.Flush()
			return
		}

		delta := model.Delta{Content: chunk.Content, Reasoning: chunk.Reasoning}
		if first {
			delta.Role = "assistant"
			first = false
		}
		writeSSE(c, model.StreamChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: req.Model,
			Choices: []model.StreamChoice{{Delta: delta}},
		})
		chunks++

		if c.Request.Context().Err() != nil {
			// 客户端断开，上游连接随 Close 取消
			h.log.Info("client disconnected mid-stream", "ip", info.IP, "chunks", chunks)
			return
		}
	}

	writeSSE(c, model.StreamChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: req.Model,
		Choices: []model.StreamChoice{{FinishReason: "stop"}},
	})
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()

	h.log.Info("chat completed",
		"ip", info.IP, "key", info.KeyName, "tool", info.Tool, "model", req.Model,
		"stream", true, "chunks", chunks, "latency", time.Since(start))
}

// jsonResponse 聚合全部增量后一次性返回
func (h *GatewayHandler) jsonResponse(c *gin.Context, req *model.ChatCompletionRequest, stream *core.Stream, info *model.ClientInfo, start time.Time) {
	var content, reasoning strings.Builder

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				break
			}
			h.relayError(c, err)
			return
		}
		content.WriteString(chunk.Content)
		if chunk.Reasoning != "" {
			reasoning.WriteString(chunk.Reasoning)
		}
	}

	msg := &model.ResponseMessage{
		Role:      "assistant",
		Content:   content.String(),
		Reasoning: reasoning.String(),
	}

	resp := model.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []model.Choice{{Index: 0, Message: msg, FinishReason: "stop"}},
		Usage:   estimateUsage(req, msg),
	}

	h.log.Info("chat completed",
		"ip", info.IP, "key", info.KeyName, "tool", info.Tool, "model", req.Model,
		"stream", false, "latency", time.Since(start))
	c.JSON(200, resp)
}

// estimateUsage 上游不返回用量，按字符数粗略估算
func estimateUsage(req *model.ChatCompletionRequest, msg *model.ResponseMessage) *model.Usage {
	var promptChars int
	for i := range req.Messages {
		promptChars += len(req.Messages[i].Text())
	}
	completionChars := len(msg.Content) + len(msg.Reasoning)

	u := &model.Usage{
		PromptTokens:     promptChars / 4,
		CompletionTokens: completionChars / 4,
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// relayError 把转发错误映射为 OpenAI 风格错误响应
func (h *GatewayHandler) relayError(c *gin.Context, err error) {
	status := 502
	detail := model.ErrorDetail{
		Message: "Upstream request failed: " + err.Error(),
		Type:    "upstream_error",
		Code:    "upstream_error",
	}

	var ue *core.UpstreamError
	switch {
	case errors.Is(err, core.ErrEmptyResponse):
		status = 504
		detail.Message = "Upstream produced no response in time"
		detail.Code = "upstream_timeout"
	case errors.Is(err, context.DeadlineExceeded):
		status = 504
		detail.Code = "upstream_timeout"
	case errors.Is(err, core.ErrNoCredential), errors.Is(err, core.ErrAcquisitionFailed):
		status = 503
		detail.Message = "No upstream credential available, please retry later"
		detail.Code = "no_credential"
	case errors.As(err, &ue):
		if ue.StatusCode == http.StatusTooManyRequests {
			status = 429
			detail.Type = "rate_limit_error"
			detail.Code = "upstream_rate_limited"
		}
	case errors.Is(err, context.Canceled):
		// 客户端主动断开，无需响应
		c.Abort()
		return
	}

	h.log.Warn("relay failed", "status", status, "err", err)
	c.JSON(status, model.ErrorResponse{Error: detail})
}

func writeSSE(c *gin.Context, chunk model.StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

// ListModels 列出可用模型
func (h *GatewayHandler) ListModels(c *gin.Context) {
	models := make([]model.ModelInfo, 0, len(h.cfg.Upstream.Models))
	for _, m := range h.cfg.Upstream.Models {
		models = append(models, model.ModelInfo{
			ID:      m,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: "unlimitedai",
		})
	}
	c.JSON(200, model.ModelsResponse{Object: "list", Data: models})
}

// Stats 运行状态统计
func (h *GatewayHandler) Stats(c *gin.Context) {
	strikes, bans := h.guard.Stats()
	c.JSON(200, gin.H{
		"tokens": h.tokens.Stats(),
		"keys":   gin.H{"loaded": h.keys.Count()},
		"rate_limit": gin.H{
			"tracked_subjects": h.limiter.Subjects(),
		},
		"security": gin.H{
			"tracked_ips": strikes,
			"active_bans": bans,
		},
	})
}

// ReloadKeys 重新加载密钥文件
func (h *GatewayHandler) ReloadKeys(c *gin.Context) {
	if err := h.keys.Reload(); err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Reload failed: " + err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}
	c.JSON(200, gin.H{"status": "ok", "keys": h.keys.Count()})
}
