package core

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaopang/unlimitedproxy/internal/config"
	"github.com/xiaopang/unlimitedproxy/internal/logger"
	"github.com/xiaopang/unlimitedproxy/internal/model"
)

var (
	// ErrEmptyResponse 上游在允许时间内没有产出任何内容
	ErrEmptyResponse = errors.New("upstream produced no data within timeout")
)

// UpstreamError 上游返回非 200 状态
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// OutputChunk 转发给客户端的一个增量
type OutputChunk struct {
	Content   string
	Reasoning string
}

// Stream 一次转发会话的输出流
type Stream struct {
	first  *OutputChunk
	ch     <-chan OutputChunk
	errCh  <-chan error
	cancel context.CancelFunc
}

// Recv 读取下一个增量，流结束返回 io.EOF，异常中断返回具体错误
func (s *Stream) Recv() (OutputChunk, error) {
	if s.first != nil {
		c := *s.first
		s.first = nil
		return c, nil
	}
	c, ok := <-s.ch
	if !ok {
		select {
		case err := <-s.errCh:
			if err != nil {
				return OutputChunk{}, err
			}
		default:
		}
		return OutputChunk{}, io.EOF
	}
	return c, nil
}

// Close 中止流并释放上游连接
func (s *Stream) Close() {
	s.cancel()
	for range s.ch {
	}
}

// StreamRelay 把上游流式响应转成增量序列
//
// 负责凭证选取、认证失败换凭证重试、传输错误退避重试，
// 以及空响应超时中止。
type StreamRelay struct {
	tokens   *TokenManager
	upstream *Upstream
	cfg      *config.UpstreamConfig
	log      *logger.Logger
}

// NewStreamRelay 创建转发器
func NewStreamRelay(tokens *TokenManager, upstream *Upstream, cfg *config.UpstreamConfig) *StreamRelay {
	return &StreamRelay{
		tokens:   tokens,
		upstream: upstream,
		cfg:      cfg,
		log:      logger.Named("relay"),
	}
}

// Relay 发起一次聊天转发
//
// 返回的 Stream 已经收到首个增量（或确认上游开始产出），
// 调用方通过 Recv 消费剩余增量，结束后必须 Close。
func (r *StreamRelay) Relay(ctx context.Context, req *model.ChatCompletionRequest) (*Stream, error) {
	emptyTimeout := time.Duration(r.cfg.EmptyResponseTimeout) * time.Second
	if emptyTimeout <= 0 {
		emptyTimeout = 5 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.log.Info("retrying upstream request", "attempt", attempt, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDelay(attempt-1, 500*time.Millisecond, 5*time.Second)):
			}
		}

		cred, err := r.tokens.Checkout(ctx)
		if err != nil {
			return nil, err
		}

		stream, err := r.attempt(ctx, req, cred, emptyTimeout)
		if err == nil {
			return stream, nil
		}
		lastErr = err

		var ue *UpstreamError
		if errors.As(err, &ue) {
			r.tokens.RecordError(cred.Value, ue.StatusCode)
			// 认证失败换新凭证重试，其他状态不值得重试
			if ue.StatusCode != http.StatusUnauthorized && ue.StatusCode != http.StatusForbidden {
				return nil, err
			}
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("upstream relay failed: %w", lastErr)
}

// attempt 用给定凭证做一次完整的请求尝试
func (r *StreamRelay) attempt(ctx context.Context, req *model.ChatCompletionRequest, cred *model.Credential, emptyTimeout time.Duration) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	resp, err := r.upstream.Chat(streamCtx, req, cred.Value)
	if err != nil {
		cancel()
		r.tokens.Release(cred.Value)
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		r.tokens.Release(cred.Value)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	ch := make(chan OutputChunk, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		defer r.tokens.Release(cred.Value)
		if err := demux(streamCtx, resp.Body, thinkingRequested(req), ch); err != nil {
			errCh <- err
		}
	}()

	// 等首个增量，空响应超时中止本次尝试
	timer := time.NewTimer(emptyTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-ch:
		if !ok {
			cancel()
			select {
			case err := <-errCh:
				return nil, err
			default:
				return nil, ErrEmptyResponse
			}
		}
		return &Stream{first: &c, ch: ch, errCh: errCh, cancel: cancel}, nil
	case <-timer.C:
		cancel()
		for range ch {
		}
		return nil, ErrEmptyResponse
	case <-ctx.Done():
		cancel()
		for range ch {
		}
		return nil, ctx.Err()
	}
}

// demux 解析上游混合行协议
//
//	data: {json}   SSE 帧，content/thinking 字段
//	data: [DONE]   结束
//	0:"..."        内容增量（JSON 字符串字面量）
//	g:"..."        推理增量
//	f:{json}       元数据，忽略
//	e: / d:        结束事件
func demux(ctx context.Context, body io.Reader, thinking bool, out chan<- OutputChunk) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var chunk OutputChunk
		switch {
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(line[len("data:"):])
			if payload == "[DONE]" {
				return nil
			}
			var frame struct {
				Content  string `json:"content"`
				Thinking string `json:"thinking"`
			}
			if err := json.Unmarshal([]byte(payload), &frame); err == nil {
				chunk.Content = frame.Content
				if thinking {
					chunk.Reasoning = frame.Thinking
				}
			} else {
				// 非 JSON 帧按纯文本透传
				chunk.Content = strings.ReplaceAll(payload, `\n`, "\n")
			}
		case strings.HasPrefix(line, "0:"):
			chunk.Content = decodeQuoted(line[2:])
		case strings.HasPrefix(line, "g:"):
			if thinking {
				chunk.Reasoning = decodeQuoted(line[2:])
			}
		case strings.HasPrefix(line, "e:"), strings.HasPrefix(line, "d:"):
			return nil
		default:
			// f: 元数据及未知前缀直接跳过
			continue
		}

		if chunk.Content == "" && chunk.Reasoning == "" {
			continue
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// decodeQuoted 解出 0:/g: 行里的 JSON 字符串字面量
func decodeQuoted(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			return s
		}
		raw = strings.Trim(raw, `"`)
	}
	return strings.ReplaceAll(raw, `\n`, "\n")
}
