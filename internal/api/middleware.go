package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xiaopang/unlimitedproxy/internal/config"
	"github.com/xiaopang/unlimitedproxy/internal/core"
	"github.com/xiaopang/unlimitedproxy/internal/logger"
	"github.com/xiaopang/unlimitedproxy/internal/model"
)

// ClientInfoKey gin.Context 中客户端信息的键
const ClientInfoKey = "client_info"

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "err", err, "path", c.Request.URL.Path)
				c.JSON(500, model.ErrorResponse{
					Error: model.ErrorDetail{
						Message: "Internal server error",
						Type:    "internal_error",
						Code:    "internal_error",
					},
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// LoggerMiddleware 请求日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info(fmt.Sprintf("%3d | %12v | %-7s %s",
			c.Writer.Status(), time.Since(start), c.Request.Method, path))
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// SecurityMiddleware 可疑请求检测与 IP 封禁
func SecurityMiddleware(guard *core.SecurityGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		verdict := guard.Inspect(c.ClientIP(), c.Request)
		if !verdict.Allowed {
			c.JSON(403, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Forbidden: " + verdict.Reason,
					Type:    "access_denied",
					Code:    "ip_blocked",
				},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// AuthMiddleware API Key 认证中间件
//
// 密钥表非空时强制认证；空表放行所有请求（未配置密钥文件的场景）。
func AuthMiddleware(keys *core.KeyRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := &model.ClientInfo{
			IP:   c.ClientIP(),
			Tool: core.DetectClient(c.Request.Header),
		}

		if keys.Count() == 0 {
			c.Set(ClientInfoKey, info)
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(401, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Missing Authorization header",
					Type:    "authentication_error",
					Code:    "missing_api_key",
				},
			})
			c.Abort()
			return
		}

		// 兼容不带 Bearer 前缀的裸 key
		token := strings.TrimPrefix(auth, "Bearer ")

		key, err := keys.Validate(token)
		if err != nil {
			code := "invalid_api_key"
			if errors.Is(err, core.ErrKeyExpired) {
				code = "api_key_expired"
			}
			c.JSON(401, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: err.Error(),
					Type:    "authentication_error",
					Code:    code,
				},
			})
			c.Abort()
			return
		}

		info.KeyName = key.Name
		info.Key = key
		c.Set(ClientInfoKey, info)
		c.Next()
	}
}

// RateLimitMiddleware 滑动窗口限速，IP 维度和密钥维度独立计数
func RateLimitMiddleware(limiter *core.RateLimiter, cfg *config.RateLimitConfig) gin.HandlerFunc {
	window := time.Duration(cfg.WindowSeconds) * time.Second
	return func(c *gin.Context) {
		info := clientInfoFromContext(c)

		if cfg.IPEnabled {
			subject := "ip:" + info.IP
			if !limiter.Allow(subject, cfg.IPMaxRequests, window) {
				rejectRateLimited(c, limiter.RetryAfter(subject, window))
				return
			}
		}

		if cfg.KeyEnabled && info.Key != nil {
			limit := keyRateLimit(info.Key, cfg)
			if limit > 0 {
				subject := "key:" + info.Key.Value
				if !limiter.Allow(subject, limit, window) {
					rejectRateLimited(c, limiter.RetryAfter(subject, window))
					return
				}
			}
		}

		c.Next()
	}
}

// keyRateLimit 解析密钥的有效限速值，0 表示不限
func keyRateLimit(key *model.APIKey, cfg *config.RateLimitConfig) int {
	switch key.Override {
	case model.RateDisabled:
		return 0
	case model.RateExplicit:
		if key.RateLimit > 0 {
			return key.RateLimit
		}
		return cfg.KeyDefaultRate
	default:
		return cfg.KeyDefaultRate
	}
}

func rejectRateLimited(c *gin.Context, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", fmt.Sprintf("%d", secs))
	c.JSON(429, model.ErrorResponse{
		Error: model.ErrorDetail{
			Message: "Rate limit exceeded, please retry later",
			Type:    "rate_limit_error",
			Code:    "rate_limit_exceeded",
		},
	})
	c.Abort()
}

func clientInfoFromContext(c *gin.Context) *model.ClientInfo {
	if v, ok := c.Get(ClientInfoKey); ok {
		if info, ok := v.(*model.ClientInfo); ok {
			return info
		}
	}
	return &model.ClientInfo{IP: c.ClientIP()}
}

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, gw *GatewayHandler, guard *core.SecurityGuard, keys *core.KeyRegistry, limiter *core.RateLimiter) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())
	r.Use(SecurityMiddleware(guard))

	// OpenAI 兼容 API（需要认证）
	v1 := r.Group("/v1")
	v1.Use(AuthMiddleware(keys))
	v1.Use(RateLimitMiddleware(limiter, &cfg.RateLimit))
	{
		v1.POST("/chat/completions", gw.ChatCompletions)
		v1.GET("/models", gw.ListModels)
	}

	// 管理 API
	api := r.Group("/api")
	api.Use(AuthMiddleware(keys))
	{
		api.GET("/stats", gw.Stats)
		api.POST("/keys/reload", gw.ReloadKeys)
	}

	// 健康检查端点
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
