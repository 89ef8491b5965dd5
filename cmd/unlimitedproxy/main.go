package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaopang/unlimitedproxy/internal/api"
	"github.com/xiaopang/unlimitedproxy/internal/config"
	"github.com/xiaopang/unlimitedproxy/internal/core"
	"github.com/xiaopang/unlimitedproxy/internal/logger"
	"github.com/xiaopang/unlimitedproxy/internal/store"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.Info("config loaded", "path", *configPath)

	// 监听 SIGINT / SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化凭证存储
	st, err := store.New(&cfg.Token)
	if err != nil {
		log.Fatalf("Failed to init token store: %v", err)
	}
	defer st.Close()
	logger.Info("token store initialized", "type", cfg.Token.StorageType)

	// API 密钥表 + 文件变更监听
	keys := core.NewKeyRegistry(cfg.Server.KeyFile)
	go func() {
		if err := keys.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("key file watch stopped", "err", err)
		}
	}()

	// 上游客户端与凭证管理
	upstream := core.NewUpstream(&cfg.Upstream, &cfg.Token)
	tokens := core.NewTokenManager(upstream, st, &cfg.Token)
	tokens.Warm()
	tokens.Start()
	defer tokens.Stop()

	// 限速器与安全守卫
	window := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
	limiter := core.NewRateLimiter(time.Minute, window)
	defer limiter.Stop()
	guard := core.NewSecurityGuard(&cfg.Security)

	// 流式转发器与 API 处理器
	relay := core.NewStreamRelay(tokens, upstream, &cfg.Upstream)
	gateway := api.NewGatewayHandler(relay, tokens, keys, guard, limiter, cfg)

	// 设置路由
	r := api.SetupRouter(cfg, gateway, guard, keys, limiter)

	// 使用 http.Server 以支持 Graceful Shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// 在 goroutine 中启动 HTTP server
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("unlimitedproxy starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	// 等待信号或服务器错误
	select {
	case err := <-srvErr:
		if err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections")
	}

	// 给在途请求 15 秒的时间完成
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "err", err)
	}

	logger.Info("server stopped gracefully")
}
