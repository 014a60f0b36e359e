package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zhouzirui/z-tutor/backend/internal/analysis/analytics"
	"github.com/zhouzirui/z-tutor/backend/internal/analysis/flow"
	"github.com/zhouzirui/z-tutor/backend/internal/cache"
	"github.com/zhouzirui/z-tutor/backend/internal/config"
	"github.com/zhouzirui/z-tutor/backend/internal/events"
	"github.com/zhouzirui/z-tutor/backend/internal/handler"
	"github.com/zhouzirui/z-tutor/backend/internal/metrics"
	"github.com/zhouzirui/z-tutor/backend/internal/model/scenario"
	"github.com/zhouzirui/z-tutor/backend/internal/observability"
	"github.com/zhouzirui/z-tutor/backend/internal/realtime"
	"github.com/zhouzirui/z-tutor/backend/internal/service/ai"
	sessionservice "github.com/zhouzirui/z-tutor/backend/internal/service/session"
	"github.com/zhouzirui/z-tutor/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := observability.Configure(os.Stdout, cfg.LogLevel)
	if envErr != nil {
		logger.Warn("failed to load .env file, continuing with system environment variables only", "error", envErr)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)

	conversations, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open conversation store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	responses, closeCache := openCache(cfg.Cache, m, logger)
	defer closeCache()

	catalog := ai.NewModelSelector(ai.Catalog{
		Fast:     cfg.AI.FastModel,
		Standard: cfg.AI.StandardModel,
		Advanced: cfg.AI.AdvancedModel,
		Realtime: cfg.AI.RealtimeModel,
		Fallback: cfg.AI.FallbackModel,
	})

	sink := events.SinkFunc(func(ev events.Event) {
		logger.Debug("event", "type", ev.Type, "session_id", ev.SessionID, "user_id", ev.UserID, "attrs", ev.Attrs)
	})

	// Completions stays a nil interface when Ark is not configured.
	var completions sessionservice.Completions
	if cfg.AI.Enabled() {
		chatModel, err := cfg.AI.NewChatModel(ctx, catalog.Catalog().Standard)
		if err != nil {
			logger.Warn("failed to initialize chat model, continuing without AI feedback", "error", err)
		} else {
			completions = ai.NewCompletionService(ai.NewChatModelCompleter(chatModel), responses, ai.CompletionOptions{
				Selector: catalog,
				Sink:     sink,
				Metrics:  m,
				Logger:   observability.Component("completion"),
			})
			logger.Info("AI completion service initialized", "standard_model", catalog.Catalog().Standard)
		}
	} else {
		logger.Info("Ark 凭证未配置，跳过 AI 反馈功能初始化")
	}

	scenarios := scenario.NewMemoryStore(scenario.Seed())
	orch := sessionservice.New(sessionservice.Dependencies{
		Store:       conversations,
		Flow:        flow.NewTracker(flow.DefaultConfig(), nil),
		Analytics:   analytics.NewAggregator(nil),
		Completions: completions,
		Prompts:     ai.NewPromptBuilder(),
		Scenarios:   scenarios,
		Sink:        sink,
		Metrics:     m,
		Logger:      observability.Component("session"),
	}, sessionservice.Config{
		ResumeWindow:         cfg.Session.ResumeWindow,
		MaxSpeakingExtension: cfg.Session.MaxSpeakingExtension,
		IdleTimeout:          cfg.Session.IdleTimeout,
		ReaperInterval:       cfg.Session.ReaperInterval,
		StoreTimeout:         cfg.Session.StoreTimeout,
		ReaperConcurrency:    cfg.Session.ReaperConcurrency,
	})

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go orch.RunReaper(reaperCtx)

	var newClient func(string) realtime.Client
	if cfg.Realtime.Enabled() {
		newClient = realtimeFactory(cfg.Realtime)
		logger.Info("realtime endpoint configured", "url", cfg.Realtime.URL)
	} else {
		logger.Info("REALTIME_URL 未配置，实时语音链路不可用")
	}

	router := handler.NewRouter(handler.Dependencies{
		Scenarios: scenarios,
		Sessions:  orch,
		Cache:     responses,
		Realtime:  newClient,
		Gatherer:  reg,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("Z Tutor backend listening", "addr", cfg.Server.Addr)
	if err := runServer(ctx, srv, cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("server error", "error", err)
	}

	// 停止接收请求后结束所有会话，保证转写与时长落库。
	stopReaper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	ended := orch.Shutdown(shutdownCtx)
	logger.Info("sessions ended on shutdown", "count", ended)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store.ConversationStore, func(), error) {
	if cfg.URL == "" {
		logger.Info("DATABASE_URL 未配置，使用内存会话存储")
		return store.NewMemoryStore(nil), func() {}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	pg := store.NewPostgresStore(pool)
	if cfg.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	logger.Info("postgres conversation store ready", "max_conns", cfg.MaxConns)
	return pg, pool.Close, nil
}

func openCache(cfg config.CacheConfig, m *metrics.Metrics, logger *slog.Logger) (*cache.Store, func()) {
	opts := cache.Options{
		Capacity:  cfg.Capacity,
		Cooldown:  cfg.Cooldown,
		OpTimeout: cfg.OpTimeout,
		Logger:    observability.Component("cache"),
		Metrics:   m,
	}
	if cfg.RedisURL == "" {
		logger.Info("REDIS_URL 未配置，仅使用进程内响应缓存", "capacity", cfg.Capacity)
		return cache.NewStore(nil, opts), func() {}
	}

	remote, err := cache.NewRedisBackend(cache.RedisOptions{URL: cfg.RedisURL})
	if err != nil {
		logger.Warn("invalid redis configuration, using in-process cache only", "error", err)
		return cache.NewStore(nil, opts), func() {}
	}
	logger.Info("redis response cache configured")
	return cache.NewStore(remote, opts), func() { _ = remote.Close() }
}

func realtimeFactory(cfg config.RealtimeConfig) func(string) realtime.Client {
	logger := observability.Component("realtime")
	return func(sessionID string) realtime.Client {
		header := map[string]string{"X-Session-ID": sessionID}
		if cfg.APIKey != "" {
			header["Authorization"] = "Bearer " + cfg.APIKey
		}
		return realtime.NewWebSocketClient(realtime.Options{
			URL:              cfg.URL,
			Header:           header,
			HandshakeTimeout: cfg.HandshakeTimeout,
			PingInterval:     cfg.PingInterval,
			MaxRetries:       cfg.MaxRetries,
		}, logger.With("session_id", sessionID))
	}
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
