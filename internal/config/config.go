package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	AI       AIConfig
	Session  SessionConfig
	Cache    CacheConfig
	Database DatabaseConfig
	Realtime RealtimeConfig
	LogLevel string
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	cache, err := loadCacheConfig()
	if err != nil {
		return nil, err
	}

	database, err := loadDatabaseConfig()
	if err != nil {
		return nil, err
	}

	realtime, err := loadRealtimeConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		AI:       ai,
		Session:  session,
		Cache:    cache,
		Database: database,
		Realtime: realtime,
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, ShutdownTimeout: shutdown}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, ShutdownTimeout: shutdown}, nil
}

// AIConfig 描述大模型相关配置。各档位模型为空时使用内置默认目录。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	FastModel     string
	StandardModel string
	AdvancedModel string
	RealtimeModel string
	FallbackModel string
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
}

// NewChatModel 使用配置创建一个模型实例。调用时可通过 model.WithModel 切换具体模型。
func (c AIConfig) NewChatModel(ctx context.Context, defaultModel string) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证缺失，至少提供 ARK_API_KEY 或 AK/SK 组合")
	}
	if defaultModel == "" {
		return nil, fmt.Errorf("default model is required")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       defaultModel,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:        strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:     strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:     strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		BaseURL:       getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:        getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:   temperature,
		TopP:          topP,
		MaxTokens:     maxTokens,
		FastModel:     strings.TrimSpace(os.Getenv("AI_MODEL_FAST")),
		StandardModel: getEnvOrDefault("AI_MODEL_STANDARD", strings.TrimSpace(os.Getenv("Model"))),
		AdvancedModel: strings.TrimSpace(os.Getenv("AI_MODEL_ADVANCED")),
		RealtimeModel: strings.TrimSpace(os.Getenv("AI_MODEL_REALTIME")),
		FallbackModel: strings.TrimSpace(os.Getenv("AI_MODEL_FALLBACK")),
	}, nil
}

// SessionConfig 会话编排的时间参数。
type SessionConfig struct {
	ResumeWindow         time.Duration
	MaxSpeakingExtension time.Duration
	IdleTimeout          time.Duration
	ReaperInterval       time.Duration
	StoreTimeout         time.Duration
	ReaperConcurrency    int
}

func loadSessionConfig() (SessionConfig, error) {
	var (
		cfg SessionConfig
		err error
	)
	if cfg.ResumeWindow, err = parseDurationEnv("SESSION_RESUME_WINDOW", 2*time.Hour); err != nil {
		return SessionConfig{}, err
	}
	if cfg.MaxSpeakingExtension, err = parseDurationEnv("SESSION_MAX_SPEAKING_EXTENSION", 4*time.Second); err != nil {
		return SessionConfig{}, err
	}
	if cfg.IdleTimeout, err = parseDurationEnv("SESSION_IDLE_TIMEOUT", 30*time.Minute); err != nil {
		return SessionConfig{}, err
	}
	if cfg.ReaperInterval, err = parseDurationEnv("SESSION_REAPER_INTERVAL", 10*time.Minute); err != nil {
		return SessionConfig{}, err
	}
	if cfg.StoreTimeout, err = parseDurationEnv("SESSION_STORE_TIMEOUT", 5*time.Second); err != nil {
		return SessionConfig{}, err
	}

	cfg.ReaperConcurrency = 8
	if n, err := parseOptionalIntEnv("SESSION_REAPER_CONCURRENCY"); err != nil {
		return SessionConfig{}, err
	} else if n != nil && *n > 0 {
		cfg.ReaperConcurrency = *n
	}
	return cfg, nil
}

// CacheConfig 描述响应缓存。RedisURL 为空时只使用进程内缓存。
type CacheConfig struct {
	RedisURL  string
	Capacity  int
	Cooldown  time.Duration
	OpTimeout time.Duration
}

func loadCacheConfig() (CacheConfig, error) {
	cooldown, err := parseDurationEnv("CACHE_COOLDOWN", 30*time.Second)
	if err != nil {
		return CacheConfig{}, err
	}
	opTimeout, err := parseDurationEnv("CACHE_OP_TIMEOUT", 250*time.Millisecond)
	if err != nil {
		return CacheConfig{}, err
	}

	capacity := 1000
	if n, err := parseOptionalIntEnv("CACHE_CAPACITY"); err != nil {
		return CacheConfig{}, err
	} else if n != nil {
		if *n < 1 {
			return CacheConfig{}, fmt.Errorf("invalid CACHE_CAPACITY value %d: must be positive", *n)
		}
		capacity = *n
	}

	return CacheConfig{
		RedisURL:  strings.TrimSpace(os.Getenv("REDIS_URL")),
		Capacity:  capacity,
		Cooldown:  cooldown,
		OpTimeout: opTimeout,
	}, nil
}

// DatabaseConfig 描述持久化存储。URL 为空时使用内存存储。
type DatabaseConfig struct {
	URL          string
	MaxConns     int32
	EnsureSchema bool
}

func loadDatabaseConfig() (DatabaseConfig, error) {
	ensure, err := parseBoolEnv("DATABASE_ENSURE_SCHEMA", true)
	if err != nil {
		return DatabaseConfig{}, err
	}

	var maxConns int32 = 10
	if n, err := parseOptionalIntEnv("DATABASE_MAX_CONNS"); err != nil {
		return DatabaseConfig{}, err
	} else if n != nil && *n > 0 {
		maxConns = int32(*n)
	}

	return DatabaseConfig{
		URL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		MaxConns:     maxConns,
		EnsureSchema: ensure,
	}, nil
}

// RealtimeConfig 描述外部实时语音端点。
type RealtimeConfig struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	MaxRetries       int
}

// Enabled 表示是否配置了实时端点。
func (c RealtimeConfig) Enabled() bool {
	return c.URL != ""
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	handshake, err := parseDurationEnv("REALTIME_HANDSHAKE_TIMEOUT", 10*time.Second)
	if err != nil {
		return RealtimeConfig{}, err
	}
	ping, err := parseDurationEnv("REALTIME_PING_INTERVAL", 20*time.Second)
	if err != nil {
		return RealtimeConfig{}, err
	}

	retries := 3
	if n, err := parseOptionalIntEnv("REALTIME_MAX_RETRIES"); err != nil {
		return RealtimeConfig{}, err
	} else if n != nil && *n >= 0 {
		retries = *n
	}

	apiKey := strings.TrimSpace(os.Getenv("REALTIME_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("ARK_API_KEY"))
	}

	return RealtimeConfig{
		URL:              strings.TrimSpace(os.Getenv("REALTIME_URL")),
		APIKey:           apiKey,
		HandshakeTimeout: handshake,
		PingInterval:     ping,
		MaxRetries:       retries,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv 接受 Go duration 字符串（如 "90s"、"2h"），纯数字按秒处理。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
