package ai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/schema"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/z-tutor/backend/internal/cache"
	"github.com/zhouzirui/z-tutor/backend/internal/events"
	"github.com/zhouzirui/z-tutor/backend/internal/metrics"
	"github.com/zhouzirui/z-tutor/backend/internal/observability"
)

// ResponseCache is the subset of cache.Store used for completions.
type ResponseCache interface {
	Get(ctx context.Context, key string) (cache.Entry, bool)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration)
}

// User identifies the learner a completion is made for.
type User struct {
	ID    string
	Tier  Tier
	Level string
}

// Result is the outcome of CreateOptimizedCompletion.
type Result struct {
	Content   string  `json:"content"`
	UseCase   UseCase `json:"useCase"`
	ModelUsed string  `json:"modelUsed"`
	FromCache bool    `json:"fromCache"`
	Fallback  bool    `json:"fallback"`
	Usage     Usage   `json:"usage"`
	CacheKey  string  `json:"-"`
}

type cachedPayload struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// CompletionService wraps live completion calls with model selection, the
// response cache and a single fallback-model retry.
type CompletionService struct {
	selector  ModelSelector
	completer Completer
	cache     ResponseCache
	sink      events.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	timeout   time.Duration

	group singleflight.Group
}

// CompletionOptions carries the optional collaborators of CompletionService.
type CompletionOptions struct {
	Selector ModelSelector
	Sink     events.Sink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	// CallTimeout bounds a shared live call. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration
}

// DefaultCallTimeout bounds a live call that is shared by concurrent misses.
const DefaultCallTimeout = 60 * time.Second

// NewCompletionService builds the service. responses may be nil to disable
// caching entirely.
func NewCompletionService(completer Completer, responses ResponseCache, opts CompletionOptions) *CompletionService {
	selector := opts.Selector
	if selector.catalog == (Catalog{}) {
		selector = NewModelSelector(Catalog{})
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.Nop
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Component("completion")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &CompletionService{
		selector:  selector,
		completer: completer,
		cache:     responses,
		sink:      sink,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       now,
		timeout:   timeout,
	}
}

// Selector exposes the model selector in use.
func (s *CompletionService) Selector() ModelSelector {
	return s.selector
}

// CreateOptimizedCompletion is the only entry point for non-realtime AI
// calls. Cacheable use cases are served from the cache when possible;
// concurrent identical misses share one live call. Only successful
// primary-model responses are cached.
func (s *CompletionService) CreateOptimizedCompletion(ctx context.Context, useCase UseCase, messages []*schema.Message, user User, opts Options) (*Result, error) {
	cfg := s.selector.Select(useCase, user.Tier)
	if opts.Temperature != nil {
		cfg.Temperature = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		cfg.MaxTokens = *opts.MaxTokens
	}

	if s.cache == nil || !ShouldCache(useCase, opts) {
		s.emit(events.CacheBypass, useCase, user, opts, nil)
		s.metrics.CacheRequest(string(useCase), "bypass")
		return s.complete(ctx, useCase, cfg, messages)
	}

	level := opts.Level
	if level == "" {
		level = user.Level
	}
	key := CacheKey(KeyParts{
		UseCase:    useCase,
		Level:      level,
		ScenarioID: opts.ScenarioID,
		Model:      cfg.Model,
		Prompt:     flattenMessages(messages),
	})

	if res, ok := s.lookup(ctx, key, useCase); ok {
		s.emit(events.CacheHit, useCase, user, opts, map[string]any{"key": key})
		s.metrics.CacheRequest(string(useCase), "hit")
		return res, nil
	}
	s.emit(events.CacheMiss, useCase, user, opts, map[string]any{"key": key})
	s.metrics.CacheRequest(string(useCase), "miss")

	// 共享调用不能随首个调用方取消，否则所有等待者一起失败。
	ch := s.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		// A caller that missed just before the previous flight stored its
		// result finds it here instead of issuing a second live call.
		if res, ok := s.lookup(fctx, key, useCase); ok {
			return res, nil
		}
		res, err := s.complete(fctx, useCase, cfg, messages)
		if err != nil {
			return nil, err
		}
		res.CacheKey = key
		if !res.Fallback {
			s.store(fctx, key, useCase, res)
		}
		return res, nil
	})
	var v any
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		v = r.Val
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	shared := *v.(*Result)
	return &shared, nil
}

func (s *CompletionService) complete(ctx context.Context, useCase UseCase, cfg ModelConfig, messages []*schema.Message) (*Result, error) {
	if s.completer == nil {
		return nil, &CompletionError{UseCase: useCase, Model: cfg.Model, Err: ErrNoCompleter}
	}

	resp, err := s.call(ctx, cfg.Model, cfg, messages)
	if err == nil {
		return &Result{Content: resp.Content, UseCase: useCase, ModelUsed: cfg.Model, Usage: resp.Usage}, nil
	}
	primaryErr := err

	if cfg.FallbackModel == "" || ctx.Err() != nil {
		return nil, &CompletionError{UseCase: useCase, Model: cfg.Model, Err: primaryErr}
	}

	s.logger.Warn("primary model failed, retrying with fallback",
		"use_case", useCase, "model", cfg.Model, "fallback", cfg.FallbackModel, "error", primaryErr)
	s.sink.Emit(events.Event{
		Type: events.CompletionFallback,
		At:   s.now(),
		Attrs: map[string]any{
			"useCase":  string(useCase),
			"model":    cfg.Model,
			"fallback": cfg.FallbackModel,
		},
	})

	resp, err = s.call(ctx, cfg.FallbackModel, cfg, messages)
	if err != nil {
		return nil, &CompletionError{
			UseCase:       useCase,
			Model:         cfg.Model,
			FallbackModel: cfg.FallbackModel,
			Err:           errors.Join(primaryErr, err),
		}
	}
	return &Result{
		Content:   resp.Content,
		UseCase:   useCase,
		ModelUsed: cfg.FallbackModel,
		Fallback:  true,
		Usage:     resp.Usage,
	}, nil
}

func (s *CompletionService) call(ctx context.Context, modelID string, cfg ModelConfig, messages []*schema.Message) (*CompletionResponse, error) {
	start := s.now()
	resp, err := s.completer.Complete(ctx, CompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.ObserveCompletion(modelID, status, s.now().Sub(start))
	return resp, err
}

func (s *CompletionService) lookup(ctx context.Context, key string, useCase UseCase) (*Result, bool) {
	entry, ok := s.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var payload cachedPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		s.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		return nil, false
	}
	return &Result{
		Content:   payload.Content,
		UseCase:   useCase,
		ModelUsed: payload.Model,
		FromCache: true,
		Usage:     payload.Usage,
		CacheKey:  key,
	}, true
}

func (s *CompletionService) store(ctx context.Context, key string, useCase UseCase, res *Result) {
	data, err := json.Marshal(cachedPayload{Content: res.Content, Model: res.ModelUsed, Usage: res.Usage})
	if err != nil {
		s.logger.Warn("encode cache payload failed", "key", key, "error", err)
		return
	}
	s.cache.Set(ctx, key, data, TTLFor(useCase))
}

func (s *CompletionService) emit(t events.Type, useCase UseCase, user User, opts Options, attrs map[string]any) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["useCase"] = string(useCase)
	s.sink.Emit(events.Event{
		Type:      t,
		SessionID: opts.SessionID,
		UserID:    user.ID,
		At:        s.now(),
		Attrs:     attrs,
	})
}
