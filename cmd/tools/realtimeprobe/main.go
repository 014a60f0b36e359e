package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-tutor/backend/internal/cache"
	"github.com/zhouzirui/z-tutor/backend/internal/config"
	"github.com/zhouzirui/z-tutor/backend/internal/observability"
	"github.com/zhouzirui/z-tutor/backend/internal/realtime"
	"github.com/zhouzirui/z-tutor/backend/internal/service/ai"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mode := flag.String("mode", "", "测试模式: realtime 或 completion")
	audioPath := flag.String("audio", "", "realtime 模式下发送的原始音频文件")
	chunkSize := flag.Int("chunk", 3200, "音频分片大小（字节）")
	interval := flag.Duration("interval", 100*time.Millisecond, "音频分片发送间隔")
	text := flag.String("text", "", "completion 模式的输入文本")
	useCase := flag.String("usecase", string(ai.UseCaseGrammarAnalysis), "completion 模式的用例")
	session := flag.String("session", "", "自定义 sessionID，留空则自动生成")
	timeout := flag.Duration("timeout", 45*time.Second, "总超时时间")

	flag.Parse()

	sessionID := *session
	if sessionID == "" {
		sessionID = fmt.Sprintf("probe-%d", time.Now().UnixNano())
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "realtime":
		runRealtime(ctx, cfg.Realtime, sessionID, *audioPath, *chunkSize, *interval)
	case "completion":
		runCompletion(ctx, cfg, ai.ParseUseCase(*useCase), *text)
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=realtime 或 -mode=completion 指定测试模式")
	}
}

func runRealtime(ctx context.Context, cfg config.RealtimeConfig, sessionID, audioPath string, chunkSize int, interval time.Duration) {
	if !cfg.Enabled() {
		log.Fatal("REALTIME_URL 未配置")
	}

	header := map[string]string{"X-Session-ID": sessionID}
	if cfg.APIKey != "" {
		header["Authorization"] = "Bearer " + cfg.APIKey
	}
	client := realtime.NewWebSocketClient(realtime.Options{
		URL:              cfg.URL,
		Header:           header,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		MaxRetries:       cfg.MaxRetries,
	}, observability.Component("realtimeprobe"))

	log.Printf("连接实时端点: url=%s session=%s", cfg.URL, sessionID)
	if err := client.Connect(ctx); err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer client.Disconnect(context.Background())

	if audioPath != "" {
		go streamAudio(ctx, client, audioPath, chunkSize, interval)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("超时结束: %v", ctx.Err())
			return
		case ev, ok := <-client.Events():
			if !ok {
				log.Println("事件通道已关闭")
				return
			}
			log.Printf("event=%s response=%s role=%s text=%q transcript=%q err=%q",
				ev.Type, ev.ResponseID, ev.Role, ev.Text, ev.Transcript, ev.Error)
			if ev.Type == realtime.EventClosed {
				return
			}
		}
	}
}

func streamAudio(ctx context.Context, client realtime.Client, audioPath string, chunkSize int, interval time.Duration) {
	file, err := os.Open(audioPath)
	if err != nil {
		log.Printf("[WARN] 打开音频文件失败: %v", err)
		return
	}
	defer file.Close()

	if chunkSize <= 0 {
		chunkSize = 3200
	}
	buf := make([]byte, chunkSize)
	sent := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := file.Read(buf)
		if n > 0 {
			if sendErr := client.SendAudio(ctx, append([]byte(nil), buf[:n]...)); sendErr != nil {
				log.Printf("[WARN] 发送音频失败: %v", sendErr)
				return
			}
			sent += n
		}
		if err == io.EOF {
			log.Printf("音频发送完成: %d 字节", sent)
			return
		}
		if err != nil {
			log.Printf("[WARN] 读取音频失败: %v", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runCompletion 连续调用两次，第二次应命中缓存。
func runCompletion(ctx context.Context, cfg *config.Config, useCase ai.UseCase, text string) {
	if text == "" {
		log.Fatal("completion 模式需要通过 -text 提供输入文本")
	}
	if !cfg.AI.Enabled() {
		log.Fatal("Ark 凭证未配置")
	}

	selector := ai.NewModelSelector(ai.Catalog{
		Fast:     cfg.AI.FastModel,
		Standard: cfg.AI.StandardModel,
		Advanced: cfg.AI.AdvancedModel,
		Realtime: cfg.AI.RealtimeModel,
		Fallback: cfg.AI.FallbackModel,
	})
	chatModel, err := cfg.AI.NewChatModel(ctx, selector.Catalog().Standard)
	if err != nil {
		log.Fatalf("初始化模型失败: %v", err)
	}

	var remote cache.Backend
	if cfg.Cache.RedisURL != "" {
		backend, err := cache.NewRedisBackend(cache.RedisOptions{URL: cfg.Cache.RedisURL})
		if err != nil {
			log.Fatalf("Redis 配置无效: %v", err)
		}
		defer backend.Close()
		remote = backend
	}
	responses := cache.NewStore(remote, cache.Options{Capacity: cfg.Cache.Capacity})
	svc := ai.NewCompletionService(ai.NewChatModelCompleter(chatModel), responses, ai.CompletionOptions{Selector: selector})

	messages, err := ai.NewPromptBuilder().Build(ctx, ai.PromptInput{UseCase: useCase, Level: "intermediate", Text: text})
	if err != nil {
		log.Fatalf("构建提示词失败: %v", err)
	}

	for i := 1; i <= 2; i++ {
		start := time.Now()
		res, err := svc.CreateOptimizedCompletion(ctx, useCase, messages, ai.User{ID: "probe"}, ai.Options{})
		if err != nil {
			log.Fatalf("第 %d 次调用失败: %v", i, err)
		}
		log.Printf("第 %d 次: model=%s fromCache=%v fallback=%v tokens=%d took=%s",
			i, res.ModelUsed, res.FromCache, res.Fallback, res.Usage.TotalTokens, time.Since(start))
		if i == 1 {
			log.Printf("内容: %s", res.Content)
		}
	}
	log.Printf("缓存状态: %+v", responses.Stats())
}
