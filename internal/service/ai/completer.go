package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Usage 记录一次调用消耗的 token。
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// CompletionRequest is one live call against a specific model.
type CompletionRequest struct {
	Model       string
	Messages    []*schema.Message
	Temperature float32
	MaxTokens   int
}

// CompletionResponse is the text and usage returned by a live call.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Completer executes live completion calls.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return f(ctx, req)
}

// ChatModelCompleter 将 eino 的 ChatModel 适配为 Completer，按请求覆盖模型与生成参数。
type ChatModelCompleter struct {
	chatModel model.BaseChatModel
}

// NewChatModelCompleter wraps an eino chat model.
func NewChatModelCompleter(chatModel model.BaseChatModel) *ChatModelCompleter {
	return &ChatModelCompleter{chatModel: chatModel}
}

// Complete runs a single Generate call.
func (c *ChatModelCompleter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if c == nil || c.chatModel == nil {
		return nil, ErrNoCompleter
	}

	var opts []model.Option
	if req.Model != "" {
		opts = append(opts, model.WithModel(req.Model))
	}
	if req.Temperature > 0 {
		opts = append(opts, model.WithTemperature(req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}

	msg, err := c.chatModel.Generate(ctx, req.Messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate with %s: %w", req.Model, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("generate with %s: empty response", req.Model)
	}

	resp := &CompletionResponse{Content: msg.Content}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		u := msg.ResponseMeta.Usage
		resp.Usage = Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return resp, nil
}
