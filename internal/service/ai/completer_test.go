package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatModel struct {
	got *model.Options
	err error
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.got = model.GetCommonOptions(&model.Options{}, opts...)
	if f.err != nil {
		return nil, f.err
	}
	return &schema.Message{
		Role:    schema.Assistant,
		Content: "echo: " + input[len(input)-1].Content,
		ResponseMeta: &schema.ResponseMeta{
			Usage: &schema.TokenUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
		},
	}, nil
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func TestChatModelCompleterPassesOptions(t *testing.T) {
	fake := &fakeChatModel{}
	c := NewChatModelCompleter(fake)

	resp, err := c.Complete(context.Background(), CompletionRequest{
		Model:       "std",
		Messages:    []*schema.Message{schema.UserMessage("hi")},
		Temperature: 0.3,
		MaxTokens:   256,
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", resp.Content)
	assert.Equal(t, Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, resp.Usage)

	require.NotNil(t, fake.got.Model)
	assert.Equal(t, "std", *fake.got.Model)
	require.NotNil(t, fake.got.Temperature)
	assert.InDelta(t, 0.3, *fake.got.Temperature, 0.0001)
	require.NotNil(t, fake.got.MaxTokens)
	assert.Equal(t, 256, *fake.got.MaxTokens)
}

func TestChatModelCompleterWrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	c := NewChatModelCompleter(&fakeChatModel{err: boom})
	_, err := c.Complete(context.Background(), CompletionRequest{Model: "std", Messages: []*schema.Message{schema.UserMessage("x")}})
	assert.ErrorIs(t, err, boom)
}
