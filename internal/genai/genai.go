// Package genai generates message text with the OpenAI API for flow nodes
// bound to a model-backed step.
package genai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat  chatService
	model openai.ChatModel
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the completion model.
func WithModel(model string) Option {
	return func(c *Client) { c.model = openai.ChatModel(model) }
}

// NewClient builds a GenAI client with the given API key.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai.NewClient: API key not set")
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	c := &Client{chat: &cli.Chat.Completions, model: openai.ChatModelGPT4oMini}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GeneratePromptResponse generates message text from a system and user prompt
// pair. An empty system prompt is omitted from the request.
func (c *Client) GeneratePromptResponse(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("Client.GeneratePromptResponse: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("Client.GeneratePromptResponse: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
