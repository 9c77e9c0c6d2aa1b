// Package genai provides GenAI-enhanced operations using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// DefaultModel is the chat model used when none is configured.
var DefaultModel = openai.ChatModelGPT4oMini

// ErrNoChoicesReturned indicates the completion response carried no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// openaiChatService adapts the OpenAI SDK service to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s openaiChatService) New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return s.client.Chat.Completions.New(ctx, params)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  shared.ChatModel
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding $OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the chat model used for completions.
func WithModel(model shared.ChatModel) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat  chatService
	model shared.ChatModel
}

// NewClient initializes a new GenAI client. The API key is taken from options
// or the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	slog.Debug("GenAI client initialized", "model", cfg.Model)

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: openaiChatService{client: cli}, model: cfg.Model}, nil
}

// GeneratePrompt generates a response based on the provided system and user prompts.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	}
	return c.GenerateWithMessages(ctx, messages)
}

// GenerateWithMessages generates a response for an arbitrary message history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("GenAI completion failed", "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}
