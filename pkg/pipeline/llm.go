package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// ErrGenerationUnavailable wraps reasoning service failures. Stages surface
// it so the pass can be failed with a generation reason rather than a
// validation one.
var ErrGenerationUnavailable = errors.New("generation unavailable")

// LLMClient is the single reasoning capability the pipeline depends on.
// The intent parser, query generator and chart generator all use it the
// same way: one system prompt, one user prompt, one text completion.
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// AnthropicClient implements LLMClient using the Anthropic API.
type AnthropicClient struct {
	log       *slog.Logger
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicClient creates a client against the Anthropic API. Credentials
// come from the environment the same way the SDK expects them.
func NewAnthropicClient(log *slog.Logger, model anthropic.Model, maxTokens int64) *AnthropicClient {
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &AnthropicClient{
		log:       log,
		client:    anthropic.NewClient(),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Complete sends a prompt and returns the first text block of the response.
func (c *AnthropicClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		c.log.Error("llm: completion failed", "duration", time.Since(start), "error", err)
		return "", fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}
	c.log.Debug("llm: completion finished", "duration", time.Since(start), "stop_reason", msg.StopReason)

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("%w: no text content in response", ErrGenerationUnavailable)
}
