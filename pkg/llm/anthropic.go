package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"foreman/pkg/faults"
)

// AnthropicClient wraps the official Anthropic SDK.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient creates a client for the given model.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Complete implements Client.
//
//nolint:gocritic // Request passed by value for interface consistency
func (c *AnthropicClient) Complete(ctx context.Context, in Request) (Response, error) {
	system, turns := splitConversation(in.Messages)
	if len(turns) == 0 {
		return Response{}, faults.New(faults.ErrorTypeValidation, "anthropic request needs at least one non-system message")
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for i := range turns {
		msg := &turns[i]
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: system,
			Type: "text",
		}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classifyProviderError("anthropic", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return Response{}, faults.New(faults.ErrorTypeTransient, "empty response from anthropic API")
	}

	var sb strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}

	return Response{
		Content:    sb.String(),
		StopReason: string(resp.StopReason),
		Usage: Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// ModelName implements Client.
func (c *AnthropicClient) ModelName() string {
	return string(c.model)
}
