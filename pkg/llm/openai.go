package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"foreman/pkg/faults"
)

// OpenAIClient wraps the official OpenAI SDK using the Responses API.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates a client for the given model.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete implements Client.
//
//nolint:gocritic // Request passed by value for interface consistency
func (c *OpenAIClient) Complete(ctx context.Context, in Request) (Response, error) {
	input := flattenInput(in.Messages)
	if input == "" {
		return Response{}, faults.New(faults.ErrorTypeValidation, "openai request needs at least one message")
	}

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(in.MaxTokens)),
		Temperature:     openai.Float(float64(in.Temperature)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return Response{}, classifyProviderError("openai", err)
	}
	if resp == nil {
		return Response{}, faults.New(faults.ErrorTypeTransient, "empty response from openai API")
	}

	return Response{
		Content:    resp.OutputText(),
		StopReason: string(resp.Status),
		Usage: Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// ModelName implements Client.
func (c *OpenAIClient) ModelName() string {
	return c.model
}

// flattenInput folds a message list into the single input string the Responses
// API takes. System and assistant turns keep a role prefix so the model can
// tell them apart from user content.
func flattenInput(messages []Message) string {
	var input string
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case RoleSystem:
			input += fmt.Sprintf("System: %s\n\n", msg.Content)
		case RoleAssistant:
			input += fmt.Sprintf("Assistant: %s\n\n", msg.Content)
		case RoleUser:
			input += msg.Content
		}
	}
	return input
}
