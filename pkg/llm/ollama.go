package llm

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"foreman/pkg/faults"
)

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	client *api.Client
	model  string
}

// DefaultOllamaHost is used when no host is configured.
const DefaultOllamaHost = "http://localhost:11434"

// NewOllamaClient creates a client for the given server URL and model.
func NewOllamaClient(hostURL, model string) *OllamaClient {
	parsed, err := url.Parse(hostURL)
	if err != nil || hostURL == "" {
		parsed, _ = url.Parse(DefaultOllamaHost)
	}
	return &OllamaClient{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

// Complete implements Client.
//
//nolint:gocritic // Request passed by value for interface consistency
func (c *OllamaClient) Complete(ctx context.Context, in Request) (Response, error) {
	if len(in.Messages) == 0 {
		return Response{}, faults.New(faults.ErrorTypeValidation, "ollama request needs at least one message")
	}

	messages := make([]api.Message, 0, len(in.Messages))
	for i := range in.Messages {
		msg := &in.Messages[i]
		messages = append(messages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var last api.ChatResponse
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		last = resp
		return nil
	})
	if err != nil {
		return Response{}, classifyOllamaError(err)
	}

	return Response{
		Content:    last.Message.Content,
		StopReason: ollamaStopReason(&last),
		Usage: Usage{
			PromptTokens:     last.PromptEvalCount,
			CompletionTokens: last.EvalCount,
		},
	}, nil
}

// ModelName implements Client.
func (c *OllamaClient) ModelName() string {
	return c.model
}

func ollamaStopReason(resp *api.ChatResponse) string {
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

// classifyOllamaError handles the failure modes specific to a local runtime
// before falling back to the generic classifier.
func classifyOllamaError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return faults.NewWithCause(faults.ErrorTypeTransient, err, "ollama server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return faults.NewWithCause(faults.ErrorTypeValidation, err, "ollama model not found")
	default:
		return classifyProviderError("ollama", err)
	}
}
