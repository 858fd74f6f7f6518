package llm

import (
	"context"
	"sync"

	"google.golang.org/genai"

	"foreman/pkg/faults"
)

// GoogleClient wraps the Google GenAI SDK. The underlying client needs a
// context to construct, so it is created lazily on first use.
type GoogleClient struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

// NewGoogleClient creates a client for the given model.
func NewGoogleClient(apiKey, model string) *GoogleClient {
	return &GoogleClient{
		apiKey: apiKey,
		model:  model,
	}
}

func (c *GoogleClient) ensureClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, classifyProviderError("google", err)
	}
	c.client = client
	return client, nil
}

// Complete implements Client.
//
//nolint:gocritic // Request passed by value for interface consistency
func (c *GoogleClient) Complete(ctx context.Context, in Request) (Response, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return Response{}, err
	}

	system, turns := splitConversation(in.Messages)
	if len(turns) == 0 {
		return Response{}, faults.New(faults.ErrorTypeValidation, "google request needs at least one non-system message")
	}

	contents := make([]*genai.Content, 0, len(turns))
	for i := range turns {
		msg := &turns[i]
		role := genai.RoleUser
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}

	temp := in.Temperature
	//nolint:gosec // MaxTokens bounded by config, conversion cannot overflow
	config := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(in.MaxTokens),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	result, err := client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return Response{}, classifyProviderError("google", err)
	}
	if result == nil {
		return Response{}, faults.New(faults.ErrorTypeTransient, "empty response from google API")
	}

	resp := Response{
		Content:    result.Text(),
		StopReason: googleStopReason(result),
	}
	if result.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	return resp, nil
}

// ModelName implements Client.
func (c *GoogleClient) ModelName() string {
	return c.model
}

func googleStopReason(result *genai.GenerateContentResponse) string {
	if len(result.Candidates) == 0 {
		return ""
	}
	switch result.Candidates[0].FinishReason {
	case genai.FinishReasonStop:
		return "end_turn"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	default:
		return string(result.Candidates[0].FinishReason)
	}
}
