// Package llm defines the completion client interface used by the pipeline
// stages, plus provider implementations for Anthropic, OpenAI, Google, and
// Ollama backends. Stage calls are single-shot text completions; providers
// classify their SDK errors into the shared faults taxonomy so callers can
// apply uniform retry policy.
package llm

import (
	"context"
)

// Role identifies the author of a conversation message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a completion conversation.
type Message struct {
	Role    Role
	Content string
}

// Request is a completion request to an LLM provider.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the result of a completion.
type Response struct {
	Content    string
	StopReason string
	Usage      Usage
}

// Client is implemented by each provider backend.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, in Request) (Response, error)

	// ModelName returns the model identifier this client targets.
	ModelName() string
}

// Default request parameters applied by NewRequest.
const (
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.2
)

// NewRequest builds a system+user completion request with default parameters.
func NewRequest(system, user string) Request {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: user})
	return Request{
		Messages:    msgs,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	}
}

// splitConversation separates system messages from the conversational turns.
// System content is concatenated; several providers take it out-of-band.
func splitConversation(messages []Message) (system string, turns []Message) {
	turns = make([]Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		turns = append(turns, *msg)
	}
	return system, turns
}
