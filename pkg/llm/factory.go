package llm

import (
	"fmt"

	"foreman/pkg/config"
)

// NewFromConfig builds the provider client named by the stages config. API
// keys come from the secrets layer, never from the YAML; Ollama is keyless.
func NewFromConfig(cfg config.StagesConfig) (Client, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		key, err := config.GetSecret(config.SecretAnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("resolve anthropic api key: %w", err)
		}
		return NewAnthropicClient(key, cfg.Model), nil
	case config.ProviderOpenAI:
		key, err := config.GetSecret(config.SecretOpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("resolve openai api key: %w", err)
		}
		return NewOpenAIClient(key, cfg.Model), nil
	case config.ProviderGoogle:
		key, err := config.GetSecret(config.SecretGeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("resolve gemini api key: %w", err)
		}
		return NewGoogleClient(key, cfg.Model), nil
	case config.ProviderOllama:
		return NewOllamaClient(cfg.OllamaHost, cfg.Model), nil
	default:
		return nil, fmt.Errorf("llm provider %q not supported", cfg.Provider)
	}
}
