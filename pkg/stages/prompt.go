package stages

import (
	"context"
	"strings"

	"foreman/pkg/faults"
	"foreman/pkg/tracker"
)

// PromptResult is the assembled execution brief for the coding agent.
type PromptResult struct {
	Prompt          string `json:"prompt"`
	ContextTokens   int    `json:"context_tokens"`
	TrimmedComments int    `json:"trimmed_comments"`
}

const generatePromptSystem = `You write implementation briefs for an autonomous
coding agent. Given a ticket and its clarification thread, produce a complete,
self-contained brief: what to build, the constraints that were clarified, and
how to verify the result. The agent sees nothing but your brief. Reply with the
brief as plain text, no preamble.`

// GeneratePrompt assembles the execution prompt from the ticket and its
// discussion. The context is capped to the configured token budget by dropping
// the oldest comments first; the most recent clarifications carry the
// decisions. This stage returns free text, not JSON.
func (s *Stages) GeneratePrompt(ctx context.Context, ticket *tracker.Ticket, comments []tracker.Comment) (*PromptResult, error) {
	kept := comments
	trimmed := 0
	input := renderTicket(ticket, kept)
	for s.tokens.CountTokens(input) > s.cfg.PromptTokenBudget && len(kept) > 0 {
		kept = kept[1:]
		trimmed++
		input = renderTicket(ticket, kept)
	}
	if s.tokens.CountTokens(input) > s.cfg.PromptTokenBudget {
		input = s.tokens.TruncateToTokenLimit(input, s.cfg.PromptTokenBudget)
	}
	if trimmed > 0 {
		s.logger.Debug("Prompt context for %s trimmed %d oldest comments to fit %d tokens",
			ticket.Key, trimmed, s.cfg.PromptTokenBudget)
	}

	content, err := s.complete(ctx, StageGeneratePrompt, ticket.Key, generatePromptSystem, input)
	if err != nil {
		return nil, err
	}

	prompt := strings.TrimSpace(stripFences(content))
	if prompt == "" {
		return nil, faults.New(faults.ErrorTypeValidation, "generate_prompt stage returned an empty brief")
	}

	return &PromptResult{
		Prompt:          prompt,
		ContextTokens:   s.tokens.CountTokens(input),
		TrimmedComments: trimmed,
	}, nil
}

// stripFences removes a wrapping markdown code fence if the whole reply is one.
func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return content
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx != -1 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return trimmed
}
