// Package stages implements the coordination pipeline stages: Evaluate scores a
// ticket's readiness, Refine produces clarifying questions, CheckResponse
// classifies human replies, GeneratePrompt assembles the execution brief, and
// SyncState reconciles workflow labels with persisted state. Each LLM-backed
// stage is a single completion returning structured output; the heuristics
// around them (answered-question overlap, readiness overrides, token capping)
// are plain code driven by config thresholds.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"foreman/pkg/config"
	"foreman/pkg/faults"
	"foreman/pkg/llm"
	"foreman/pkg/logx"
	"foreman/pkg/metrics"
	"foreman/pkg/tracker"
)

// Stage names used for metrics labels and log lines.
const (
	StageEvaluate       = "evaluate"
	StageRefine         = "refine"
	StageCheckResponse  = "check_response"
	StageGeneratePrompt = "generate_prompt"
	StageSyncState      = "sync_state"
)

// Stages runs the pipeline stages against one LLM backend.
type Stages struct {
	llm     llm.Client
	cfg     config.StagesConfig
	logger  *logx.Logger
	metrics metrics.Recorder
	tokens  *TokenCounter
}

// New creates the stage runner. A nil recorder disables metrics.
func New(client llm.Client, cfg config.StagesConfig, rec metrics.Recorder) *Stages {
	if rec == nil {
		rec = metrics.Nop()
	}
	logger := logx.NewLogger("stages")
	counter, err := NewTokenCounter(cfg.Model)
	if err != nil {
		logger.Warn("Tokenizer unavailable, using character estimates: %v", err)
		counter = &TokenCounter{}
	}
	return &Stages{
		llm:     client,
		cfg:     cfg,
		logger:  logger,
		metrics: rec,
		tokens:  counter,
	}
}

// complete runs one completion with the configured parameters and records
// token usage under the stage label.
func (s *Stages) complete(ctx context.Context, stage, ticketKey, system, user string) (string, error) {
	req := llm.NewRequest(system, user)
	req.MaxTokens = s.cfg.MaxTokens
	req.Temperature = float32(s.cfg.Temperature)

	resp, err := s.llm.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", stage, err)
	}
	s.metrics.ObserveLLMUsage(s.cfg.Provider, s.llm.ModelName(), ticketKey, stage,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	s.logger.Debug("%s stage for %s: %d prompt + %d completion tokens",
		stage, ticketKey, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp.Content, nil
}

// completeJSON runs one completion and unmarshals the JSON object from the
// reply into out. Malformed output surfaces as a validation fault so the queue
// retries it like any other bad input, not as a transient error.
func (s *Stages) completeJSON(ctx context.Context, stage, ticketKey, system, user string, out any) error {
	content, err := s.complete(ctx, stage, ticketKey, system, user)
	if err != nil {
		return err
	}

	payload := extractJSON(content)
	if payload == "" {
		return faults.New(faults.ErrorTypeValidation, fmt.Sprintf("%s stage returned no JSON object", stage))
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return faults.NewWithCause(faults.ErrorTypeValidation, err, fmt.Sprintf("%s stage returned malformed JSON", stage))
	}
	return nil
}

// extractJSON pulls the outermost JSON object out of a completion, tolerating
// markdown code fences and prose around it.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)

	if idx := strings.Index(content, "```"); idx != -1 {
		rest := content[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end != -1 {
			content = rest[:end]
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return ""
	}
	return content[start : end+1]
}

// renderTicket formats a ticket (and optionally its comment thread) as stage
// input.
func renderTicket(ticket *tracker.Ticket, comments []tracker.Comment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ticket %s: %s\n", ticket.Key, ticket.Title)
	if len(ticket.Labels) > 0 {
		fmt.Fprintf(&sb, "Labels: %s\n", strings.Join(ticket.Labels, ", "))
	}
	fmt.Fprintf(&sb, "\n%s\n", strings.TrimSpace(ticket.Description))

	if len(comments) > 0 {
		sb.WriteString("\nDiscussion:\n")
		for i := range comments {
			c := &comments[i]
			fmt.Fprintf(&sb, "[%s] %s\n", c.Author, strings.TrimSpace(c.Body))
		}
	}
	return sb.String()
}
