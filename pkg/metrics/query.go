package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// TicketMetrics is the aggregated LLM usage for one ticket across all
// pipeline stages.
type TicketMetrics struct {
	TicketKey        string `json:"ticket_key"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// QueryService reads aggregates back out of a Prometheus server. Used by the
// status CLI to answer "what did this ticket cost us".
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service against the given Prometheus URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

func (q *QueryService) sumQuery(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("query %q failed: %w", query, err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}

// GetTicketMetrics returns aggregated token usage for a ticket.
func (q *QueryService) GetTicketMetrics(ctx context.Context, ticketKey string) (*TicketMetrics, error) {
	metrics := &TicketMetrics{TicketKey: ticketKey}

	prompt, err := q.sumQuery(ctx, fmt.Sprintf(`sum(foreman_llm_tokens_total{ticket_key=%q, type="prompt"})`, ticketKey))
	if err != nil {
		return nil, err
	}
	metrics.PromptTokens = prompt

	completion, err := q.sumQuery(ctx, fmt.Sprintf(`sum(foreman_llm_tokens_total{ticket_key=%q, type="completion"})`, ticketKey))
	if err != nil {
		return nil, err
	}
	metrics.CompletionTokens = completion

	metrics.TotalTokens = prompt + completion
	return metrics, nil
}

// GetStageBreakdown returns per-stage total token usage for a ticket.
func (q *QueryService) GetStageBreakdown(ctx context.Context, ticketKey string) (map[string]int64, error) {
	query := fmt.Sprintf(`sum by (stage) (foreman_llm_tokens_total{ticket_key=%q})`, ticketKey)
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("query %q failed: %w", query, err)
	}

	breakdown := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if stage, ok := sample.Metric["stage"]; ok {
				breakdown[string(stage)] = int64(sample.Value)
			}
		}
	}
	return breakdown, nil
}
