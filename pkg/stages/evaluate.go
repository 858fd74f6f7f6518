package stages

import (
	"context"

	"foreman/pkg/tracker"
)

// Model verdicts for the evaluate stage.
const (
	VerdictReady           = "ready"
	VerdictNeedsRefinement = "needs_refinement"
)

// EvaluateResult is the settled outcome of triaging one ticket.
type EvaluateResult struct {
	ReadinessScore int      `json:"readiness_score"`
	Verdict        string   `json:"verdict"`
	Ready          bool     `json:"ready"`
	Reasons        []string `json:"reasons,omitempty"`
	Questions      []string `json:"questions,omitempty"`
}

const evaluateSystem = `You triage engineering tickets for an autonomous coding agent.
Score how ready the ticket is to be implemented without further human input.
Respond with a single JSON object:
{"readiness_score": <0-100>, "verdict": "ready"|"needs_refinement", "reasons": [...], "questions": [...]}
questions lists what must be clarified when the verdict is needs_refinement.`

// Evaluate scores a ticket's readiness for execution. The model's verdict is
// settled against the configured thresholds: a score at or above the override
// threshold counts as ready regardless of the verdict, and a ready verdict
// below the readiness floor is demoted to refinement.
func (s *Stages) Evaluate(ctx context.Context, ticket *tracker.Ticket, comments []tracker.Comment) (*EvaluateResult, error) {
	var raw struct {
		ReadinessScore int      `json:"readiness_score"`
		Verdict        string   `json:"verdict"`
		Reasons        []string `json:"reasons"`
		Questions      []string `json:"questions"`
	}
	if err := s.completeJSON(ctx, StageEvaluate, ticket.Key, evaluateSystem, renderTicket(ticket, comments), &raw); err != nil {
		return nil, err
	}

	score := raw.ReadinessScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	result := &EvaluateResult{
		ReadinessScore: score,
		Verdict:        raw.Verdict,
		Ready:          s.decideReady(raw.Verdict, score),
		Reasons:        raw.Reasons,
		Questions:      raw.Questions,
	}
	s.logger.Info("Evaluated %s: score=%d verdict=%s ready=%v", ticket.Key, score, raw.Verdict, result.Ready)
	return result, nil
}

// decideReady settles a possibly self-contradictory model verdict against the
// score thresholds.
func (s *Stages) decideReady(verdict string, score int) bool {
	if score >= s.cfg.ReadinessOverrideScore {
		return true
	}
	return verdict == VerdictReady && score >= s.cfg.ReadinessThreshold
}
