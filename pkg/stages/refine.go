package stages

import (
	"context"
	"fmt"
	"strings"

	"foreman/pkg/tracker"
)

// RefineResult carries the clarifying questions still worth asking.
type RefineResult struct {
	Questions   []string `json:"questions"`
	Dropped     int      `json:"dropped"`
	AllAnswered bool     `json:"all_answered"`
}

const refineSystem = `You refine underspecified engineering tickets.
Produce the minimal set of clarifying questions a developer must have answered
before implementation can start. Ask nothing the ticket or its discussion
already settles. Respond with a single JSON object:
{"questions": ["...", ...]}`

// Refine generates clarifying questions for a ticket, then drops any the
// ticket body or discussion already answers per the term-overlap heuristic.
// AllAnswered means nothing is left to ask and the ticket can go back through
// evaluation.
func (s *Stages) Refine(ctx context.Context, ticket *tracker.Ticket, comments []tracker.Comment) (*RefineResult, error) {
	var raw struct {
		Questions []string `json:"questions"`
	}
	if err := s.completeJSON(ctx, StageRefine, ticket.Key, refineSystem, renderTicket(ticket, comments), &raw); err != nil {
		return nil, err
	}

	answers := make([]string, 0, len(comments)+1)
	answers = append(answers, ticket.Description)
	for i := range comments {
		answers = append(answers, comments[i].Body)
	}

	result := &RefineResult{Questions: make([]string, 0, len(raw.Questions))}
	for _, q := range raw.Questions {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if answeredBy(q, answers, s.cfg.AnswerOverlapRatio) {
			result.Dropped++
			continue
		}
		result.Questions = append(result.Questions, q)
	}
	result.AllAnswered = len(result.Questions) == 0

	s.logger.Info("Refined %s: %d questions to post, %d already answered",
		ticket.Key, len(result.Questions), result.Dropped)
	return result, nil
}

// questionsHeader opens every clarifying-questions comment; ExtractQuestions
// keys off it to recover the asked questions later.
const questionsHeader = "To proceed, please clarify:"

// RenderQuestionsComment formats questions as the comment posted to the ticket.
func RenderQuestionsComment(questions []string) string {
	var sb strings.Builder
	sb.WriteString(questionsHeader)
	sb.WriteString("\n\n")
	for _, q := range questions {
		fmt.Fprintf(&sb, "- %s\n", q)
	}
	return sb.String()
}

// IsQuestionsComment reports whether body is a comment produced by
// RenderQuestionsComment.
func IsQuestionsComment(body string) bool {
	return strings.HasPrefix(strings.TrimSpace(body), questionsHeader)
}

// ExtractQuestions recovers the question list from a questions comment.
// Returns nil for any other comment body.
func ExtractQuestions(body string) []string {
	if !IsQuestionsComment(body) {
		return nil
	}

	var questions []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if q, ok := strings.CutPrefix(line, "- "); ok {
			if q = strings.TrimSpace(q); q != "" {
				questions = append(questions, q)
			}
		}
	}
	return questions
}
