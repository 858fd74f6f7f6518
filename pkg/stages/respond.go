package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"foreman/pkg/faults"
	"foreman/pkg/tracker"
)

// ResponseStatus classifies the human reply to a round of questions.
type ResponseStatus string

// Response classifications.
const (
	ResponseAnswered ResponseStatus = "answered"
	ResponsePartial  ResponseStatus = "partial"
	ResponseWaiting  ResponseStatus = "waiting"
)

// ResponseResult reports how much of a question round has been answered.
type ResponseResult struct {
	Status   ResponseStatus `json:"status"`
	Answered int            `json:"answered"`
	Total    int            `json:"total"`
}

const checkResponseSystem = `You judge whether a developer's replies answer the
clarifying questions previously asked on a ticket. Respond with a single JSON
object: {"status": "answered"|"partial"|"waiting"}.
"answered" means every question has enough of an answer to proceed.`

// CheckResponse classifies the replies posted since questions went out. The
// term-overlap heuristic settles the cheap cases without spending a completion:
// no replies is waiting, full coverage is answered. Only ambiguous threads go
// to the model.
func (s *Stages) CheckResponse(ctx context.Context, ticket *tracker.Ticket, questions []string, replies []tracker.Comment) (*ResponseResult, error) {
	result := &ResponseResult{Total: len(questions)}

	if len(replies) == 0 {
		result.Status = ResponseWaiting
		return result, nil
	}
	if len(questions) == 0 {
		// Questions never recovered from the thread; any reply means movement.
		result.Status = ResponseAnswered
		return result, nil
	}

	texts := make([]string, 0, len(replies))
	for i := range replies {
		texts = append(texts, replies[i].Body)
	}
	for _, q := range questions {
		if answeredBy(q, texts, s.cfg.AnswerOverlapRatio) {
			result.Answered++
		}
	}

	if result.Answered == result.Total {
		result.Status = ResponseAnswered
		s.logger.Info("Responses on %s cover all %d questions", ticket.Key, result.Total)
		return result, nil
	}

	var raw struct {
		Status string `json:"status"`
	}
	user := renderResponseCheck(questions, texts)
	if err := s.completeJSON(ctx, StageCheckResponse, ticket.Key, checkResponseSystem, user, &raw); err != nil {
		return nil, err
	}

	switch ResponseStatus(raw.Status) {
	case ResponseAnswered, ResponsePartial, ResponseWaiting:
		result.Status = ResponseStatus(raw.Status)
	default:
		return nil, faults.New(faults.ErrorTypeValidation,
			fmt.Sprintf("check_response stage returned unknown status %q", raw.Status))
	}

	s.logger.Info("Responses on %s: %s (%d/%d by overlap)", ticket.Key, result.Status, result.Answered, result.Total)
	return result, nil
}

func renderResponseCheck(questions, replies []string) string {
	payload := struct {
		Questions []string `json:"questions"`
		Replies   []string `json:"replies"`
	}{Questions: questions, Replies: replies}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Sprintf("Questions: %v\nReplies: %v", questions, replies)
	}
	return string(data)
}
