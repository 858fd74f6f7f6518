package coder

import (
	"fmt"
	"regexp"
	"strings"
)

// Marker lines agents are instructed to print so that runs without a
// structured result event still produce a classifiable ending.
const (
	MarkerSuccess = "TASK COMPLETE"
	MarkerFailure = "TASK FAILED"
)

var (
	resultURLPattern = regexp.MustCompile(`https?://\S+/(?:pull|merge_requests)/\d+`)
	commitPattern    = regexp.MustCompile(`\b[0-9a-f]{7,40}\b`)
)

// Classify reduces a finished run to an outcome. Precedence: the structured
// result payload when the stream carried one, then explicit success/failure
// markers in the text, then the exit code alone. The PR link and commit hash
// are extracted from the text regardless of which path decided the verdict.
func Classify(events []*Event, exitCode int) Result {
	var result Result

	switch {
	case applyFinalResult(&result, events):
	case applyMarker(&result, events):
	default:
		result.Success = exitCode == 0
		result.Summary = lastAssistantText(events)
		if !result.Success {
			result.Error = fmt.Sprintf("agent exited with code %d", exitCode)
		}
	}

	text := collectText(events)
	result.ResultURL = extractResultURL(text)
	result.CommitSHA = extractCommitSHA(text)
	return result
}

// applyFinalResult classifies from the last structured result event.
func applyFinalResult(result *Result, events []*Event) bool {
	var payload *ResultPayload
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == KindResult && events[i].Result != nil {
			payload = events[i].Result
			break
		}
	}
	if payload == nil {
		return false
	}

	result.Success = !payload.IsError && (payload.Subtype == "" || payload.Subtype == "success")
	result.Summary = payload.Text
	if !result.Success {
		if payload.Text != "" {
			result.Error = payload.Text
		} else {
			result.Error = failureSubtype(payload.Subtype)
		}
	}
	return true
}

// applyMarker classifies from the last TASK COMPLETE / TASK FAILED line.
func applyMarker(result *Result, events []*Event) bool {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Kind != KindAssistant && e.Kind != KindText {
			continue
		}
		for _, line := range strings.Split(e.Body, "\n") {
			upper := strings.ToUpper(line)
			switch {
			case strings.Contains(upper, MarkerFailure):
				result.Success = false
				result.Error = markerReason(line)
				result.Summary = lastAssistantText(events)
				return true
			case strings.Contains(upper, MarkerSuccess):
				result.Success = true
				result.Summary = lastAssistantText(events)
				return true
			}
		}
	}
	return false
}

// markerReason extracts the text after "TASK FAILED:"; absent a reason the
// marker itself is the error.
func markerReason(line string) string {
	upper := strings.ToUpper(line)
	idx := strings.Index(upper, MarkerFailure)
	rest := strings.TrimSpace(line[idx+len(MarkerFailure):])
	rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	if rest == "" {
		return "task failed"
	}
	return rest
}

// lastAssistantText returns the final assistant message, falling back to the
// final opaque text line.
func lastAssistantText(events []*Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == KindAssistant && events[i].Body != "" {
			return events[i].Body
		}
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == KindText && events[i].Body != "" {
			return events[i].Body
		}
	}
	return ""
}

// collectText joins everything the agent said, result text last so that final
// links and hashes win the last-match extraction below.
func collectText(events []*Event) string {
	var parts []string
	for _, e := range events {
		if e.Body == "" {
			continue
		}
		switch e.Kind {
		case KindAssistant, KindText, KindResult:
			parts = append(parts, e.Body)
		}
	}
	return strings.Join(parts, "\n")
}

// extractResultURL returns the last PR/MR link mentioned in the text.
func extractResultURL(text string) string {
	matches := resultURLPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

// extractCommitSHA returns the last commit hash mentioned in the text. Full
// 40-character hashes win over abbreviated ones; abbreviated candidates must
// contain a digit so ordinary words spelled in a-f never match.
func extractCommitSHA(text string) string {
	var full, short string
	for _, m := range commitPattern.FindAllString(text, -1) {
		if len(m) == 40 {
			full = m
		} else if strings.ContainsAny(m, "0123456789") {
			short = m
		}
	}
	if full != "" {
		return full
	}
	return short
}

func countResponses(events []*Event) int {
	n := 0
	for _, e := range events {
		if e.Kind == KindAssistant {
			n++
		}
	}
	return n
}
