// Package coder supervises the external coding agent process. It launches the
// agent CLI for one execution attempt, classifies the line-delimited output
// stream, keeps a bounded display buffer for live inspection, and reduces the
// finished run to a single outcome with any PR link and commit it produced.
package coder

import (
	"encoding/json"
	"strings"
)

// Kind classifies one line of agent output.
type Kind string

// Event kinds.
const (
	KindAssistant Kind = "assistant"
	KindTool      Kind = "tool"
	KindResult    Kind = "result"
	KindSystem    Kind = "system"
	KindError     Kind = "error"
	// KindText is the opaque fallback for lines that are not stream events.
	KindText Kind = "text"
)

// displayLineMax bounds the rendered projection of one event.
const displayLineMax = 160

// Event is one classified line from the agent's stdout stream.
type Event struct {
	Kind Kind

	// Text is the short human-readable projection kept for live display.
	Text string

	// Body is the full text content of the line: joined assistant text,
	// the result payload text, or the raw line for opaque text.
	Body string

	// SessionID is the agent-assigned session id when the line carried one.
	SessionID string

	// Result is set on KindResult events.
	Result *ResultPayload

	// Raw is the original line.
	Raw string
}

// ResultPayload is the structured final result embedded in the stream.
type ResultPayload struct {
	Subtype string
	IsError bool
	Text    string
}

// streamLine mirrors the agent CLI's stream-json envelope. Unknown fields are
// ignored; the session id rides on every event type.
type streamLine struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	SessionID string         `json:"session_id"`
	Message   *streamMessage `json:"message"`
	Result    string         `json:"result"`
	IsError   bool           `json:"is_error"`
	ToolUse   *streamTool    `json:"tool_use"`
	Error     *streamFault   `json:"error"`
}

type streamMessage struct {
	Role    string          `json:"role"`
	Content []streamContent `json:"content"`
}

type streamContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

type streamTool struct {
	Name string `json:"name"`
}

type streamFault struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ParseLine classifies a single line of agent output. Blank lines return nil.
// A line that is not a stream event is folded in as opaque text; a broken
// line never aborts the stream.
func ParseLine(line string) *Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	var raw streamLine
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		// Try to extract just the type before giving up on the line.
		var typeOnly struct {
			Type string `json:"type"`
		}
		if json.Unmarshal([]byte(trimmed), &typeOnly) == nil && typeOnly.Type != "" {
			raw = streamLine{Type: typeOnly.Type}
		} else {
			return &Event{Kind: KindText, Text: clip(trimmed), Body: trimmed, Raw: trimmed}
		}
	}
	if raw.Type == "" {
		return &Event{Kind: KindText, Text: clip(trimmed), Body: trimmed, Raw: trimmed}
	}

	ev := &Event{SessionID: raw.SessionID, Raw: trimmed}

	switch raw.Type {
	case "assistant":
		classifyMessage(ev, raw.Message)

	case "user":
		// Tool results come back as user-role events.
		ev.Kind = KindTool
		ev.Text = "tool result"

	case "tool_use":
		ev.Kind = KindTool
		if raw.ToolUse != nil && raw.ToolUse.Name != "" {
			ev.Text = "tool: " + raw.ToolUse.Name
		} else {
			ev.Text = "tool call"
		}

	case "result":
		ev.Kind = KindResult
		ev.Result = &ResultPayload{Subtype: raw.Subtype, IsError: raw.IsError, Text: raw.Result}
		ev.Body = raw.Result
		if raw.IsError || (raw.Subtype != "" && raw.Subtype != "success") {
			ev.Text = "result: " + failureSubtype(raw.Subtype)
		} else {
			ev.Text = "result: success"
		}

	case "error":
		ev.Kind = KindError
		if raw.Error != nil && raw.Error.Message != "" {
			ev.Body = raw.Error.Message
			ev.Text = clip("error: " + raw.Error.Message)
		} else {
			ev.Text = "error"
		}

	default:
		// Init notices and anything the protocol grows later.
		ev.Kind = KindSystem
		if raw.Subtype != "" {
			ev.Text = "system: " + raw.Subtype
		} else {
			ev.Text = "system: " + raw.Type
		}
	}

	return ev
}

// classifyMessage fills an event from an assistant message. A message that
// invokes tools is displayed as the tool call; pure text is an assistant turn.
func classifyMessage(ev *Event, msg *streamMessage) {
	if msg == nil {
		ev.Kind = KindAssistant
		return
	}

	var tools []string
	var texts []string
	for i := range msg.Content {
		switch msg.Content[i].Type {
		case "tool_use":
			tools = append(tools, msg.Content[i].Name)
		case "text":
			if msg.Content[i].Text != "" {
				texts = append(texts, msg.Content[i].Text)
			}
		}
	}

	ev.Body = strings.Join(texts, "\n")

	if len(tools) > 0 {
		ev.Kind = KindTool
		ev.Text = "tool: " + strings.Join(tools, ", ")
		return
	}

	ev.Kind = KindAssistant
	ev.Text = clip(ev.Body)
}

func failureSubtype(subtype string) string {
	if subtype == "" {
		return "error"
	}
	return subtype
}

// clip reduces text to a single display line.
func clip(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) > displayLineMax {
		s = s[:displayLineMax-3] + "..."
	}
	return s
}
