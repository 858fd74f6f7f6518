package coder

import (
	"strings"
	"testing"
)

func TestParseLine_Empty(t *testing.T) {
	if ev := ParseLine(""); ev != nil {
		t.Errorf("expected nil for empty line, got %+v", ev)
	}
	if ev := ParseLine("   "); ev != nil {
		t.Errorf("expected nil for whitespace-only line, got %+v", ev)
	}
}

func TestParseLine_AssistantText(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Looking at the failing test now."}]},"session_id":"sess-123"}`

	ev := ParseLine(line)
	if ev == nil {
		t.Fatal("expected non-nil event")
	}
	if ev.Kind != KindAssistant {
		t.Errorf("expected kind assistant, got %q", ev.Kind)
	}
	if ev.Body != "Looking at the failing test now." {
		t.Errorf("unexpected body %q", ev.Body)
	}
	if ev.Text != "Looking at the failing test now." {
		t.Errorf("unexpected display text %q", ev.Text)
	}
	if ev.SessionID != "sess-123" {
		t.Errorf("expected session id sess-123, got %q", ev.SessionID)
	}
}

func TestParseLine_MessageWithToolCall(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Running the suite"},{"type":"tool_use","name":"Bash"}]}}`

	ev := ParseLine(line)
	if ev == nil {
		t.Fatal("expected non-nil event")
	}
	if ev.Kind != KindTool {
		t.Errorf("expected kind tool, got %q", ev.Kind)
	}
	if ev.Text != "tool: Bash" {
		t.Errorf("unexpected display text %q", ev.Text)
	}
	if ev.Body != "Running the suite" {
		t.Errorf("expected text content preserved in body, got %q", ev.Body)
	}
}

func TestParseLine_TopLevelToolUse(t *testing.T) {
	ev := ParseLine(`{"type":"tool_use","tool_use":{"name":"write_file"}}`)
	if ev == nil {
		t.Fatal("expected non-nil event")
	}
	if ev.Kind != KindTool {
		t.Errorf("expected kind tool, got %q", ev.Kind)
	}
	if ev.Text != "tool: write_file" {
		t.Errorf("unexpected display text %q", ev.Text)
	}
}

func TestParseLine_ToolResultEcho(t *testing.T) {
	ev := ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result"}]}}`)
	if ev == nil {
		t.Fatal("expected non-nil event")
	}
	if ev.Kind != KindTool {
		t.Errorf("expected kind tool, got %q", ev.Kind)
	}
}

func TestParseLine_ResultSuccess(t *testing.T) {
	line := `{"type":"result","subtype":"success","is_error":false,"result":"Opened https://github.com/acme/app/pull/42","session_id":"sess-123"}`

	ev := ParseLine(line)
	if ev == nil {
		t.Fatal("expected non-nil event")
	}
	if ev.Kind != KindResult {
		t.Errorf("expected kind result, got %q", ev.Kind)
	}
	if ev.Result == nil {
		t.Fatal("expected result payload")
	}
	if ev.Result.IsError {
		t.Error("expected IsError false")
	}
	if ev.Result.Subtype != "success" {
		t.Errorf("expected subtype success, got %q", ev.Result.Subtype)
	}
	if ev.Text != "result: success" {
		t.Errorf("unexpected display text %q", ev.Text)
	}
	if !strings.Contains(ev.Body, "pull/42") {
		t.Errorf("expected body to carry the result text, got %q", ev.Body)
	}
}

func TestParseLine_ResultError(t *testing.T) {
	ev := ParseLine(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"build broke"}`)
	if ev == nil {
		t.Fatal("expected non-nil event")
	}
	if ev.Result == nil || !ev.Result.IsError {
		t.Fatal("expected error result payload")
	}
	if ev.Text != "result: error_during_execution" {
		t.Errorf("unexpected display text %q", ev.Text)
	}
}

func TestParseLine_SystemInit(t *testing.T) {
	ev := ParseLine(`{"type":"system","subtype":"init","session_id":"sess-9"}`)
	if ev == nil {
		t.Fatal("expected non-nil event")
	}
	if ev.Kind != KindSystem {
		t.Errorf("expected kind system, got %q", ev.Kind)
	}
	if ev.Text != "system: init" {
		t.Errorf("unexpected display text %q", ev.Text)
	}
	if ev.SessionID != "sess-9" {
		t.Errorf("expected session id sess-9, got %q", ev.SessionID)
	}
}

func TestParseLine_ErrorEvent(t *testing.T) {
	ev := ParseLine(`{"type":"error","error":{"type":"overloaded","message":"too many requests"}}`)
	if ev == nil {
		t.Fatal("expected non-nil event")
	}
	if ev.Kind != KindError {
		t.Errorf("expected kind error, got %q", ev.Kind)
	}
	if !strings.Contains(ev.Text, "too many requests") {
		t.Errorf("unexpected display text %q", ev.Text)
	}
}

func TestParseLine_OpaqueFallback(t *testing.T) {
	// Plain text must never abort the stream.
	ev := ParseLine("Cloning into 'app'...")
	if ev == nil {
		t.Fatal("expected non-nil event")
	}
	if ev.Kind != KindText {
		t.Errorf("expected kind text, got %q", ev.Kind)
	}
	if ev.Body != "Cloning into 'app'..." {
		t.Errorf("unexpected body %q", ev.Body)
	}

	// Valid JSON without a type field is still not a stream event.
	ev = ParseLine(`{"weird":true}`)
	if ev == nil || ev.Kind != KindText {
		t.Errorf("expected opaque fallback for untyped JSON, got %+v", ev)
	}
}

func TestParseLine_PartialParse(t *testing.T) {
	// The type survives even when the rest of the envelope does not parse.
	ev := ParseLine(`{"type":"assistant","message":"broken"}`)
	if ev == nil {
		t.Fatal("expected non-nil event")
	}
	if ev.Kind != KindAssistant {
		t.Errorf("expected kind assistant from partial parse, got %q", ev.Kind)
	}
}

func TestParseLine_UnknownTypeIsSystem(t *testing.T) {
	ev := ParseLine(`{"type":"telemetry"}`)
	if ev == nil {
		t.Fatal("expected non-nil event")
	}
	if ev.Kind != KindSystem {
		t.Errorf("expected unknown types to classify as system, got %q", ev.Kind)
	}
	if ev.Text != "system: telemetry" {
		t.Errorf("unexpected display text %q", ev.Text)
	}
}

func TestClipBoundsDisplayLines(t *testing.T) {
	long := strings.Repeat("x", 500)
	ev := ParseLine(long)
	if ev == nil {
		t.Fatal("expected non-nil event")
	}
	if len(ev.Text) > displayLineMax {
		t.Errorf("display text not clipped: %d chars", len(ev.Text))
	}
	if !strings.HasSuffix(ev.Text, "...") {
		t.Errorf("expected ellipsis on clipped text, got %q", ev.Text[len(ev.Text)-10:])
	}
	if ev.Body != long {
		t.Error("body must keep the full line")
	}

	multi := "first line\nsecond line"
	ev = ParseLine(multi)
	if ev.Text != "first line" {
		t.Errorf("expected display text to keep only the first line, got %q", ev.Text)
	}
}
