package logx

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// uniqueComponent returns a component name no other test writes under, so
// assertions against the shared buffer stay isolated.
func uniqueComponent(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func lastEntryFor(t *testing.T, component string) LogEntry {
	t.Helper()
	entries := GetRecentLogEntries(component, time.Time{})
	if len(entries) == 0 {
		t.Fatalf("Expected at least one buffered entry for %q", component)
	}
	return entries[len(entries)-1]
}

func TestLoggerWritesBuffer(t *testing.T) {
	component := uniqueComponent("fmt")
	logger := NewLogger(component)

	logger.Info("Processing task %d with priority %s", 123, "high")

	entry := lastEntryFor(t, component)
	if entry.Component != component {
		t.Errorf("Expected component %q, got %q", component, entry.Component)
	}
	if entry.Level != string(LevelInfo) {
		t.Errorf("Expected level INFO, got %q", entry.Level)
	}
	if entry.Message != "Processing task 123 with priority high" {
		t.Errorf("Expected formatted message, got %q", entry.Message)
	}
}

func TestTimestampParseable(t *testing.T) {
	component := uniqueComponent("ts")
	NewLogger(component).Warn("timestamp check")

	entry := lastEntryFor(t, component)
	if _, err := time.Parse("2006-01-02T15:04:05.000Z", entry.Timestamp); err != nil {
		t.Errorf("Invalid timestamp format %q: %v", entry.Timestamp, err)
	}
}

func TestLevelConstants(t *testing.T) {
	expected := map[Level]string{
		LevelDebug: "DEBUG",
		LevelInfo:  "INFO",
		LevelWarn:  "WARN",
		LevelError: "ERROR",
	}
	for level, want := range expected {
		if string(level) != want {
			t.Errorf("Expected level constant %q, got %q", want, string(level))
		}
	}
}

func TestComponentFilterIgnoresCase(t *testing.T) {
	component := uniqueComponent("mixed")
	NewLogger(component).Error("case check")

	entries := GetRecentLogEntries(component, time.Time{})
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry for exact component, got %d", len(entries))
	}

	upper := GetRecentLogEntries("MIXED"+component[len("mixed"):], time.Time{})
	if len(upper) != 1 {
		t.Errorf("Expected case-insensitive component match, got %d entries", len(upper))
	}
}

func TestSinceFilter(t *testing.T) {
	buf := &InMemoryLogBuffer{entries: make([]LogEntry, 0), maxSize: 10}
	buf.AddLogEntry(&LogEntry{Timestamp: "2026-01-01T00:00:00.000Z", Component: "a", Level: "INFO", Message: "old"})
	buf.AddLogEntry(&LogEntry{Timestamp: "2026-06-01T00:00:00.000Z", Component: "a", Level: "INFO", Message: "new"})
	buf.AddLogEntry(&LogEntry{Timestamp: "not-a-timestamp", Component: "a", Level: "INFO", Message: "mangled"})

	all := buf.GetLogEntries("a", time.Time{})
	if len(all) != 3 {
		t.Fatalf("Expected 3 entries without since filter, got %d", len(all))
	}

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	recent := buf.GetLogEntries("a", since)
	if len(recent) != 1 || recent[0].Message != "new" {
		t.Errorf("Expected only the newer entry past the cutoff, got %+v", recent)
	}
}

func TestBufferDropsOldestPastMax(t *testing.T) {
	buf := &InMemoryLogBuffer{entries: make([]LogEntry, 0), maxSize: 3}
	for i := 0; i < 5; i++ {
		buf.AddLogEntry(&LogEntry{Timestamp: "2026-01-01T00:00:00.000Z", Component: "b", Level: "INFO", Message: fmt.Sprintf("line %d", i)})
	}

	entries := buf.GetLogEntries("", time.Time{})
	if len(entries) != 3 {
		t.Fatalf("Expected buffer capped at 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "line 2" || entries[2].Message != "line 4" {
		t.Errorf("Expected oldest entries dropped, got %q .. %q", entries[0].Message, entries[2].Message)
	}
}

func TestDebugGating(t *testing.T) {
	prev := IsDebugEnabled()
	defer SetDebug(prev)

	debugMutex.Lock()
	prevDomains := debugDomains
	debugDomains = nil
	debugMutex.Unlock()
	defer func() {
		debugMutex.Lock()
		debugDomains = prevDomains
		debugMutex.Unlock()
	}()

	component := uniqueComponent("dbg")
	logger := NewLogger(component)

	SetDebug(false)
	logger.Debug("suppressed line")
	if entries := GetRecentLogEntries(component, time.Time{}); len(entries) != 0 {
		t.Errorf("Expected debug suppressed when disabled, got %d entries", len(entries))
	}

	SetDebug(true)
	logger.Debug("visible line")
	entry := lastEntryFor(t, component)
	if entry.Level != string(LevelDebug) || entry.Message != "visible line" {
		t.Errorf("Expected debug entry once enabled, got %+v", entry)
	}
}

func TestDebugDomains(t *testing.T) {
	prev := IsDebugEnabled()
	defer SetDebug(prev)

	debugMutex.Lock()
	prevDomains := debugDomains
	debugDomains = map[string]bool{"scheduler": true}
	debugMutex.Unlock()
	defer func() {
		debugMutex.Lock()
		debugDomains = prevDomains
		debugMutex.Unlock()
	}()

	SetDebug(true)
	if !debugEnabledFor("scheduler") {
		t.Error("Expected listed domain to pass the debug gate")
	}
	if debugEnabledFor("workers") {
		t.Error("Expected unlisted domain to be filtered out")
	}
}

func TestWithComponent(t *testing.T) {
	original := NewLogger("tracker")
	derived := original.WithComponent("webhook")

	if derived.Component() != "webhook" {
		t.Errorf("Expected derived component 'webhook', got %q", derived.Component())
	}
	if original.Component() != "tracker" {
		t.Errorf("Expected original component unchanged, got %q", original.Component())
	}
}

func TestWrap(t *testing.T) {
	if err := Wrap(nil, "store open"); err != nil {
		t.Errorf("Expected nil passthrough, got %v", err)
	}

	base := errors.New("disk full")
	wrapped := Wrap(base, "store open")
	if wrapped == nil {
		t.Fatal("Expected wrapped error")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Expected wrapped error to unwrap to the original")
	}
	if wrapped.Error() != "store open: disk full" {
		t.Errorf("Expected prefixed message, got %q", wrapped.Error())
	}
}

func TestErrorf(t *testing.T) {
	err := Errorf("fetch %s failed: %d", "TCK-9", 502)
	if err == nil {
		t.Fatal("Expected an error back")
	}
	if err.Error() != "fetch TCK-9 failed: 502" {
		t.Errorf("Expected formatted error, got %q", err.Error())
	}
}
