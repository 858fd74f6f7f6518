package coder

import "sync"

// Display is a bounded buffer of the most recent rendered output lines,
// oldest first. The stream callback appends while status surfaces read, so
// access is locked.
type Display struct {
	mu    sync.Mutex
	lines []string
	max   int
}

// NewDisplay creates a display buffer holding at most max lines.
func NewDisplay(max int) *Display {
	if max <= 0 {
		max = 50
	}
	return &Display{max: max}
}

// Add appends a rendered line, dropping the oldest once the buffer is full.
// Empty lines are ignored.
func (d *Display) Add(line string) {
	if line == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = append(d.lines, line)
	if len(d.lines) > d.max {
		d.lines = d.lines[len(d.lines)-d.max:]
	}
}

// Lines returns a copy of the retained lines, oldest first.
func (d *Display) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.lines))
	copy(out, d.lines)
	return out
}

// Len returns the number of retained lines.
func (d *Display) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lines)
}
