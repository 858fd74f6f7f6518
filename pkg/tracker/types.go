package tracker

import "time"

// Workflow labels the scheduler keys off. A ticket carries at most one of
// these at a time; the tracker-side automation enforces that.
const (
	LabelTriage           = "triage"
	LabelRefining         = "refining"
	LabelAwaitingResponse = "awaiting-response"
	LabelApproved         = "approved"
	LabelExecuting        = "executing"
	LabelCompleted        = "completed"
	LabelFailed           = "failed"
	LabelBlocked          = "blocked"
)

// Ticket is one issue from the tracker.
//
//nolint:govet // struct alignment optimization not critical for this type.
type Ticket struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	Labels      []string  `json:"labels"`
	Assignee    string    `json:"assignee,omitempty"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasLabel reports whether the ticket carries the named label.
func (t *Ticket) HasLabel(name string) bool {
	for _, l := range t.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// WorkflowLabels is the pipeline order. Earlier entries win when a ticket
// carries more than one.
//
//nolint:gochecknoglobals // Fixed label vocabulary
var WorkflowLabels = []string{
	LabelTriage, LabelRefining, LabelAwaitingResponse, LabelApproved,
	LabelExecuting, LabelCompleted, LabelFailed, LabelBlocked,
}

// IsTerminalLabel reports whether the label ends the pipeline for a ticket.
func IsTerminalLabel(name string) bool {
	return name == LabelCompleted || name == LabelFailed || name == LabelBlocked
}

// WorkflowLabel returns the first workflow label on the ticket, or "".
func (t *Ticket) WorkflowLabel() string {
	for _, l := range WorkflowLabels {
		if t.HasLabel(l) {
			return l
		}
	}
	return ""
}

// Comment is one ticket comment.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// QuotaStatus is the tracker's quota-status payload.
type QuotaStatus struct {
	RequestsRemaining int       `json:"requests_remaining"`
	RequestsLimit     int       `json:"requests_limit"`
	ResetAt           time.Time `json:"reset_at"`
}
