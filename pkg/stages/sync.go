package stages

import (
	"foreman/pkg/persistence"
	"foreman/pkg/tracker"
)

// StateSnapshot is what the store knows about a ticket when its labels are
// reconciled.
type StateSnapshot struct {
	HasActiveCoordination bool
	HasActiveExecution    bool
	SessionStatus         string
}

// SyncPlan is the set of corrections SyncState derives for a ticket. A zero
// plan means labels and state already agree.
type SyncPlan struct {
	AddLabel      string
	RemoveLabels  []string
	Comment       string
	CancelPending bool
}

// Empty reports whether the plan changes anything.
func (p SyncPlan) Empty() bool {
	return p.AddLabel == "" && len(p.RemoveLabels) == 0 && p.Comment == "" && !p.CancelPending
}

// SyncState reconciles a ticket's workflow labels with persisted queue and
// session state. Pure policy, no LLM call:
//   - duplicate workflow labels collapse to the earliest pipeline stage
//   - a terminal label cancels any still-pending queue work
//   - "executing" with no active execution row or live session is the crash
//     signature; the ticket flips to failed with an operator-readable comment
//   - a ticket with no workflow label at all enters the pipeline at triage
func (s *Stages) SyncState(ticket *tracker.Ticket, snap StateSnapshot) SyncPlan {
	plan := SyncPlan{}
	primary := ticket.WorkflowLabel()

	for _, l := range tracker.WorkflowLabels {
		if l != primary && ticket.HasLabel(l) {
			plan.RemoveLabels = append(plan.RemoveLabels, l)
		}
	}

	switch {
	case primary == "":
		plan.AddLabel = tracker.LabelTriage
		s.logger.Info("Ticket %s has no workflow label, entering pipeline at %s", ticket.Key, tracker.LabelTriage)

	case tracker.IsTerminalLabel(primary):
		if snap.HasActiveCoordination || snap.HasActiveExecution {
			plan.CancelPending = true
			s.logger.Info("Ticket %s is %s with queued work, cancelling pending tasks", ticket.Key, primary)
		}

	case primary == tracker.LabelExecuting &&
		!snap.HasActiveExecution &&
		snap.SessionStatus != persistence.SessionActive:
		plan.RemoveLabels = append(plan.RemoveLabels, tracker.LabelExecuting)
		plan.AddLabel = tracker.LabelFailed
		if snap.SessionStatus == persistence.SessionInterrupted {
			plan.Comment = "Execution was interrupted before finishing. Resume the session with foremanctl, or move the ticket back to approved to retry from scratch."
		} else {
			plan.Comment = "No execution is running for this ticket despite the executing label; marking failed."
		}
		s.logger.Warn("Ticket %s labeled executing with no live execution (session=%q)", ticket.Key, snap.SessionStatus)
	}

	return plan
}
