package webhook

import (
	"foreman/pkg/persistence"
	"foreman/pkg/queue"
	"foreman/pkg/tracker"
)

// webhookPriority sits between operator resumes (1) and anything the
// poll cycle would assign later; a live event should beat a poll pickup.
const webhookPriority = 2

// onTicketCreated queues an evaluation for the new ticket. The active
// uniqueness constraint absorbs the race with the poll cycle seeing the
// same ticket.
func (s *Server) onTicketCreated(ev Event) error {
	task, err := s.coord.Enqueue(queue.EnqueueRequest{
		TicketID:  ev.Ticket.ID,
		TicketKey: ev.Ticket.Key,
		TaskType:  persistence.TaskEvaluate,
		Priority:  webhookPriority,
	})
	if err != nil {
		return err
	}
	if task != nil {
		s.logger.Info("Ticket %s created; queued evaluation task %d", ev.Ticket.Key, task.ID)
	}
	return nil
}

// onCommentCreated queues a response check, but only for tickets that
// are actually waiting on one. Comments on tickets in any other state
// are routine tracker chatter.
func (s *Server) onCommentCreated(ev Event) error {
	if !ev.Ticket.HasLabel(tracker.LabelAwaitingResponse) {
		s.logger.Debug("Comment on %s ignored; ticket is not awaiting a response", ev.Ticket.Key)
		return nil
	}
	task, err := s.coord.Enqueue(queue.EnqueueRequest{
		TicketID:  ev.Ticket.ID,
		TicketKey: ev.Ticket.Key,
		TaskType:  persistence.TaskCheckResponse,
		Priority:  webhookPriority,
	})
	if err != nil {
		return err
	}
	if task != nil {
		s.logger.Info("Comment on %s; queued response check task %d", ev.Ticket.Key, task.ID)
	}
	return nil
}

// onLabelChanged queues a state sync so the scheduler's view of the
// ticket catches up with whoever moved the label.
func (s *Server) onLabelChanged(ev Event) error {
	task, err := s.coord.Enqueue(queue.EnqueueRequest{
		TicketID:  ev.Ticket.ID,
		TicketKey: ev.Ticket.Key,
		TaskType:  persistence.TaskSyncState,
		Priority:  webhookPriority,
	})
	if err != nil {
		return err
	}
	if task != nil {
		s.logger.Info("Label change on %s (%s); queued state sync task %d", ev.Ticket.Key, ev.Label, task.ID)
	}
	return nil
}
