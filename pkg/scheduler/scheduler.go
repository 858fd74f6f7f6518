// Package scheduler decides what the system works on next. The poll cycle
// classifies open tickets by workflow label and feeds the coordination queue;
// the response-check cycle watches tickets parked on a human reply; the
// processor consumes coordination tasks and runs the pipeline stages. One
// ticket lineage moves at a time: every cycle yields when the coordination
// queue already has work, trading throughput for thoroughness and tracker
// quota.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/logx"
	"foreman/pkg/persistence"
	"foreman/pkg/queue"
	"foreman/pkg/tracker"
)

// pollPriority ranks cycle-discovered work below operator resumes (1) and
// webhook events (2).
const pollPriority = 3

// Tracker is the tracker-client surface the scheduler and processor consume.
type Tracker interface {
	ListOpenTickets(ctx context.Context, label string) ([]tracker.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (*tracker.Ticket, error)
	ListComments(ctx context.Context, ticketID string) ([]tracker.Comment, error)
	CreateComment(ctx context.Context, ticketID, body string) (*tracker.Comment, error)
	AddLabel(ctx context.Context, ticketID, label string) error
	RemoveLabel(ctx context.Context, ticketID, label string) error
	ReplaceLabels(ctx context.Context, ticketID string, remove, add string) error
	Limits() *tracker.RateLimitState
}

var _ Tracker = (*tracker.Client)(nil)

// labelTasks maps a workflow label to the coordination task that advances it.
// Labels absent here move some other way: executing belongs to the worker
// pool, terminal labels are done.
var labelTasks = map[string]string{
	tracker.LabelTriage:           persistence.TaskEvaluate,
	tracker.LabelRefining:         persistence.TaskRefine,
	tracker.LabelAwaitingResponse: persistence.TaskCheckResponse,
	tracker.LabelApproved:         persistence.TaskGeneratePrompt,
}

// Scheduler owns the polling state: the ticket cache, per-ticket cooldowns,
// and the awaiting-response rotation. One instance per process; tests build
// as many as they like.
type Scheduler struct {
	tracker Tracker
	coord   *queue.Coordination
	exec    *queue.Execution
	cfg     config.SchedulerConfig
	logger  *logx.Logger
	clock   func() time.Time

	mu            sync.Mutex
	cachedTickets []tracker.Ticket
	cachedAt      time.Time
	cooldowns     map[string]time.Time
	awaiting      map[string]*awaitState
}

type awaitState struct {
	ticketKey   string
	lastChecked time.Time
}

// New creates a scheduler over the given tracker and queues.
func New(trk Tracker, coord *queue.Coordination, exec *queue.Execution, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		tracker:   trk,
		coord:     coord,
		exec:      exec,
		cfg:       cfg,
		logger:    logx.NewLogger("scheduler"),
		clock:     time.Now,
		cooldowns: make(map[string]time.Time),
		awaiting:  make(map[string]*awaitState),
	}
}

// PollOnce runs one poll cycle: classify open tickets, most urgent first, and
// queue at most one coordination task. The whole cycle is skipped while rate
// limited or while earlier coordination work is still in flight.
func (s *Scheduler) PollOnce(ctx context.Context) error {
	now := s.clock()
	if limited, resetAt := s.tracker.Limits().Limited(now); limited {
		s.logger.Info("Skipping poll; rate limited until %s", resetAt.Format(time.RFC3339))
		return nil
	}
	if busy, err := s.coord.HasActiveWork(); err != nil {
		return fmt.Errorf("poll: %w", err)
	} else if busy {
		s.logger.Debug("Skipping poll; coordination work in flight")
		return nil
	}

	tickets, err := s.openTickets(ctx, now)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	for i := range tickets {
		t := &tickets[i]
		if t.Assignee != "" {
			continue
		}
		if s.inCooldown(t.ID, now) {
			continue
		}
		taskType := s.classify(t)
		if taskType == "" {
			continue
		}

		task, err := s.coord.Enqueue(queue.EnqueueRequest{
			TicketID:  t.ID,
			TicketKey: t.Key,
			TaskType:  taskType,
			Priority:  pollPriority,
		})
		if err != nil {
			s.logger.Error("Failed to enqueue %s for %s: %v", taskType, t.Key, err)
			continue
		}
		if task == nil {
			continue
		}
		s.markCooldown(t.ID, now)
		s.logger.Info("Queued %s task %d for %s", taskType, task.ID, t.Key)
		return nil
	}
	return nil
}

// openTickets returns the open tickets, served from the cache inside the TTL,
// sorted most urgent first.
func (s *Scheduler) openTickets(ctx context.Context, now time.Time) ([]tracker.Ticket, error) {
	s.mu.Lock()
	if s.cachedTickets != nil && now.Sub(s.cachedAt) < s.cfg.TicketCacheTTL() {
		tickets := s.cachedTickets
		s.mu.Unlock()
		return tickets, nil
	}
	s.mu.Unlock()

	tickets, err := s.tracker.ListOpenTickets(ctx, "")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tickets, func(i, j int) bool {
		return tickets[i].Priority < tickets[j].Priority
	})

	s.mu.Lock()
	s.cachedTickets = tickets
	s.cachedAt = now
	s.mu.Unlock()
	return tickets, nil
}

// classify maps a ticket's workflow label to the task that advances it.
// Empty means nothing to queue this cycle.
func (s *Scheduler) classify(t *tracker.Ticket) string {
	label := t.WorkflowLabel()
	switch {
	case label == "":
		// Never touched by the pipeline; evaluation brings it in.
		return persistence.TaskEvaluate
	case tracker.IsTerminalLabel(label):
		return ""
	case label == tracker.LabelExecuting:
		active, err := s.exec.HasActiveForTicket(t.ID)
		if err != nil {
			s.logger.Error("Failed to check execution state for %s: %v", t.Key, err)
			return ""
		}
		if !active {
			// Re-enqueueing here could double-launch an agent; state sync
			// repairs the label instead.
			s.logger.Warn("Ticket %s is labeled executing with no active execution task", t.Key)
		}
		return ""
	}

	taskType := labelTasks[label]
	if taskType == persistence.TaskCheckResponse {
		s.RegisterAwaiting(t.ID, t.Key)
	}
	return taskType
}

func (s *Scheduler) inCooldown(ticketID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.cooldowns[ticketID]
	if !ok {
		return false
	}
	if now.Sub(last) >= s.cfg.Cooldown() {
		delete(s.cooldowns, ticketID)
		return false
	}
	return true
}

func (s *Scheduler) markCooldown(ticketID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[ticketID] = now
}

// RegisterAwaiting puts a ticket on the response-check rotation. Idempotent.
// The clock starts at registration, so the first check happens no sooner than
// the minimum interval after the questions went out.
func (s *Scheduler) RegisterAwaiting(ticketID, ticketKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.awaiting[ticketID]; ok {
		return
	}
	s.awaiting[ticketID] = &awaitState{ticketKey: ticketKey, lastChecked: s.clock()}
}

// UnregisterAwaiting drops a ticket from the rotation.
func (s *Scheduler) UnregisterAwaiting(ticketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.awaiting, ticketID)
}

// CheckResponsesOnce runs one response-check cycle: queue a check for the
// registered ticket most overdue, never a full poll, at most one per cycle.
func (s *Scheduler) CheckResponsesOnce(ctx context.Context) error {
	now := s.clock()
	if limited, _ := s.tracker.Limits().Limited(now); limited {
		return nil
	}
	if busy, err := s.coord.HasActiveWork(); err != nil {
		return fmt.Errorf("response check: %w", err)
	} else if busy {
		return nil
	}

	ticketID, ticketKey := s.nextDueAwaiting(now)
	if ticketID == "" {
		return nil
	}

	task, err := s.coord.Enqueue(queue.EnqueueRequest{
		TicketID:  ticketID,
		TicketKey: ticketKey,
		TaskType:  persistence.TaskCheckResponse,
		Priority:  pollPriority,
	})
	if err != nil {
		return fmt.Errorf("response check: %w", err)
	}
	if task != nil {
		s.logger.Info("Queued response check task %d for %s", task.ID, ticketKey)
	}
	return nil
}

// nextDueAwaiting picks the registered ticket whose last check is oldest and
// past the minimum interval, stamping it checked. Empty id when none are due.
func (s *Scheduler) nextDueAwaiting(now time.Time) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	minInterval := s.cfg.ResponseMinInterval()
	var dueID, dueKey string
	var oldest time.Time
	for id, st := range s.awaiting {
		if now.Sub(st.lastChecked) < minInterval {
			continue
		}
		if dueID == "" || st.lastChecked.Before(oldest) {
			dueID, dueKey, oldest = id, st.ticketKey, st.lastChecked
		}
	}
	if dueID != "" {
		s.awaiting[dueID].lastChecked = now
	}
	return dueID, dueKey
}
