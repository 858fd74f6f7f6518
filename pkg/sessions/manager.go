// Package sessions is the operator-facing surface over agent session records:
// startup and staleness sweeps, inspection, explicit resume, and deletion.
// The worker pool writes session rows as it runs; this package is how anything
// outside the pool touches them.
package sessions

import (
	"fmt"
	"strings"
	"time"

	"foreman/pkg/logx"
	"foreman/pkg/persistence"
	"foreman/pkg/queue"
	"foreman/pkg/workspace"
)

// Default input for a resumed run when the operator gives no note.
const defaultResumeNote = "Continue working on the ticket from where the session left off."

// Workspaces is the slice of workspace management a session manager needs.
// *workspace.Manager implements it.
type Workspaces interface {
	Release(ws *workspace.Workspace)
	Exists(path string) bool
}

var _ Workspaces = (*workspace.Manager)(nil)

// Manager coordinates session records with the execution queue and the
// workspaces on disk.
type Manager struct {
	store  *persistence.Store
	queue  *queue.Execution
	spaces Workspaces
	logger *logx.Logger
}

// NewManager creates a session manager.
func NewManager(store *persistence.Store, execQueue *queue.Execution, spaces Workspaces) *Manager {
	return &Manager{
		store:  store,
		queue:  execQueue,
		spaces: spaces,
		logger: logx.NewLogger("sessions"),
	}
}

// StartupSweep marks every session left active by a previous process as
// interrupted. Called once before the worker pool starts.
func (m *Manager) StartupSweep() (int64, error) {
	return m.store.InterruptActiveSessions("daemon restarted")
}

// SweepStale interrupts active sessions with no activity past the threshold.
// Catches runs whose worker died without the whole daemon going down.
func (m *Manager) SweepStale(olderThan time.Duration) (int64, error) {
	return m.store.SweepStaleSessions(olderThan)
}

// Get returns one session record.
func (m *Manager) Get(id int64) (*persistence.SessionRecord, error) {
	return m.store.GetSession(id)
}

// List returns recent sessions, optionally filtered by status.
func (m *Manager) List(status string, limit int) ([]*persistence.SessionRecord, error) {
	return m.store.ListSessions(status, limit)
}

// ListResumable returns interrupted sessions that can actually be resumed:
// external id captured and workspace still on disk. Sessions whose workspace
// is gone are reported but filtered out.
func (m *Manager) ListResumable() ([]*persistence.SessionRecord, error) {
	records, err := m.store.ListResumableSessions()
	if err != nil {
		return nil, err
	}
	resumable := make([]*persistence.SessionRecord, 0, len(records))
	for _, rec := range records {
		if !m.spaces.Exists(rec.WorkspacePath) {
			m.logger.Warn("Session %d (%s) is interrupted but its workspace %s is gone", rec.ID, rec.TicketKey, rec.WorkspacePath)
			continue
		}
		resumable = append(resumable, rec)
	}
	return resumable, nil
}

// Resume queues a new execution attempt that picks the interrupted session
// back up: the new task carries the old workspace and external session id, so
// a worker runs the agent with its resume flag instead of starting over. The
// note, if any, becomes the input handed to the resumed agent.
func (m *Manager) Resume(id int64, note string) (*persistence.Task, error) {
	rec, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != persistence.SessionInterrupted {
		return nil, fmt.Errorf("session %d is %s; only interrupted sessions can be resumed", id, rec.Status)
	}
	if rec.ExternalSessionID == "" {
		return nil, fmt.Errorf("session %d never captured an external session id; nothing to resume", id)
	}
	if !m.spaces.Exists(rec.WorkspacePath) {
		return nil, fmt.Errorf("workspace %s no longer exists; session %d cannot be resumed", rec.WorkspacePath, id)
	}

	prompt := strings.TrimSpace(note)
	if prompt == "" {
		prompt = defaultResumeNote
	}

	// Operator-initiated work jumps the scheduler's queue.
	task, err := m.queue.Enqueue(rec.TicketID, rec.TicketKey, prompt, 1)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("ticket %s already has an execution task in flight", rec.TicketKey)
	}

	// Stamp the resume context onto the task. A row with an external session
	// id is what the worker pool treats as a resume.
	if err := m.store.SetTaskWorkspace(task.ID, rec.WorkspacePath, rec.BranchName); err != nil {
		m.rollbackResume(rec, task)
		return nil, fmt.Errorf("failed to stamp workspace on task %d: %w", task.ID, err)
	}
	if err := m.store.CaptureTaskSessionID(task.ID, rec.ExternalSessionID); err != nil {
		m.rollbackResume(rec, task)
		return nil, fmt.Errorf("failed to stamp session id on task %d: %w", task.ID, err)
	}
	if err := m.store.MarkSessionResumed(rec.ID, task.ID); err != nil {
		m.rollbackResume(rec, task)
		return nil, fmt.Errorf("failed to reactivate session %d: %w", rec.ID, err)
	}

	m.logger.Info("Session %d (%s) resumed as task %d", rec.ID, rec.TicketKey, task.ID)
	return task, nil
}

// rollbackResume cancels the half-stamped task so a failed resume does not
// leave a pending row that would run fresh and orphan the session.
func (m *Manager) rollbackResume(rec *persistence.SessionRecord, task *persistence.Task) {
	if _, err := m.store.CancelPendingByTicket(persistence.QueueExecution, rec.TicketID); err != nil {
		m.logger.Error("Failed to cancel task %d after aborted resume: %v", task.ID, err)
	}
}

// Delete removes a session record. Active sessions are refused; interrupted
// and terminal sessions also drop their workspace if it is still on disk.
func (m *Manager) Delete(id int64) error {
	rec, err := m.store.GetSession(id)
	if err != nil {
		return err
	}
	if rec.Status == persistence.SessionActive {
		return fmt.Errorf("session %d is active; stop the run before deleting it", id)
	}

	if rec.WorkspacePath != "" && m.spaces.Exists(rec.WorkspacePath) {
		m.spaces.Release(&workspace.Workspace{Path: rec.WorkspacePath, Branch: rec.BranchName})
	}
	if err := m.store.DeleteSession(id); err != nil {
		return err
	}
	m.logger.Info("Deleted session %d (%s)", id, rec.TicketKey)
	return nil
}
