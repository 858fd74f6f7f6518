package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// QueueKind selects which capacity pool a row belongs to.
type QueueKind string

const (
	QueueCoordination QueueKind = "coordination"
	QueueExecution    QueueKind = "execution"
)

// Task status constants.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Coordination task types, plus the fixed type carried by execution rows.
const (
	TaskEvaluate       = "evaluate"
	TaskRefine         = "refine"
	TaskCheckResponse  = "check_response"
	TaskGeneratePrompt = "generate_prompt"
	TaskSyncState      = "sync_state"
	TaskExecute        = "execute"
)

// Task is one queue row. Execution-specific fields are empty on coordination rows.
//
//nolint:govet // Field order favors readability over packing
type Task struct {
	ID                int64
	Queue             QueueKind
	TicketID          string
	TicketKey         string
	TaskType          string
	Status            string
	Priority          int
	ReadinessScore    *int
	RetryCount        int
	MaxRetries        int
	InputData         string
	OutputData        string
	LastError         string
	Prompt            string
	WorkspacePath     string
	BranchName        string
	ResultURL         string
	CommitSHA         string
	ExternalSessionID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

const taskColumns = `id, queue, ticket_id, ticket_key, task_type, status, priority,
	readiness_score, retry_count, max_retries, input_data, output_data, last_error,
	prompt, workspace_path, branch_name, result_url, commit_sha, external_session_id,
	created_at, updated_at, started_at, completed_at`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var queue string
	var readiness sql.NullInt64
	var inputData, outputData, lastError sql.NullString
	var prompt, workspacePath, branchName, resultURL, commitSHA, externalSessionID sql.NullString
	var createdAt, updatedAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&t.ID, &queue, &t.TicketID, &t.TicketKey, &t.TaskType, &t.Status, &t.Priority,
		&readiness, &t.RetryCount, &t.MaxRetries, &inputData, &outputData, &lastError,
		&prompt, &workspacePath, &branchName, &resultURL, &commitSHA, &externalSessionID,
		&createdAt, &updatedAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.Queue = QueueKind(queue)
	if readiness.Valid {
		score := int(readiness.Int64)
		t.ReadinessScore = &score
	}
	t.InputData = inputData.String
	t.OutputData = outputData.String
	t.LastError = lastError.String
	t.Prompt = prompt.String
	t.WorkspacePath = workspacePath.String
	t.BranchName = branchName.String
	t.ResultURL = resultURL.String
	t.CommitSHA = commitSHA.String
	t.ExternalSessionID = externalSessionID.String

	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	t.StartedAt = nullableTime(startedAt)
	t.CompletedAt = nullableTime(completedAt)

	return &t, nil
}

// EnqueueTask inserts a new pending row. When an active row for the same
// (queue, ticket, type) already exists the insert is a no-op and (nil, nil) is
// returned; callers treat that as "already queued", not as an error.
func (s *Store) EnqueueTask(t *Task) (*Task, error) {
	var readiness any
	if t.ReadinessScore != nil {
		readiness = *t.ReadinessScore
	}

	result, err := s.db.Exec(`
		INSERT INTO tasks (queue, ticket_id, ticket_key, task_type, status, priority,
			readiness_score, max_retries, input_data, prompt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, string(t.Queue), t.TicketID, t.TicketKey, t.TaskType, StatusPending, t.Priority,
		readiness, t.MaxRetries, t.InputData, t.Prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Uniqueness invariant: an active row for this (ticket, type) exists.
		return nil, nil //nolint:nilnil // No-op enqueue is a valid outcome, not an error
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get inserted id: %w", err)
	}
	return s.GetTask(id)
}

// DequeueNext atomically claims the next pending row of the given queue:
// count processing rows against the cap (0 disables the check), pick the
// oldest by (priority ASC, readiness DESC, created ASC), flip it to
// processing, and return the fresh row. The select and the flip share one
// transaction so concurrent dequeuers can never claim the same row.
func (s *Store) DequeueNext(ctx context.Context, queue QueueKind, concurrencyCap int) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin dequeue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if concurrencyCap > 0 {
		var processing int
		err = tx.QueryRow(`
			SELECT COUNT(*) FROM tasks WHERE queue = ? AND status = ?
		`, string(queue), StatusProcessing).Scan(&processing)
		if err != nil {
			return nil, fmt.Errorf("failed to count processing tasks: %w", err)
		}
		if processing >= concurrencyCap {
			return nil, nil //nolint:nilnil // At capacity; nothing to hand out
		}
	}

	var id int64
	err = tx.QueryRow(`
		SELECT id FROM tasks
		WHERE queue = ? AND status = ?
		ORDER BY priority ASC, readiness_score DESC, created_at ASC, id ASC
		LIMIT 1
	`, string(queue), StatusPending).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Empty queue is a valid outcome
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next pending task: %w", err)
	}

	result, err := tx.Exec(`
		UPDATE tasks
		SET status = ?,
			started_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ? AND status = ?
	`, StatusProcessing, id, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Lost a race for the row; caller just tries again next tick.
		return nil, nil //nolint:nilnil
	}

	task, err := scanTask(tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dequeue: %w", err)
	}
	return task, nil
}

// CompleteTask marks a task completed and records its output payload.
func (s *Store) CompleteTask(id int64, outputData string) error {
	result, err := s.db.Exec(`
		UPDATE tasks
		SET status = ?, output_data = ?,
			completed_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, StatusCompleted, outputData, id)
	if err != nil {
		return fmt.Errorf("failed to complete task %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// FailTask increments the retry counter and either requeues the row or marks it
// terminally failed once the budget is exhausted. Requeueing first cancels any
// other pending rows for the same (ticket, type) that appeared while this row
// was processing, so the reset cannot trip the uniqueness invariant. Returns
// whether a retry was scheduled.
func (s *Store) FailTask(id int64, errMsg string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin fail transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var queue, ticketID, taskType string
	var retryCount, maxRetries int
	err = tx.QueryRow(`
		SELECT queue, ticket_id, task_type, retry_count, max_retries
		FROM tasks WHERE id = ?
	`, id).Scan(&queue, &ticketID, &taskType, &retryCount, &maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrTaskNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read task %d: %w", id, err)
	}

	willRetry := retryCount < maxRetries

	if willRetry {
		// Cancel pending siblings created while this row was processing.
		_, err = tx.Exec(`
			UPDATE tasks
			SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE queue = ? AND ticket_id = ? AND task_type = ? AND status = ? AND id != ?
		`, StatusCancelled, queue, ticketID, taskType, StatusPending, id)
		if err != nil {
			return false, fmt.Errorf("failed to cancel pending siblings of task %d: %w", id, err)
		}

		// A retried attempt starts clean: fresh workspace, fresh agent
		// session. Only resume tasks carry an external session id into a
		// pending row.
		_, err = tx.Exec(`
			UPDATE tasks
			SET status = ?, retry_count = retry_count + 1, last_error = ?,
				started_at = NULL,
				workspace_path = NULL, branch_name = NULL, external_session_id = NULL,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = ?
		`, StatusPending, errMsg, id)
		if err != nil {
			return false, fmt.Errorf("failed to requeue task %d: %w", id, err)
		}
	} else {
		_, err = tx.Exec(`
			UPDATE tasks
			SET status = ?, retry_count = retry_count + 1, last_error = ?,
				completed_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = ?
		`, StatusFailed, errMsg, id)
		if err != nil {
			return false, fmt.Errorf("failed to mark task %d failed: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit fail: %w", err)
	}
	return willRetry, nil
}

// CancelPendingByTicket cancels rows still pending for a ticket. Processing
// rows are left alone; an in-flight attempt runs to completion or timeout.
func (s *Store) CancelPendingByTicket(queue QueueKind, ticketID string) (int64, error) {
	result, err := s.db.Exec(`
		UPDATE tasks
		SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE queue = ? AND ticket_id = ? AND status = ?
	`, StatusCancelled, string(queue), ticketID, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending tasks for %s: %w", ticketID, err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// ResetStuck forces processing rows whose started_at is older than the
// threshold back to pending. Run at startup and periodically to recover from
// unclean shutdowns; retry counters are left untouched.
func (s *Store) ResetStuck(queue QueueKind, olderThan time.Duration) (int64, error) {
	cutoff := FormatTime(time.Now().Add(-olderThan))
	result, err := s.db.Exec(`
		UPDATE tasks
		SET status = ?, started_at = NULL,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE queue = ? AND status = ? AND started_at IS NOT NULL AND started_at < ?
	`, StatusPending, string(queue), StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck tasks: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Warn("Reset %d stuck %s task(s) older than %s back to pending", affected, queue, olderThan)
	}
	return affected, nil
}

// CleanupTasks deletes terminal rows past the retention window.
func (s *Store) CleanupTasks(olderThan time.Duration) (int64, error) {
	cutoff := FormatTime(time.Now().Add(-olderThan))
	result, err := s.db.Exec(`
		DELETE FROM tasks
		WHERE status IN (?, ?, ?)
		AND COALESCE(completed_at, updated_at) < ?
	`, StatusCompleted, StatusFailed, StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup tasks: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(id int64) (*Task, error) {
	return scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
}

// CountActive returns the number of pending+processing rows in a queue.
func (s *Store) CountActive(queue QueueKind) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM tasks WHERE queue = ? AND status IN (?, ?)
	`, string(queue), StatusPending, StatusProcessing).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active tasks: %w", err)
	}
	return count, nil
}

// HasActiveForTicket reports whether a ticket has a pending or processing row.
func (s *Store) HasActiveForTicket(queue QueueKind, ticketID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM tasks WHERE queue = ? AND ticket_id = ? AND status IN (?, ?)
	`, string(queue), ticketID, StatusPending, StatusProcessing).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check active tasks for %s: %w", ticketID, err)
	}
	return count > 0, nil
}

// CountByStatus returns per-status row counts for a queue.
func (s *Store) CountByStatus(queue QueueKind) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM tasks WHERE queue = ? GROUP BY status
	`, string(queue))
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// ListTasks returns recent rows of a queue, optionally filtered by status.
func (s *Store) ListTasks(queue QueueKind, status string, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE queue = ?`
	args := []any{string(queue)}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// SetTaskWorkspace records the workspace assigned to an execution attempt.
func (s *Store) SetTaskWorkspace(id int64, workspacePath, branchName string) error {
	_, err := s.db.Exec(`
		UPDATE tasks
		SET workspace_path = ?, branch_name = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, workspacePath, branchName, id)
	if err != nil {
		return fmt.Errorf("failed to set workspace for task %d: %w", id, err)
	}
	return nil
}

// CaptureTaskSessionID persists the agent-assigned session id the first time it
// shows up in the output stream.
func (s *Store) CaptureTaskSessionID(id int64, externalSessionID string) error {
	_, err := s.db.Exec(`
		UPDATE tasks
		SET external_session_id = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ? AND (external_session_id IS NULL OR external_session_id = '')
	`, externalSessionID, id)
	if err != nil {
		return fmt.Errorf("failed to capture session id for task %d: %w", id, err)
	}
	return nil
}

// SetTaskResult records the PR URL and commit extracted from agent output.
func (s *Store) SetTaskResult(id int64, resultURL, commitSHA string) error {
	_, err := s.db.Exec(`
		UPDATE tasks
		SET result_url = ?, commit_sha = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, resultURL, commitSHA, id)
	if err != nil {
		return fmt.Errorf("failed to set result for task %d: %w", id, err)
	}
	return nil
}
