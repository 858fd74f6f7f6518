package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRecord tracks one external agent session across interruption and
// resume. A record is created the moment a worker is assigned an execution
// task; the external id arrives later, once the agent prints it.
//
//nolint:govet // struct alignment optimization not critical for this type.
type SessionRecord struct {
	ID                int64
	ExternalSessionID string
	TicketID          string
	TicketKey         string
	ExecutionTaskID   int64
	WorkspacePath     string
	BranchName        string
	Status            string
	ResumeCount       int
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	InterruptedAt     *time.Time
	CompletedAt       *time.Time
}

// Session status constants.
const (
	SessionActive      = "active"
	SessionInterrupted = "interrupted" // Process died or daemon restarted; may be resumable
	SessionCompleted   = "completed"
	SessionFailed      = "failed"
)

const sessionColumns = `id, external_session_id, ticket_id, ticket_key, execution_task_id,
	workspace_path, branch_name, status, resume_count, last_error,
	created_at, updated_at, interrupted_at, completed_at`

func scanSessionRecord(row rowScanner) (*SessionRecord, error) {
	var s SessionRecord
	var externalID, branchName, lastError sql.NullString
	var createdAt, updatedAt string
	var interruptedAt, completedAt sql.NullString

	err := row.Scan(&s.ID, &externalID, &s.TicketID, &s.TicketKey, &s.ExecutionTaskID,
		&s.WorkspacePath, &branchName, &s.Status, &s.ResumeCount, &lastError,
		&createdAt, &updatedAt, &interruptedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	s.ExternalSessionID = externalID.String
	s.BranchName = branchName.String
	s.LastError = lastError.String

	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	s.InterruptedAt = nullableTime(interruptedAt)
	s.CompletedAt = nullableTime(completedAt)

	return &s, nil
}

// CreateSession records a new active session for an execution attempt.
func (s *Store) CreateSession(ticketID, ticketKey string, executionTaskID int64, workspacePath, branchName string) (*SessionRecord, error) {
	result, err := s.db.Exec(`
		INSERT INTO sessions (ticket_id, ticket_key, execution_task_id, workspace_path, branch_name, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ticketID, ticketKey, executionTaskID, workspacePath, branchName, SessionActive)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get inserted session id: %w", err)
	}
	return s.GetSession(id)
}

// CaptureSessionExternalID persists the agent-assigned session id. Without it
// the session can never be resumed, so it is written the moment the output
// stream reveals it. First write wins.
func (s *Store) CaptureSessionExternalID(id int64, externalSessionID string) error {
	// The WHERE clause makes the first write win; repeat captures are no-ops.
	_, err := s.db.Exec(`
		UPDATE sessions
		SET external_session_id = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ? AND (external_session_id IS NULL OR external_session_id = '')
	`, externalSessionID, id)
	if err != nil {
		return fmt.Errorf("failed to capture external session id: %w", err)
	}
	return nil
}

// MarkSessionInterrupted flips a session to interrupted with the reason.
func (s *Store) MarkSessionInterrupted(id int64, reason string) error {
	return s.updateSessionStatus(id, SessionInterrupted, reason)
}

// MarkSessionResumed flips an interrupted session back to active, bumps the
// resume counter, and re-points the row at the execution task carrying the
// resumed attempt.
func (s *Store) MarkSessionResumed(id, executionTaskID int64) error {
	result, err := s.db.Exec(`
		UPDATE sessions
		SET status = ?, resume_count = resume_count + 1, interrupted_at = NULL,
			execution_task_id = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ? AND status = ?
	`, SessionActive, executionTaskID, id, SessionInterrupted)
	if err != nil {
		return fmt.Errorf("failed to mark session resumed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// MarkSessionCompleted flips a session to completed.
func (s *Store) MarkSessionCompleted(id int64) error {
	return s.updateSessionStatus(id, SessionCompleted, "")
}

// MarkSessionFailed flips a session to failed and records the error.
func (s *Store) MarkSessionFailed(id int64, errMsg string) error {
	return s.updateSessionStatus(id, SessionFailed, errMsg)
}

func (s *Store) updateSessionStatus(id int64, status, errMsg string) error {
	var result sql.Result
	var err error
	switch status {
	case SessionInterrupted:
		result, err = s.db.Exec(`
			UPDATE sessions
			SET status = ?, last_error = ?,
				interrupted_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = ?
		`, status, errMsg, id)
	case SessionCompleted, SessionFailed:
		result, err = s.db.Exec(`
			UPDATE sessions
			SET status = ?, last_error = ?,
				completed_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = ?
		`, status, errMsg, id)
	default:
		result, err = s.db.Exec(`
			UPDATE sessions
			SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = ?
		`, status, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(id int64) (*SessionRecord, error) {
	return scanSessionRecord(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// GetSessionByTask returns the session created for an execution task.
func (s *Store) GetSessionByTask(executionTaskID int64) (*SessionRecord, error) {
	return scanSessionRecord(s.db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE execution_task_id = ?
		ORDER BY id DESC LIMIT 1
	`, executionTaskID))
}

// GetLatestSessionForTicket returns the most recent session for a ticket,
// or ErrSessionNotFound when the ticket never ran.
func (s *Store) GetLatestSessionForTicket(ticketID string) (*SessionRecord, error) {
	return scanSessionRecord(s.db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE ticket_id = ?
		ORDER BY id DESC LIMIT 1
	`, ticketID))
}

// ListSessions returns recent sessions, optionally filtered by status.
func (s *Store) ListSessions(status string, limit int) ([]*SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*SessionRecord
	for rows.Next() {
		rec, err := scanSessionRecord(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// ListResumableSessions returns interrupted sessions that captured an external
// id. Callers still verify the workspace exists on disk before resuming.
func (s *Store) ListResumableSessions() ([]*SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = '` + SessionInterrupted + `'
		AND external_session_id IS NOT NULL AND external_session_id != ''
		ORDER BY interrupted_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resumable sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*SessionRecord
	for rows.Next() {
		rec, err := scanSessionRecord(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resumable sessions: %w", err)
	}
	return sessions, nil
}

// InterruptActiveSessions marks every active session interrupted. Called at
// startup: the previous process is gone, so no active session can have a live
// agent behind it.
func (s *Store) InterruptActiveSessions(reason string) (int64, error) {
	result, err := s.db.Exec(`
		UPDATE sessions
		SET status = ?, last_error = ?,
			interrupted_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE status = ?
	`, SessionInterrupted, reason, SessionActive)
	if err != nil {
		return 0, fmt.Errorf("failed to interrupt active sessions: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Warn("Marked %d session(s) from a previous run as interrupted", affected)
	}
	return affected, nil
}

// SweepStaleSessions marks active sessions untouched for longer than the
// threshold as interrupted. Catches workers that died mid-run without the
// whole daemon going down.
func (s *Store) SweepStaleSessions(olderThan time.Duration) (int64, error) {
	cutoff := FormatTime(time.Now().Add(-olderThan))
	result, err := s.db.Exec(`
		UPDATE sessions
		SET status = ?, last_error = 'stale: no activity past threshold',
			interrupted_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE status = ? AND updated_at < ?
	`, SessionInterrupted, SessionActive, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale sessions: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Warn("Swept %d stale session(s) older than %s", affected, olderThan)
	}
	return affected, nil
}

// DeleteSession removes a session record.
func (s *Store) DeleteSession(id int64) error {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}
