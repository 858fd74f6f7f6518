package persistence

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// Helper to create a fresh store for each test.
func createTestStore(t *testing.T) (*Store, func()) {
	tempDir, err := os.MkdirTemp("", "persistence_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	store, err := Open(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tempDir)
	}
	return store, cleanup
}

func newCoordTask(ticketID, taskType string) *Task {
	return &Task{
		Queue:      QueueCoordination,
		TicketID:   ticketID,
		TicketKey:  "PROJ-" + ticketID,
		TaskType:   taskType,
		Priority:   2,
		MaxRetries: 2,
	}
}

func newExecTask(ticketID string) *Task {
	return &Task{
		Queue:      QueueExecution,
		TicketID:   ticketID,
		TicketKey:  "PROJ-" + ticketID,
		TaskType:   TaskExecute,
		Priority:   2,
		MaxRetries: 2,
		Prompt:     "implement the thing",
	}
}

func TestEnqueueAndGet(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	task, err := store.EnqueueTask(newCoordTask("1001", TaskEvaluate))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if task == nil {
		t.Fatal("Expected a task back from first enqueue")
	}

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Expected status %q, got %q", StatusPending, got.Status)
	}
	if got.TicketID != "1001" || got.TaskType != TaskEvaluate {
		t.Errorf("Round-trip mismatch: %+v", got)
	}
	if got.StartedAt != nil {
		t.Error("Fresh task should have no started_at")
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("Timestamps should be populated")
	}
}

func TestEnqueueDuplicateIsNoOp(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	first, err := store.EnqueueTask(newCoordTask("1001", TaskEvaluate))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if first == nil {
		t.Fatal("First enqueue should insert")
	}

	// Same (queue, ticket, type) while the first is still pending.
	dup, err := store.EnqueueTask(newCoordTask("1001", TaskEvaluate))
	if err != nil {
		t.Fatalf("Duplicate enqueue should not error: %v", err)
	}
	if dup != nil {
		t.Errorf("Duplicate enqueue should be a no-op, got task %d", dup.ID)
	}

	// A different task type for the same ticket is fine.
	other, err := store.EnqueueTask(newCoordTask("1001", TaskRefine))
	if err != nil {
		t.Fatalf("Failed to enqueue different type: %v", err)
	}
	if other == nil {
		t.Error("Different task type should insert")
	}

	count, err := store.CountActive(QueueCoordination)
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 active tasks, got %d", count)
	}
}

func TestEnqueueDuplicateWhileProcessing(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	if _, err := store.EnqueueTask(newCoordTask("1001", TaskEvaluate)); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	claimed, err := store.DequeueNext(context.Background(), QueueCoordination, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if claimed == nil {
		t.Fatal("Expected to claim the pending task")
	}

	// Active-row uniqueness spans processing too.
	dup, err := store.EnqueueTask(newCoordTask("1001", TaskEvaluate))
	if err != nil {
		t.Fatalf("Duplicate enqueue should not error: %v", err)
	}
	if dup != nil {
		t.Error("Enqueue while processing should be a no-op")
	}
}

func TestDequeueClaimsOldestFirst(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	a, err := store.EnqueueTask(newCoordTask("1001", TaskEvaluate))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := store.EnqueueTask(newCoordTask("1002", TaskEvaluate)); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	claimed, err := store.DequeueNext(context.Background(), QueueCoordination, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if claimed == nil {
		t.Fatal("Expected a task")
	}
	if claimed.ID != a.ID {
		t.Errorf("Expected oldest task %d, got %d", a.ID, claimed.ID)
	}
	if claimed.Status != StatusProcessing {
		t.Errorf("Claimed task should be processing, got %q", claimed.Status)
	}
	if claimed.StartedAt == nil {
		t.Error("Claimed task should have started_at set")
	}
}

func TestDequeueOrdering(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	low := newCoordTask("1001", TaskEvaluate)
	low.Priority = 3
	if _, err := store.EnqueueTask(low); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	urgent := newCoordTask("1002", TaskEvaluate)
	urgent.Priority = 1
	urgentTask, err := store.EnqueueTask(urgent)
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	scoreA := 40
	midA := newCoordTask("1003", TaskEvaluate)
	midA.ReadinessScore = &scoreA
	if _, err := store.EnqueueTask(midA); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	scoreB := 90
	midB := newCoordTask("1004", TaskEvaluate)
	midB.ReadinessScore = &scoreB
	midBTask, err := store.EnqueueTask(midB)
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	first, err := store.DequeueNext(context.Background(), QueueCoordination, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if first.ID != urgentTask.ID {
		t.Errorf("Priority 1 should win: expected %d, got %d", urgentTask.ID, first.ID)
	}

	// Among equal priority, higher readiness score goes first.
	second, err := store.DequeueNext(context.Background(), QueueCoordination, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if second.ID != midBTask.ID {
		t.Errorf("Higher readiness should win: expected %d, got %d", midBTask.ID, second.ID)
	}
}

func TestDequeueRespectsConcurrencyCap(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	for _, id := range []string{"1001", "1002", "1003"} {
		if _, err := store.EnqueueTask(newExecTask(id)); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		task, err := store.DequeueNext(ctx, QueueExecution, 2)
		if err != nil {
			t.Fatalf("Failed to dequeue: %v", err)
		}
		if task == nil {
			t.Fatalf("Dequeue %d should return a task", i)
		}
	}

	// Two rows processing, cap two: nothing handed out.
	task, err := store.DequeueNext(ctx, QueueExecution, 2)
	if err != nil {
		t.Fatalf("Dequeue at cap should not error: %v", err)
	}
	if task != nil {
		t.Errorf("Expected nil at capacity, got task %d", task.ID)
	}

	// Completing one frees a slot.
	claimed, err := store.ListTasks(QueueExecution, StatusProcessing, 10)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if err := store.CompleteTask(claimed[0].ID, ""); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	task, err = store.DequeueNext(ctx, QueueExecution, 2)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if task == nil {
		t.Error("Expected a task after a slot freed up")
	}
}

func TestDequeueAtomicityUnderConcurrency(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	const rows = 20
	for i := 0; i < rows; i++ {
		task := newCoordTask(string(rune('A'+i))+"-ticket", TaskEvaluate)
		if _, err := store.EnqueueTask(task); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}

	const dequeuers = 8
	var mu sync.Mutex
	claimed := make(map[int64]int)

	var wg sync.WaitGroup
	for i := 0; i < dequeuers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := store.DequeueNext(context.Background(), QueueCoordination, 0)
				if err != nil {
					t.Errorf("Dequeue failed: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != rows {
		t.Errorf("Expected %d distinct claims, got %d", rows, len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("Task %d claimed %d times", id, n)
		}
	}
}

func TestCompleteTask(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	task, err := store.EnqueueTask(newCoordTask("1001", TaskEvaluate))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := store.DequeueNext(context.Background(), QueueCoordination, 0); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	if err := store.CompleteTask(task.ID, `{"score":85}`); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Expected status %q, got %q", StatusCompleted, got.Status)
	}
	if got.OutputData != `{"score":85}` {
		t.Errorf("Expected output data preserved, got %q", got.OutputData)
	}
	if got.CompletedAt == nil {
		t.Error("Completed task should have completed_at")
	}

	if err := store.CompleteTask(99999, ""); err != ErrTaskNotFound {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestFailTaskRetryThenTerminal(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	task, err := store.EnqueueTask(newExecTask("1001"))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	ctx := context.Background()

	// maxRetries=2: the first two failures requeue, the third is terminal.
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := store.DequeueNext(ctx, QueueExecution, 0)
		if err != nil {
			t.Fatalf("Attempt %d: failed to dequeue: %v", attempt, err)
		}
		if claimed == nil || claimed.ID != task.ID {
			t.Fatalf("Attempt %d: expected to claim task %d", attempt, task.ID)
		}

		willRetry, err := store.FailTask(task.ID, "agent exited nonzero")
		if err != nil {
			t.Fatalf("Attempt %d: fail errored: %v", attempt, err)
		}

		got, err := store.GetTask(task.ID)
		if err != nil {
			t.Fatalf("Attempt %d: failed to get task: %v", attempt, err)
		}
		if got.RetryCount != attempt {
			t.Errorf("Attempt %d: expected retry_count %d, got %d", attempt, attempt, got.RetryCount)
		}

		if attempt <= 2 {
			if !willRetry {
				t.Errorf("Attempt %d: expected willRetry", attempt)
			}
			if got.Status != StatusPending {
				t.Errorf("Attempt %d: expected requeue to pending, got %q", attempt, got.Status)
			}
			if got.StartedAt != nil {
				t.Errorf("Attempt %d: requeued task should have started_at cleared", attempt)
			}
		} else {
			if willRetry {
				t.Error("Third failure should be terminal")
			}
			if got.Status != StatusFailed {
				t.Errorf("Expected terminal failed, got %q", got.Status)
			}
			if got.LastError != "agent exited nonzero" {
				t.Errorf("Terminal failure should retain error, got %q", got.LastError)
			}
			if got.CompletedAt == nil {
				t.Error("Terminal failure should have completed_at")
			}
		}
	}
}

func TestFailTaskRetryClearsAttemptFields(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	task, err := store.EnqueueTask(newExecTask("1001"))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := store.DequeueNext(context.Background(), QueueExecution, 0); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if err := store.SetTaskWorkspace(task.ID, "/tmp/ws/proj-1001", "foreman/proj-1001"); err != nil {
		t.Fatalf("Failed to set workspace: %v", err)
	}
	if err := store.CaptureTaskSessionID(task.ID, "sess-abc"); err != nil {
		t.Fatalf("Failed to capture session id: %v", err)
	}

	willRetry, err := store.FailTask(task.ID, "agent crashed")
	if err != nil {
		t.Fatalf("Fail errored: %v", err)
	}
	if !willRetry {
		t.Fatal("First failure should retry")
	}

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if got.WorkspacePath != "" || got.BranchName != "" {
		t.Errorf("Requeued task should have workspace cleared, got %q / %q", got.WorkspacePath, got.BranchName)
	}
	if got.ExternalSessionID != "" {
		t.Errorf("Requeued task should not look like a resume, got session %q", got.ExternalSessionID)
	}

	// Terminal failure keeps the last attempt's fields for inspection.
	for attempt := 2; attempt <= 3; attempt++ {
		if _, err := store.DequeueNext(context.Background(), QueueExecution, 0); err != nil {
			t.Fatalf("Attempt %d: failed to dequeue: %v", attempt, err)
		}
		if attempt == 3 {
			if err := store.SetTaskWorkspace(task.ID, "/tmp/ws/final", "foreman/final"); err != nil {
				t.Fatalf("Failed to set workspace: %v", err)
			}
		}
		if _, err := store.FailTask(task.ID, "agent crashed"); err != nil {
			t.Fatalf("Attempt %d: fail errored: %v", attempt, err)
		}
	}
	got, err = store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("Expected terminal failure, got %q", got.Status)
	}
	if got.WorkspacePath != "/tmp/ws/final" {
		t.Errorf("Terminal failure should retain workspace, got %q", got.WorkspacePath)
	}
}

func TestFailTaskUniquenessAfterRequeue(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	task, err := store.EnqueueTask(newExecTask("1001"))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := store.DequeueNext(context.Background(), QueueExecution, 0); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	willRetry, err := store.FailTask(task.ID, "boom")
	if err != nil {
		t.Fatalf("Fail errored: %v", err)
	}
	if !willRetry {
		t.Fatal("First failure should retry")
	}

	// Exactly one active row for the ticket after the requeue.
	active, err := store.CountActive(QueueExecution)
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if active != 1 {
		t.Errorf("Expected 1 active row after requeue, got %d", active)
	}

	dup, err := store.EnqueueTask(newExecTask("1001"))
	if err != nil {
		t.Fatalf("Enqueue after requeue should not error: %v", err)
	}
	if dup != nil {
		t.Error("Requeued row should still block duplicate enqueues")
	}
}

func TestCancelPendingByTicket(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	if _, err := store.EnqueueTask(newCoordTask("1001", TaskEvaluate)); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := store.EnqueueTask(newCoordTask("1001", TaskRefine)); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	processing, err := store.DequeueNext(context.Background(), QueueCoordination, 0)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	cancelled, err := store.CancelPendingByTicket(QueueCoordination, "1001")
	if err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}
	if cancelled != 1 {
		t.Errorf("Expected 1 cancellation, got %d", cancelled)
	}

	// The in-flight row is untouched.
	got, err := store.GetTask(processing.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if got.Status != StatusProcessing {
		t.Errorf("Processing row should survive cancel, got %q", got.Status)
	}
}

func TestResetStuck(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	stuck, err := store.EnqueueTask(newExecTask("1001"))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	fresh, err := store.EnqueueTask(newExecTask("1002"))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	ctx := context.Background()
	if _, err := store.DequeueNext(ctx, QueueExecution, 0); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if _, err := store.DequeueNext(ctx, QueueExecution, 0); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	// Backdate one row's claim to 61 minutes ago.
	_, err = store.DB().Exec(`UPDATE tasks SET started_at = ? WHERE id = ?`,
		FormatTime(time.Now().Add(-61*time.Minute)), stuck.ID)
	if err != nil {
		t.Fatalf("Failed to backdate: %v", err)
	}
	_, err = store.DB().Exec(`UPDATE tasks SET started_at = ? WHERE id = ?`,
		FormatTime(time.Now().Add(-10*time.Minute)), fresh.ID)
	if err != nil {
		t.Fatalf("Failed to backdate: %v", err)
	}

	reset, err := store.ResetStuck(QueueExecution, 60*time.Minute)
	if err != nil {
		t.Fatalf("Failed to reset: %v", err)
	}
	if reset != 1 {
		t.Errorf("Expected 1 reset, got %d", reset)
	}

	gotStuck, _ := store.GetTask(stuck.ID)
	if gotStuck.Status != StatusPending {
		t.Errorf("61-minute row should be pending again, got %q", gotStuck.Status)
	}
	if gotStuck.StartedAt != nil {
		t.Error("Reset row should have started_at cleared")
	}
	if gotStuck.RetryCount != 0 {
		t.Errorf("Reset should not touch retry_count, got %d", gotStuck.RetryCount)
	}

	gotFresh, _ := store.GetTask(fresh.ID)
	if gotFresh.Status != StatusProcessing {
		t.Errorf("10-minute row should stay processing, got %q", gotFresh.Status)
	}
}

func TestCleanupTasks(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	old, err := store.EnqueueTask(newCoordTask("1001", TaskEvaluate))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := store.DequeueNext(context.Background(), QueueCoordination, 0); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if err := store.CompleteTask(old.ID, ""); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	_, err = store.DB().Exec(`UPDATE tasks SET completed_at = ? WHERE id = ?`,
		FormatTime(time.Now().Add(-40*24*time.Hour)), old.ID)
	if err != nil {
		t.Fatalf("Failed to backdate: %v", err)
	}

	// Pending rows are never cleaned up regardless of age.
	pending, err := store.EnqueueTask(newCoordTask("1002", TaskEvaluate))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	_, err = store.DB().Exec(`UPDATE tasks SET created_at = ?, updated_at = ? WHERE id = ?`,
		FormatTime(time.Now().Add(-40*24*time.Hour)), FormatTime(time.Now().Add(-40*24*time.Hour)), pending.ID)
	if err != nil {
		t.Fatalf("Failed to backdate: %v", err)
	}

	deleted, err := store.CleanupTasks(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Failed to cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deletion, got %d", deleted)
	}

	if _, err := store.GetTask(old.ID); err != ErrTaskNotFound {
		t.Errorf("Old completed task should be gone, got %v", err)
	}
	if _, err := store.GetTask(pending.ID); err != nil {
		t.Errorf("Old pending task should survive: %v", err)
	}
}

func TestHasActiveForTicket(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	task, err := store.EnqueueTask(newCoordTask("1001", TaskEvaluate))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	has, err := store.HasActiveForTicket(QueueCoordination, "1001")
	if err != nil {
		t.Fatalf("Failed to check: %v", err)
	}
	if !has {
		t.Error("Expected active work for ticket")
	}

	if _, err := store.DequeueNext(context.Background(), QueueCoordination, 0); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if err := store.CompleteTask(task.ID, ""); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	has, err = store.HasActiveForTicket(QueueCoordination, "1001")
	if err != nil {
		t.Fatalf("Failed to check: %v", err)
	}
	if has {
		t.Error("Completed task should not count as active")
	}
}

func TestExecutionFieldUpdates(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	task, err := store.EnqueueTask(newExecTask("1001"))
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	if err := store.SetTaskWorkspace(task.ID, "/work/attempt-1", "foreman/PROJ-1001"); err != nil {
		t.Fatalf("Failed to set workspace: %v", err)
	}
	if err := store.CaptureTaskSessionID(task.ID, "sess-abc"); err != nil {
		t.Fatalf("Failed to capture session id: %v", err)
	}
	// Second capture must not overwrite.
	if err := store.CaptureTaskSessionID(task.ID, "sess-other"); err != nil {
		t.Fatalf("Repeat capture errored: %v", err)
	}
	if err := store.SetTaskResult(task.ID, "https://git.example.com/pr/7", "abc1234"); err != nil {
		t.Fatalf("Failed to set result: %v", err)
	}

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if got.WorkspacePath != "/work/attempt-1" || got.BranchName != "foreman/PROJ-1001" {
		t.Errorf("Workspace fields wrong: %+v", got)
	}
	if got.ExternalSessionID != "sess-abc" {
		t.Errorf("First session id capture should win, got %q", got.ExternalSessionID)
	}
	if got.ResultURL != "https://git.example.com/pr/7" || got.CommitSHA != "abc1234" {
		t.Errorf("Result fields wrong: %+v", got)
	}
}
