// Package workers runs the execution queue: a fixed pool of workers, each
// supervising one coding-agent process from workspace allocation through
// outcome classification. Claimed tasks flow to workers over a channel and
// attempt results flow back to a single pool loop that owns the completion
// protocol, so queue updates, session updates, and ticket notifications all
// happen from one goroutine.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"foreman/pkg/coder"
	"foreman/pkg/logx"
	"foreman/pkg/metrics"
	"foreman/pkg/persistence"
	"foreman/pkg/queue"
	"foreman/pkg/tracker"
	"foreman/pkg/workspace"
)

// How often the pool loop polls the queue for idle workers.
const dispatchInterval = 2 * time.Second

// AgentRunner launches one agent attempt. *coder.Runner implements it; tests
// substitute a scripted runner.
type AgentRunner interface {
	Run(ctx context.Context, opts coder.RunOptions) (coder.Result, error)
}

// Workspaces allocates and releases isolated working copies.
type Workspaces interface {
	Allocate(ctx context.Context, ticketKey string) (*workspace.Workspace, error)
	Release(ws *workspace.Workspace)
	Exists(path string) bool
}

// Notifier posts run outcomes back to the ticket.
type Notifier interface {
	CreateComment(ctx context.Context, ticketID, body string) (*tracker.Comment, error)
	ReplaceLabels(ctx context.Context, ticketID string, remove, add string) error
}

var (
	_ AgentRunner = (*coder.Runner)(nil)
	_ Workspaces  = (*workspace.Manager)(nil)
	_ Notifier    = (*tracker.Client)(nil)
)

// attemptResult carries one finished attempt from a worker back to the pool
// loop. failMsg is set when the attempt never reached the agent (allocation
// or session bookkeeping failed); interrupted means the run was cut short by
// daemon shutdown rather than by its own timeout.
type attemptResult struct {
	task        *persistence.Task
	session     *persistence.SessionRecord
	ws          *workspace.Workspace
	result      coder.Result
	runErr      error
	failMsg     string
	interrupted bool
}

// Pool supervises up to Concurrency() agent runs in parallel.
type Pool struct {
	queue   *queue.Execution
	store   *persistence.Store
	runner  AgentRunner
	spaces  Workspaces
	tracker Notifier
	metrics metrics.Recorder
	logger  *logx.Logger

	workers int
	tick    time.Duration

	mu       sync.Mutex
	running  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
	tasks    chan *persistence.Task
	results  chan attemptResult
}

// New creates a pool sized to the execution queue's concurrency cap.
func New(execQueue *queue.Execution, store *persistence.Store, runner AgentRunner, spaces Workspaces, notifier Notifier, rec metrics.Recorder) *Pool {
	if rec == nil {
		rec = metrics.Nop()
	}
	workers := execQueue.Concurrency()
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:    execQueue,
		store:    store,
		runner:   runner,
		spaces:   spaces,
		tracker:  notifier,
		metrics:  rec,
		logger:   logx.NewLogger("workers"),
		workers:  workers,
		tick:     dispatchInterval,
		shutdown: make(chan struct{}),
		// Unbuffered: a task is only claimed into a worker's hands, never
		// parked in a channel where a shutdown could strand it.
		tasks: make(chan *persistence.Task),
		// One slot per worker so a finishing worker never blocks on a
		// loop that has already exited.
		results: make(chan attemptResult, workers),
	}
}

// Start launches the pool loop and workers. The context governs in-flight
// agent runs: cancelling it terminates their processes.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool is already running")
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Info("Starting worker pool with %d worker(s)", p.workers)

	p.wg.Add(1)
	go p.loop(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return nil
}

// Stop signals shutdown, waits for the loop and workers to exit, then settles
// any results still in flight so interrupted sessions are recorded before the
// process goes away. The context bounds the wait.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	close(p.shutdown)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Worker pool stop timed out")
		return ctx.Err()
	}

	for {
		select {
		case res := <-p.results:
			p.finishAttempt(context.Background(), res)
		default:
			p.logger.Info("Worker pool stopped")
			return nil
		}
	}
}

func (p *Pool) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	// Claim work that was already queued before startup without waiting for
	// the first tick.
	idle := p.dispatch(ctx, p.workers)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case res := <-p.results:
			idle++
			p.finishAttempt(ctx, res)
			idle = p.dispatch(ctx, idle)
		case <-ticker.C:
			idle = p.dispatch(ctx, idle)
		}
	}
}

// dispatch claims pending tasks while workers are idle and hands them off.
// Returns the remaining idle count.
func (p *Pool) dispatch(ctx context.Context, idle int) int {
	for idle > 0 {
		select {
		case <-p.shutdown:
			return idle
		default:
		}

		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("Failed to dequeue execution task: %v", err)
			}
			return idle
		}
		if task == nil {
			return idle
		}

		select {
		case p.tasks <- task:
			idle--
		case <-p.shutdown:
			p.logger.Warn("Task %d claimed during shutdown; the stuck-task sweep will requeue it", task.ID)
			return idle
		case <-ctx.Done():
			p.logger.Warn("Task %d claimed during shutdown; the stuck-task sweep will requeue it", task.ID)
			return idle
		}
	}
	return idle
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case task := <-p.tasks:
			p.results <- p.runAttempt(ctx, task)
		}
	}
}
