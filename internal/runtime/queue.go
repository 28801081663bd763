package runtime

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pennyops/tradefabric/internal/metrics"
)

// Queue limits and retry policy.
const (
	stuckCutoff       = 10 * time.Minute
	maxRetries        = 3
	minConcurrent     = 2
	maxConcurrentCap  = 20
	defaultConcurrent = 5
)

// TaskFunc is the work a task performs. It must honor ctx.
type TaskFunc func(ctx context.Context) error

// TaskStatus tracks a task through the queue.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

type task struct {
	id       string
	name     string
	fn       TaskFunc
	priority int
	timeout  time.Duration
	depends  []string

	status    TaskStatus
	attempts  int
	submitted time.Time
	started   time.Time
	lastErr   error

	index int // heap bookkeeping
}

// taskHeap orders pending tasks by priority desc, submit time asc.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].submitted.Before(h[j].submitted)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// QueueStats is a point-in-time queue snapshot.
type QueueStats struct {
	Pending       int `json:"pending"`
	Running       int `json:"running"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Queue is a priority task executor with bounded concurrency,
// per-task timeouts, dependency gating, and retry with priority
// decay.
type Queue struct {
	log zerolog.Logger

	mu            sync.Mutex
	pending       taskHeap
	tasks         map[string]*task
	running       int
	completed     int
	failed        int
	maxConcurrent int

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewQueue builds an idle queue; call Run to start dispatching.
func NewQueue(maxConcurrent int, log zerolog.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultConcurrent
	}
	return &Queue{
		log:           log.With().Str("component", "task_queue").Logger(),
		tasks:         make(map[string]*task),
		maxConcurrent: maxConcurrent,
		wake:          make(chan struct{}, 1),
	}
}

// Submit enqueues a task and returns its id. Dependencies reference
// previously submitted task ids; the task waits until all of them
// have completed.
func (q *Queue) Submit(name string, fn TaskFunc, priority int, timeout time.Duration, depends []string) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("task %s submitted without function", name)
	}
	if priority < 1 || priority > 10 {
		return "", fmt.Errorf("task %s priority %d outside 1..10", name, priority)
	}
	if timeout <= 0 || timeout > stuckCutoff {
		timeout = stuckCutoff
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, dep := range depends {
		if _, ok := q.tasks[dep]; !ok {
			return "", fmt.Errorf("task %s depends on unknown task %s", name, dep)
		}
	}

	t := &task{
		id:        uuid.NewString(),
		name:      name,
		fn:        fn,
		priority:  priority,
		timeout:   timeout,
		depends:   depends,
		status:    TaskPending,
		submitted: time.Now(),
	}
	q.tasks[t.id] = t
	heap.Push(&q.pending, t)
	metrics.Fabric().TasksSubmitted.Inc()
	q.signal()
	return t.id, nil
}

// Status reports a task's current state.
func (q *Queue) Status(id string) (TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return "", fmt.Errorf("unknown task %s", id)
	}
	return t.status, nil
}

// Stats snapshots queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Pending:       q.pending.Len(),
		Running:       q.running,
		Completed:     q.completed,
		Failed:        q.failed,
		MaxConcurrent: q.maxConcurrent,
	}
}

// MaxConcurrent returns the current concurrency ceiling.
func (q *Queue) MaxConcurrent() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxConcurrent
}

// SetMaxConcurrent adjusts the ceiling within [2, 20]. Running tasks
// are never interrupted; the new ceiling applies to dispatch.
func (q *Queue) SetMaxConcurrent(n int) int {
	if n < minConcurrent {
		n = minConcurrent
	}
	if n > maxConcurrentCap {
		n = maxConcurrentCap
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.mu.Unlock()
	metrics.Fabric().MaxConcurrent.Set(float64(n))
	q.signal()
	return n
}

// Run dispatches tasks until ctx is cancelled, then waits for
// in-flight tasks to drain.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		q.dispatch(ctx)
		select {
		case <-ctx.Done():
			q.wg.Wait()
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch starts every runnable task that fits under the ceiling.
// Tasks with unfinished dependencies are skipped in place; a failed
// dependency fails the dependent immediately.
func (q *Queue) dispatch(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var deferred []*task
	for q.running < q.maxConcurrent && q.pending.Len() > 0 {
		t := heap.Pop(&q.pending).(*task)
		switch q.depState(t) {
		case TaskFailed:
			t.status = TaskFailed
			t.lastErr = fmt.Errorf("dependency failed")
			q.failed++
			metrics.Fabric().TasksFailed.Inc()
			continue
		case TaskCompleted:
			t.status = TaskRunning
			t.started = time.Now()
			t.attempts++
			q.running++
			q.wg.Add(1)
			go q.execute(ctx, t)
		default:
			deferred = append(deferred, t)
		}
	}
	for _, t := range deferred {
		heap.Push(&q.pending, t)
	}
}

// depState collapses a task's dependencies: failed dominates, then
// any non-completed dep means wait.
func (q *Queue) depState(t *task) TaskStatus {
	state := TaskCompleted
	for _, dep := range t.depends {
		d := q.tasks[dep]
		if d.status == TaskFailed {
			return TaskFailed
		}
		if d.status != TaskCompleted {
			state = TaskPending
		}
	}
	return state
}

func (q *Queue) execute(ctx context.Context, t *task) {
	defer q.wg.Done()

	taskCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return t.fn(taskCtx)
	}()

	q.mu.Lock()
	q.running--
	if err == nil {
		t.status = TaskCompleted
		q.completed++
		metrics.Fabric().TasksCompleted.Inc()
	} else {
		t.lastErr = err
		if t.attempts <= maxRetries {
			// Retry with decayed priority so repeat offenders
			// stop starving fresh work.
			if t.priority > 1 {
				t.priority--
			}
			t.status = TaskPending
			t.submitted = time.Now()
			heap.Push(&q.pending, t)
			q.log.Warn().Err(err).Str("task", t.name).Int("attempt", t.attempts).Msg("Task failed, requeued")
		} else {
			t.status = TaskFailed
			q.failed++
			metrics.Fabric().TasksFailed.Inc()
			q.log.Error().Err(err).Str("task", t.name).Msg("Task failed permanently")
		}
	}
	q.mu.Unlock()
	q.signal()
}
