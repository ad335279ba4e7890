package netmux

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joy-dx/netmux/dto"
	"golang.org/x/sync/semaphore"
)

var (
	ErrQueueShutdown  = errors.New("task queue shut down")
	ErrTaskNotPending = errors.New("task is not pending")
	ErrNilTask        = errors.New("nil task")
)

// TaskQueue starts submitted tasks while honouring a concurrency limit.
type TaskQueue struct {
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	shutdown atomic.Bool

	mu       sync.Mutex
	tasks    []Task
	errs     []error
	finished int
	changed  chan struct{}
}

// NewTaskQueue creates a queue running at most maxConcurrent tasks at once.
// If maxConcurrent <= 0, concurrency is unlimited.
func NewTaskQueue(maxConcurrent int) *TaskQueue {
	q := &TaskQueue{changed: make(chan struct{})}
	if maxConcurrent > 0 {
		q.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return q
}

// Add hands a pending task to the queue. A task can be queued only once.
func (q *TaskQueue) Add(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	if q.shutdown.Load() {
		return ErrQueueShutdown
	}
	if err := task.base().markQueued(); err != nil {
		return err
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(task)
	return nil
}

func (q *TaskQueue) run(task Task) {
	defer q.wg.Done()
	b := task.base()

	if q.sem != nil {
		ctx, cancel := context.WithCancel(b.context())
		go func() {
			select {
			case <-task.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		err := q.sem.Acquire(ctx, 1)
		cancel()
		if err != nil {
			b.complete(dto.NewTaskError(0, dto.ErrCancelled, "waiting for a slot", err))
			<-task.Done()
			q.finish(task)
			return
		}
		defer q.sem.Release(1)
	}

	if q.shutdown.Load() {
		b.complete(dto.NewTaskError(0, dto.ErrCancelled, "not started", ErrQueueShutdown))
	} else {
		b.start()
	}
	<-task.Done()
	q.finish(task)
}

func (q *TaskQueue) finish(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.tasks {
		if t == task {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			break
		}
	}
	if err := task.Err(); err != nil {
		q.errs = append(q.errs, err)
	}
	q.finished++
	close(q.changed)
	q.changed = make(chan struct{})
}

// Tasks lists queued and running tasks in submission order.
func (q *TaskQueue) Tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.tasks...)
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Finished counts tasks that completed since the queue was created.
func (q *TaskQueue) Finished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

func (q *TaskQueue) CancelAll() {
	for _, task := range q.Tasks() {
		task.Cancel()
	}
}

// Shutdown rejects new tasks. Queued tasks that have not started yet are
// cancelled when their turn comes.
func (q *TaskQueue) Shutdown() {
	q.shutdown.Store(true)
}

// Wait blocks until every added task completed and returns all task errors
// joined via errors.Join.
func (q *TaskQueue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return errors.Join(q.errs...)
}

// WaitN blocks until at least n tasks finished.
func (q *TaskQueue) WaitN(ctx context.Context, n int) error {
	for {
		q.mu.Lock()
		if q.finished >= n {
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
