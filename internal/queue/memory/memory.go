// Package memory is an in-process queue.Queue implementation: a
// container of per-name priority queues, used by tests and by
// single-process engine configurations.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/maestro-run/maestro/internal/queue"
)

var _ queue.Queue = (*Queue)(nil)

// item is one entry in a priority queue's internal heap.
type item struct {
	job   *queue.Job
	index int
}

// priorityQueue is a min-heap ordered so the highest Priority (and, for
// ties, the earliest CreatedAt) pops first.
type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].job.Priority != pq[j].job.Priority {
		return pq[i].job.Priority > pq[j].job.Priority
	}
	return pq[i].job.CreatedAt.Before(pq[j].job.CreatedAt)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*pq)
	*pq = append(*pq, it)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return it
}

// namedQueue is a single blocking, closable priority queue.
type namedQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	pq     priorityQueue
	closed bool
}

func newNamedQueue() *namedQueue {
	nq := &namedQueue{}
	nq.cond = sync.NewCond(&nq.mu)
	return nq
}

func (nq *namedQueue) enqueue(job *queue.Job) error {
	nq.mu.Lock()
	defer nq.mu.Unlock()
	if nq.closed {
		return queue.ErrQueueClosed
	}
	heap.Push(&nq.pq, &item{job: job})
	nq.cond.Signal()
	return nil
}

// dequeue blocks until a job whose AvailableAt has arrived is at the
// front, ctx is cancelled, or the queue is closed.
func (nq *namedQueue) dequeue(ctx context.Context) (*queue.Job, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			nq.mu.Lock()
			nq.cond.Broadcast()
			nq.mu.Unlock()
		case <-done:
		}
	}()

	nq.mu.Lock()
	defer nq.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if nq.closed {
			return nil, queue.ErrQueueClosed
		}
		if nq.pq.Len() == 0 {
			nq.cond.Wait()
			continue
		}
		next := nq.pq[0].job
		if wait := time.Until(next.AvailableAt); wait > 0 {
			timer := time.AfterFunc(wait, func() {
				nq.mu.Lock()
				nq.cond.Broadcast()
				nq.mu.Unlock()
			})
			nq.cond.Wait()
			timer.Stop()
			continue
		}
		popped := heap.Pop(&nq.pq).(*item)
		return popped.job, nil
	}
}

func (nq *namedQueue) peek() *queue.Job {
	nq.mu.Lock()
	defer nq.mu.Unlock()
	if nq.pq.Len() == 0 {
		return nil
	}
	return nq.pq[0].job
}

func (nq *namedQueue) len() int {
	nq.mu.Lock()
	defer nq.mu.Unlock()
	return nq.pq.Len()
}

func (nq *namedQueue) close() error {
	nq.mu.Lock()
	defer nq.mu.Unlock()
	nq.closed = true
	nq.cond.Broadcast()
	return nil
}

// Queue is the in-process queue.Queue implementation.
type Queue struct {
	mu        sync.Mutex
	queues    map[string]*namedQueue
	schedules map[string]*cron.Cron
	seq       int64
	stopped   bool
}

// New creates an empty in-process queue container.
func New() *Queue {
	return &Queue{
		queues:    make(map[string]*namedQueue),
		schedules: make(map[string]*cron.Cron),
	}
}

func (q *Queue) named(name string) *namedQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	nq, ok := q.queues[name]
	if !ok {
		nq = newNamedQueue()
		nq.closed = q.stopped
		q.queues[name] = nq
	}
	return nq
}

// CreateQueue declares name; concurrency is advisory only for the
// in-process implementation, which relies on the caller running at most
// concurrency goroutines against Work.
func (q *Queue) CreateQueue(ctx context.Context, name string, concurrency int) error {
	q.named(name)
	return nil
}

// Send enqueues payload onto name.
func (q *Queue) Send(ctx context.Context, name string, payload []byte, opts queue.SendOptions) (*queue.Job, error) {
	q.mu.Lock()
	q.seq++
	id := fmt.Sprintf("job_%d", q.seq)
	q.mu.Unlock()

	now := time.Now()
	job := &queue.Job{
		ID:          id,
		Queue:       name,
		Payload:     payload,
		Priority:    opts.Priority,
		CreatedAt:   now,
		AvailableAt: now.Add(opts.Delay),
	}
	if err := q.named(name).enqueue(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Work subscribes handler to name until ctx is cancelled.
func (q *Queue) Work(ctx context.Context, name string, handler queue.Handler) error {
	nq := q.named(name)
	for {
		job, err := nq.dequeue(ctx)
		if err != nil {
			return err
		}
		if err := handler(ctx, job); err != nil {
			// At-least-once redelivery: put it back for another worker.
			_ = nq.enqueue(job)
		}
	}
}

// Schedule registers a cron-driven Send against name.
func (q *Queue) Schedule(ctx context.Context, name, cronExpr string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.schedules[name]; ok {
		existing.Stop()
	}

	c := cron.New()
	_, err := c.AddFunc(cronExpr, func() {
		_, _ = q.Send(context.Background(), name, payload, queue.SendOptions{})
	})
	if err != nil {
		return fmt.Errorf("parsing cron expression: %w", err)
	}
	c.Start()
	q.schedules[name] = c
	return nil
}

// Unschedule removes a previously registered schedule.
func (q *Queue) Unschedule(ctx context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.schedules[name]; ok {
		c.Stop()
		delete(q.schedules, name)
	}
	return nil
}

// Stop closes every named queue and every running schedule.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	for _, c := range q.schedules {
		c.Stop()
	}
	for _, nq := range q.queues {
		nq.close()
	}
	return nil
}
