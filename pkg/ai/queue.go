package ai

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueStopped is returned to callers that arrive after Stop.
var ErrQueueStopped = errors.New("inference queue stopped")

type queueResult struct {
	resp *Response
	err  error
}

type queueJob struct {
	ctx    context.Context
	req    Request
	queued time.Time
	result chan queueResult
}

// Queue serializes every inference call in the process through a single
// worker. Callers block until their turn; nothing is dropped. Queue is
// itself an Endpoint.
type Queue struct {
	next     Endpoint
	log      *zap.Logger
	jobs     chan *queueJob
	done     chan struct{}
	workerWg sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewQueue creates a queue in front of next. size bounds how many callers can
// be enqueued before Generate blocks on admission.
func NewQueue(next Endpoint, size int, log *zap.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{
		next: next,
		log:  log.Named("ai-queue"),
		jobs: make(chan *queueJob, size),
		done: make(chan struct{}),
	}
}

// Start starts the worker
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started || q.stopped {
		return
	}
	q.workerWg.Add(1)
	go q.worker()
	q.started = true
}

// Stop stops the worker after the in-flight call returns. Waiting callers
// receive ErrQueueStopped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.done)
	q.mu.Unlock()

	q.workerWg.Wait()
	for {
		select {
		case job := <-q.jobs:
			job.result <- queueResult{err: ErrQueueStopped}
		default:
			return
		}
	}
}

// Len is the number of waiting calls.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Generate enqueues req and waits for its result.
func (q *Queue) Generate(ctx context.Context, req Request) (*Response, error) {
	job := &queueJob{
		ctx:    ctx,
		req:    req,
		queued: time.Now(),
		result: make(chan queueResult, 1),
	}

	select {
	case q.jobs <- job:
	case <-q.done:
		return nil, ErrQueueStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-job.result:
		return r.resp, r.err
	case <-q.done:
		return nil, ErrQueueStopped
	case <-ctx.Done():
		// the worker sees the cancelled context and skips the call
		return nil, ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.workerWg.Done()

	for {
		select {
		case <-q.done:
			return
		case job := <-q.jobs:
			q.process(job)
		}
	}
}

func (q *Queue) process(job *queueJob) {
	if err := job.ctx.Err(); err != nil {
		job.result <- queueResult{err: err}
		return
	}
	wait := time.Since(job.queued)
	resp, err := q.next.Generate(job.ctx, job.req)
	if err != nil {
		q.log.Debug("inference failed",
			zap.String("purpose", string(job.req.Purpose)),
			zap.Duration("wait", wait),
			zap.Error(err))
	} else {
		q.log.Debug("inference done",
			zap.String("purpose", string(job.req.Purpose)),
			zap.String("provider", string(resp.Provider)),
			zap.Duration("wait", wait),
			zap.Duration("took", resp.Duration))
	}
	job.result <- queueResult{resp: resp, err: err}
}
