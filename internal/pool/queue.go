package pool

import (
	"context"
	"sync"
	"time"
)

type queuedJob struct {
	key        string
	fn         JobFunc
	args       Args
	enqueuedAt time.Time
}

// deviceQueue is an unbounded FIFO with many producers and one consumer.
//
// The consumer is identified by its worker generation: only the owner may
// pop, so a worker abandoned by Recycle can never steal jobs from its
// replacement. The queue outlives worker generations.
type deviceQueue struct {
	mu     sync.Mutex
	items  []queuedJob
	owner  uint64
	busy   bool
	closed bool

	// notify wakes the consumer; capacity 1 so producers never block.
	notify chan struct{}
}

func newDeviceQueue() *deviceQueue {
	return &deviceQueue{notify: make(chan struct{}, 1)}
}

func (q *deviceQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// push appends without blocking.
func (q *deviceQueue) push(j queuedJob) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, j)
	q.mu.Unlock()
	q.signal()
	return nil
}

// bind hands the queue to a worker generation (0 revokes ownership).
func (q *deviceQueue) bind(gen uint64) {
	q.mu.Lock()
	q.owner = gen
	if gen == 0 {
		q.busy = false
	}
	q.mu.Unlock()
	q.signal()
}

// pop blocks until a job is available for gen. It returns false when ctx is
// done, the queue is closed, or gen no longer owns the queue.
func (q *deviceQueue) pop(ctx context.Context, gen uint64) (queuedJob, bool) {
	for {
		if ctx.Err() != nil {
			return queuedJob{}, false
		}
		q.mu.Lock()
		if q.closed || q.owner != gen {
			q.mu.Unlock()
			// Pass the wakeup on in case it was meant for the new owner.
			q.signal()
			return queuedJob{}, false
		}
		if len(q.items) > 0 {
			j := q.items[0]
			q.items[0] = queuedJob{}
			q.items = q.items[1:]
			q.busy = true
			q.mu.Unlock()
			return j, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return queuedJob{}, false
		case <-q.notify:
		}
	}
}

// release marks the owner's current job as done.
func (q *deviceQueue) release(gen uint64) {
	q.mu.Lock()
	if q.owner == gen {
		q.busy = false
	}
	q.mu.Unlock()
}

// length is the number of jobs waiting to be dequeued.
func (q *deviceQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// load is the queue length plus one if the owner is running a job.
func (q *deviceQueue) load() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if q.busy {
		n++
	}
	return n
}

func (q *deviceQueue) isBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// close rejects further pushes, wakes the consumer and returns the jobs that
// were still waiting.
func (q *deviceQueue) close() []queuedJob {
	q.mu.Lock()
	q.closed = true
	dropped := q.items
	q.items = nil
	q.mu.Unlock()
	q.signal()
	return dropped
}
