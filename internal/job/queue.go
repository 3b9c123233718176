package job

import (
	"context"
	"sync"
)

// Queue is a blocking multi-priority FIFO. Within a priority band jobs keep
// submission order; across bands Critical drains before High, High before
// Normal, Normal before Low.
type Queue struct {
	mu    sync.Mutex
	bands [numPriorities][]*Job
	wake  chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue appends the job to its priority band.
func (q *Queue) Enqueue(j *Job) {
	q.mu.Lock()
	q.bands[j.Priority] = append(q.bands[j.Priority], j)
	q.mu.Unlock()
	q.signal()
}

// PushFront returns a job to the head of its band. Used when admission defers
// a job that was already dequeued, so it keeps its place in line.
func (q *Queue) PushFront(j *Job) {
	q.mu.Lock()
	q.bands[j.Priority] = append([]*Job{j}, q.bands[j.Priority]...)
	q.mu.Unlock()
	q.signal()
}

// Dequeue blocks until a job is available or ctx is done. The highest-priority
// non-empty band is popped first.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if j := q.pop(); j != nil {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// Remove deletes the job with the given id from the queue. It returns the
// removed job, or nil when the id is not queued.
func (q *Queue) Remove(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.bands {
		for i, j := range q.bands[p] {
			if j.ID == id {
				q.bands[p] = append(q.bands[p][:i], q.bands[p][i+1:]...)
				return j
			}
		}
	}
	return nil
}

// Len returns the total number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for p := range q.bands {
		n += len(q.bands[p])
	}
	return n
}

// Snapshot returns the queued jobs in dequeue order.
func (q *Queue) Snapshot() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for p := range q.bands {
		out = append(out, q.bands[p]...)
	}
	return out
}

func (q *Queue) pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.bands {
		if len(q.bands[p]) == 0 {
			continue
		}
		j := q.bands[p][0]
		q.bands[p] = q.bands[p][1:]
		if q.remainingLocked() > 0 {
			// Re-arm so a concurrent waiter sees the leftover work.
			select {
			case q.wake <- struct{}{}:
			default:
			}
		}
		return j
	}
	return nil
}

func (q *Queue) remainingLocked() int {
	n := 0
	for p := range q.bands {
		n += len(q.bands[p])
	}
	return n
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
