package decrypt

import "sync"

// jobQueue is an unbounded FIFO. Producers never block; workers wait on
// the signal channel, which holds up to one token per worker.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []Job
	signal chan struct{}
}

func newJobQueue(workers int) *jobQueue {
	return &jobQueue{
		jobs:   make([]Job, 0, 64),
		signal: make(chan struct{}, workers),
	}
}

func (q *jobQueue) push(j Job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *jobQueue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return Job{}, false
	}
	j := q.jobs[0]
	q.jobs[0] = Job{}
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	return j, true
}

func (q *jobQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
