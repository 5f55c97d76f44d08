package engine

import (
	"context"
	"sync"

	"github.com/roach88/apsync/internal/decrypt"
	"github.com/roach88/apsync/internal/prefetch"
	"github.com/roach88/apsync/internal/record"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeDelta carries a newly sequenced delta.
	EventTypeDelta EventType = iota + 1
	// EventTypeDecrypted carries a worker pool result.
	EventTypeDecrypted
	// EventTypePrefetched carries a prefetch round completion.
	EventTypePrefetched
	// EventTypeResume restarts a burst that yielded.
	EventTypeResume
	// EventTypeRetryKeys resubmits quarantined key-missing nodes.
	EventTypeRetryKeys
	// EventTypeCall runs a function on the sequencer goroutine.
	EventTypeCall
)

func (t EventType) String() string {
	switch t {
	case EventTypeDelta:
		return "delta"
	case EventTypeDecrypted:
		return "decrypted"
	case EventTypePrefetched:
		return "prefetched"
	case EventTypeResume:
		return "resume"
	case EventTypeRetryKeys:
		return "retry_keys"
	case EventTypeCall:
		return "call"
	}
	return "unknown"
}

// Event is one unit of work for the sequencer loop.
type Event struct {
	Type       EventType
	Delta      *record.Delta
	Result     *decrypt.Result
	Completion *prefetch.Completion
	Call       func(context.Context) error
	Done       chan error
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded: worker results and prefetch completions must
// never block on the sequencer.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Nil out the slot so the backing array does not retain deltas.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
