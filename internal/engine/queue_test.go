package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/apsync/internal/record"
)

func deltaEvent(slot uint64) Event {
	d := record.Delta{Slot: slot, Kind: record.KindAcknowledge}
	return Event{Type: EventTypeDelta, Delta: &d}
}

func TestEventQueue_EnqueueDequeue(t *testing.T) {
	q := newEventQueue()

	ok := q.Enqueue(deltaEvent(1))
	require.True(t, ok, "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, EventTypeDelta, got.Type)
	assert.Equal(t, uint64(1), got.Delta.Slot)
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for i := uint64(1); i <= 3; i++ {
		q.Enqueue(deltaEvent(i))
	}

	for i := uint64(1); i <= 3; i++ {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, e.Delta.Slot)
	}
}

func TestEventQueue_TryDequeue_Empty(t *testing.T) {
	q := newEventQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_WaitSignalsAfterEnqueue(t *testing.T) {
	q := newEventQueue()

	done := make(chan struct{})
	go func() {
		<-q.Wait()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(deltaEvent(1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not signal")
	}
}

func TestEventQueue_Close_UnblocksWait(t *testing.T) {
	q := newEventQueue()

	done := make(chan struct{})
	go func() {
		<-q.Wait()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case <-done:
		assert.True(t, q.Closed())
	case <-time.After(time.Second):
		t.Fatal("wait did not unblock after close")
	}
}

func TestEventQueue_Enqueue_AfterClose(t *testing.T) {
	q := newEventQueue()
	q.Close()
	q.Close()

	ok := q.Enqueue(deltaEvent(1))
	assert.False(t, ok, "enqueue after close should return false")
}

func TestEventQueue_Len(t *testing.T) {
	q := newEventQueue()

	assert.Equal(t, 0, q.Len())

	q.Enqueue(deltaEvent(1))
	q.Enqueue(Event{Type: EventTypeResume})
	assert.Equal(t, 2, q.Len())

	q.TryDequeue()
	assert.Equal(t, 1, q.Len())

	q.TryDequeue()
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_ThreadSafe(t *testing.T) {
	q := newEventQueue()

	const producers = 10
	const eventsPerProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(producerID int) {
			defer wg.Done()
			for i := 0; i < eventsPerProducer; i++ {
				q.Enqueue(deltaEvent(uint64(producerID*1000 + i)))
			}
		}(p)
	}

	received := make([]Event, 0, producers*eventsPerProducer)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for len(received) < producers*eventsPerProducer {
			e, ok := q.TryDequeue()
			if !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			received = append(received, e)
		}
	}()

	wg.Wait()

	select {
	case <-consumerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer timeout")
	}

	assert.Len(t, received, producers*eventsPerProducer)
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "delta", EventTypeDelta.String())
	assert.Equal(t, "prefetched", EventTypePrefetched.String())
	assert.Equal(t, "unknown", EventType(99).String())
}
