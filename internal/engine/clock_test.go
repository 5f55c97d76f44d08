package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_NewClock(t *testing.T) {
	c := NewClock()
	assert.Equal(t, uint64(0), c.Current(), "new clock should hand out slot 0 first")
}

func TestClock_NewClockAt(t *testing.T) {
	c := NewClockAt(100)
	assert.Equal(t, uint64(100), c.Next())
	assert.Equal(t, uint64(101), c.Current())
}

func TestClock_Next_Gapless(t *testing.T) {
	c := NewClock()

	assert.Equal(t, uint64(0), c.Next())
	assert.Equal(t, uint64(1), c.Next())
	assert.Equal(t, uint64(2), c.Next())

	assert.Equal(t, uint64(3), c.Current())
}

func TestClock_ThreadSafe(t *testing.T) {
	c := NewClock()
	const goroutines = 100
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	slots := make(chan uint64, goroutines*callsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				slots <- c.Next()
			}
		}()
	}

	wg.Wait()
	close(slots)

	seen := make(map[uint64]bool)
	for s := range slots {
		assert.False(t, seen[s], "slot %d handed out twice", s)
		seen[s] = true
	}

	expected := goroutines * callsPerGoroutine
	assert.Len(t, seen, expected)
	for i := 0; i < expected; i++ {
		assert.True(t, seen[uint64(i)], "slot %d missing", i)
	}
}

func TestClock_Current_DoesNotIncrement(t *testing.T) {
	c := NewClock()

	c.Next()
	c.Next()

	assert.Equal(t, uint64(2), c.Current())
	assert.Equal(t, uint64(2), c.Current())
}
