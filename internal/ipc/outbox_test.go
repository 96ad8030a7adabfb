package ipc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxDeliversInOrder(t *testing.T) {
	o := NewOutbox(8, nil)
	for i := 0; i < 5; i++ {
		require.True(t, o.Enqueue(TextDelta{Content: fmt.Sprintf("%d", i)}))
	}
	o.Close()

	var got []string
	for {
		m, ok := o.Next()
		if !ok {
			break
		}
		got = append(got, m.(TextDelta).Content)
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, got)
}

func TestOutboxDropsTextDeltasWhenFull(t *testing.T) {
	o := NewOutbox(2, nil)
	require.True(t, o.Enqueue(TextDelta{Content: "a"}))
	require.True(t, o.Enqueue(TextDelta{Content: "b"}))

	// Queue is full: a new delta is dropped, not queued.
	assert.False(t, o.Enqueue(TextDelta{Content: "c"}))
	assert.Equal(t, 1, o.Dropped())
}

func TestOutboxShedsDeltasForToolFrames(t *testing.T) {
	o := NewOutbox(2, nil)
	require.True(t, o.Enqueue(TextDelta{Content: "a"}))
	require.True(t, o.Enqueue(TextDelta{Content: "b"}))

	// A tool frame must not be lost: the oldest delta is shed to make room.
	done := make(chan struct{})
	go func() {
		o.Enqueue(Error{Message: "x"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tool frame enqueue blocked despite sheddable deltas")
	}
	assert.Equal(t, 1, o.Dropped())

	m, ok := o.Next()
	require.True(t, ok)
	assert.Equal(t, TextDelta{Content: "b"}, m)
	m, ok = o.Next()
	require.True(t, ok)
	assert.Equal(t, Error{Message: "x"}, m)
}

func TestOutboxPublisherNeverBlocksOnDeltas(t *testing.T) {
	o := NewOutbox(4, nil)
	done := make(chan struct{})
	go func() {
		// Nobody drains; with N+K deltas the enqueuer must still finish.
		for i := 0; i < 100; i++ {
			o.Enqueue(TextDelta{Content: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on full outbox")
	}
	assert.Equal(t, 96, o.Dropped())
}

func TestOutboxDropCallback(t *testing.T) {
	var mu sync.Mutex
	var totals []int
	o := NewOutbox(1, func(n int) {
		mu.Lock()
		totals = append(totals, n)
		mu.Unlock()
	})
	o.Enqueue(TextDelta{Content: "a"})
	o.Enqueue(TextDelta{Content: "b"})
	o.Enqueue(TextDelta{Content: "c"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, totals)
}

func TestOutboxCloseWakesConsumer(t *testing.T) {
	o := NewOutbox(4, nil)
	done := make(chan bool, 1)
	go func() {
		_, ok := o.Next()
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	o.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer not woken by Close")
	}
}
