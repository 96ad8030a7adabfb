package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchismo/batchismo/internal/ipc"
)

func delta(s string) Event {
	return Event{SessionKey: "main", Message: ipc.TextDelta{Content: s}}
}

func TestDeliveryOrderMatchesPublicationOrder(t *testing.T) {
	b := New(nil)
	defer b.Close()
	sub := b.Subscribe()

	for i := 0; i < 10; i++ {
		b.Publish(delta(fmt.Sprintf("%d", i)))
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-sub.C():
			assert.Equal(t, fmt.Sprintf("%d", i), ev.Message.(ipc.TextDelta).Content)
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestAllSubscribersReceiveAllEvents(t *testing.T) {
	b := New(nil)
	defer b.Close()
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(delta("x"))

	for _, sub := range []*Subscriber{a, c} {
		select {
		case ev := <-sub.C():
			assert.Equal(t, "x", ev.Message.(ipc.TextDelta).Content)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestPublisherNeverBlocksOnSlowSubscriber(t *testing.T) {
	const buffer = 4
	const extra = 20

	var mu sync.Mutex
	drops := 0
	b := New(func(key string, dropped int) {
		mu.Lock()
		drops++
		mu.Unlock()
	})
	defer b.Close()

	sub := b.SubscribeBuffered(buffer)

	done := make(chan struct{})
	go func() {
		for i := 0; i < buffer+extra; i++ {
			b.Publish(delta("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}

	// The subscriber received at most its buffer; the rest were dropped
	// and each drop was reported.
	received := 0
	for {
		select {
		case <-sub.C():
			received++
			continue
		default:
		}
		break
	}
	assert.LessOrEqual(t, received, buffer)
	assert.Equal(t, extra, sub.Dropped())
	mu.Lock()
	assert.GreaterOrEqual(t, drops, 1)
	mu.Unlock()
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	defer b.Close()
	sub := b.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.C()
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic.
	b.Publish(delta("x"))
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := New(nil)
	a := b.Subscribe()
	c := b.Subscribe()
	b.Close()

	_, ok := <-a.C()
	assert.False(t, ok)
	_, ok = <-c.C()
	assert.False(t, ok)

	// Publish and Subscribe after Close are safe no-ops.
	b.Publish(delta("x"))
	late := b.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestEventCarriesSessionIdentity(t *testing.T) {
	b := New(nil)
	defer b.Close()
	sub := b.Subscribe()

	id := uuid.New()
	b.Publish(Event{SessionID: id, SessionKey: "main", Message: ipc.Error{Message: "boom"}})

	select {
	case ev := <-sub.C():
		assert.Equal(t, id, ev.SessionID)
		assert.Equal(t, "main", ev.SessionKey)
		require.IsType(t, ipc.Error{}, ev.Message)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}
