package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBusDeliversInOrder(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe(8)
	defer cancel()

	for i := 0; i < 3; i++ {
		b.Publish(ExecutionCompleted{SessionID: "s1", ExitCode: i})
	}

	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			assert.Equal(t, "s1", ev.SessionID)
			assert.Equal(t, i, ev.ExitCode)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	defer b.Close()

	// Buffer of one, never drained: the second publish must not hang.
	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		b.Publish(ExecutionCompleted{SessionID: "a"})
		b.Publish(ExecutionCompleted{SessionID: "b"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBusCancelAndClose(t *testing.T) {
	b := NewBus()

	ch, cancel := b.Subscribe(1)
	cancel()
	_, open := <-ch
	assert.False(t, open)

	ch2, _ := b.Subscribe(1)
	b.Close()
	_, open = <-ch2
	assert.False(t, open)

	// Publishing after close is a no-op, not a panic.
	b.Publish(ExecutionCompleted{SessionID: "late"})
}
