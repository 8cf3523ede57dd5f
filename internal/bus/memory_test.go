package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEventBus_PublishDeliversToMatchingSubscriber(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("task.bot1.req1.event", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("text_delta", "task-manager", map[string]any{"text": "hi"})
	require.NoError(t, b.Publish(context.Background(), "task.bot1.req1.event", ev))

	select {
	case got := <-received:
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryEventBus_WildcardSubjectMatching(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("task.*.req1.event", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("text_delta", "task-manager", nil)
	require.NoError(t, b.Publish(context.Background(), "task.bot1.req1.event", ev))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("wildcard subscription did not receive event")
	}
}

func TestMemoryEventBus_TrailingWildcardMatchesRemainder(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("task.bot1.>", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("complete", "task-manager", nil)
	require.NoError(t, b.Publish(context.Background(), "task.bot1.req1.event", ev))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("trailing wildcard subscription did not receive event")
	}
}

func TestMemoryEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe("task.bot1.req1.event", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "task.bot1.req1.event", NewEvent("complete", "x", nil)))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestMemoryEventBus_PublishAfterCloseErrors(t *testing.T) {
	b := NewMemoryEventBus(nil)
	b.Close()
	assert.False(t, b.IsConnected())
	err := b.Publish(context.Background(), "task.bot1.req1.event", NewEvent("complete", "x", nil))
	assert.Error(t, err)
}

func TestMemoryEventBus_NonMatchingSubjectNotDelivered(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("task.bot1.req1.event", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task.bot2.req1.event", NewEvent("complete", "x", nil)))

	select {
	case <-received:
		t.Fatal("unexpected delivery to non-matching subscriber")
	case <-time.After(100 * time.Millisecond):
	}
}
