package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeOperationState, map[string]string{"state": "running"})

	select {
	case ev := <-ch:
		assert.Equal(t, int64(1), ev.ID)
		assert.Equal(t, TypeOperationState, ev.Type)
		var payload map[string]string
		require.NoError(t, ev.Decode(&payload))
		assert.Equal(t, "running", payload["state"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe(TypeEnvironmentsChanged)
	defer cancel()

	h.Publish(TypeOperationOutput, nil)
	h.Publish(TypeEnvironmentsChanged, nil)

	ev := <-ch
	assert.Equal(t, TypeEnvironmentsChanged, ev.Type)
	assert.JSONEq(t, "{}", string(ev.Data))
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %v", extra)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// publishing after cancel must not panic
	h.Publish(TypeOperationState, nil)
}

func TestSnapshotSinceRingBuffer(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeOperationOutput, i)
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(TypeOperationOutput, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
