package livequery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrossbarSubsetMatch(t *testing.T) {
	bar := NewCrossbar()
	var got []Notification
	handle := bar.Listen(Notification{"collection": "tasks"}, func(ctx context.Context, n Notification) {
		got = append(got, n)
	})
	defer handle.Stop()

	bar.Fire(context.Background(), Notification{"collection": "tasks", "id": "a"})
	bar.Fire(context.Background(), Notification{"collection": "users", "id": "b"})

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0]["id"])
}

func TestCrossbarIDConstraint(t *testing.T) {
	bar := NewCrossbar()
	hits := 0
	handle := bar.Listen(Notification{"collection": "tasks", "id": "a"}, func(ctx context.Context, n Notification) {
		hits++
	})
	defer handle.Stop()

	bar.Fire(context.Background(), Notification{"collection": "tasks", "id": "a"})
	bar.Fire(context.Background(), Notification{"collection": "tasks", "id": "b"})
	bar.Fire(context.Background(), Notification{"collection": "tasks"})

	assert.Equal(t, 1, hits, "trigger keys absent from the notification must not match")
}

func TestCrossbarEmptyTriggerMatchesEverything(t *testing.T) {
	bar := NewCrossbar()
	hits := 0
	handle := bar.Listen(Notification{}, func(ctx context.Context, n Notification) { hits++ })
	defer handle.Stop()

	bar.Fire(context.Background(), Notification{"collection": "tasks"})
	bar.Fire(context.Background(), Notification{"collection": "users", "id": "x"})

	assert.Equal(t, 2, hits)
}

func TestCrossbarStopIsIdempotent(t *testing.T) {
	bar := NewCrossbar()
	handle := bar.Listen(Notification{"collection": "tasks"}, func(ctx context.Context, n Notification) {})
	handle.Stop()
	handle.Stop()
	assert.Equal(t, 0, bar.ListenerCount("tasks"))
}

func TestCrossbarStopFromInsideCallback(t *testing.T) {
	bar := NewCrossbar()
	hits := 0
	var handle *ListenHandle
	handle = bar.Listen(Notification{"collection": "tasks"}, func(ctx context.Context, n Notification) {
		hits++
		handle.Stop()
	})

	bar.Fire(context.Background(), Notification{"collection": "tasks"})
	bar.Fire(context.Background(), Notification{"collection": "tasks"})
	assert.Equal(t, 1, hits)
}

func TestCrossbarCarriesContext(t *testing.T) {
	bar := NewCrossbar()
	fence := NewFence()
	var seen *Fence
	handle := bar.Listen(Notification{"collection": "tasks"}, func(ctx context.Context, n Notification) {
		seen = FenceFromContext(ctx)
	})
	defer handle.Stop()

	bar.Fire(WithFence(context.Background(), fence), Notification{"collection": "tasks"})
	assert.Same(t, fence, seen)
}

func TestCrossbarListenerPanicIsContained(t *testing.T) {
	bar := NewCrossbar()
	h1 := bar.Listen(Notification{"collection": "tasks"}, func(ctx context.Context, n Notification) {
		panic("listener bug")
	})
	defer h1.Stop()
	hits := 0
	h2 := bar.Listen(Notification{"collection": "tasks"}, func(ctx context.Context, n Notification) { hits++ })
	defer h2.Stop()

	assert.NotPanics(t, func() {
		bar.Fire(context.Background(), Notification{"collection": "tasks"})
	})
	assert.Equal(t, 1, hits)
}
