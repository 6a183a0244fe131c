package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchOneSkipsDuplicateEventID(t *testing.T) {
	b := &Bus{lastSeen: make(map[string]string)}

	var calls int
	handler := func(ctx context.Context, evt Event) error {
		calls++
		return nil
	}

	evt := Event{ID: "evt-1", Type: "task.completed", EntityType: "task", EntityID: "task-1"}

	require.NoError(t, b.dispatchOne(context.Background(), "task.completed", handler, evt))
	require.NoError(t, b.dispatchOne(context.Background(), "task.completed", handler, evt))

	assert.Equal(t, 1, calls, "replayed event with the same id must not re-invoke the handler")
}

func TestDispatchOneTreatsDistinctEntitiesIndependently(t *testing.T) {
	b := &Bus{lastSeen: make(map[string]string)}

	var calls int
	handler := func(ctx context.Context, evt Event) error {
		calls++
		return nil
	}

	require.NoError(t, b.dispatchOne(context.Background(), "task.completed", handler,
		Event{ID: "evt-1", Type: "task.completed", EntityType: "task", EntityID: "task-1"}))
	require.NoError(t, b.dispatchOne(context.Background(), "task.completed", handler,
		Event{ID: "evt-2", Type: "task.completed", EntityType: "task", EntityID: "task-2"}))

	assert.Equal(t, 2, calls)
}

func TestTruncateIfNeededPassesThroughSmallPayloads(t *testing.T) {
	small := `{"id":"evt-1","type":"task.completed"}`
	assert.Equal(t, small, truncateIfNeeded(small))
}

func TestTruncateIfNeededEnvelopesOversizedPayloads(t *testing.T) {
	big := `{"id":"evt-1","type":"task.completed","payload":{"blob":"`
	for len(big) < maxNotifyPayloadBytes+500 {
		big += "x"
	}
	big += `"}}`

	out := truncateIfNeeded(big)
	assert.Less(t, len(out), maxNotifyPayloadBytes)
	assert.Contains(t, out, `"truncated":true`)
	assert.Contains(t, out, `"id":"evt-1"`)
}
