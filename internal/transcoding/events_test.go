package transcoding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerEvents(t *testing.T) {
	ctx := context.Background()
	publisher := &fakePublisher{}
	events := NewBrokerEvents(publisher, "video.events")
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	events.now = func() time.Time { return now }

	require.NoError(t, events.FileAdded(ctx, FileAddedEvent{VideoUUID: "video-1", Resolution: 720}))
	require.NoError(t, events.LiveEnded(ctx, "video-1", "session-1"))
	require.NoError(t, events.TranscodingFailed(ctx, FailureEvent{VideoUUID: "video-1"}))
	require.NoError(t, events.LiveChunk(ctx, LiveChunkEvent{VideoUUID: "video-1"}))
	require.NoError(t, events.StorageMoveFailed(ctx, FailureEvent{VideoUUID: "video-1"}))

	require.Len(t, publisher.msgs, 5)
	keys := make([]string, len(publisher.msgs))
	for i, m := range publisher.msgs {
		assert.Equal(t, "video.events", m.exchange)
		keys[i] = m.routingKey
	}
	assert.Equal(t, []string{
		RoutingKeyFileAdded,
		RoutingKeyLiveEnded,
		RoutingKeyTranscodingFailed,
		RoutingKeyLiveChunk,
		RoutingKeyStorageMoveFailed,
	}, keys)

	first := publisher.msgs[0].msg.(envelope)
	assert.Equal(t, RoutingKeyFileAdded, first.Event)
	assert.Equal(t, now, first.OccurredAt)
	assert.Equal(t, FileAddedEvent{VideoUUID: "video-1", Resolution: 720}, first.Data)

	publisher.err = errBoom
	assert.ErrorIs(t, events.FileAdded(ctx, FileAddedEvent{}), errBoom)
}
