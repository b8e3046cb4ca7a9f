package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeRoundTrip(t *testing.T) {
	r := NewRouter()
	defer func() { _ = r.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := r.Subscribe(ctx, TopicIndexing)
	require.NoError(t, err)

	want := Event{
		Type:   EventIndexingCompleted,
		Chunks: 42,
	}
	require.NoError(t, r.Publish(TopicIndexing, want))

	select {
	case msg := <-ch:
		var got Event
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, EventIndexingCompleted, got.Type)
		assert.Equal(t, 42, got.Chunks)
		assert.False(t, got.Time.IsZero())
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
